package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/echolab/echoman/pkg/store"
)

// respondError maps store-layer errors to HTTP error responses.
func (s *Server) respondError(c *gin.Context, err error) {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	if errors.Is(err, store.ErrDuplicate) {
		c.JSON(http.StatusConflict, gin.H{"error": "resource already exists"})
		return
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		c.JSON(http.StatusConflict, gin.H{"error": "resource is not in a processable state"})
		return
	}

	s.logger.Error("Unexpected handler error", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
