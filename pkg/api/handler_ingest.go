package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/echolab/echoman/pkg/models"
)

// maxBatchItems bounds one collector push.
const maxBatchItems = 1000

type ingestRequest struct {
	Items []models.ItemDraft `json:"items" binding:"required"`
}

// IngestItems accepts one collector batch. Per-item rejections are
// reported in the counters, not as request failures.
func (s *Server) IngestItems(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "items must not be empty"})
		return
	}
	if len(req.Items) > maxBatchItems {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch exceeds 1000 items"})
		return
	}

	res, err := s.ingestor.IngestBatch(c.Request.Context(), req.Items)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}
