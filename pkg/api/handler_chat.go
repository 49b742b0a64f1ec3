package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/rag"
)

type chatRequest struct {
	Mode     string `json:"mode"`
	TopicID  int64  `json:"topic_id"`
	Question string `json:"question" binding:"required"`
}

// Chat answers one question as a server-sent event stream. Each stream
// element is one typed event; the stream ends with done or error.
func (s *Server) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	mode := models.ChatMode(req.Mode)
	if req.Mode == "" {
		mode = models.ChatGlobal
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.asker.Ask(c.Request.Context(), rag.Request{
		Mode:     mode,
		TopicID:  req.TopicID,
		Question: req.Question,
	}, func(ev rag.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// The terminal error event already went out when the stream was
		// still writable; this is for the log only.
		s.logger.Warn("Chat stream ended with error", "mode", mode, "error", err)
	}
}
