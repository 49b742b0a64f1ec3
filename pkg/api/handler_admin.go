package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/echolab/echoman/pkg/period"
)

type mergeRequest struct {
	PeriodKey string `json:"period_key"`
}

// TriggerEventMerge runs stage one for the given period. Re-running a
// processed period is safe: nothing is left in pending_event_merge.
func (s *Server) TriggerEventMerge(c *gin.Context) {
	s.triggerStage(c, "event_merge", s.stage1)
}

// TriggerGlobalMerge runs stage two for the given period. Groups that
// failed earlier are still pending and get retried.
func (s *Server) TriggerGlobalMerge(c *gin.Context) {
	s.triggerStage(c, "global_merge", s.stage2)
}

func (s *Server) triggerStage(c *gin.Context, name string, runner StageRunner) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	key := req.PeriodKey
	if key == "" {
		key = period.Now()
	} else if _, _, err := period.ParseKey(key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info("Manual stage trigger", "stage", name, "period", key)
	if err := runner.Run(c.Request.Context(), key); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stage": name, "period": key, "status": "completed"})
}
