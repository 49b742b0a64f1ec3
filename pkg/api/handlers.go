package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/period"
	"github.com/echolab/echoman/pkg/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// topicDetail is the composite read for one topic.
type topicDetail struct {
	Topic      *models.Topic            `json:"topic"`
	Summary    *models.Summary          `json:"summary,omitempty"`
	PeriodHeat []models.TopicPeriodHeat `json:"period_heat"`
	EchoLength string                   `json:"echo_length"`
}

// ListTopics returns topics ordered by recency.
func (s *Server) ListTopics(c *gin.Context) {
	limit := queryInt(c, "limit", defaultListLimit)
	offset := queryInt(c, "offset", 0)
	if limit < 1 || limit > maxListLimit || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-200 and offset non-negative"})
		return
	}
	activeOnly := c.Query("active") == "true"

	topics, err := s.store.ListTopics(c.Request.Context(), limit, offset, activeOnly)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics, "count": len(topics)})
}

// GetTopic returns one topic with its current summary and heat history.
func (s *Server) GetTopic(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic id must be an integer"})
		return
	}

	ctx := c.Request.Context()
	topic, err := s.store.GetTopic(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	detail := topicDetail{
		Topic:      topic,
		EchoLength: topic.EchoLength().String(),
	}
	if sum, err := s.store.LatestSummary(ctx, id); err == nil {
		detail.Summary = sum
	} else if !errors.Is(err, store.ErrNotFound) {
		s.respondError(c, err)
		return
	}
	heat, err := s.store.ListPeriodHeat(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	detail.PeriodHeat = heat

	c.JSON(http.StatusOK, detail)
}

// ListTopicItems returns the topic's merged items, newest first.
func (s *Server) ListTopicItems(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic id must be an integer"})
		return
	}
	limit := queryInt(c, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-200"})
		return
	}

	ctx := c.Request.Context()
	if _, err := s.store.GetTopic(ctx, id); err != nil {
		s.respondError(c, err)
		return
	}
	items, err := s.store.ListTopicItems(ctx, id, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// PlatformStats returns per-platform aggregates for one period, plus the
// item state breakdown.
func (s *Server) PlatformStats(c *gin.Context) {
	periodKey := c.DefaultQuery("period", period.Now())
	if _, _, err := period.ParseKey(periodKey); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	stats, err := s.store.PlatformHeatStats(ctx, periodKey)
	if err != nil {
		s.respondError(c, err)
		return
	}
	states, err := s.store.CountItemsByStatus(ctx, periodKey)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"period": periodKey, "platforms": stats, "states": states})
}

// CategoryStats returns the per-category aggregates for one date.
func (s *Server) CategoryStats(c *gin.Context) {
	dateStr := c.DefaultQuery("date", time.Now().In(period.Location()).Format("2006-01-02"))
	date, err := time.ParseInLocation("2006-01-02", dateStr, period.Location())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	metrics, err := s.store.ListCategoryMetrics(c.Request.Context(), date)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": dateStr, "categories": metrics})
}

// ListRuns returns recent pipeline run records.
func (s *Server) ListRuns(c *gin.Context) {
	kind := models.RunKind(c.Query("kind"))
	limit := queryInt(c, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-200"})
		return
	}

	runs, err := s.store.ListRuns(c.Request.Context(), kind, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
