// Package api exposes the HTTP surface: collector intake, topic reads,
// pipeline admin triggers and the streaming chat endpoint.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/echolab/echoman/pkg/database"
	"github.com/echolab/echoman/pkg/ingest"
	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/rag"
)

// ReadStore is the query surface the read endpoints need.
type ReadStore interface {
	ListTopics(ctx context.Context, limit, offset int, activeOnly bool) ([]*models.Topic, error)
	GetTopic(ctx context.Context, id int64) (*models.Topic, error)
	LatestSummary(ctx context.Context, topicID int64) (*models.Summary, error)
	ListPeriodHeat(ctx context.Context, topicID int64) ([]models.TopicPeriodHeat, error)
	ListTopicItems(ctx context.Context, topicID int64, limit int) ([]*models.SourceItem, error)
	PlatformHeatStats(ctx context.Context, periodKey string) ([]models.PlatformHeatStat, error)
	CountItemsByStatus(ctx context.Context, periodKey string) (map[models.MergeStatus]int, error)
	ListCategoryMetrics(ctx context.Context, date time.Time) ([]models.CategoryMetric, error)
	ListRuns(ctx context.Context, kind models.RunKind, limit int) ([]*models.RunRecord, error)
}

// Ingestor accepts collector batches.
type Ingestor interface {
	IngestBatch(ctx context.Context, drafts []models.ItemDraft) (ingest.Result, error)
}

// StageRunner triggers one pipeline stage for one period key.
type StageRunner interface {
	Run(ctx context.Context, periodKey string) error
}

// Asker answers chat questions as a typed event stream.
type Asker interface {
	Ask(ctx context.Context, req rag.Request, emit func(rag.Event) error) error
}

// HealthChecker reports backing-store connectivity.
type HealthChecker interface {
	Health(ctx context.Context) (database.HealthStatus, error)
}

// Server wires the handlers to their dependencies.
type Server struct {
	store    ReadStore
	ingestor Ingestor
	stage1   StageRunner
	stage2   StageRunner
	asker    Asker
	health   HealthChecker
	logger   *slog.Logger
}

// NewServer builds the API server. All dependencies are required.
func NewServer(store ReadStore, ingestor Ingestor, stage1, stage2 StageRunner, asker Asker, health HealthChecker, logger *slog.Logger) *Server {
	if store == nil || ingestor == nil || stage1 == nil || stage2 == nil || asker == nil || health == nil {
		panic("api.NewServer: all dependencies are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    store,
		ingestor: ingestor,
		stage1:   stage1,
		stage2:   stage2,
		asker:    asker,
		health:   health,
		logger:   logger,
	}
}

// Handler returns the configured router.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/health", s.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/items", s.IngestItems)
		v1.POST("/chat", s.Chat)

		v1.GET("/topics", s.ListTopics)
		v1.GET("/topics/:id", s.GetTopic)
		v1.GET("/topics/:id/items", s.ListTopicItems)

		v1.GET("/stats/platforms", s.PlatformStats)
		v1.GET("/stats/categories", s.CategoryStats)
		v1.GET("/runs", s.ListRuns)

		admin := v1.Group("/admin")
		admin.POST("/merge/event", s.TriggerEventMerge)
		admin.POST("/merge/global", s.TriggerGlobalMerge)
	}
	return r
}

// requestLog logs one line per request in the service's slog format.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
