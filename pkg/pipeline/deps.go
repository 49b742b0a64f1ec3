// Package pipeline implements the two-stage merge: per-period event
// deduplication (stage one) and global topic association (stage two).
package pipeline

import (
	"context"
	"time"

	"github.com/echolab/echoman/pkg/llm"
	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/period"
	"github.com/echolab/echoman/pkg/store"
)

// ItemStore is the item-level persistence surface stage one needs.
type ItemStore interface {
	ListItemsByStatus(ctx context.Context, periodKey string, status models.MergeStatus) ([]*models.SourceItem, error)
	UpdateHeat(ctx context.Context, heat map[int64]float64) error
	SetEmbeddingIDs(ctx context.Context, embeddingIDs map[int64]string) error
	AssignGroup(ctx context.Context, groupID string, itemIDs []int64, occurrence int) error
	TransitionItems(ctx context.Context, itemIDs []int64, from, to models.MergeStatus) (int64, error)
	RecordEmbeddingRef(ctx context.Context, ref models.EmbeddingRef) error
	StartRun(ctx context.Context, kind models.RunKind, periodKey string) (int64, error)
	FinishRun(ctx context.Context, id int64, status models.RunStatus, counters map[string]int, errMsg string) error
}

// TopicStore is the topic-level persistence surface stage two needs.
type TopicStore interface {
	ListItemsByStatus(ctx context.Context, periodKey string, status models.MergeStatus) ([]*models.SourceItem, error)
	GetTopic(ctx context.Context, id int64) (*models.Topic, error)
	MostRecentTopics(ctx context.Context, n int, activeOnly bool) ([]*models.Topic, error)
	LatestSummary(ctx context.Context, topicID int64) (*models.Summary, error)
	MergeGroupIntoTopic(ctx context.Context, m store.GroupMerge) error
	CreateTopicFromGroup(ctx context.Context, g store.NewTopicGroup) (int64, error)
	ZeroTopicHeat(ctx context.Context, topicID int64, date time.Time, p period.Period) error
	RefreshCategoryMetrics(ctx context.Context, date time.Time) error
	StartRun(ctx context.Context, kind models.RunKind, periodKey string) (int64, error)
	FinishRun(ctx context.Context, id int64, status models.RunStatus, counters map[string]int, errMsg string) error
}

// Embedder produces vectors for item and query texts.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedModel() string
}

// Adjudicator is the LLM decision surface.
type Adjudicator interface {
	ConfirmEventGroup(ctx context.Context, items []llm.GroupItem) (models.GroupVerdict, error)
	DecideAssociation(ctx context.Context, rep llm.GroupItem, candidates []llm.TopicCandidate) (models.AssociationDecision, error)
}

// SummaryEngine is the summary surface stage two drives.
type SummaryEngine interface {
	// EnsurePlaceholder writes a placeholder summary and its vector when
	// the topic has no summary yet; a no-op otherwise.
	EnsurePlaceholder(ctx context.Context, topicID int64) error
	// GenerateFull replaces the topic's summary with an LLM-written one.
	GenerateFull(ctx context.Context, topicID int64) error
	// RefreshIncremental folds newly merged nodes into the existing
	// summary, subject to the engine's gating.
	RefreshIncremental(ctx context.Context, topicID int64) error
}

// Classifier is the external category-assignment hook. Classification
// failures leave the topic uncategorized, never fail the group.
type Classifier interface {
	Classify(ctx context.Context, texts []string) (category string, confidence float64, method string, err error)
}

// NoopClassifier leaves every topic uncategorized.
type NoopClassifier struct{}

// Classify reports no category.
func (NoopClassifier) Classify(context.Context, []string) (string, float64, string, error) {
	return "", 0, "", nil
}
