// Package vector defines the vector-index contract the pipeline and the
// RAG reader depend on, plus the ChromaDB adapter implementing it.
package vector

import (
	"context"
	"fmt"

	"github.com/echolab/echoman/pkg/models"
)

// Metadata is the payload stored next to each vector. TopicID and
// GeneratedAt are only set for topic_summary records.
type Metadata struct {
	ObjectType  models.EmbeddingObjectType
	ObjectID    int64
	TopicID     int64
	GeneratedAt int64
}

// Record is one vector to upsert.
type Record struct {
	ID       string
	Vector   []float32
	Metadata Metadata
	Document string
}

// Match is one query hit. Similarity is cosine similarity (1 − distance).
type Match struct {
	ID         string
	Similarity float64
	Metadata   Metadata
	Document   string
}

// Filter restricts a query. A zero TopicID means no topic restriction.
type Filter struct {
	ObjectType models.EmbeddingObjectType
	TopicID    int64
}

// Index is the store for source_item and topic_summary vectors. It is
// persistent but not transactional with the relational store; callers
// upsert after the relational commit and treat drift as recoverable.
type Index interface {
	Upsert(ctx context.Context, records []Record) error
	Query(ctx context.Context, vec []float32, topK int, filter Filter) ([]Match, error)
	Delete(ctx context.Context, ids []string) error
}

// SourceItemID is the index id for a source item's vector.
func SourceItemID(itemID int64) string {
	return fmt.Sprintf("source_item_%d", itemID)
}

// TopicSummaryID is the index id for one summary's vector. Keyed by
// summary id; the summary engine deletes the superseded summary's vector
// after writing the new one so each topic keeps a single recallable entry.
func TopicSummaryID(summaryID int64) string {
	return fmt.Sprintf("topic_summary_%d", summaryID)
}
