package vector

import (
	"context"
	"fmt"
	"time"

	chroma "github.com/amikos-tech/chroma-go"
	"github.com/amikos-tech/chroma-go/types"

	"github.com/echolab/echoman/pkg/models"
)

// Metadata field names in the Chroma collection.
const (
	metaObjectType  = "object_type"
	metaObjectID    = "object_id"
	metaTopicID     = "topic_id"
	metaGeneratedAt = "generated_at"
)

// ChromaIndex implements Index on a ChromaDB collection with cosine
// distance.
type ChromaIndex struct {
	collection *chroma.Collection
	timeout    time.Duration
}

// NewChromaIndex connects to ChromaDB and gets or creates the collection.
func NewChromaIndex(ctx context.Context, url, collectionName string, timeout time.Duration) (*ChromaIndex, error) {
	client, err := chroma.NewClient(chroma.WithBasePath(url))
	if err != nil {
		return nil, fmt.Errorf("failed to create chroma client: %w", err)
	}

	col, err := client.CreateCollection(ctx, collectionName,
		map[string]interface{}{"hnsw:space": "cosine"},
		true, // get-or-create
		nil,  // vectors are computed upstream, no embedding function
		types.COSINE,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open chroma collection %q: %w", collectionName, err)
	}

	return &ChromaIndex{collection: col, timeout: timeout}, nil
}

// Upsert writes records in one call.
func (x *ChromaIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	ids := make([]string, len(records))
	embeddings := make([]*types.Embedding, len(records))
	metadatas := make([]map[string]interface{}, len(records))
	documents := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
		embeddings[i] = types.NewEmbeddingFromFloat32(r.Vector)
		metadatas[i] = encodeMetadata(r.Metadata)
		documents[i] = r.Document
	}

	if _, err := x.collection.Upsert(ctx, embeddings, metadatas, documents, ids); err != nil {
		return fmt.Errorf("chroma upsert of %d records failed: %w", len(records), err)
	}
	return nil
}

// Query runs a cosine top-k search and converts distances to similarities.
func (x *ChromaIndex) Query(ctx context.Context, vec []float32, topK int, filter Filter) ([]Match, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	res, err := x.collection.QueryWithOptions(ctx,
		types.WithQueryEmbeddings([]*types.Embedding{types.NewEmbeddingFromFloat32(vec)}),
		types.WithNResults(int32(topK)),
		types.WithWhereMap(encodeFilter(filter)),
	)
	if err != nil {
		return nil, fmt.Errorf("chroma query failed: %w", err)
	}
	if len(res.Ids) == 0 {
		return nil, nil
	}

	matches := make([]Match, 0, len(res.Ids[0]))
	for i, id := range res.Ids[0] {
		m := Match{ID: id}
		if len(res.Distances) > 0 && i < len(res.Distances[0]) {
			m.Similarity = 1 - float64(res.Distances[0][i])
		}
		if len(res.Metadatas) > 0 && i < len(res.Metadatas[0]) {
			m.Metadata = decodeMetadata(res.Metadatas[0][i])
		}
		if len(res.Documents) > 0 && i < len(res.Documents[0]) {
			m.Document = res.Documents[0][i]
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Delete removes records by id.
func (x *ChromaIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	if _, err := x.collection.Delete(ctx, ids, nil, nil); err != nil {
		return fmt.Errorf("chroma delete of %d records failed: %w", len(ids), err)
	}
	return nil
}

func encodeMetadata(m Metadata) map[string]interface{} {
	out := map[string]interface{}{
		metaObjectType: string(m.ObjectType),
		metaObjectID:   m.ObjectID,
	}
	if m.TopicID != 0 {
		out[metaTopicID] = m.TopicID
	}
	if m.GeneratedAt != 0 {
		out[metaGeneratedAt] = m.GeneratedAt
	}
	return out
}

func encodeFilter(f Filter) map[string]interface{} {
	clauses := make([]map[string]interface{}, 0, 2)
	if f.ObjectType != "" {
		clauses = append(clauses, map[string]interface{}{metaObjectType: string(f.ObjectType)})
	}
	if f.TopicID != 0 {
		clauses = append(clauses, map[string]interface{}{metaTopicID: f.TopicID})
	}
	switch len(clauses) {
	case 0:
		return nil
	case 1:
		return clauses[0]
	default:
		return map[string]interface{}{"$and": clauses}
	}
}

func decodeMetadata(raw map[string]interface{}) Metadata {
	var m Metadata
	if v, ok := raw[metaObjectType].(string); ok {
		m.ObjectType = models.EmbeddingObjectType(v)
	}
	m.ObjectID = toInt64(raw[metaObjectID])
	m.TopicID = toInt64(raw[metaTopicID])
	m.GeneratedAt = toInt64(raw[metaGeneratedAt])
	return m
}

// toInt64 tolerates the numeric types the JSON round-trip produces.
func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	default:
		return 0
	}
}
