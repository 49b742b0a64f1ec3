package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/echolab/echoman/pkg/models"
)

// InsertSummary writes a new summary row and flips the topic's summary
// pointer in one transaction; a failure leaves the previous summary
// intact.
func (s *Store) InsertSummary(ctx context.Context, topicID int64, content string, method models.SummaryMethod) (*models.Summary, error) {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin summary transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var sum models.Summary
	err = tx.QueryRow(ctx, `
		INSERT INTO summaries (topic_id, content, method)
		VALUES ($1, $2, $3)
		RETURNING id, topic_id, content, method, generated_at`,
		topicID, content, method,
	).Scan(&sum.ID, &sum.TopicID, &sum.Content, &sum.Method, &sum.GeneratedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert summary for topic %d: %w", topicID, err)
	}

	if _, err := tx.Exec(ctx, `UPDATE topics SET summary_id = $2 WHERE id = $1`, topicID, sum.ID); err != nil {
		return nil, fmt.Errorf("failed to point topic %d at summary %d: %w", topicID, sum.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit summary for topic %d: %w", topicID, err)
	}
	return &sum, nil
}

// LatestSummary returns the topic's most recent summary or ErrNotFound.
func (s *Store) LatestSummary(ctx context.Context, topicID int64) (*models.Summary, error) {
	var sum models.Summary
	err := s.pool.QueryRow(ctx, `
		SELECT id, topic_id, content, method, generated_at
		FROM summaries
		WHERE topic_id = $1
		ORDER BY generated_at DESC, id DESC
		LIMIT 1`, topicID,
	).Scan(&sum.ID, &sum.TopicID, &sum.Content, &sum.Method, &sum.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("summary of topic %d: %w", topicID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest summary of topic %d: %w", topicID, err)
	}
	return &sum, nil
}

// CountNodesSince counts nodes appended to the topic after the given
// instant; the incremental-refresh gate.
func (s *Store) CountNodesSince(ctx context.Context, topicID int64, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM topic_nodes
		WHERE topic_id = $1 AND appended_at > $2`, topicID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count new nodes of topic %d: %w", topicID, err)
	}
	return n, nil
}

// RecordEmbeddingRef upserts the bookkeeping row tying an indexed vector
// to its relational object.
func (s *Store) RecordEmbeddingRef(ctx context.Context, ref models.EmbeddingRef) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO embeddings (object_type, object_id, provider, model)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (object_type, object_id) DO UPDATE
		SET provider = EXCLUDED.provider,
		    model = EXCLUDED.model,
		    created_at = now()`,
		ref.ObjectType, ref.ObjectID, ref.Provider, ref.Model)
	if err != nil {
		return fmt.Errorf("failed to record embedding ref %s/%d: %w", ref.ObjectType, ref.ObjectID, err)
	}
	return nil
}

// DeleteEmbeddingRef removes the bookkeeping row for one object.
func (s *Store) DeleteEmbeddingRef(ctx context.Context, objectType models.EmbeddingObjectType, objectID int64) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`DELETE FROM embeddings WHERE object_type = $1 AND object_id = $2`,
		objectType, objectID)
	if err != nil {
		return fmt.Errorf("failed to delete embedding ref %s/%d: %w", objectType, objectID, err)
	}
	return nil
}

// ListSummariesMissingVector finds each topic's current summary when no
// embedding bookkeeping row exists for it; input to the reconciliation
// sweep that repairs vector-index drift.
func (s *Store) ListSummariesMissingVector(ctx context.Context, limit int) ([]*models.Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.topic_id, s.content, s.method, s.generated_at
		FROM topics t
		JOIN summaries s ON s.id = t.summary_id
		LEFT JOIN embeddings e
		       ON e.object_type = 'topic_summary' AND e.object_id = s.id
		WHERE e.id IS NULL
		ORDER BY s.generated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries missing vectors: %w", err)
	}
	defer rows.Close()

	var sums []*models.Summary
	for rows.Next() {
		var sum models.Summary
		if err := rows.Scan(&sum.ID, &sum.TopicID, &sum.Content, &sum.Method, &sum.GeneratedAt); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		sums = append(sums, &sum)
	}
	return sums, rows.Err()
}
