package store

import (
	"context"
	"fmt"
	"time"

	"github.com/echolab/echoman/pkg/models"
)

// RefreshCategoryMetrics rebuilds the per-category aggregates for one
// date from the topics that gained heat on it. Topics without a category
// land in the catch-all bucket.
func (s *Store) RefreshCategoryMetrics(ctx context.Context, date time.Time) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO category_metrics (date, category, topic_count, heat_sum, updated_at)
		SELECT h.date,
		       coalesce(t.category, '未分类'),
		       count(DISTINCT t.id),
		       sum(h.heat_normalized),
		       now()
		FROM topic_period_heat h
		JOIN topics t ON t.id = h.topic_id
		WHERE h.date = $1
		GROUP BY h.date, coalesce(t.category, '未分类')
		ON CONFLICT (date, category) DO UPDATE
		SET topic_count = EXCLUDED.topic_count,
		    heat_sum = EXCLUDED.heat_sum,
		    updated_at = EXCLUDED.updated_at`, date)
	if err != nil {
		return fmt.Errorf("failed to refresh category metrics for %s: %w", date.Format("2006-01-02"), err)
	}
	return nil
}

// ListCategoryMetrics returns one date's aggregates, hottest first.
func (s *Store) ListCategoryMetrics(ctx context.Context, date time.Time) ([]models.CategoryMetric, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT date, category, topic_count, heat_sum, updated_at
		FROM category_metrics
		WHERE date = $1
		ORDER BY heat_sum DESC`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list category metrics: %w", err)
	}
	defer rows.Close()

	var metrics []models.CategoryMetric
	for rows.Next() {
		var m models.CategoryMetric
		if err := rows.Scan(&m.Date, &m.Category, &m.TopicCount, &m.HeatSum, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan category metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
