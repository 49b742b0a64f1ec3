package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/echolab/echoman/pkg/models"
)

const itemColumns = `id, platform, title, summary, url, published_at, fetched_at,
	heat_value, interactions, period, merge_status, period_merge_group_id,
	occurrence_count, heat_normalized, embedding_id, dedup_key, run_id, created_at`

func scanItem(row pgx.Row) (*models.SourceItem, error) {
	var it models.SourceItem
	err := row.Scan(
		&it.ID, &it.Platform, &it.Title, &it.Summary, &it.URL, &it.PublishedAt,
		&it.FetchedAt, &it.HeatValue, &it.Interactions, &it.Period, &it.MergeStatus,
		&it.PeriodMergeGroupID, &it.OccurrenceCount, &it.HeatNormalized,
		&it.EmbeddingID, &it.DedupKey, &it.RunID, &it.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func collectItems(rows pgx.Rows) ([]*models.SourceItem, error) {
	defer rows.Close()
	var items []*models.SourceItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// InsertItem persists one accepted draft. Returns (id, false, nil) when the
// dedup key already exists and nothing was written.
func (s *Store) InsertItem(ctx context.Context, draft models.ItemDraft, periodKey, dedupKey string, fetchedAt time.Time) (int64, bool, error) {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	interactions := draft.Interactions
	if interactions == nil {
		interactions = map[string]int64{}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO source_items
			(platform, title, summary, url, published_at, fetched_at, heat_value,
			 interactions, period, merge_status, dedup_key, run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING id`,
		draft.Platform, draft.Title, draft.Summary, draft.URL, draft.PublishedAt,
		fetchedAt, draft.HeatValue, interactions, periodKey,
		models.StatusPendingEventMerge, dedupKey, draft.RunID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert source item: %w", err)
	}
	return id, true, nil
}

// ListItemsByStatus returns the period's items in the given status,
// ordered by fetched_at ascending so the earliest item seeds clustering
// and becomes the group representative.
func (s *Store) ListItemsByStatus(ctx context.Context, periodKey string, status models.MergeStatus) ([]*models.SourceItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM source_items
		WHERE period = $1 AND merge_status = $2
		ORDER BY fetched_at ASC, id ASC`,
		periodKey, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list items for period %s: %w", periodKey, err)
	}
	return collectItems(rows)
}

// GetItems returns items by id, in id order.
func (s *Store) GetItems(ctx context.Context, ids []int64) ([]*models.SourceItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM source_items
		WHERE id = ANY($1)
		ORDER BY id ASC`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get items: %w", err)
	}
	return collectItems(rows)
}

// ListTopicItems returns the items attached to a topic, newest node first.
func (s *Store) ListTopicItems(ctx context.Context, topicID int64, limit int) ([]*models.SourceItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixed(itemColumns, "i.")+`
		FROM topic_nodes n
		JOIN source_items i ON i.id = n.source_item_id
		WHERE n.topic_id = $1
		ORDER BY n.appended_at DESC, n.id DESC
		LIMIT $2`, topicID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list items of topic %d: %w", topicID, err)
	}
	return collectItems(rows)
}

// UpdateHeat writes heat_normalized for each item in one round trip.
func (s *Store) UpdateHeat(ctx context.Context, heat map[int64]float64) error {
	if len(heat) == 0 {
		return nil
	}
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	ids := make([]int64, 0, len(heat))
	values := make([]float64, 0, len(heat))
	for id, h := range heat {
		ids = append(ids, id)
		values = append(values, h)
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE source_items AS i
		SET heat_normalized = u.heat
		FROM unnest($1::bigint[], $2::double precision[]) AS u(id, heat)
		WHERE i.id = u.id`, ids, values)
	if err != nil {
		return fmt.Errorf("failed to update heat for %d items: %w", len(heat), err)
	}
	return nil
}

// SetEmbeddingIDs records the index ids written for each item.
func (s *Store) SetEmbeddingIDs(ctx context.Context, embeddingIDs map[int64]string) error {
	if len(embeddingIDs) == 0 {
		return nil
	}
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	ids := make([]int64, 0, len(embeddingIDs))
	values := make([]string, 0, len(embeddingIDs))
	for id, emb := range embeddingIDs {
		ids = append(ids, id)
		values = append(values, emb)
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE source_items AS i
		SET embedding_id = u.emb
		FROM unnest($1::bigint[], $2::text[]) AS u(id, emb)
		WHERE i.id = u.id`, ids, values)
	if err != nil {
		return fmt.Errorf("failed to set embedding ids: %w", err)
	}
	return nil
}

// AssignGroup stamps the group id and occurrence count onto the group's
// items.
func (s *Store) AssignGroup(ctx context.Context, groupID string, itemIDs []int64, occurrence int) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE source_items
		SET period_merge_group_id = $1, occurrence_count = $2
		WHERE id = ANY($3)`, groupID, occurrence, itemIDs)
	if err != nil {
		return fmt.Errorf("failed to assign group %s: %w", groupID, err)
	}
	return nil
}

// TransitionItems moves items from one status to the next. The WHERE
// clause on the source status makes re-runs no-ops; a mismatch between
// requested and affected rows reports ErrInvalidTransition.
func (s *Store) TransitionItems(ctx context.Context, itemIDs []int64, from, to models.MergeStatus) (int64, error) {
	if !from.CanTransitionTo(to) {
		return 0, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE source_items
		SET merge_status = $1
		WHERE id = ANY($2) AND merge_status = $3`, to, itemIDs, from)
	if err != nil {
		return 0, fmt.Errorf("failed to transition %d items %s → %s: %w", len(itemIDs), from, to, err)
	}
	return tag.RowsAffected(), nil
}

// CountItemsByStatus tallies the period's items per status.
func (s *Store) CountItemsByStatus(ctx context.Context, periodKey string) (map[models.MergeStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT merge_status, count(*)
		FROM source_items
		WHERE period = $1
		GROUP BY merge_status`, periodKey)
	if err != nil {
		return nil, fmt.Errorf("failed to count items for period %s: %w", periodKey, err)
	}
	defer rows.Close()

	counts := make(map[models.MergeStatus]int)
	for rows.Next() {
		var status models.MergeStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PlatformHeatStats aggregates the period's items per platform.
func (s *Store) PlatformHeatStats(ctx context.Context, periodKey string) ([]models.PlatformHeatStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT platform, count(*),
		       coalesce(sum(heat_value), 0),
		       coalesce(sum(heat_normalized), 0)
		FROM source_items
		WHERE period = $1
		GROUP BY platform
		ORDER BY platform`, periodKey)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate platform stats for %s: %w", periodKey, err)
	}
	defer rows.Close()

	var stats []models.PlatformHeatStat
	for rows.Next() {
		var st models.PlatformHeatStat
		if err := rows.Scan(&st.Platform, &st.ItemCount, &st.HeatRawSum, &st.HeatNormalized); err != nil {
			return nil, fmt.Errorf("failed to scan platform stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// prefixed rewrites a column list for an aliased table.
func prefixed(columns, prefix string) string {
	out := prefix
	for i := 0; i < len(columns); i++ {
		out += string(columns[i])
		if columns[i] == ',' {
			// Skip whitespace after the comma, then inject the alias.
			for i+1 < len(columns) && (columns[i+1] == ' ' || columns[i+1] == '\n' || columns[i+1] == '\t') {
				i++
			}
			out += " " + prefix
		}
	}
	return out
}
