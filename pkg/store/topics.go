package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/period"
)

const topicColumns = `id, title_key, first_seen, last_active, status, intensity_total,
	current_heat_normalized, heat_percentage, summary_id, category,
	category_confidence, category_method, created_at`

func scanTopic(row pgx.Row) (*models.Topic, error) {
	var t models.Topic
	err := row.Scan(
		&t.ID, &t.TitleKey, &t.FirstSeen, &t.LastActive, &t.Status,
		&t.IntensityTotal, &t.CurrentHeatNormalized, &t.HeatPercentage,
		&t.SummaryID, &t.Category, &t.CategoryConfidence, &t.CategoryMethod,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTopic returns one topic or ErrNotFound.
func (s *Store) GetTopic(ctx context.Context, id int64) (*models.Topic, error) {
	t, err := scanTopic(s.pool.QueryRow(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("topic %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic %d: %w", id, err)
	}
	return t, nil
}

// ListTopics returns topics ordered by last_active descending.
func (s *Store) ListTopics(ctx context.Context, limit, offset int, activeOnly bool) ([]*models.Topic, error) {
	query := `SELECT ` + topicColumns + ` FROM topics`
	if activeOnly {
		query += ` WHERE status = 'active'`
	}
	query += ` ORDER BY last_active DESC, id DESC LIMIT $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var topics []*models.Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// MostRecentTopics returns the n most recently active topics; the recall
// fallback when vector search finds nothing.
func (s *Store) MostRecentTopics(ctx context.Context, n int, activeOnly bool) ([]*models.Topic, error) {
	return s.ListTopics(ctx, n, 0, activeOnly)
}

// GroupHeat is the per-period heat contribution of one processed group.
type GroupHeat struct {
	Date           time.Time
	Period         period.Period
	HeatNormalized float64
	SourceCount    int
}

// GroupMerge describes attaching one event group to an existing topic.
type GroupMerge struct {
	TopicID    int64
	ItemIDs    []int64
	LastActive time.Time
	AppendedAt time.Time
	Heat       GroupHeat
}

// MergeGroupIntoTopic commits one merge-path group in a single
// transaction: nodes, item transitions, topic bookkeeping and the period
// heat upsert all land together or not at all, leaving the items
// pending_global_merge for the next run on failure.
func (s *Store) MergeGroupIntoTopic(ctx context.Context, m GroupMerge) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin group transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := attachGroup(ctx, tx, m.TopicID, m.ItemIDs, m.AppendedAt); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE topics
		SET last_active = GREATEST(last_active, $2),
		    intensity_total = intensity_total + $3
		WHERE id = $1`, m.TopicID, m.LastActive, len(m.ItemIDs))
	if err != nil {
		return fmt.Errorf("failed to update topic %d: %w", m.TopicID, err)
	}

	if err := upsertPeriodHeat(ctx, tx, m.TopicID, m.Heat); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit group merge into topic %d: %w", m.TopicID, err)
	}
	return nil
}

// NewTopicGroup describes the new-path creation of a topic from one group.
type NewTopicGroup struct {
	TitleKey           string
	FirstSeen          time.Time
	LastActive         time.Time
	AppendedAt         time.Time
	ItemIDs            []int64
	Heat               GroupHeat
	Category           *string
	CategoryConfidence *float64
	CategoryMethod     *string
}

// CreateTopicFromGroup commits one new-path group in a single transaction
// and returns the created topic id.
func (s *Store) CreateTopicFromGroup(ctx context.Context, g NewTopicGroup) (int64, error) {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin group transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var topicID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO topics
			(title_key, first_seen, last_active, status, intensity_total,
			 current_heat_normalized, heat_percentage, category,
			 category_confidence, category_method)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		g.TitleKey, g.FirstSeen, g.LastActive, models.TopicActive, len(g.ItemIDs),
		g.Heat.HeatNormalized, g.Heat.HeatNormalized*100,
		g.Category, g.CategoryConfidence, g.CategoryMethod,
	).Scan(&topicID)
	if err != nil {
		return 0, fmt.Errorf("failed to create topic %q: %w", g.TitleKey, err)
	}

	if err := attachGroup(ctx, tx, topicID, g.ItemIDs, g.AppendedAt); err != nil {
		return 0, err
	}

	if err := upsertPeriodHeat(ctx, tx, topicID, g.Heat); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit new topic %q: %w", g.TitleKey, err)
	}
	return topicID, nil
}

// attachGroup inserts one node per item and flips the items to merged.
// Every item must still be pending_global_merge; anything else means a
// concurrent writer touched the group and the transaction must abort.
func attachGroup(ctx context.Context, tx pgx.Tx, topicID int64, itemIDs []int64, appendedAt time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE source_items
		SET merge_status = $1
		WHERE id = ANY($2) AND merge_status = $3`,
		models.StatusMerged, itemIDs, models.StatusPendingGlobalMerge)
	if err != nil {
		return fmt.Errorf("failed to mark group items merged: %w", err)
	}
	if int(tag.RowsAffected()) != len(itemIDs) {
		return fmt.Errorf("%w: %d of %d group items were pending_global_merge",
			ErrInvalidTransition, tag.RowsAffected(), len(itemIDs))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO topic_nodes (topic_id, source_item_id, appended_at)
		SELECT $1, id, $3 FROM unnest($2::bigint[]) AS id`,
		topicID, itemIDs, appendedAt)
	if err != nil {
		return fmt.Errorf("failed to insert topic nodes: %w", err)
	}
	return nil
}

// upsertPeriodHeat replaces the (topic, date, period) heat row with the
// group-sum values and lifts the topic peak when exceeded.
func upsertPeriodHeat(ctx context.Context, tx pgx.Tx, topicID int64, h GroupHeat) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO topic_period_heat
			(topic_id, date, period, heat_normalized, heat_percentage, source_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (topic_id, date, period) DO UPDATE
		SET heat_normalized = EXCLUDED.heat_normalized,
		    heat_percentage = EXCLUDED.heat_percentage,
		    source_count = EXCLUDED.source_count`,
		topicID, h.Date, h.Period, h.HeatNormalized, h.HeatNormalized*100, h.SourceCount)
	if err != nil {
		return fmt.Errorf("failed to upsert period heat for topic %d: %w", topicID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE topics
		SET current_heat_normalized = $2, heat_percentage = $2 * 100
		WHERE id = $1 AND current_heat_normalized < $2`,
		topicID, h.HeatNormalized)
	if err != nil {
		return fmt.Errorf("failed to update topic %d peak heat: %w", topicID, err)
	}
	return nil
}

// ListPeriodHeat returns a topic's heat rows in chronological order.
func (s *Store) ListPeriodHeat(ctx context.Context, topicID int64) ([]models.TopicPeriodHeat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT topic_id, date, period, heat_normalized, heat_percentage, source_count
		FROM topic_period_heat
		WHERE topic_id = $1
		ORDER BY date ASC,
		         array_position(ARRAY['MORN','AM','PM','EVE'], period) ASC`,
		topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list period heat for topic %d: %w", topicID, err)
	}
	defer rows.Close()

	var heats []models.TopicPeriodHeat
	for rows.Next() {
		var h models.TopicPeriodHeat
		if err := rows.Scan(&h.TopicID, &h.Date, &h.Period, &h.HeatNormalized, &h.HeatPercentage, &h.SourceCount); err != nil {
			return nil, fmt.Errorf("failed to scan period heat: %w", err)
		}
		heats = append(heats, h)
	}
	return heats, rows.Err()
}

// ListTopicNodes returns a topic's nodes, oldest first.
func (s *Store) ListTopicNodes(ctx context.Context, topicID int64) ([]models.TopicNode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, topic_id, source_item_id, appended_at
		FROM topic_nodes
		WHERE topic_id = $1
		ORDER BY appended_at ASC, id ASC`, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes for topic %d: %w", topicID, err)
	}
	defer rows.Close()

	var nodes []models.TopicNode
	for rows.Next() {
		var n models.TopicNode
		if err := rows.Scan(&n.ID, &n.TopicID, &n.SourceItemID, &n.AppendedAt); err != nil {
			return nil, fmt.Errorf("failed to scan topic node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ZeroTopicHeat zeroes one pruned topic's heat. Keep-ratio pruning only
// neutralizes heat; it never deletes topics or nodes created in the batch.
func (s *Store) ZeroTopicHeat(ctx context.Context, topicID int64, date time.Time, p period.Period) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin heat-zero transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE topic_period_heat
		SET heat_normalized = 0, heat_percentage = 0
		WHERE topic_id = $1 AND date = $2 AND period = $3`, topicID, date, p)
	if err != nil {
		return fmt.Errorf("failed to zero period heat for topic %d: %w", topicID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE topics SET current_heat_normalized = 0, heat_percentage = 0
		WHERE id = $1`, topicID)
	if err != nil {
		return fmt.Errorf("failed to zero peak heat for topic %d: %w", topicID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit heat zero for topic %d: %w", topicID, err)
	}
	return nil
}
