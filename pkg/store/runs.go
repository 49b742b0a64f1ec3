package store

import (
	"context"
	"fmt"

	"github.com/echolab/echoman/pkg/models"
)

// StartRun opens a RunRecord in the running state and returns its id.
func (s *Store) StartRun(ctx context.Context, kind models.RunKind, periodKey string) (int64, error) {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO run_records (kind, period, status)
		VALUES ($1, $2, $3)
		RETURNING id`, kind, periodKey, models.RunRunning,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to start %s run for %s: %w", kind, periodKey, err)
	}
	return id, nil
}

// FinishRun closes a RunRecord with its outcome and counters.
func (s *Store) FinishRun(ctx context.Context, id int64, status models.RunStatus, counters map[string]int, errMsg string) error {
	ctx, cancel := writeCtx(ctx)
	defer cancel()

	if counters == nil {
		counters = map[string]int{}
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE run_records
		SET finished_at = now(), status = $2, counters = $3, error = $4
		WHERE id = $1`, id, status, counters, errMsg)
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", id, err)
	}
	return nil
}

// ListRuns returns recent runs of one kind, newest first.
func (s *Store) ListRuns(ctx context.Context, kind models.RunKind, limit int) ([]*models.RunRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, period, started_at, finished_at, status, counters, error
		FROM run_records
		WHERE kind = $1
		ORDER BY started_at DESC
		LIMIT $2`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s runs: %w", kind, err)
	}
	defer rows.Close()

	var runs []*models.RunRecord
	for rows.Next() {
		var r models.RunRecord
		if err := rows.Scan(&r.ID, &r.Kind, &r.Period, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Counters, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
