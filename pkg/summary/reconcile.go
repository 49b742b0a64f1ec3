package summary

import (
	"context"
	"fmt"
)

// reconcileBatchLimit bounds one sweep; drift beyond it is picked up by
// the next scheduled sweep.
const reconcileBatchLimit = 200

// ReconcileVectors repairs vector-index drift: any topic whose current
// summary lacks an indexed vector (a crash between the relational commit
// and the index upsert) gets its vector re-upserted from the summary row.
// Returns the number of repaired summaries.
func (e *Engine) ReconcileVectors(ctx context.Context) (int, error) {
	missing, err := e.store.ListSummariesMissingVector(ctx, reconcileBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list drifted summaries: %w", err)
	}

	repaired := 0
	for _, sum := range missing {
		if err := e.upsertVector(ctx, sum); err != nil {
			e.logger.Warn("Failed to re-upsert summary vector",
				"summary", sum.ID, "topic", sum.TopicID, "error", err)
			continue
		}
		repaired++
	}

	if len(missing) > 0 {
		e.logger.Info("Vector reconciliation sweep completed",
			"drifted", len(missing), "repaired", repaired)
	}
	return repaired, nil
}
