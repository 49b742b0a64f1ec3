package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/echolab/echoman/pkg/config"
	"github.com/echolab/echoman/pkg/llm"
	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/normalize"
	"github.com/echolab/echoman/pkg/vector"
)

// embedBatchSize bounds one embedding provider call; embedParallel bounds
// the fan-out across batches.
const (
	embedBatchSize = 16
	embedParallel  = 4
)

// EventMerger is the stage-one runner: normalize, embed, cluster, confirm,
// filter, transition.
type EventMerger struct {
	store       ItemStore
	index       vector.Index
	embedder    Embedder
	adjudicator Adjudicator
	cfg         config.MergeConfig
	weights     map[models.Platform]float64
	logger      *slog.Logger
}

// NewEventMerger wires the stage-one runner.
func NewEventMerger(st ItemStore, idx vector.Index, emb Embedder, adj Adjudicator, cfg config.Config, logger *slog.Logger) *EventMerger {
	if st == nil || idx == nil || emb == nil || adj == nil {
		panic("pipeline.NewEventMerger: all dependencies are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventMerger{
		store:       st,
		index:       idx,
		embedder:    emb,
		adjudicator: adj,
		cfg:         cfg.Merge,
		weights:     cfg.PlatformWeights,
		logger:      logger,
	}
}

// Run executes stage one for one period. Re-running a processed period is
// a no-op: every item was transitioned out of pending_event_merge.
func (m *EventMerger) Run(ctx context.Context, periodKey string) error {
	runID, err := m.store.StartRun(ctx, models.RunEventMerge, periodKey)
	if err != nil {
		return fmt.Errorf("failed to open event-merge run: %w", err)
	}

	counters, err := m.run(ctx, periodKey)
	if err != nil {
		_ = m.store.FinishRun(ctx, runID, models.RunFailed, counters, err.Error())
		return err
	}
	if finErr := m.store.FinishRun(ctx, runID, models.RunSucceeded, counters, ""); finErr != nil {
		m.logger.Warn("Failed to close event-merge run", "run_id", runID, "error", finErr)
	}
	return nil
}

func (m *EventMerger) run(ctx context.Context, periodKey string) (map[string]int, error) {
	counters := map[string]int{"input": 0, "kept": 0, "dropped": 0, "groups": 0}

	items, err := m.store.ListItemsByStatus(ctx, periodKey, models.StatusPendingEventMerge)
	if err != nil {
		return counters, fmt.Errorf("failed to load pending items: %w", err)
	}
	counters["input"] = len(items)
	if len(items) == 0 {
		m.logger.Info("Event merge found no pending items", "period", periodKey)
		return counters, nil
	}

	// 1. Normalize heat across the period.
	heat, err := normalize.Heat(items, m.weights)
	if err != nil {
		return counters, fmt.Errorf("heat normalization failed: %w", err)
	}
	if err := m.store.UpdateHeat(ctx, heat); err != nil {
		return counters, err
	}
	for _, it := range items {
		it.HeatNormalized = heat[it.ID]
	}

	// 2. Embed and index every item.
	vecs, err := m.embedItems(ctx, items)
	if err != nil {
		return counters, err
	}

	// 3-4. Cluster, then LLM-confirm multi-item candidates.
	candidates := BuildGroups(items, vecs, m.cfg.SimilarityThreshold, m.cfg.JaccardThreshold)
	groups := m.confirmGroups(ctx, candidates)
	counters["groups"] = len(groups)

	// 5-6. Stamp groups, then apply the occurrence filter.
	for _, group := range groups {
		ids := itemIDs(group)
		groupID := uuid.NewString()
		if err := m.store.AssignGroup(ctx, groupID, ids, len(group)); err != nil {
			return counters, err
		}

		target := models.StatusDiscarded
		if len(group) >= m.cfg.MinOccurrence {
			target = models.StatusPendingGlobalMerge
		}
		moved, err := m.store.TransitionItems(ctx, ids, models.StatusPendingEventMerge, target)
		if err != nil {
			return counters, err
		}
		if target == models.StatusPendingGlobalMerge {
			counters["kept"] += int(moved)
		} else {
			counters["dropped"] += int(moved)
		}
	}

	m.logger.Info("Event merge completed",
		"period", periodKey,
		"input", counters["input"],
		"groups", counters["groups"],
		"kept", counters["kept"],
		"dropped", counters["dropped"])
	return counters, nil
}

// embedItems embeds title+summary for every item with bounded fan-out,
// upserts the vectors, and records the index ids and provenance rows.
func (m *EventMerger) embedItems(ctx context.Context, items []*models.SourceItem) (map[int64][]float32, error) {
	vecs := make(map[int64][]float32, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedParallel)
	results := make([][][]float32, (len(items)+embedBatchSize-1)/embedBatchSize)

	for b := 0; b*embedBatchSize < len(items); b++ {
		batch := items[b*embedBatchSize : min(len(items), (b+1)*embedBatchSize)]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, it := range batch {
				texts[i] = embedText(it)
			}
			out, err := m.embedder.EmbedTexts(gctx, texts)
			if err != nil {
				return fmt.Errorf("failed to embed %d items: %w", len(batch), err)
			}
			results[b] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := make([]vector.Record, 0, len(items))
	embeddingIDs := make(map[int64]string, len(items))
	for b := 0; b*embedBatchSize < len(items); b++ {
		batch := items[b*embedBatchSize : min(len(items), (b+1)*embedBatchSize)]
		for i, it := range batch {
			vec := results[b][i]
			vecs[it.ID] = vec
			id := vector.SourceItemID(it.ID)
			embeddingIDs[it.ID] = id
			records = append(records, vector.Record{
				ID:     id,
				Vector: vec,
				Metadata: vector.Metadata{
					ObjectType: models.ObjectSourceItem,
					ObjectID:   it.ID,
				},
				Document: embedText(it),
			})
		}
	}

	if err := m.index.Upsert(ctx, records); err != nil {
		return nil, err
	}
	if err := m.store.SetEmbeddingIDs(ctx, embeddingIDs); err != nil {
		return nil, err
	}
	for _, it := range items {
		ref := models.EmbeddingRef{
			ObjectType: models.ObjectSourceItem,
			ObjectID:   it.ID,
			Provider:   "openai-compatible",
			Model:      m.embedder.EmbedModel(),
		}
		if err := m.store.RecordEmbeddingRef(ctx, ref); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

// confirmGroups asks the adjudicator about each multi-item candidate. An
// unconfirmed or failed group falls apart into single-item groups, which
// the occurrence filter then discards.
func (m *EventMerger) confirmGroups(ctx context.Context, candidates [][]*models.SourceItem) [][]*models.SourceItem {
	groups := make([][]*models.SourceItem, 0, len(candidates))
	for _, group := range candidates {
		if len(group) < 2 {
			groups = append(groups, group)
			continue
		}

		verdict, err := m.adjudicator.ConfirmEventGroup(ctx, groupItems(group))
		if err != nil {
			m.logger.Warn("Event-group confirmation failed, splitting group",
				"size", len(group), "representative", group[0].Title, "error", err)
		}
		if err == nil && verdict.IsSameEvent && verdict.Confidence >= m.cfg.LLMConfidence {
			groups = append(groups, group)
			continue
		}
		for _, it := range group {
			groups = append(groups, []*models.SourceItem{it})
		}
	}
	return groups
}

func groupItems(group []*models.SourceItem) []llm.GroupItem {
	out := make([]llm.GroupItem, len(group))
	for i, it := range group {
		out[i] = llm.GroupItem{Title: it.Title, Summary: it.Summary}
	}
	return out
}

func itemIDs(group []*models.SourceItem) []int64 {
	ids := make([]int64, len(group))
	for i, it := range group {
		ids[i] = it.ID
	}
	return ids
}

func embedText(it *models.SourceItem) string {
	if it.Summary == "" {
		return it.Title
	}
	return it.Title + "\n" + it.Summary
}
