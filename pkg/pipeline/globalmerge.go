package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/echolab/echoman/pkg/config"
	"github.com/echolab/echoman/pkg/llm"
	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/period"
	"github.com/echolab/echoman/pkg/store"
	"github.com/echolab/echoman/pkg/vector"
)

// GlobalMerger is the stage-two runner: recall, decide, mutate, summarize.
type GlobalMerger struct {
	store       TopicStore
	index       vector.Index
	embedder    Embedder
	adjudicator Adjudicator
	summaries   SummaryEngine
	classifier  Classifier
	cfg         config.MergeConfig
	summaryCfg  config.SummaryConfig
	softStop    time.Duration
	logger      *slog.Logger
}

// NewGlobalMerger wires the stage-two runner. A nil classifier leaves
// topics uncategorized.
func NewGlobalMerger(st TopicStore, idx vector.Index, emb Embedder, adj Adjudicator, sum SummaryEngine, cls Classifier, cfg config.Config, logger *slog.Logger) *GlobalMerger {
	if st == nil || idx == nil || emb == nil || adj == nil || sum == nil {
		panic("pipeline.NewGlobalMerger: all dependencies are required")
	}
	if cls == nil {
		cls = NoopClassifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GlobalMerger{
		store:       st,
		index:       idx,
		embedder:    emb,
		adjudicator: adj,
		summaries:   sum,
		classifier:  cls,
		cfg:         cfg.Merge,
		summaryCfg:  cfg.Summary,
		softStop:    cfg.Timeouts.RunSoftStop,
		logger:      logger,
	}
}

// group is one stage-one survivor: the items sharing a
// period_merge_group_id, with the earliest item as representative.
type group struct {
	id    string
	items []*models.SourceItem
}

func (g *group) representative() *models.SourceItem {
	return g.items[0]
}

func (g *group) heatSum() float64 {
	var sum float64
	for _, it := range g.items {
		sum += it.HeatNormalized
	}
	return sum
}

// Run executes stage two for one period. Groups that fail stay
// pending_global_merge and are retried by the next scheduled run.
func (m *GlobalMerger) Run(ctx context.Context, periodKey string) error {
	date, p, err := period.ParseKey(periodKey)
	if err != nil {
		return err
	}

	runID, err := m.store.StartRun(ctx, models.RunGlobalMerge, periodKey)
	if err != nil {
		return fmt.Errorf("failed to open global-merge run: %w", err)
	}

	counters, created, merged, runErr := m.runBatch(ctx, periodKey, date, p)
	if runErr != nil {
		_ = m.store.FinishRun(ctx, runID, models.RunFailed, counters, runErr.Error())
		return runErr
	}
	if err := m.store.FinishRun(ctx, runID, models.RunSucceeded, counters, ""); err != nil {
		m.logger.Warn("Failed to close global-merge run", "run_id", runID, "error", err)
	}

	m.postBatch(ctx, periodKey, date, created, merged)
	return nil
}

func (m *GlobalMerger) runBatch(ctx context.Context, periodKey string, date time.Time, p period.Period) (map[string]int, []newTopic, []int64, error) {
	counters := map[string]int{
		"input_items": 0, "input_events": 0,
		"merged": 0, "created": 0, "failed": 0, "deferred": 0,
	}

	items, err := m.store.ListItemsByStatus(ctx, periodKey, models.StatusPendingGlobalMerge)
	if err != nil {
		return counters, nil, nil, fmt.Errorf("failed to load pending groups: %w", err)
	}
	counters["input_items"] = len(items)

	groups := groupByMergeID(items)
	counters["input_events"] = len(groups)
	if len(groups) == 0 {
		m.logger.Info("Global merge found no pending groups", "period", periodKey)
		return counters, nil, nil, nil
	}

	if len(groups) > m.cfg.MaxBatchSize {
		m.logger.Warn("Pending groups exceed batch size, deferring remainder",
			"period", periodKey, "pending", len(groups), "batch", m.cfg.MaxBatchSize)
		counters["deferred"] = len(groups) - m.cfg.MaxBatchSize
		groups = groups[:m.cfg.MaxBatchSize]
	}

	deadline := time.Now().Add(m.softStop)
	sem := semaphore.NewWeighted(int64(m.cfg.Concurrent))

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		created []newTopic
		merged  []int64
	)

	launched := 0
	for _, g := range groups {
		if time.Now().After(deadline) {
			mu.Lock()
			counters["deferred"] += len(groups) - launched
			mu.Unlock()
			m.logger.Warn("Global merge soft timeout reached, deferring remaining groups",
				"period", periodKey, "remaining", len(groups)-launched)
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		launched++
		wg.Add(1)
		go func(g *group) {
			defer wg.Done()
			defer sem.Release(1)

			outcome, topicID, err := m.processGroup(ctx, g, date, p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				counters["failed"]++
				m.logger.Error("Group processing failed, items stay pending",
					"group", g.id, "representative", g.representative().Title, "error", err)
			case outcome == outcomeMerged:
				counters["merged"]++
				merged = append(merged, topicID)
			default:
				counters["created"]++
				created = append(created, newTopic{id: topicID, heat: g.heatSum()})
			}
		}(g)
	}
	wg.Wait()

	m.pruneByKeepRatio(ctx, created, date, p)

	m.logger.Info("Global merge batch completed",
		"period", periodKey,
		"events", counters["input_events"],
		"merged", counters["merged"],
		"created", counters["created"],
		"failed", counters["failed"],
		"deferred", counters["deferred"])
	return counters, created, merged, nil
}

type groupOutcome int

const (
	outcomeMerged groupOutcome = iota
	outcomeCreated
)

type newTopic struct {
	id   int64
	heat float64
}

// processGroup runs recall + decision + the atomic mutation for one group.
func (m *GlobalMerger) processGroup(ctx context.Context, g *group, date time.Time, p period.Period) (groupOutcome, int64, error) {
	rep := g.representative()

	candidates, err := m.recall(ctx, rep)
	if err != nil {
		return 0, 0, err
	}

	decision := models.AssociationDecision{Decision: models.AssociationNew}
	if len(candidates) > 0 {
		decision, err = m.adjudicator.DecideAssociation(ctx, llm.GroupItem{Title: rep.Title, Summary: rep.Summary}, candidates)
		if err != nil {
			// Provider exhaustion and malformed responses both leave the
			// group for the next run.
			return 0, 0, err
		}
	}

	heat := store.GroupHeat{
		Date:           date,
		Period:         p,
		HeatNormalized: g.heatSum(),
		SourceCount:    len(g.items),
	}
	now := time.Now()

	if decision.Decision == models.AssociationMerge &&
		decision.Confidence >= m.cfg.ConfidenceThreshold &&
		decision.TargetTopicID != nil {
		topicID := *decision.TargetTopicID
		if _, err := m.store.GetTopic(ctx, topicID); err == nil {
			if err := m.store.MergeGroupIntoTopic(ctx, store.GroupMerge{
				TopicID:    topicID,
				ItemIDs:    itemIDs(g.items),
				LastActive: latestFetch(g.items),
				AppendedAt: now,
				Heat:       heat,
			}); err != nil {
				return 0, 0, err
			}
			// Summary upkeep never fails the committed merge.
			if err := m.summaries.EnsurePlaceholder(ctx, topicID); err != nil {
				m.logger.Warn("Placeholder summary failed after merge", "topic", topicID, "error", err)
			}
			return outcomeMerged, topicID, nil
		}
		// Target vanished between recall and decision; fall through to
		// the new path.
		m.logger.Warn("Merge target no longer exists, creating new topic",
			"target", topicID, "representative", rep.Title)
	}

	topicID, err := m.createTopic(ctx, g, heat, now)
	if err != nil {
		return 0, 0, err
	}
	return outcomeCreated, topicID, nil
}

func (m *GlobalMerger) createTopic(ctx context.Context, g *group, heat store.GroupHeat, now time.Time) (int64, error) {
	rep := g.representative()

	newGroup := store.NewTopicGroup{
		TitleKey:   rep.Title,
		FirstSeen:  earliestFetch(g.items),
		LastActive: latestFetch(g.items),
		AppendedAt: now,
		ItemIDs:    itemIDs(g.items),
		Heat:       heat,
	}

	texts := make([]string, 0, len(g.items))
	for _, it := range g.items {
		texts = append(texts, embedText(it))
	}
	if category, confidence, method, err := m.classifier.Classify(ctx, texts); err != nil {
		m.logger.Warn("Category classification failed", "representative", rep.Title, "error", err)
	} else if category != "" {
		newGroup.Category = &category
		newGroup.CategoryConfidence = &confidence
		newGroup.CategoryMethod = &method
	}

	topicID, err := m.store.CreateTopicFromGroup(ctx, newGroup)
	if err != nil {
		return 0, err
	}

	// The placeholder and its vector are required here: later groups in
	// this same batch must be able to recall the new topic.
	if err := m.summaries.EnsurePlaceholder(ctx, topicID); err != nil {
		m.logger.Warn("Placeholder summary failed for new topic", "topic", topicID, "error", err)
	}
	return topicID, nil
}

// recall queries topic_summary vectors for the representative and returns
// the surviving candidates, falling back to the most recently active
// topics when vector recall comes up empty.
func (m *GlobalMerger) recall(ctx context.Context, rep *models.SourceItem) ([]llm.TopicCandidate, error) {
	vecs, err := m.embedder.EmbedTexts(ctx, []string{embedText(rep)})
	if err != nil {
		return nil, fmt.Errorf("failed to embed representative: %w", err)
	}

	matches, err := m.index.Query(ctx, vecs[0], m.cfg.TopKCandidates, vector.Filter{
		ObjectType: models.ObjectTopicSummary,
	})
	if err != nil {
		return nil, fmt.Errorf("candidate recall failed: %w", err)
	}

	var topics []*models.Topic
	seen := make(map[int64]bool)
	for _, match := range matches {
		if match.Similarity < m.cfg.MinSimilarity || match.Metadata.TopicID == 0 || seen[match.Metadata.TopicID] {
			continue
		}
		t, err := m.store.GetTopic(ctx, match.Metadata.TopicID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if m.cfg.RecallActiveOnly && t.Status != models.TopicActive {
			continue
		}
		seen[t.ID] = true
		topics = append(topics, t)
	}

	if len(topics) == 0 {
		topics, err = m.store.MostRecentTopics(ctx, m.cfg.TopKCandidates, m.cfg.RecallActiveOnly)
		if err != nil {
			return nil, fmt.Errorf("recall fallback failed: %w", err)
		}
	}

	candidates := make([]llm.TopicCandidate, 0, len(topics))
	for _, t := range topics {
		cand := llm.TopicCandidate{ID: t.ID, Title: t.TitleKey}
		if sum, err := m.store.LatestSummary(ctx, t.ID); err == nil {
			cand.Summary = sum.Content
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// pruneByKeepRatio zeroes the heat of the bottom fraction of this batch's
// new topics. Topics and their nodes survive; only heat is neutralized.
func (m *GlobalMerger) pruneByKeepRatio(ctx context.Context, created []newTopic, date time.Time, p period.Period) {
	if m.cfg.NewTopicKeepRatio >= 1.0 || len(created) == 0 {
		return
	}
	sorted := append([]newTopic(nil), created...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].heat > sorted[j].heat })

	keep := int(float64(len(sorted)) * m.cfg.NewTopicKeepRatio)
	if keep < 1 {
		keep = 1
	}
	for _, t := range sorted[keep:] {
		if err := m.store.ZeroTopicHeat(ctx, t.id, date, p); err != nil {
			m.logger.Warn("Failed to zero pruned topic heat", "topic", t.id, "error", err)
		}
	}
}

// postBatch generates full summaries for the batch's new topics and
// incremental refreshes for merge targets, refreshes the category
// materialization, and closes the cycle with a merge_completed record.
func (m *GlobalMerger) postBatch(ctx context.Context, periodKey string, date time.Time, created []newTopic, merged []int64) {
	runID, err := m.store.StartRun(ctx, models.RunMergeCompleted, periodKey)
	if err != nil {
		m.logger.Warn("Failed to open merge-completed run", "error", err)
		runID = 0
	}
	counters := map[string]int{"full": 0, "incremental": 0, "summary_failed": 0}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.summaryCfg.Concurrency)

	for _, t := range created {
		g.Go(func() error {
			err := m.summaries.GenerateFull(gctx, t.id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				counters["summary_failed"]++
				m.logger.Warn("Full summary generation failed", "topic", t.id, "error", err)
			} else {
				counters["full"]++
			}
			return nil
		})
	}
	for _, topicID := range dedupe(merged) {
		g.Go(func() error {
			err := m.summaries.RefreshIncremental(gctx, topicID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				counters["summary_failed"]++
				m.logger.Warn("Incremental summary refresh failed", "topic", topicID, "error", err)
			} else {
				counters["incremental"]++
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := m.store.RefreshCategoryMetrics(ctx, date); err != nil {
		m.logger.Warn("Category metrics refresh failed", "date", date, "error", err)
	}

	if runID != 0 {
		if err := m.store.FinishRun(ctx, runID, models.RunSucceeded, counters, ""); err != nil {
			m.logger.Warn("Failed to close merge-completed run", "run_id", runID, "error", err)
		}
	}

	m.logger.Info("Post-batch summaries completed",
		"period", periodKey,
		"full", counters["full"],
		"incremental", counters["incremental"],
		"failed", counters["summary_failed"])
}

// groupByMergeID buckets the period's pending items by their stage-one
// group id, ordered by each group's earliest fetched_at. An item without a
// group id forms its own group.
func groupByMergeID(items []*models.SourceItem) []*group {
	byID := make(map[string]*group)
	var order []*group
	for _, it := range items {
		key := ""
		if it.PeriodMergeGroupID != nil {
			key = *it.PeriodMergeGroupID
		}
		if key == "" {
			g := &group{id: fmt.Sprintf("item-%d", it.ID), items: []*models.SourceItem{it}}
			order = append(order, g)
			continue
		}
		g, ok := byID[key]
		if !ok {
			g = &group{id: key}
			byID[key] = g
			order = append(order, g)
		}
		g.items = append(g.items, it)
	}
	return order
}

func earliestFetch(items []*models.SourceItem) time.Time {
	t := items[0].FetchedAt
	for _, it := range items[1:] {
		if it.FetchedAt.Before(t) {
			t = it.FetchedAt
		}
	}
	return t
}

func latestFetch(items []*models.SourceItem) time.Time {
	t := items[0].FetchedAt
	for _, it := range items[1:] {
		if it.FetchedAt.After(t) {
			t = it.FetchedAt
		}
	}
	return t
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
