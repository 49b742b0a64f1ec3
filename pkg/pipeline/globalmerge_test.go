package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/period"
	"github.com/echolab/echoman/pkg/store"
	"github.com/echolab/echoman/pkg/vector"
)

// fakeTopicStore keeps stage-two state in memory.
type fakeTopicStore struct {
	mu        sync.Mutex
	items     map[int64]*models.SourceItem
	topics    map[int64]*models.Topic
	summaries map[int64]*models.Summary
	heat      map[int64]store.GroupHeat
	zeroed    []int64
	runs      []*models.RunRecord
	metrics   int
	nextTopic int64
}

func newFakeTopicStore(items ...*models.SourceItem) *fakeTopicStore {
	f := &fakeTopicStore{
		items:     make(map[int64]*models.SourceItem),
		topics:    make(map[int64]*models.Topic),
		summaries: make(map[int64]*models.Summary),
		heat:      make(map[int64]store.GroupHeat),
		nextTopic: 100,
	}
	for _, it := range items {
		f.items[it.ID] = it
	}
	return f
}

func (f *fakeTopicStore) addTopic(t *models.Topic) { f.topics[t.ID] = t }

func (f *fakeTopicStore) ListItemsByStatus(_ context.Context, periodKey string, status models.MergeStatus) ([]*models.SourceItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.SourceItem
	for _, it := range f.items {
		if it.Period == periodKey && it.MergeStatus == status {
			out = append(out, it)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].FetchedAt.Before(out[j-1].FetchedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (f *fakeTopicStore) GetTopic(_ context.Context, id int64) (*models.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeTopicStore) MostRecentTopics(_ context.Context, n int, activeOnly bool) ([]*models.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Topic
	for _, t := range f.topics {
		if activeOnly && t.Status != models.TopicActive {
			continue
		}
		out = append(out, t)
		if len(out) == n {
			break
		}
	}
	return out, nil
}

func (f *fakeTopicStore) LatestSummary(_ context.Context, topicID int64) (*models.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.summaries[topicID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeTopicStore) MergeGroupIntoTopic(_ context.Context, m store.GroupMerge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[m.TopicID]
	if !ok {
		return store.ErrNotFound
	}
	for _, id := range m.ItemIDs {
		it, ok := f.items[id]
		if !ok || it.MergeStatus != models.StatusPendingGlobalMerge {
			return store.ErrInvalidTransition
		}
	}
	for _, id := range m.ItemIDs {
		f.items[id].MergeStatus = models.StatusMerged
	}
	if m.LastActive.After(t.LastActive) {
		t.LastActive = m.LastActive
	}
	t.IntensityTotal += len(m.ItemIDs)
	f.heat[m.TopicID] = m.Heat
	if t.CurrentHeatNormalized < m.Heat.HeatNormalized {
		t.CurrentHeatNormalized = m.Heat.HeatNormalized
	}
	return nil
}

func (f *fakeTopicStore) CreateTopicFromGroup(_ context.Context, g store.NewTopicGroup) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range g.ItemIDs {
		it, ok := f.items[id]
		if !ok || it.MergeStatus != models.StatusPendingGlobalMerge {
			return 0, store.ErrInvalidTransition
		}
	}
	f.nextTopic++
	t := &models.Topic{
		ID:                    f.nextTopic,
		TitleKey:              g.TitleKey,
		FirstSeen:             g.FirstSeen,
		LastActive:            g.LastActive,
		Status:                models.TopicActive,
		IntensityTotal:        len(g.ItemIDs),
		CurrentHeatNormalized: g.Heat.HeatNormalized,
		Category:              g.Category,
	}
	f.topics[t.ID] = t
	for _, id := range g.ItemIDs {
		f.items[id].MergeStatus = models.StatusMerged
	}
	f.heat[t.ID] = g.Heat
	return t.ID, nil
}

func (f *fakeTopicStore) ZeroTopicHeat(_ context.Context, topicID int64, _ time.Time, _ period.Period) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zeroed = append(f.zeroed, topicID)
	if t, ok := f.topics[topicID]; ok {
		t.CurrentHeatNormalized = 0
	}
	return nil
}

func (f *fakeTopicStore) RefreshCategoryMetrics(context.Context, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics++
	return nil
}

func (f *fakeTopicStore) StartRun(_ context.Context, kind models.RunKind, periodKey string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := &models.RunRecord{ID: int64(len(f.runs) + 1), Kind: kind, Period: periodKey, Status: models.RunRunning}
	f.runs = append(f.runs, rec)
	return rec.ID, nil
}

func (f *fakeTopicStore) FinishRun(_ context.Context, id int64, status models.RunStatus, counters map[string]int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.runs {
		if rec.ID == id {
			rec.Status = status
			rec.Counters = counters
			rec.Error = errMsg
		}
	}
	return nil
}

func (f *fakeTopicStore) runOfKind(kind models.RunKind) *models.RunRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.runs {
		if rec.Kind == kind {
			return rec
		}
	}
	return nil
}

// fakeSummaries records which summary operations fired per topic.
type fakeSummaries struct {
	mu           sync.Mutex
	placeholders []int64
	full         []int64
	incremental  []int64
}

func (s *fakeSummaries) EnsurePlaceholder(_ context.Context, topicID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeholders = append(s.placeholders, topicID)
	return nil
}

func (s *fakeSummaries) GenerateFull(_ context.Context, topicID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full = append(s.full, topicID)
	return nil
}

func (s *fakeSummaries) RefreshIncremental(_ context.Context, topicID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incremental = append(s.incremental, topicID)
	return nil
}

type fixedClassifier struct {
	category   string
	confidence float64
}

func (c fixedClassifier) Classify(context.Context, []string) (string, float64, string, error) {
	return c.category, c.confidence, "external", nil
}

func survivorItem(id int64, title, periodKey, groupID string, fetched time.Time, heat float64) *models.SourceItem {
	g := groupID
	return &models.SourceItem{
		ID:                 id,
		Platform:           models.PlatformWeibo,
		Title:              title,
		Period:             periodKey,
		MergeStatus:        models.StatusPendingGlobalMerge,
		PeriodMergeGroupID: &g,
		FetchedAt:          fetched,
		HeatNormalized:     heat,
	}
}

func summaryMatch(summaryID, topicID int64, similarity float64) vector.Match {
	return vector.Match{
		ID:         vector.TopicSummaryID(summaryID),
		Similarity: similarity,
		Metadata: vector.Metadata{
			ObjectType: models.ObjectTopicSummary,
			ObjectID:   summaryID,
			TopicID:    topicID,
		},
	}
}

func TestGlobalMergeIntoExistingTopic(t *testing.T) {
	base := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	st := newFakeTopicStore(
		survivorItem(1, "某地地震救援进展", testPeriod, "g1", base, 0.30),
		survivorItem(2, "某地地震最新消息", testPeriod, "g1", base.Add(time.Minute), 0.20),
	)
	existing := &models.Topic{ID: 7, TitleKey: "某地地震", Status: models.TopicActive, LastActive: base.Add(-6 * time.Hour)}
	st.addTopic(existing)
	st.summaries[7] = &models.Summary{ID: 70, TopicID: 7, Content: "某地发生地震。", Method: models.SummaryFull}

	idx := newMemIndex()
	idx.matches = []vector.Match{summaryMatch(70, 7, 0.88)}
	target := int64(7)
	adj := &scriptedAdjudicator{decision: models.AssociationDecision{
		Decision: models.AssociationMerge, TargetTopicID: &target, Confidence: 0.90,
	}}
	sums := &fakeSummaries{}

	m := NewGlobalMerger(st, idx, &titleEmbedder{}, adj, sums, nil, testConfig(), nil)
	require.NoError(t, m.Run(context.Background(), testPeriod))

	// Items merged; topic updated; heat row written for the period.
	assert.Equal(t, models.StatusMerged, st.items[1].MergeStatus)
	assert.Equal(t, models.StatusMerged, st.items[2].MergeStatus)
	assert.Equal(t, 2, existing.IntensityTotal)
	assert.True(t, existing.LastActive.Equal(base.Add(time.Minute)))
	heat := st.heat[7]
	assert.InDelta(t, 0.50, heat.HeatNormalized, 1e-9)
	assert.Equal(t, 2, heat.SourceCount)
	assert.Equal(t, period.PM, heat.Period)

	// Merge target gets a placeholder check plus an incremental refresh.
	assert.Equal(t, []int64{7}, sums.placeholders)
	assert.Equal(t, []int64{7}, sums.incremental)
	assert.Empty(t, sums.full)

	rec := st.runOfKind(models.RunGlobalMerge)
	require.NotNil(t, rec)
	assert.Equal(t, models.RunSucceeded, rec.Status)
	assert.Equal(t, 1, rec.Counters["merged"])
	assert.Equal(t, 0, rec.Counters["created"])

	require.NotNil(t, st.runOfKind(models.RunMergeCompleted))
	assert.Equal(t, 1, st.metrics)
}

func TestGlobalMergeEmptyHistoryCreatesTopicWithoutLLM(t *testing.T) {
	base := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	st := newFakeTopicStore(
		survivorItem(1, "新款手机发布", testPeriod, "g1", base, 0.40),
	)
	adj := &scriptedAdjudicator{}
	sums := &fakeSummaries{}
	cls := fixedClassifier{category: "科技", confidence: 0.9}

	m := NewGlobalMerger(st, newMemIndex(), &titleEmbedder{}, adj, sums, cls, testConfig(), nil)
	require.NoError(t, m.Run(context.Background(), testPeriod))

	// No candidates, so the adjudicator is never consulted.
	assert.Equal(t, 0, adj.decided)
	require.Len(t, st.topics, 1)
	for _, topic := range st.topics {
		assert.Equal(t, "新款手机发布", topic.TitleKey)
		assert.Equal(t, models.TopicActive, topic.Status)
		require.NotNil(t, topic.Category)
		assert.Equal(t, "科技", *topic.Category)
		// The new topic gets its placeholder and then a full summary.
		assert.Equal(t, []int64{topic.ID}, sums.placeholders)
		assert.Equal(t, []int64{topic.ID}, sums.full)
	}
	assert.Equal(t, models.StatusMerged, st.items[1].MergeStatus)
}

func TestGlobalMergeLowConfidenceCreatesTopic(t *testing.T) {
	base := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	st := newFakeTopicStore(
		survivorItem(1, "某地地震余震", testPeriod, "g1", base, 0.40),
	)
	st.addTopic(&models.Topic{ID: 7, TitleKey: "某地地震", Status: models.TopicActive})
	st.summaries[7] = &models.Summary{ID: 70, TopicID: 7, Content: "某地发生地震。"}

	idx := newMemIndex()
	idx.matches = []vector.Match{summaryMatch(70, 7, 0.85)}
	target := int64(7)
	adj := &scriptedAdjudicator{decision: models.AssociationDecision{
		Decision: models.AssociationMerge, TargetTopicID: &target, Confidence: 0.50,
	}}
	sums := &fakeSummaries{}

	m := NewGlobalMerger(st, idx, &titleEmbedder{}, adj, sums, nil, testConfig(), nil)
	require.NoError(t, m.Run(context.Background(), testPeriod))

	assert.Equal(t, 1, adj.decided)
	// Below the merge bar: a fresh topic, not an attachment to topic 7.
	assert.Len(t, st.topics, 2)
	assert.Equal(t, 0, st.topics[7].IntensityTotal)
}

func TestGlobalMergeVanishedTargetCreatesTopic(t *testing.T) {
	base := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	st := newFakeTopicStore(
		survivorItem(1, "某地地震余震", testPeriod, "g1", base, 0.40),
	)
	st.addTopic(&models.Topic{ID: 7, TitleKey: "某地地震", Status: models.TopicActive})

	gone := int64(404)
	adj := &scriptedAdjudicator{decision: models.AssociationDecision{
		Decision: models.AssociationMerge, TargetTopicID: &gone, Confidence: 0.95,
	}}
	sums := &fakeSummaries{}

	m := NewGlobalMerger(st, newMemIndex(), &titleEmbedder{}, adj, sums, nil, testConfig(), nil)
	require.NoError(t, m.Run(context.Background(), testPeriod))

	// Recall fell back to recent topics, decision pointed at a topic that
	// no longer exists; the group becomes a new topic instead.
	assert.Len(t, st.topics, 2)
	assert.Equal(t, models.StatusMerged, st.items[1].MergeStatus)
}

func TestGlobalMergeFailedGroupStaysPending(t *testing.T) {
	base := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	st := newFakeTopicStore(
		survivorItem(1, "某地地震余震", testPeriod, "g1", base, 0.40),
	)
	st.addTopic(&models.Topic{ID: 7, TitleKey: "某地地震", Status: models.TopicActive})
	adj := &scriptedAdjudicator{decideErr: errors.New("provider exhausted")}
	sums := &fakeSummaries{}

	m := NewGlobalMerger(st, newMemIndex(), &titleEmbedder{}, adj, sums, nil, testConfig(), nil)
	require.NoError(t, m.Run(context.Background(), testPeriod))

	// The group is untouched and will be retried by the next run.
	assert.Equal(t, models.StatusPendingGlobalMerge, st.items[1].MergeStatus)
	rec := st.runOfKind(models.RunGlobalMerge)
	require.NotNil(t, rec)
	assert.Equal(t, models.RunSucceeded, rec.Status)
	assert.Equal(t, 1, rec.Counters["failed"])
	assert.Empty(t, sums.full)
}

func TestGlobalMergeKeepRatioZeroesTail(t *testing.T) {
	base := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	st := newFakeTopicStore(
		survivorItem(1, "话题甲", testPeriod, "g1", base, 0.60),
		survivorItem(2, "话题乙", testPeriod, "g2", base.Add(time.Minute), 0.30),
		survivorItem(3, "话题丙", testPeriod, "g3", base.Add(2*time.Minute), 0.10),
	)
	adj := &scriptedAdjudicator{}
	sums := &fakeSummaries{}

	cfg := testConfig()
	cfg.Merge.NewTopicKeepRatio = 0.34
	cfg.Merge.Concurrent = 1

	m := NewGlobalMerger(st, newMemIndex(), &titleEmbedder{}, adj, sums, nil, cfg, nil)
	require.NoError(t, m.Run(context.Background(), testPeriod))

	// Three new topics, ratio keeps the top one; the other two get their
	// heat zeroed but survive as topics.
	assert.Len(t, st.topics, 3)
	assert.Len(t, st.zeroed, 2)
	var kept *models.Topic
	for _, topic := range st.topics {
		if topic.CurrentHeatNormalized > 0 {
			require.Nil(t, kept, "exactly one topic keeps its heat")
			kept = topic
		}
	}
	require.NotNil(t, kept)
	assert.Equal(t, "话题甲", kept.TitleKey)
	// All three still get full summaries; pruning is heat-only.
	assert.Len(t, sums.full, 3)
}

func TestGlobalMergeBatchSizeDefersOverflow(t *testing.T) {
	base := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	st := newFakeTopicStore(
		survivorItem(1, "话题甲", testPeriod, "g1", base, 0.50),
		survivorItem(2, "话题乙", testPeriod, "g2", base.Add(time.Minute), 0.50),
	)
	adj := &scriptedAdjudicator{}
	sums := &fakeSummaries{}

	cfg := testConfig()
	cfg.Merge.MaxBatchSize = 1
	cfg.Merge.Concurrent = 1

	m := NewGlobalMerger(st, newMemIndex(), &titleEmbedder{}, adj, sums, nil, cfg, nil)
	require.NoError(t, m.Run(context.Background(), testPeriod))

	rec := st.runOfKind(models.RunGlobalMerge)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Counters["created"])
	assert.Equal(t, 1, rec.Counters["deferred"])

	// Exactly one group processed, the other still pending.
	pending := 0
	for _, it := range st.items {
		if it.MergeStatus == models.StatusPendingGlobalMerge {
			pending++
		}
	}
	assert.Equal(t, 1, pending)
}

func TestGlobalMergeInactiveTopicsExcludedFromRecall(t *testing.T) {
	base := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	st := newFakeTopicStore(
		survivorItem(1, "旧闻回顾", testPeriod, "g1", base, 0.40),
	)
	ended := &models.Topic{ID: 9, TitleKey: "旧闻", Status: models.TopicEnded}
	st.addTopic(ended)
	st.summaries[9] = &models.Summary{ID: 90, TopicID: 9, Content: "旧闻摘要。"}

	idx := newMemIndex()
	idx.matches = []vector.Match{summaryMatch(90, 9, 0.95)}
	adj := &scriptedAdjudicator{}
	sums := &fakeSummaries{}

	m := NewGlobalMerger(st, idx, &titleEmbedder{}, adj, sums, nil, testConfig(), nil)
	require.NoError(t, m.Run(context.Background(), testPeriod))

	// The ended topic is filtered out of recall and the fallback, so the
	// decision defaults to a new topic without an LLM call.
	assert.Equal(t, 0, adj.decided)
	assert.Len(t, st.topics, 2)
}

func TestGlobalMergeMalformedPeriodKey(t *testing.T) {
	st := newFakeTopicStore()
	m := NewGlobalMerger(st, newMemIndex(), &titleEmbedder{}, &scriptedAdjudicator{}, &fakeSummaries{}, nil, testConfig(), nil)
	require.Error(t, m.Run(context.Background(), "not-a-period"))
	assert.Empty(t, st.runs)
}

func TestGroupByMergeID(t *testing.T) {
	base := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	g1 := "g1"
	items := []*models.SourceItem{
		{ID: 1, PeriodMergeGroupID: &g1, FetchedAt: base},
		{ID: 2, PeriodMergeGroupID: &g1, FetchedAt: base.Add(time.Minute)},
		{ID: 3, FetchedAt: base.Add(2 * time.Minute)},
	}

	groups := groupByMergeID(items)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].items, 2)
	assert.Equal(t, int64(1), groups[0].representative().ID)
	assert.Len(t, groups[1].items, 1)
	assert.Equal(t, int64(3), groups[1].representative().ID)
}

func TestGroupHeatSum(t *testing.T) {
	g := &group{items: []*models.SourceItem{
		{HeatNormalized: 0.3},
		{HeatNormalized: 0.2},
	}}
	assert.InDelta(t, 0.5, g.heatSum(), 1e-9)
}
