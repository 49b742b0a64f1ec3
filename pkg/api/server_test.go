package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echolab/echoman/pkg/database"
	"github.com/echolab/echoman/pkg/ingest"
	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/period"
	"github.com/echolab/echoman/pkg/rag"
	"github.com/echolab/echoman/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeReadStore struct {
	topics    map[int64]*models.Topic
	summaries map[int64]*models.Summary
	items     map[int64][]*models.SourceItem
	heat      map[int64][]models.TopicPeriodHeat
	stats     []models.PlatformHeatStat
	states    map[models.MergeStatus]int
	metrics   []models.CategoryMetric
	runs      []*models.RunRecord
	err       error
}

func newFakeReadStore() *fakeReadStore {
	return &fakeReadStore{
		topics:    make(map[int64]*models.Topic),
		summaries: make(map[int64]*models.Summary),
		items:     make(map[int64][]*models.SourceItem),
		heat:      make(map[int64][]models.TopicPeriodHeat),
		states:    make(map[models.MergeStatus]int),
	}
}

func (f *fakeReadStore) ListTopics(_ context.Context, limit, offset int, _ bool) ([]*models.Topic, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.Topic
	for _, t := range f.topics {
		out = append(out, t)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeReadStore) GetTopic(_ context.Context, id int64) (*models.Topic, error) {
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.topics[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeReadStore) LatestSummary(_ context.Context, topicID int64) (*models.Summary, error) {
	s, ok := f.summaries[topicID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeReadStore) ListPeriodHeat(_ context.Context, topicID int64) ([]models.TopicPeriodHeat, error) {
	return f.heat[topicID], nil
}

func (f *fakeReadStore) ListTopicItems(_ context.Context, topicID int64, limit int) ([]*models.SourceItem, error) {
	items := f.items[topicID]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeReadStore) PlatformHeatStats(context.Context, string) ([]models.PlatformHeatStat, error) {
	return f.stats, nil
}

func (f *fakeReadStore) CountItemsByStatus(context.Context, string) (map[models.MergeStatus]int, error) {
	return f.states, nil
}

func (f *fakeReadStore) ListCategoryMetrics(context.Context, time.Time) ([]models.CategoryMetric, error) {
	return f.metrics, nil
}

func (f *fakeReadStore) ListRuns(_ context.Context, kind models.RunKind, limit int) ([]*models.RunRecord, error) {
	var out []*models.RunRecord
	for _, r := range f.runs {
		if kind != "" && r.Kind != kind {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeIngestor struct {
	result ingest.Result
	err    error
	drafts []models.ItemDraft
}

func (f *fakeIngestor) IngestBatch(_ context.Context, drafts []models.ItemDraft) (ingest.Result, error) {
	f.drafts = drafts
	return f.result, f.err
}

type fakeStage struct {
	keys []string
	err  error
}

func (f *fakeStage) Run(_ context.Context, periodKey string) error {
	f.keys = append(f.keys, periodKey)
	return f.err
}

type fakeAsker struct {
	events []rag.Event
	err    error
}

func (f *fakeAsker) Ask(_ context.Context, _ rag.Request, emit func(rag.Event) error) error {
	for _, ev := range f.events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return f.err
}

type fakeHealth struct {
	err error
}

func (f *fakeHealth) Health(context.Context) (database.HealthStatus, error) {
	return database.HealthStatus{Connected: f.err == nil}, f.err
}

type serverFixture struct {
	store    *fakeReadStore
	ingestor *fakeIngestor
	stage1   *fakeStage
	stage2   *fakeStage
	asker    *fakeAsker
	health   *fakeHealth
	router   *gin.Engine
}

func newFixture() *serverFixture {
	f := &serverFixture{
		store:    newFakeReadStore(),
		ingestor: &fakeIngestor{},
		stage1:   &fakeStage{},
		stage2:   &fakeStage{},
		asker:    &fakeAsker{},
		health:   &fakeHealth{},
	}
	srv := NewServer(f.store, f.ingestor, f.stage1, f.stage2, f.asker, f.health, nil)
	f.router = srv.Handler()
	return f
}

func (f *serverFixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	f.health.err = errors.New("connection refused")
	w = f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestIngestItems(t *testing.T) {
	f := newFixture()
	f.ingestor.result = ingest.Result{Accepted: 2, Noise: 1}

	w := f.do(http.MethodPost, "/api/v1/items", gin.H{
		"items": []gin.H{
			{"platform": "weibo", "title": "标题一", "url": "https://e.com/1", "run_id": "r1"},
			{"platform": "zhihu", "title": "标题二", "url": "https://e.com/2", "run_id": "r1"},
			{"platform": "sina", "title": "点击查看更多", "url": "https://e.com/3", "run_id": "r1"},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var res ingest.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 1, res.Noise)
	assert.Len(t, f.ingestor.drafts, 3)
}

func TestIngestItemsRejectsEmptyAndMalformed(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPost, "/api/v1/items", gin.H{"items": []gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/items", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTopicDetail(t *testing.T) {
	f := newFixture()
	f.store.topics[7] = &models.Topic{
		ID: 7, TitleKey: "某地地震",
		FirstSeen:  time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC),
		LastActive: time.Date(2026, 8, 24, 20, 0, 0, 0, time.UTC),
	}
	f.store.summaries[7] = &models.Summary{ID: 70, TopicID: 7, Content: "摘要内容"}
	f.store.heat[7] = []models.TopicPeriodHeat{
		{TopicID: 7, Period: period.PM, HeatNormalized: 0.4, SourceCount: 3},
	}

	w := f.do(http.MethodGet, "/api/v1/topics/7", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var detail topicDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, "某地地震", detail.Topic.TitleKey)
	require.NotNil(t, detail.Summary)
	assert.Equal(t, "摘要内容", detail.Summary.Content)
	require.Len(t, detail.PeriodHeat, 1)
	assert.Equal(t, "12h0m0s", detail.EchoLength)
}

func TestGetTopicNotFound(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodGet, "/api/v1/topics/404", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/v1/topics/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTopicWithoutSummary(t *testing.T) {
	f := newFixture()
	f.store.topics[7] = &models.Topic{ID: 7, TitleKey: "无摘要话题"}

	w := f.do(http.MethodGet, "/api/v1/topics/7", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var detail topicDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Nil(t, detail.Summary)
}

func TestListTopicItemsChecksTopic(t *testing.T) {
	f := newFixture()
	f.store.topics[7] = &models.Topic{ID: 7}
	f.store.items[7] = []*models.SourceItem{{ID: 1, Title: "报道"}}

	w := f.do(http.MethodGet, "/api/v1/topics/7/items", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = f.do(http.MethodGet, "/api/v1/topics/8/items", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlatformStatsValidatesPeriod(t *testing.T) {
	f := newFixture()
	f.store.stats = []models.PlatformHeatStat{{Platform: models.PlatformWeibo, ItemCount: 5}}
	f.store.states = map[models.MergeStatus]int{models.StatusMerged: 5}

	w := f.do(http.MethodGet, "/api/v1/stats/platforms?period=2026-08-24_PM", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"weibo"`)

	w = f.do(http.MethodGet, "/api/v1/stats/platforms?period=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCategoryStats(t *testing.T) {
	f := newFixture()
	f.store.metrics = []models.CategoryMetric{{Category: "科技", TopicCount: 2}}

	w := f.do(http.MethodGet, "/api/v1/stats/categories?date=2026-08-24", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "科技")

	w = f.do(http.MethodGet, "/api/v1/stats/categories?date=24/08/2026", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRunsFiltersByKind(t *testing.T) {
	f := newFixture()
	f.store.runs = []*models.RunRecord{
		{ID: 1, Kind: models.RunIngest},
		{ID: 2, Kind: models.RunEventMerge},
	}

	w := f.do(http.MethodGet, "/api/v1/runs?kind=event_merge", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestTriggerEventMerge(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPost, "/api/v1/admin/merge/event", gin.H{"period_key": "2026-08-24_AM"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"2026-08-24_AM"}, f.stage1.keys)

	// Missing body defaults to the current period.
	w = f.do(http.MethodPost, "/api/v1/admin/merge/event", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.stage1.keys, 2)
	assert.Equal(t, period.Now(), f.stage1.keys[1])

	w = f.do(http.MethodPost, "/api/v1/admin/merge/event", gin.H{"period_key": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerGlobalMergeFailure(t *testing.T) {
	f := newFixture()
	f.stage2.err = errors.New("pipeline exploded")

	w := f.do(http.MethodPost, "/api/v1/admin/merge/global", gin.H{"period_key": "2026-08-24_AM"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestChatStreamsEvents(t *testing.T) {
	f := newFixture()
	f.asker.events = []rag.Event{
		{Type: rag.EventToken, Token: "部分"},
		{Type: rag.EventToken, Token: "回答"},
		{Type: rag.EventCitations, Citations: []rag.Citation{{Title: "某报道", TopicID: 7}}},
		{Type: rag.EventDone, Diagnostics: &rag.Diagnostics{ContextChunks: 2}},
	}

	w := f.do(http.MethodPost, "/api/v1/chat", gin.H{"mode": "topic", "topic_id": 7, "question": "发生了什么？"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "event: token")
	assert.Contains(t, body, "event: citations")
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, "某报道")
	// Two token frames before the terminal frame.
	assert.Equal(t, 2, strings.Count(body, "event: token"))
}

func TestChatRequiresQuestion(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodPost, "/api/v1/chat", gin.H{"mode": "global"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTopicsPagination(t *testing.T) {
	f := newFixture()
	f.store.topics[1] = &models.Topic{ID: 1}
	f.store.topics[2] = &models.Topic{ID: 2}

	w := f.do(http.MethodGet, "/api/v1/topics?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = f.do(http.MethodGet, "/api/v1/topics?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/v1/topics?limit=999", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
