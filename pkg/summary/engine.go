// Package summary maintains topic summaries (placeholder, full,
// incremental) and the topic_summary vectors that close the stage-two
// recall loop.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/echolab/echoman/pkg/config"
	"github.com/echolab/echoman/pkg/llm"
	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/store"
	"github.com/echolab/echoman/pkg/vector"
)

// Key-node selection for full summaries: the first node, the top
// interaction drivers, and the most recent nodes, capped.
const (
	topInteractionNodes = 2
	latestNodes         = 5
	maxSummaryNodes     = 15
	nodeFetchLimit      = 500

	summaryCompletionTokens = 600
	nodeSummaryTokens       = 150
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetTopic(ctx context.Context, id int64) (*models.Topic, error)
	LatestSummary(ctx context.Context, topicID int64) (*models.Summary, error)
	InsertSummary(ctx context.Context, topicID int64, content string, method models.SummaryMethod) (*models.Summary, error)
	ListTopicItems(ctx context.Context, topicID int64, limit int) ([]*models.SourceItem, error)
	CountNodesSince(ctx context.Context, topicID int64, since time.Time) (int, error)
	RecordEmbeddingRef(ctx context.Context, ref models.EmbeddingRef) error
	DeleteEmbeddingRef(ctx context.Context, objectType models.EmbeddingObjectType, objectID int64) error
	ListSummariesMissingVector(ctx context.Context, limit int) ([]*models.Summary, error)
}

// Generator is the LLM surface the engine needs.
type Generator interface {
	GenerateText(ctx context.Context, system, user string, maxTokens int) (string, llm.Usage, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedModel() string
}

// Engine writes summaries and keeps their vectors in sync.
type Engine struct {
	store  Store
	gen    Generator
	index  vector.Index
	cfg    config.SummaryConfig
	logger *slog.Logger
}

// NewEngine wires the summary engine.
func NewEngine(st Store, gen Generator, idx vector.Index, cfg config.SummaryConfig, logger *slog.Logger) *Engine {
	if st == nil || gen == nil || idx == nil {
		panic("summary.NewEngine: all dependencies are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, gen: gen, index: idx, cfg: cfg, logger: logger}
}

// EnsurePlaceholder writes a rule-generated placeholder summary and its
// vector when the topic has none. The vector must land immediately so
// later groups in the same batch can recall this topic.
func (e *Engine) EnsurePlaceholder(ctx context.Context, topicID int64) error {
	if _, err := e.store.LatestSummary(ctx, topicID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	topic, err := e.store.GetTopic(ctx, topicID)
	if err != nil {
		return err
	}

	content := fmt.Sprintf("事件「%s」的摘要正在生成中，该事件最早于 %s 被关注。",
		topic.TitleKey, topic.FirstSeen.Format("2006-01-02 15:04"))
	return e.writeSummary(ctx, topic, content, models.SummaryPlaceholder)
}

// GenerateFull replaces the topic's summary with an LLM-written one built
// from its key nodes.
func (e *Engine) GenerateFull(ctx context.Context, topicID int64) error {
	topic, err := e.store.GetTopic(ctx, topicID)
	if err != nil {
		return err
	}
	items, err := e.store.ListTopicItems(ctx, topicID, nodeFetchLimit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("topic %d has no nodes to summarize", topicID)
	}

	selected := selectKeyNodes(items)
	user := fmt.Sprintf("话题：%s\n\n相关报道（按时间排序）：\n%s", topic.TitleKey, renderNodes(selected))
	content, _, err := e.gen.GenerateText(ctx, fullSummarySystemPrompt, user, summaryCompletionTokens)
	if err != nil {
		return fmt.Errorf("full summary generation for topic %d failed: %w", topicID, err)
	}
	content = llm.StripThinkTags(content)
	if content == "" {
		return fmt.Errorf("full summary for topic %d came back empty: %w", topicID, llm.ErrEmptyResponse)
	}
	return e.writeSummary(ctx, topic, content, models.SummaryFull)
}

// RefreshIncremental folds newly merged nodes into the existing summary.
// Skipped when too few nodes arrived or the summary is still fresh; the
// model itself may also answer that no update is needed.
func (e *Engine) RefreshIncremental(ctx context.Context, topicID int64) error {
	latest, err := e.store.LatestSummary(ctx, topicID)
	if errors.Is(err, store.ErrNotFound) {
		return e.GenerateFull(ctx, topicID)
	}
	if err != nil {
		return err
	}
	// A placeholder has nothing to fold into.
	if latest.Method == models.SummaryPlaceholder {
		return e.GenerateFull(ctx, topicID)
	}

	newNodes, err := e.store.CountNodesSince(ctx, topicID, latest.GeneratedAt)
	if err != nil {
		return err
	}
	if newNodes < e.cfg.MinNewNodes {
		e.logger.Debug("Skipping incremental refresh, too few new nodes",
			"topic", topicID, "new_nodes", newNodes)
		return nil
	}
	if time.Since(latest.GeneratedAt) < e.cfg.MinInterval {
		e.logger.Debug("Skipping incremental refresh, summary still fresh",
			"topic", topicID, "age", time.Since(latest.GeneratedAt))
		return nil
	}

	topic, err := e.store.GetTopic(ctx, topicID)
	if err != nil {
		return err
	}
	items, err := e.store.ListTopicItems(ctx, topicID, newNodes)
	if err != nil {
		return err
	}

	user := fmt.Sprintf("现有摘要：\n%s\n\n新增报道：\n%s", latest.Content, renderNodes(items))
	raw, _, err := e.gen.GenerateText(ctx, incrementalSystemPrompt, user, summaryCompletionTokens)
	if err != nil {
		return fmt.Errorf("incremental summary for topic %d failed: %w", topicID, err)
	}

	obj, err := llm.ExtractJSON(raw)
	if err != nil {
		return &llm.MalformedResponseError{Raw: raw, Err: err}
	}
	var wire struct {
		NeedsUpdate bool   `json:"needs_update"`
		Summary     string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(obj), &wire); err != nil {
		return &llm.MalformedResponseError{Raw: raw, Err: err}
	}
	if !wire.NeedsUpdate {
		e.logger.Debug("Model reported no summary update needed", "topic", topicID)
		return nil
	}
	if wire.Summary == "" {
		return &llm.MalformedResponseError{Raw: raw, Err: fmt.Errorf("needs_update without summary text")}
	}
	return e.writeSummary(ctx, topic, wire.Summary, models.SummaryIncremental)
}

// writeSummary commits the summary row (with the topic pointer flip),
// then upserts the topic_summary vector, records the provenance row, and
// retires the superseded summary's vector. The relational commit comes
// first; a vector failure is recoverable drift the reconciliation sweep
// repairs.
func (e *Engine) writeSummary(ctx context.Context, topic *models.Topic, content string, method models.SummaryMethod) error {
	var previous *models.Summary
	if prev, err := e.store.LatestSummary(ctx, topic.ID); err == nil {
		previous = prev
	}

	sum, err := e.store.InsertSummary(ctx, topic.ID, content, method)
	if err != nil {
		return err
	}

	if err := e.upsertVector(ctx, sum); err != nil {
		return fmt.Errorf("summary %d committed but vector upsert failed: %w", sum.ID, err)
	}

	if previous != nil {
		if err := e.index.Delete(ctx, []string{vector.TopicSummaryID(previous.ID)}); err != nil {
			e.logger.Warn("Failed to delete superseded summary vector",
				"summary", previous.ID, "error", err)
		}
		if err := e.store.DeleteEmbeddingRef(ctx, models.ObjectTopicSummary, previous.ID); err != nil {
			e.logger.Warn("Failed to delete superseded embedding ref",
				"summary", previous.ID, "error", err)
		}
	}

	e.logger.Info("Summary written", "topic", topic.ID, "summary", sum.ID, "method", method)
	return nil
}

// upsertVector embeds one summary and writes its index record plus the
// bookkeeping row.
func (e *Engine) upsertVector(ctx context.Context, sum *models.Summary) error {
	vecs, err := e.gen.EmbedTexts(ctx, []string{sum.Content})
	if err != nil {
		return err
	}
	err = e.index.Upsert(ctx, []vector.Record{{
		ID:     vector.TopicSummaryID(sum.ID),
		Vector: vecs[0],
		Metadata: vector.Metadata{
			ObjectType:  models.ObjectTopicSummary,
			ObjectID:    sum.ID,
			TopicID:     sum.TopicID,
			GeneratedAt: sum.GeneratedAt.Unix(),
		},
		Document: sum.Content,
	}})
	if err != nil {
		return err
	}
	return e.store.RecordEmbeddingRef(ctx, models.EmbeddingRef{
		ObjectType: models.ObjectTopicSummary,
		ObjectID:   sum.ID,
		Provider:   "openai-compatible",
		Model:      e.gen.EmbedModel(),
	})
}

// selectKeyNodes picks the first report, the strongest interaction
// drivers, and the most recent reports, in chronological order. Input is
// newest first.
func selectKeyNodes(items []*models.SourceItem) []*models.SourceItem {
	picked := make(map[int64]*models.SourceItem)

	// First node: the oldest attachment.
	picked[items[len(items)-1].ID] = items[len(items)-1]

	// Top interaction drivers.
	byInteraction := append([]*models.SourceItem(nil), items...)
	sort.SliceStable(byInteraction, func(i, j int) bool {
		return byInteraction[i].InteractionTotal() > byInteraction[j].InteractionTotal()
	})
	for i := 0; i < topInteractionNodes && i < len(byInteraction); i++ {
		picked[byInteraction[i].ID] = byInteraction[i]
	}

	// Most recent reports.
	for i := 0; i < latestNodes && i < len(items); i++ {
		picked[items[i].ID] = items[i]
	}

	selected := make([]*models.SourceItem, 0, len(picked))
	// Oldest first for the prompt.
	for i := len(items) - 1; i >= 0; i-- {
		if _, ok := picked[items[i].ID]; ok {
			selected = append(selected, items[i])
			if len(selected) == maxSummaryNodes {
				break
			}
		}
	}
	return selected
}

func renderNodes(items []*models.SourceItem) string {
	var sb strings.Builder
	for i, it := range items {
		fmt.Fprintf(&sb, "%d. [%s %s] %s\n", i+1, it.Platform, it.FetchedAt.Format("01-02 15:04"), it.Title)
		if it.Summary != "" {
			fmt.Fprintf(&sb, "   %s\n", truncateRunes(it.Summary, nodeSummaryTokens))
		}
	}
	return sb.String()
}

// truncateRunes is a cheap character cap for prompt assembly; the
// provider-side token ceilings still apply.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

const fullSummarySystemPrompt = `你是新闻摘要助手。根据给出的多条报道，为该话题写一段 150 字以内的中文摘要。
概括事件经过、关键主体和最新进展，不要逐条罗列，不要编造报道之外的内容。只输出摘要正文。`

const incrementalSystemPrompt = `你是新闻摘要助手。给定现有摘要和若干新增报道，判断是否需要更新摘要。
如新增报道只是重复已有信息，不需要更新。只输出一个 JSON 对象：
{"needs_update": true/false, "summary": "更新后的完整摘要（needs_update 为 false 时可为空）"}`
