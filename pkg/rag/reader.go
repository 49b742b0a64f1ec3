// Package rag answers questions over the topic corpus: topic-scoped or
// global retrieval, token-budgeted context packing, and a typed streaming
// response with citations.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/echolab/echoman/pkg/config"
	"github.com/echolab/echoman/pkg/llm"
	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/store"
	"github.com/echolab/echoman/pkg/tokens"
	"github.com/echolab/echoman/pkg/vector"
)

const (
	// Retrieval shape.
	topicNodeLimit   = 5
	topicQueryDepth  = 20
	globalTopicLimit = 10
	globalNodeLimit  = 2

	// Token envelope for the answering call.
	ragContextTokens    = 20000
	ragCompletionTokens = 2000

	snippetRunes = 120
)

// fallbackAnswer is returned verbatim when retrieval finds nothing.
const fallbackAnswer = "暂未检索到与该问题相关的足够信息，无法给出有依据的回答。"

// Store is the persistence surface the reader needs.
type Store interface {
	GetTopic(ctx context.Context, id int64) (*models.Topic, error)
	LatestSummary(ctx context.Context, topicID int64) (*models.Summary, error)
	ListTopicItems(ctx context.Context, topicID int64, limit int) ([]*models.SourceItem, error)
	ListTopicNodes(ctx context.Context, topicID int64) ([]models.TopicNode, error)
	GetItems(ctx context.Context, ids []int64) ([]*models.SourceItem, error)
	InsertChat(ctx context.Context, mode models.ChatMode, topicID *int64, question string) (int64, error)
}

// Provider is the LLM surface the reader needs.
type Provider interface {
	StreamText(ctx context.Context, system, user string, maxTokens int, fn func(chunk string) error) (llm.Usage, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Request is one question against the corpus.
type Request struct {
	Mode     models.ChatMode
	TopicID  int64
	Question string
}

// Reader streams evidence-grounded answers.
type Reader struct {
	store   Store
	index   vector.Index
	llm     Provider
	tokens  *tokens.Manager
	timeout time.Duration
	logger  *slog.Logger
}

// NewReader wires the RAG reader.
func NewReader(st Store, idx vector.Index, provider Provider, tm *tokens.Manager, timeouts config.TimeoutConfig, logger *slog.Logger) *Reader {
	if st == nil || idx == nil || provider == nil || tm == nil {
		panic("rag.NewReader: all dependencies are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{store: st, index: idx, llm: provider, tokens: tm, timeout: timeouts.RAG, logger: logger}
}

// Ask answers one question, emitting the typed event sequence to emit.
// An emit error (client gone) aborts the upstream stream. Ask always
// terminates the sequence with done or error.
func (r *Reader) Ask(ctx context.Context, req Request, emit func(Event) error) error {
	start := time.Now()

	if err := r.validate(req); err != nil {
		return emitError(emit, err)
	}

	var topicID *int64
	if req.Mode == models.ChatTopic {
		topicID = &req.TopicID
	}
	if _, err := r.store.InsertChat(ctx, req.Mode, topicID, req.Question); err != nil {
		r.logger.Warn("Failed to record chat", "error", err)
	}

	chunks, citations, err := r.retrieve(ctx, req)
	if err != nil {
		return emitError(emit, err)
	}

	// Empty retrieval short-circuits to the canned fallback.
	if len(chunks) == 0 {
		if err := emit(Event{Type: EventToken, Token: fallbackAnswer}); err != nil {
			return err
		}
		return emit(Event{Type: EventDone, Diagnostics: &Diagnostics{
			LatencyMS: time.Since(start).Milliseconds(),
			Fallback:  true,
		}})
	}

	budget := r.tokens.AvailableContextTokens(answerSystemPrompt, req.Question, ragCompletionTokens)
	if budget > ragContextTokens {
		budget = ragContextTokens
	}
	packed, used := r.tokens.PackChunks(chunks, budget)

	user := fmt.Sprintf("证据材料：\n%s\n问题：%s", strings.Join(packed, "\n"), req.Question)

	streamCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	usage, err := r.llm.StreamText(streamCtx, answerSystemPrompt, user, ragCompletionTokens, func(chunk string) error {
		return emit(Event{Type: EventToken, Token: chunk})
	})
	if err != nil {
		return emitError(emit, err)
	}

	if err := emit(Event{Type: EventCitations, Citations: citations}); err != nil {
		return err
	}
	diag := &Diagnostics{
		LatencyMS:        time.Since(start).Milliseconds(),
		TokensPrompt:     usage.PromptTokens,
		TokensCompletion: usage.CompletionTokens,
		ContextChunks:    len(packed),
	}
	if diag.TokensPrompt == 0 {
		diag.TokensPrompt = used
	}
	return emit(Event{Type: EventDone, Diagnostics: diag})
}

func (r *Reader) validate(req Request) error {
	if req.Question == "" {
		return store.NewValidationError("question", "must not be empty")
	}
	switch req.Mode {
	case models.ChatTopic:
		if req.TopicID == 0 {
			return store.NewValidationError("topic_id", "required in topic mode")
		}
	case models.ChatGlobal:
	default:
		return store.NewValidationError("mode", fmt.Sprintf("unknown mode %q", req.Mode))
	}
	return nil
}

func (r *Reader) retrieve(ctx context.Context, req Request) ([]string, []Citation, error) {
	vecs, err := r.llm.EmbedTexts(ctx, []string{req.Question})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed question: %w", err)
	}
	if req.Mode == models.ChatTopic {
		return r.retrieveTopic(ctx, req.TopicID, vecs[0])
	}
	return r.retrieveGlobal(ctx, vecs[0])
}

// retrieveTopic composes the topic's summary plus its best-matching nodes.
func (r *Reader) retrieveTopic(ctx context.Context, topicID int64, qvec []float32) ([]string, []Citation, error) {
	topic, err := r.store.GetTopic(ctx, topicID)
	if err != nil {
		return nil, nil, err
	}

	var chunks []string
	var citations []Citation

	if sum, err := r.store.LatestSummary(ctx, topicID); err == nil {
		chunks = append(chunks, fmt.Sprintf("【话题摘要】%s", sum.Content))
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	// Membership filter: the index holds all source_item vectors; keep
	// only this topic's nodes.
	nodes, err := r.store.ListTopicNodes(ctx, topicID)
	if err != nil {
		return nil, nil, err
	}
	member := make(map[int64]bool, len(nodes))
	for _, n := range nodes {
		member[n.SourceItemID] = true
	}

	matches, err := r.index.Query(ctx, qvec, topicQueryDepth, vector.Filter{ObjectType: models.ObjectSourceItem})
	if err != nil {
		return nil, nil, fmt.Errorf("node retrieval failed: %w", err)
	}

	var itemIDs []int64
	for _, match := range matches {
		if len(itemIDs) == topicNodeLimit {
			break
		}
		if match.Similarity < 0 || !member[match.Metadata.ObjectID] {
			continue
		}
		itemIDs = append(itemIDs, match.Metadata.ObjectID)
	}

	if len(itemIDs) > 0 {
		items, err := r.store.GetItems(ctx, itemIDs)
		if err != nil {
			return nil, nil, err
		}
		for _, it := range items {
			chunks = append(chunks, renderItemChunk(it))
			citations = append(citations, itemCitation(topic.ID, it))
		}
	}
	return chunks, citations, nil
}

// retrieveGlobal recalls the closest topic summaries and garnishes each
// with its most recent nodes.
func (r *Reader) retrieveGlobal(ctx context.Context, qvec []float32) ([]string, []Citation, error) {
	matches, err := r.index.Query(ctx, qvec, globalTopicLimit, vector.Filter{ObjectType: models.ObjectTopicSummary})
	if err != nil {
		return nil, nil, fmt.Errorf("topic retrieval failed: %w", err)
	}

	var chunks []string
	var citations []Citation
	seen := make(map[int64]bool)
	for _, match := range matches {
		topicID := match.Metadata.TopicID
		if topicID == 0 || seen[topicID] {
			continue
		}
		seen[topicID] = true

		topic, err := r.store.GetTopic(ctx, topicID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		summaryText := match.Document
		if summaryText == "" {
			if sum, err := r.store.LatestSummary(ctx, topicID); err == nil {
				summaryText = sum.Content
			}
		}
		chunk := fmt.Sprintf("【话题】%s\n摘要：%s", topic.TitleKey, summaryText)

		items, err := r.store.ListTopicItems(ctx, topicID, globalNodeLimit)
		if err != nil {
			return nil, nil, err
		}
		for _, it := range items {
			chunk += "\n" + renderItemChunk(it)
			citations = append(citations, itemCitation(topicID, it))
		}
		chunks = append(chunks, chunk)
		citations = append(citations, Citation{
			TopicID: topicID,
			Title:   topic.TitleKey,
			Snippet: truncateRunes(summaryText, snippetRunes),
		})
	}
	return chunks, citations, nil
}

func renderItemChunk(it *models.SourceItem) string {
	line := fmt.Sprintf("- [%s %s] %s", it.Platform, it.FetchedAt.Format("2006-01-02 15:04"), it.Title)
	if it.Summary != "" {
		line += "：" + it.Summary
	}
	if it.URL != "" {
		line += " (" + it.URL + ")"
	}
	return line
}

func itemCitation(topicID int64, it *models.SourceItem) Citation {
	return Citation{
		TopicID:   topicID,
		Title:     it.Title,
		URL:       it.URL,
		Platform:  string(it.Platform),
		Snippet:   truncateRunes(it.Summary, snippetRunes),
		FetchedAt: it.FetchedAt,
	}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// emitError terminates the sequence with an error event. The emit failure
// itself wins when the client is already gone.
func emitError(emit func(Event) error, err error) error {
	if emitErr := emit(Event{Type: EventError, Error: err.Error()}); emitErr != nil {
		return emitErr
	}
	return err
}

const answerSystemPrompt = `你是热点话题问答助手。严格依据提供的证据材料回答问题，使用中文。
证据不足以回答时，明确说明没有足够信息，不要编造。回答保持简洁。`
