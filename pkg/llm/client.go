// Package llm wraps the OpenAI-compatible chat and embedding providers
// behind the three call shapes the pipeline needs: event-group
// confirmation, topic-association decision, and free-form generation.
// Every adjudication call is audited as an LLMJudgement row through the
// injected recorder.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/sync/semaphore"

	"github.com/echolab/echoman/pkg/config"
	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/tokens"
)

// Prompt budget for the two adjudication call shapes.
const (
	candidateSummaryTokens   = 200
	itemTitleTokens          = 80
	itemSummaryTokens        = 150
	decisionPromptTokens     = 2500
	decisionCompletionTokens = 300

	maxRetries          = 3
	maxConcurrentCalls  = 8
	providerNameDefault = "openai-compatible"
)

// Usage reports token consumption of one provider call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// JudgementRecorder persists one audit row per adjudication call. The
// store implements it; the client stays persistence-free.
type JudgementRecorder interface {
	RecordJudgement(ctx context.Context, j models.LLMJudgement) error
}

// GroupItem is one item shown to the adjudicator.
type GroupItem struct {
	Title   string
	Summary string
}

// TopicCandidate is one recalled topic shown to the adjudicator.
type TopicCandidate struct {
	ID      int64
	Title   string
	Summary string
}

// Client is the shared, stateless provider client. It is safe for
// concurrent use; a global semaphore bounds in-flight provider calls.
type Client struct {
	chat       *openai.LLM
	embedder   *openai.LLM
	tokens     *tokens.Manager
	recorder   JudgementRecorder
	logger     *slog.Logger
	sem        *semaphore.Weighted
	chatModel  string
	embedModel string
	temp       float64
	llmTimeout time.Duration
	embTimeout time.Duration
}

// NewClient builds the provider client. The recorder may be nil for
// contexts that do not audit (tests); everything else is required.
func NewClient(llmCfg config.LLMConfig, embCfg config.EmbeddingConfig, timeouts config.TimeoutConfig, tm *tokens.Manager, recorder JudgementRecorder, logger *slog.Logger) (*Client, error) {
	if tm == nil {
		panic("llm.NewClient: token manager is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if llmCfg.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is empty: %w", ErrNotConfigured)
	}

	chat, err := openai.New(
		openai.WithBaseURL(llmCfg.BaseURL),
		openai.WithToken(llmCfg.APIKey),
		openai.WithModel(llmCfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat provider: %w", err)
	}

	embKey := embCfg.APIKey
	if embKey == "" {
		embKey = llmCfg.APIKey
	}
	embedder, err := openai.New(
		openai.WithBaseURL(embCfg.BaseURL),
		openai.WithToken(embKey),
		openai.WithEmbeddingModel(embCfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}

	return &Client{
		chat:       chat,
		embedder:   embedder,
		tokens:     tm,
		recorder:   recorder,
		logger:     logger,
		sem:        semaphore.NewWeighted(maxConcurrentCalls),
		chatModel:  llmCfg.Model,
		embedModel: embCfg.Model,
		temp:       llmCfg.Temperature,
		llmTimeout: timeouts.LLM,
		embTimeout: timeouts.Embedding,
	}, nil
}

// Tokens exposes the shared token manager.
func (c *Client) Tokens() *tokens.Manager {
	return c.tokens
}

// ConfirmEventGroup asks whether the candidate group reports one event.
func (c *Client) ConfirmEventGroup(ctx context.Context, items []GroupItem) (models.GroupVerdict, error) {
	if len(items) < 2 {
		return models.GroupVerdict{}, fmt.Errorf("event-group confirmation needs at least 2 items, got %d", len(items))
	}

	var sb strings.Builder
	for i, it := range items {
		fmt.Fprintf(&sb, "%d. 标题：%s\n", i+1, c.tokens.Truncate(it.Title, itemTitleTokens))
		if it.Summary != "" {
			fmt.Fprintf(&sb, "   摘要：%s\n", c.tokens.Truncate(it.Summary, itemSummaryTokens))
		}
	}
	user := c.tokens.Truncate(
		fmt.Sprintf("以下是同一时段采集到的 %d 条热点条目：\n%s\n它们是否报道同一个事件？", len(items), sb.String()),
		decisionPromptTokens,
	)

	raw, usage, err := c.generateJSON(ctx, eventGroupSystemPrompt, user)
	status := "ok"
	var verdict models.GroupVerdict
	if err == nil {
		var wire groupVerdictWire
		if decErr := decodeObject(raw, &wire); decErr != nil {
			err = decErr
		} else {
			conf, confErr := parseConfidence(wire.Confidence)
			if confErr != nil {
				err = &MalformedResponseError{Raw: raw, Err: confErr}
			} else {
				verdict = models.GroupVerdict{IsSameEvent: wire.IsSameEvent, Confidence: conf, Reason: wire.Reason}
			}
		}
	}
	if err != nil {
		status = "error"
	}
	c.record(ctx, models.JudgementEventGroup, fmt.Sprintf("%d items: %s", len(items), c.tokens.Truncate(items[0].Title, 30)), raw, usage, status)
	return verdict, err
}

// DecideAssociation asks whether the representative item belongs to one of
// the candidate topics or starts a new one. Threshold enforcement and the
// missing-topic fallback are the caller's responsibility.
func (c *Client) DecideAssociation(ctx context.Context, rep GroupItem, candidates []TopicCandidate) (models.AssociationDecision, error) {
	var sb strings.Builder
	ids := make([]int64, 0, len(candidates))
	for i, cand := range candidates {
		ids = append(ids, cand.ID)
		fmt.Fprintf(&sb, "%d. topic_id=%d 标题：%s\n   摘要：%s\n",
			i+1, cand.ID,
			c.tokens.Truncate(cand.Title, itemTitleTokens),
			c.tokens.Truncate(cand.Summary, candidateSummaryTokens))
	}
	user := c.tokens.Truncate(
		fmt.Sprintf("新事件：\n标题：%s\n摘要：%s\n\n候选话题：\n%s",
			c.tokens.Truncate(rep.Title, itemTitleTokens),
			c.tokens.Truncate(rep.Summary, itemSummaryTokens),
			sb.String()),
		decisionPromptTokens,
	)

	raw, usage, err := c.generateJSON(ctx, associationSystemPrompt, user)
	status := "ok"
	var decision models.AssociationDecision
	if err == nil {
		var wire associationWire
		if decErr := decodeObject(raw, &wire); decErr != nil {
			err = decErr
		} else {
			decision, err = buildDecision(wire, ids, raw)
		}
	}
	if err != nil {
		status = "error"
	}
	c.record(ctx, models.JudgementTopicAssociation, c.tokens.Truncate(rep.Title, 30), raw, usage, status)
	return decision, err
}

func buildDecision(wire associationWire, candidateIDs []int64, raw string) (models.AssociationDecision, error) {
	conf, err := parseConfidence(wire.Confidence)
	if err != nil {
		return models.AssociationDecision{}, &MalformedResponseError{Raw: raw, Err: err}
	}

	switch strings.ToLower(strings.TrimSpace(wire.Decision)) {
	case string(models.AssociationMerge):
		d := models.AssociationDecision{Decision: models.AssociationMerge, Confidence: conf, Reason: wire.Reason}
		if id, ok := ResolveTopicID(wire.TargetTopicID, candidateIDs); ok {
			d.TargetTopicID = &id
		}
		// A merge verdict without a resolvable target degrades to new.
		if d.TargetTopicID == nil {
			d.Decision = models.AssociationNew
		}
		return d, nil
	case string(models.AssociationNew):
		return models.AssociationDecision{Decision: models.AssociationNew, Confidence: conf, Reason: wire.Reason}, nil
	default:
		return models.AssociationDecision{}, &MalformedResponseError{Raw: raw, Err: fmt.Errorf("unknown decision %q", wire.Decision)}
	}
}

// GenerateText runs one non-streaming completion; used by the summary
// engine. The call is audited like the adjudication paths.
func (c *Client) GenerateText(ctx context.Context, system, user string, maxTokens int) (string, Usage, error) {
	raw, usage, err := c.generate(ctx, system, user, maxTokens, false)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.record(ctx, models.JudgementSummary, c.tokens.Truncate(user, 30), raw, usage, status)
	return raw, usage, err
}

// StreamText runs one streaming completion, forwarding each provider delta
// to fn in order. Streaming calls are not retried: a mid-stream failure
// surfaces to the caller.
func (c *Client) StreamText(ctx context.Context, system, user string, maxTokens int, fn func(chunk string) error) (Usage, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Usage{}, fmt.Errorf("failed to acquire provider slot: %w", err)
	}
	defer c.sem.Release(1)

	resp, err := c.chat.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, system),
			llms.TextParts(llms.ChatMessageTypeHuman, user),
		},
		llms.WithMaxTokens(maxTokens),
		llms.WithTemperature(c.temp),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return fn(string(chunk))
		}),
	)
	if err != nil {
		return Usage{}, &ProviderError{Op: "stream", Err: err}
	}
	if len(resp.Choices) == 0 {
		return Usage{}, ErrEmptyResponse
	}
	return usageOf(resp.Choices[0]), nil
}

// EmbedTexts embeds texts in order, retrying transient provider failures.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire provider slot: %w", err)
	}
	defer c.sem.Release(1)

	var vecs [][]float32
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.embTimeout)
		defer cancel()
		out, err := c.embedder.CreateEmbedding(callCtx, texts)
		if err != nil {
			return &ProviderError{Op: "embed", Err: err}
		}
		vecs = out
		return nil
	}
	if err := retryTransient(ctx, op); err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

// EmbedModel reports the embedding model identifier for provenance rows.
func (c *Client) EmbedModel() string {
	return c.embedModel
}

// generateJSON runs one bounded adjudication completion in JSON mode.
func (c *Client) generateJSON(ctx context.Context, system, user string) (string, Usage, error) {
	return c.generate(ctx, system, user, decisionCompletionTokens, true)
}

func (c *Client) generate(ctx context.Context, system, user string, maxTokens int, jsonMode bool) (string, Usage, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", Usage{}, fmt.Errorf("failed to acquire provider slot: %w", err)
	}
	defer c.sem.Release(1)

	opts := []llms.CallOption{
		llms.WithMaxTokens(maxTokens),
		llms.WithTemperature(c.temp),
	}
	if jsonMode {
		opts = append(opts, llms.WithJSONMode())
	}

	var content string
	var usage Usage
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.llmTimeout)
		defer cancel()
		resp, err := c.chat.GenerateContent(callCtx,
			[]llms.MessageContent{
				llms.TextParts(llms.ChatMessageTypeSystem, system),
				llms.TextParts(llms.ChatMessageTypeHuman, user),
			},
			opts...,
		)
		if err != nil {
			return &ProviderError{Op: "generate", Err: err}
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
			return &ProviderError{Op: "generate", Err: ErrEmptyResponse}
		}
		content = resp.Choices[0].Content
		usage = usageOf(resp.Choices[0])
		return nil
	}
	if err := retryTransient(ctx, op); err != nil {
		return "", Usage{}, err
	}
	return content, usage, nil
}

// retryTransient retries op with exponential backoff while it returns
// transient provider errors. Any other error aborts immediately.
func retryTransient(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.Retry(wrapped, policy)
}

func usageOf(choice *llms.ContentChoice) Usage {
	var u Usage
	if choice.GenerationInfo == nil {
		return u
	}
	if v, ok := choice.GenerationInfo["PromptTokens"].(int); ok {
		u.PromptTokens = v
	}
	if v, ok := choice.GenerationInfo["CompletionTokens"].(int); ok {
		u.CompletionTokens = v
	}
	return u
}

// record writes the audit row; failures are logged, never propagated.
func (c *Client) record(ctx context.Context, kind models.JudgementKind, requestSummary, raw string, usage Usage, status string) {
	if c.recorder == nil {
		return
	}
	response := raw
	if obj, err := ExtractJSON(raw); err == nil {
		response = obj
	} else if raw != "" {
		// Keep something inspectable even for malformed responses.
		b, _ := json.Marshal(map[string]string{"raw": raw})
		response = string(b)
	}
	j := models.LLMJudgement{
		Kind:             kind,
		RequestSummary:   requestSummary,
		ResponseJSON:     response,
		TokensPrompt:     usage.PromptTokens,
		TokensCompletion: usage.CompletionTokens,
		Provider:         providerNameDefault,
		Model:            c.chatModel,
		Status:           status,
	}
	if err := c.recorder.RecordJudgement(ctx, j); err != nil {
		c.logger.Warn("Failed to record llm judgement", "kind", kind, "error", err)
	}
}
