// Package models holds the typed records shared across the pipeline,
// the store and the API layer.
package models

import (
	"time"

	"github.com/echolab/echoman/pkg/period"
)

// Platform identifies one of the supported source platforms.
type Platform string

const (
	PlatformWeibo   Platform = "weibo"
	PlatformZhihu   Platform = "zhihu"
	PlatformToutiao Platform = "toutiao"
	PlatformSina    Platform = "sina"
	PlatformNetease Platform = "netease"
	PlatformBaidu   Platform = "baidu"
	PlatformHupu    Platform = "hupu"
)

// Platforms lists every supported platform.
var Platforms = []Platform{
	PlatformWeibo, PlatformZhihu, PlatformToutiao, PlatformSina,
	PlatformNetease, PlatformBaidu, PlatformHupu,
}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

// MergeStatus is the SourceItem pipeline state. The set is closed; every
// transition is made explicitly by stage one or stage two and items never
// move backward.
type MergeStatus string

const (
	StatusPendingEventMerge  MergeStatus = "pending_event_merge"
	StatusPendingGlobalMerge MergeStatus = "pending_global_merge"
	StatusMerged             MergeStatus = "merged"
	StatusDiscarded          MergeStatus = "discarded"
)

// Valid reports whether s is a known merge status.
func (s MergeStatus) Valid() bool {
	switch s {
	case StatusPendingEventMerge, StatusPendingGlobalMerge, StatusMerged, StatusDiscarded:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s MergeStatus) Terminal() bool {
	return s == StatusMerged || s == StatusDiscarded
}

// CanTransitionTo reports whether the s → next transition is legal.
func (s MergeStatus) CanTransitionTo(next MergeStatus) bool {
	switch s {
	case StatusPendingEventMerge:
		return next == StatusPendingGlobalMerge || next == StatusDiscarded
	case StatusPendingGlobalMerge:
		return next == StatusMerged
	default:
		return false
	}
}

// ItemDraft is the ingestion contract: one normalized record pushed by an
// external collector. The pipeline fields are assigned by the core.
type ItemDraft struct {
	Platform     Platform         `json:"platform"`
	Title        string           `json:"title"`
	Summary      string           `json:"summary"`
	URL          string           `json:"url"`
	PublishedAt  *time.Time       `json:"published_at,omitempty"`
	FetchedAt    *time.Time       `json:"fetched_at,omitempty"`
	HeatValue    *float64         `json:"heat_value,omitempty"`
	Interactions map[string]int64 `json:"interactions,omitempty"`
	RunID        string           `json:"run_id"`
}

// SourceItem is one collected atom with its pipeline state.
type SourceItem struct {
	ID           int64            `json:"id"`
	Platform     Platform         `json:"platform"`
	Title        string           `json:"title"`
	Summary      string           `json:"summary"`
	URL          string           `json:"url"`
	PublishedAt  *time.Time       `json:"published_at,omitempty"`
	FetchedAt    time.Time        `json:"fetched_at"`
	HeatValue    *float64         `json:"heat_value,omitempty"`
	Interactions map[string]int64 `json:"interactions,omitempty"`

	Period             string      `json:"period"`
	MergeStatus        MergeStatus `json:"merge_status"`
	PeriodMergeGroupID *string     `json:"period_merge_group_id,omitempty"`
	OccurrenceCount    int         `json:"occurrence_count"`
	HeatNormalized     float64     `json:"heat_normalized"`
	EmbeddingID        *string     `json:"embedding_id,omitempty"`

	DedupKey  string    `json:"-"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

// interactionKeys are the engagement counters that make up an item's
// interaction volume.
var interactionKeys = []string{"repost", "comment", "like", "view", "favorite"}

// InteractionTotal sums the item's engagement counters; it ranks nodes when
// selecting summary inputs.
func (i *SourceItem) InteractionTotal() int64 {
	var total int64
	for _, k := range interactionKeys {
		total += i.Interactions[k]
	}
	return total
}

// TopicStatus marks whether a topic is still accumulating nodes.
type TopicStatus string

const (
	TopicActive TopicStatus = "active"
	TopicEnded  TopicStatus = "ended"
)

// Topic is a long-lived event cluster across periods.
type Topic struct {
	ID                    int64       `json:"id"`
	TitleKey              string      `json:"title_key"`
	FirstSeen             time.Time   `json:"first_seen"`
	LastActive            time.Time   `json:"last_active"`
	Status                TopicStatus `json:"status"`
	IntensityTotal        int         `json:"intensity_total"`
	CurrentHeatNormalized float64     `json:"current_heat_normalized"`
	HeatPercentage        float64     `json:"heat_percentage"`
	SummaryID             *int64      `json:"summary_id,omitempty"`
	Category              *string     `json:"category,omitempty"`
	CategoryConfidence    *float64    `json:"category_confidence,omitempty"`
	CategoryMethod        *string     `json:"category_method,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
}

// EchoLength is the lifetime of the topic so far.
func (t *Topic) EchoLength() time.Duration {
	return t.LastActive.Sub(t.FirstSeen)
}

// TopicNode attaches one SourceItem to one Topic.
type TopicNode struct {
	ID           int64     `json:"id"`
	TopicID      int64     `json:"topic_id"`
	SourceItemID int64     `json:"source_item_id"`
	AppendedAt   time.Time `json:"appended_at"`
}

// TopicPeriodHeat is the per-(topic, date, period) heat record.
type TopicPeriodHeat struct {
	TopicID        int64         `json:"topic_id"`
	Date           time.Time     `json:"date"`
	Period         period.Period `json:"period"`
	HeatNormalized float64       `json:"heat_normalized"`
	HeatPercentage float64       `json:"heat_percentage"`
	SourceCount    int           `json:"source_count"`
}

// SummaryMethod tells how a summary was produced.
type SummaryMethod string

const (
	SummaryPlaceholder SummaryMethod = "placeholder"
	SummaryFull        SummaryMethod = "full"
	SummaryIncremental SummaryMethod = "incremental"
)

// Summary is a generated textual snapshot of a topic.
type Summary struct {
	ID          int64         `json:"id"`
	TopicID     int64         `json:"topic_id"`
	Content     string        `json:"content"`
	Method      SummaryMethod `json:"method"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// EmbeddingObjectType distinguishes the two vector kinds in the index.
type EmbeddingObjectType string

const (
	ObjectSourceItem   EmbeddingObjectType = "source_item"
	ObjectTopicSummary EmbeddingObjectType = "topic_summary"
)

// EmbeddingRef ties an indexed vector back to the relational object that
// produced it and records provider provenance. The vector payload itself
// lives in the vector index.
type EmbeddingRef struct {
	ID         int64               `json:"id"`
	ObjectType EmbeddingObjectType `json:"object_type"`
	ObjectID   int64               `json:"object_id"`
	Provider   string              `json:"provider"`
	Model      string              `json:"model"`
	CreatedAt  time.Time           `json:"created_at"`
}

// RunKind identifies the pipeline stage a RunRecord belongs to.
type RunKind string

const (
	RunIngest         RunKind = "ingest"
	RunEventMerge     RunKind = "event_merge"
	RunGlobalMerge    RunKind = "global_merge"
	RunMergeCompleted RunKind = "merge_completed"
)

// RunStatus is the outcome of one stage invocation.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord is one invocation of ingestion or a pipeline stage.
type RunRecord struct {
	ID         int64          `json:"id"`
	Kind       RunKind        `json:"kind"`
	Period     string         `json:"period"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Status     RunStatus      `json:"status"`
	Counters   map[string]int `json:"counters,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// JudgementKind identifies the adjudication call shape.
type JudgementKind string

const (
	JudgementEventGroup       JudgementKind = "event_group"
	JudgementTopicAssociation JudgementKind = "topic_association"
	JudgementSummary          JudgementKind = "summary"
)

// LLMJudgement is the audit row written for every adjudication call.
type LLMJudgement struct {
	ID               int64         `json:"id"`
	Kind             JudgementKind `json:"kind"`
	RequestSummary   string        `json:"request_summary"`
	ResponseJSON     string        `json:"response_json"`
	TokensPrompt     int           `json:"tokens_prompt"`
	TokensCompletion int           `json:"tokens_completion"`
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	Status           string        `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
}

// GroupVerdict is the stage-one event-group confirmation result.
type GroupVerdict struct {
	IsSameEvent bool    `json:"is_same_event"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// AssociationKind is the stage-two decision variant.
type AssociationKind string

const (
	AssociationMerge AssociationKind = "merge"
	AssociationNew   AssociationKind = "new"
)

// AssociationDecision is the stage-two event↔topic decision.
type AssociationDecision struct {
	Decision      AssociationKind `json:"decision"`
	TargetTopicID *int64          `json:"target_topic_id,omitempty"`
	Confidence    float64         `json:"confidence"`
	Reason        string          `json:"reason"`
}

// CategoryMetric is the per-(date, category) aggregate materialized after
// each stage-two batch.
type CategoryMetric struct {
	Date       time.Time `json:"date"`
	Category   string    `json:"category"`
	TopicCount int       `json:"topic_count"`
	HeatSum    float64   `json:"heat_sum"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ChatMode selects the RAG retrieval scope.
type ChatMode string

const (
	ChatTopic  ChatMode = "topic"
	ChatGlobal ChatMode = "global"
)

// ChatSession records one RAG question for audit.
type ChatSession struct {
	ID        int64     `json:"id"`
	Mode      ChatMode  `json:"mode"`
	TopicID   *int64    `json:"topic_id,omitempty"`
	Question  string    `json:"question"`
	CreatedAt time.Time `json:"created_at"`
}

// PlatformHeatStat is the per-platform aggregate for one period.
type PlatformHeatStat struct {
	Platform       Platform `json:"platform"`
	ItemCount      int      `json:"item_count"`
	HeatRawSum     float64  `json:"heat_raw_sum"`
	HeatNormalized float64  `json:"heat_normalized_sum"`
}
