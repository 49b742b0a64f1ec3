package rag

import "time"

// EventType enumerates the stream event kinds. A response is zero or more
// token events, at most one citations event, then exactly one terminal
// event (done or error).
type EventType string

const (
	EventToken     EventType = "token"
	EventCitations EventType = "citations"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Citation points at one piece of recalled evidence.
type Citation struct {
	TopicID   int64     `json:"topic_id,omitempty"`
	Title     string    `json:"title"`
	URL       string    `json:"url,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Snippet   string    `json:"snippet,omitempty"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
}

// Diagnostics closes a successful response.
type Diagnostics struct {
	LatencyMS        int64 `json:"latency_ms"`
	TokensPrompt     int   `json:"tokens_prompt"`
	TokensCompletion int   `json:"tokens_completion"`
	ContextChunks    int   `json:"context_chunks"`
	Fallback         bool  `json:"fallback,omitempty"`
}

// Event is one element of the response stream. Exactly the fields for its
// type are set.
type Event struct {
	Type        EventType    `json:"type"`
	Token       string       `json:"token,omitempty"`
	Citations   []Citation   `json:"citations,omitempty"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
	Error       string       `json:"error,omitempty"`
}
