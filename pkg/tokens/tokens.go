// Package tokens implements the token-budget discipline shared by the
// adjudicator prompts and the RAG context packer.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// ModelContextLimit is the model envelope every prompt must fit in.
	ModelContextLimit = 32000
	// SafetyMargin is reserved headroom below the model envelope.
	SafetyMargin = 2000
	// MinChunkTokens is the smallest useful tail for a truncated context
	// chunk; anything shorter is dropped instead of truncated.
	MinChunkTokens = 100

	encodingName = "cl100k_base"
)

// Manager counts and truncates text against the model envelope.
type Manager struct {
	enc *tiktoken.Tiktoken
}

// NewManager loads the cl100k_base encoding.
func NewManager() (*Manager, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", encodingName, err)
	}
	return &Manager{enc: enc}, nil
}

// Count returns the token count of text.
func (m *Manager) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(m.enc.Encode(text, nil, nil))
}

// Truncate returns text cut to at most maxTokens tokens. Text already
// within the budget is returned unchanged.
func (m *Manager) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	ids := m.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	return m.enc.Decode(ids[:maxTokens])
}

// AvailableContextTokens computes the token budget left for retrieved
// context after the system prompt, the user query, the completion budget
// and the safety margin are reserved. Never negative.
func (m *Manager) AvailableContextTokens(system, query string, completionBudget int) int {
	available := ModelContextLimit - SafetyMargin - completionBudget - m.Count(system) - m.Count(query)
	if available < 0 {
		return 0
	}
	return available
}

// PackChunks fills budget with whole chunks in order. Only the last chunk
// that overflows the budget is truncated, and only when at least
// MinChunkTokens of it would survive; otherwise it is dropped. Returns the
// packed chunks and their total token count.
func (m *Manager) PackChunks(chunks []string, budget int) ([]string, int) {
	packed := make([]string, 0, len(chunks))
	used := 0
	for _, chunk := range chunks {
		n := m.Count(chunk)
		if used+n <= budget {
			packed = append(packed, chunk)
			used += n
			continue
		}
		remaining := budget - used
		if remaining >= MinChunkTokens {
			packed = append(packed, m.Truncate(chunk, remaining))
			used = budget
		}
		break
	}
	return packed, used
}
