package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var thinkTagRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkTags removes reasoning blocks some models emit before the
// actual answer.
func StripThinkTags(s string) string {
	return strings.TrimSpace(thinkTagRe.ReplaceAllString(s, ""))
}

// ExtractJSON pulls the first balanced JSON object out of a model
// response. Models frequently wrap the object in prose or a markdown
// fence; the parser tolerates both.
func ExtractJSON(s string) (string, error) {
	s = StripThinkTags(s)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in response")
}

// decodeObject extracts and unmarshals the first JSON object into v.
func decodeObject(raw string, v any) error {
	obj, err := ExtractJSON(raw)
	if err != nil {
		return &MalformedResponseError{Raw: raw, Err: err}
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return &MalformedResponseError{Raw: raw, Err: err}
	}
	return nil
}

// groupVerdictWire tolerates the loose typing models produce for the
// confidence field.
type groupVerdictWire struct {
	IsSameEvent bool            `json:"is_same_event"`
	Confidence  json.RawMessage `json:"confidence"`
	Reason      string          `json:"reason"`
}

type associationWire struct {
	Decision      string          `json:"decision"`
	TargetTopicID json.RawMessage `json:"target_topic_id"`
	Confidence    json.RawMessage `json:"confidence"`
	Reason        string          `json:"reason"`
}

// parseConfidence accepts a JSON number or a numeric string.
func parseConfidence(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing confidence")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, convErr := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if convErr == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unparseable confidence %s", string(raw))
}

// ResolveTopicID interprets the target_topic_id a model returned against
// the candidate list shown to it. Models answer with the literal topic id
// (number or numeric string) or occasionally with the 1-based ordinal of
// the candidate ("1", "候选2"). An id that matches a candidate wins over an
// ordinal reading.
func ResolveTopicID(raw json.RawMessage, candidates []int64) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return matchTopicID(n, candidates)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return matchTopicID(int64(f), candidates)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		// Tolerate ordinal prefixes like "候选1" or "topic 2".
		if m := regexp.MustCompile(`\d+`).FindString(s); m != "" {
			if v, convErr := strconv.ParseInt(m, 10, 64); convErr == nil {
				return matchTopicID(v, candidates)
			}
		}
	}
	return 0, false
}

// matchTopicID prefers a literal candidate id, then a 1-based ordinal.
func matchTopicID(v int64, candidates []int64) (int64, bool) {
	for _, id := range candidates {
		if id == v {
			return id, true
		}
	}
	if v >= 1 && int(v) <= len(candidates) {
		return candidates[v-1], true
	}
	return 0, false
}
