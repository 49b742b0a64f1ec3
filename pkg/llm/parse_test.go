package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripThinkTags(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripThinkTags("<think>let me reason\nabout this</think>{\"a\":1}"))
	assert.Equal(t, "plain", StripThinkTags("plain"))
}

func TestExtractJSON(t *testing.T) {
	t.Run("bare object", func(t *testing.T) {
		obj, err := ExtractJSON(`{"is_same_event": true}`)
		require.NoError(t, err)
		assert.JSONEq(t, `{"is_same_event": true}`, obj)
	})

	t.Run("markdown fence and prose", func(t *testing.T) {
		raw := "根据分析，结论如下：\n```json\n{\"decision\": \"merge\", \"target_topic_id\": 7}\n```\n以上。"
		obj, err := ExtractJSON(raw)
		require.NoError(t, err)
		assert.JSONEq(t, `{"decision": "merge", "target_topic_id": 7}`, obj)
	})

	t.Run("think block before object", func(t *testing.T) {
		raw := "<think>{\"not\": \"this one\"</think>{\"decision\": \"new\"}"
		obj, err := ExtractJSON(raw)
		require.NoError(t, err)
		assert.JSONEq(t, `{"decision": "new"}`, obj)
	})

	t.Run("nested braces and strings with braces", func(t *testing.T) {
		raw := `{"reason": "包含 { 和 } 的理由", "inner": {"x": 1}}`
		obj, err := ExtractJSON(raw)
		require.NoError(t, err)
		assert.JSONEq(t, raw, obj)
	})

	t.Run("no object", func(t *testing.T) {
		_, err := ExtractJSON("没有任何结构化内容")
		assert.Error(t, err)
	})

	t.Run("unbalanced object", func(t *testing.T) {
		_, err := ExtractJSON(`{"decision": "merge"`)
		assert.Error(t, err)
	})
}

func TestParseConfidence(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{`0.85`, 0.85},
		{`"0.7"`, 0.7},
		{`1`, 1.0},
	}
	for _, tc := range cases {
		got, err := parseConfidence(json.RawMessage(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.InDelta(t, tc.want, got, 1e-9)
	}

	_, err := parseConfidence(json.RawMessage(`"high"`))
	assert.Error(t, err)
	_, err = parseConfidence(nil)
	assert.Error(t, err)
}

func TestResolveTopicID(t *testing.T) {
	candidates := []int64{101, 205, 309}

	t.Run("literal id", func(t *testing.T) {
		id, ok := ResolveTopicID(json.RawMessage(`205`), candidates)
		require.True(t, ok)
		assert.EqualValues(t, 205, id)
	})

	t.Run("float id", func(t *testing.T) {
		id, ok := ResolveTopicID(json.RawMessage(`309.0`), candidates)
		require.True(t, ok)
		assert.EqualValues(t, 309, id)
	})

	t.Run("string id", func(t *testing.T) {
		id, ok := ResolveTopicID(json.RawMessage(`"101"`), candidates)
		require.True(t, ok)
		assert.EqualValues(t, 101, id)
	})

	t.Run("ordinal when not a candidate id", func(t *testing.T) {
		id, ok := ResolveTopicID(json.RawMessage(`2`), candidates)
		require.True(t, ok)
		assert.EqualValues(t, 205, id)
	})

	t.Run("ordinal with prefix text", func(t *testing.T) {
		id, ok := ResolveTopicID(json.RawMessage(`"候选3"`), candidates)
		require.True(t, ok)
		assert.EqualValues(t, 309, id)
	})

	t.Run("literal id wins over ordinal reading", func(t *testing.T) {
		// 101 is both a candidate id and out of ordinal range; id match wins.
		id, ok := ResolveTopicID(json.RawMessage(`101`), candidates)
		require.True(t, ok)
		assert.EqualValues(t, 101, id)
	})

	t.Run("unresolvable", func(t *testing.T) {
		_, ok := ResolveTopicID(json.RawMessage(`999`), candidates)
		assert.False(t, ok)
		_, ok = ResolveTopicID(json.RawMessage(`null`), candidates)
		assert.False(t, ok)
		_, ok = ResolveTopicID(json.RawMessage(`"unknown"`), candidates)
		assert.False(t, ok)
	})
}

func TestBuildDecision(t *testing.T) {
	candidates := []int64{11, 22}

	t.Run("merge with valid target", func(t *testing.T) {
		d, err := buildDecision(associationWire{
			Decision:      "merge",
			TargetTopicID: json.RawMessage(`22`),
			Confidence:    json.RawMessage(`0.9`),
			Reason:        "同一事件延续",
		}, candidates, "")
		require.NoError(t, err)
		require.NotNil(t, d.TargetTopicID)
		assert.EqualValues(t, 22, *d.TargetTopicID)
	})

	t.Run("merge without resolvable target degrades to new", func(t *testing.T) {
		d, err := buildDecision(associationWire{
			Decision:      "merge",
			TargetTopicID: json.RawMessage(`null`),
			Confidence:    json.RawMessage(`0.9`),
		}, candidates, "")
		require.NoError(t, err)
		assert.Equal(t, "new", string(d.Decision))
		assert.Nil(t, d.TargetTopicID)
	})

	t.Run("unknown decision is malformed", func(t *testing.T) {
		_, err := buildDecision(associationWire{
			Decision:   "maybe",
			Confidence: json.RawMessage(`0.5`),
		}, candidates, "raw")
		assert.True(t, IsMalformed(err))
	})
}
