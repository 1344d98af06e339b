package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageText(t *testing.T) {
	t.Run("plain string content", func(t *testing.T) {
		m := NewTextMessage(RoleUser, "hello")
		assert.Equal(t, "hello", m.Text())
	})

	t.Run("part sequence concatenates text parts", func(t *testing.T) {
		m := Message{Content: []Part{
			{Type: PartText, Text: "foo "},
			{Type: PartImage, ImageURL: "http://example.com/x.png"},
			{Type: PartText, Text: "bar"},
		}}
		assert.Equal(t, "foo bar", m.Text())
	})

	t.Run("nil content", func(t *testing.T) {
		m := Message{Role: RoleAssistant}
		assert.Equal(t, "", m.Text())
	})
}

func TestMessageParts(t *testing.T) {
	t.Run("wraps plain string", func(t *testing.T) {
		m := NewTextMessage(RoleUser, "hi")
		parts := m.Parts()
		require.Len(t, parts, 1)
		assert.Equal(t, PartText, parts[0].Type)
		assert.Equal(t, "hi", parts[0].Text)
	})

	t.Run("empty string yields no parts", func(t *testing.T) {
		m := NewTextMessage(RoleUser, "")
		assert.Nil(t, m.Parts())
	})

	t.Run("passes through an existing part sequence", func(t *testing.T) {
		want := []Part{{Type: PartText, Text: "a"}}
		m := Message{Content: want}
		assert.Equal(t, want, m.Parts())
	})
}

func TestNextToolCallID(t *testing.T) {
	assert.Equal(t, "call_7", NextToolCallID(7))
	assert.Equal(t, "call_abc", NextToolCallID("abc"))
}

func TestMessageMarshalJSON(t *testing.T) {
	m := Message{Role: RoleAssistant, Content: "hi there"}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "assistant", decoded["role"])
	assert.Equal(t, "hi there", decoded["content"])
}

func TestMessageClone(t *testing.T) {
	original := Message{
		Role:    RoleAssistant,
		Content: []Part{{Type: PartText, Text: "a"}},
		ToolCalls: []ToolCall{
			{ID: "call_1", Type: "function", Function: FunctionCall{Name: "f"}},
		},
	}

	clone := original.Clone()
	clone.Content.([]Part)[0].Text = "mutated"
	clone.ToolCalls[0].ID = "call_2"

	assert.Equal(t, "a", original.Content.([]Part)[0].Text)
	assert.Equal(t, "call_1", original.ToolCalls[0].ID)
}
