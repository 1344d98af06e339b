package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicRequestToCanonical_SystemAndUser(t *testing.T) {
	body := map[string]any{
		"system": "be concise",
		"messages": []any{
			map[string]any{"role": "user", "content": "hi there"},
		},
	}

	msgs, err := AnthropicRequestToCanonical(body)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "be concise", msgs[0].Text())
	assert.Equal(t, RoleUser, msgs[1].Role)
	assert.Equal(t, "hi there", msgs[1].Text())
}

func TestAnthropicRequestToCanonical_AssistantToolUse(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"content": []any{
					map[string]any{"type": "text", "text": "let me check"},
					map[string]any{
						"type":  "tool_use",
						"id":    "toolu_1",
						"name":  "lookup",
						"input": map[string]any{"city": "sf"},
					},
				},
			},
		},
	}

	msgs, err := AnthropicRequestToCanonical(body)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "let me check", msgs[0].Text())
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "toolu_1", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, "lookup", msgs[1].ToolCalls[0].Function.Name)
}

func TestAnthropicRequestToCanonical_UserToolResult(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{
						"type":        "tool_result",
						"tool_use_id": "toolu_1",
						"content":     "72F and sunny",
					},
				},
			},
		},
	}

	msgs, err := AnthropicRequestToCanonical(body)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleTool, msgs[0].Role)
	assert.Equal(t, "toolu_1", msgs[0].ToolCallID)
	assert.Equal(t, "72F and sunny", msgs[0].Content)
}

func TestAnthropicResponseToCanonical(t *testing.T) {
	body := map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": "done"},
		},
	}
	msgs, err := AnthropicResponseToCanonical(body)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "done", msgs[0].Text())
}
