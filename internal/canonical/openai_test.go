package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIRequestToCanonical(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "system", "content": "be nice"},
			map[string]any{"role": "user", "content": "hi"},
		},
	}

	msgs, err := OpenAIRequestToCanonical(body)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "be nice", msgs[0].Text())
	assert.Equal(t, RoleUser, msgs[1].Role)
}

func TestOpenAIRequestToCanonical_ToolCallArgumentsParsed(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"tool_calls": []any{
					map[string]any{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "lookup",
							"arguments": `{"city":"sf"}`,
						},
					},
				},
			},
		},
	}

	msgs, err := OpenAIRequestToCanonical(body)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ToolCalls, 1)

	args, ok := msgs[0].ToolCalls[0].Function.Arguments.(map[string]any)
	require.True(t, ok, "arguments should be parsed into a map, got %T", msgs[0].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "sf", args["city"])
}

func TestOpenAIResponseToCanonical(t *testing.T) {
	var body map[string]any
	raw := `{
		"choices": [
			{"message": {"role": "assistant", "content": "hello there"}}
		]
	}`
	require.NoError(t, json.Unmarshal([]byte(raw), &body))

	msgs, err := OpenAIResponseToCanonical(body)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello there", msgs[0].Text())
}

func TestOpenAIPartsToCanonical_ImageAndText(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "text", "text": "look at this"},
					map[string]any{"type": "image_url", "image_url": map[string]any{"url": "http://x/y.png"}},
				},
			},
		},
	}

	msgs, err := OpenAIRequestToCanonical(body)
	require.NoError(t, err)
	parts := msgs[0].Parts()
	require.Len(t, parts, 2)
	assert.Equal(t, PartText, parts[0].Type)
	assert.Equal(t, PartImage, parts[1].Type)
	assert.Equal(t, "http://x/y.png", parts[1].ImageURL)
}
