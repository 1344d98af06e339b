package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiRequestToCanonical_SystemAndUserText(t *testing.T) {
	body := map[string]any{
		"systemInstruction": map[string]any{
			"parts": []any{map[string]any{"text": "be terse"}},
		},
		"contents": []any{
			map[string]any{
				"role":  "user",
				"parts": []any{map[string]any{"text": "hi"}},
			},
		},
	}

	msgs, err := GeminiRequestToCanonical(body)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "be terse", msgs[0].Text())
	assert.Equal(t, RoleUser, msgs[1].Role)
}

func TestGeminiRequestToCanonical_ModelFunctionCall(t *testing.T) {
	body := map[string]any{
		"contents": []any{
			map[string]any{
				"role": "model",
				"parts": []any{
					map[string]any{"functionCall": map[string]any{
						"name": "lookup",
						"args": map[string]any{"city": "nyc"},
					}},
				},
			},
		},
	}

	msgs, err := GeminiRequestToCanonical(body)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "lookup", msgs[0].ToolCalls[0].Function.Name)
}

func TestGeminiRequestToCanonical_FunctionResponse(t *testing.T) {
	body := map[string]any{
		"contents": []any{
			map[string]any{
				"role": "user",
				"parts": []any{
					map[string]any{"functionResponse": map[string]any{
						"response": map[string]any{"temp": 72},
					}},
				},
			},
		},
	}

	msgs, err := GeminiRequestToCanonical(body)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleTool, msgs[0].Role)
}

func TestGeminiResponseToCanonical(t *testing.T) {
	body := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{map[string]any{"text": "done"}},
				},
			},
		},
	}
	msgs, err := GeminiResponseToCanonical(body)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "done", msgs[0].Text())
}
