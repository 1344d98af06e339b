package streammerge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIMerger_TextAndDone(t *testing.T) {
	m := NewOpenAIMerger()
	require.NoError(t, m.Feed([]byte(`{"choices":[{"index":0,"delta":{"content":"hel"}}]}`)))
	require.NoError(t, m.Feed([]byte(`{"choices":[{"index":0,"delta":{"content":"lo"}}]}`)))
	require.NoError(t, m.Feed([]byte("[DONE]")))

	assert.True(t, m.Done())
	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text())
}

func TestOpenAIMerger_OutOfOrderToolCallIndices(t *testing.T) {
	m := NewOpenAIMerger()
	require.NoError(t, m.Feed([]byte(`{"choices":[{"index":0,"delta":{"tool_calls":[
		{"index":1,"id":"call_b","function":{"name":"f2","arguments":"{}"}}
	]}}]}`)))
	require.NoError(t, m.Feed([]byte(`{"choices":[{"index":0,"delta":{"tool_calls":[
		{"index":0,"id":"call_a","function":{"name":"f1","arguments":"{}"}}
	]}}]}`)))

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ToolCalls, 2)
	assert.Equal(t, "call_b", msgs[0].ToolCalls[0].ID)
	assert.Equal(t, "call_a", msgs[0].ToolCalls[1].ID)
}

func TestOpenAIMerger_MultipleChoices(t *testing.T) {
	m := NewOpenAIMerger()
	require.NoError(t, m.Feed([]byte(`{"choices":[
		{"index":1,"delta":{"content":"second"}},
		{"index":0,"delta":{"content":"first"}}
	]}`)))

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Text())
	assert.Equal(t, "first", msgs[1].Text())
}

func TestAnthropicMerger_TextBlock(t *testing.T) {
	m := NewAnthropicMerger()
	require.NoError(t, m.Feed("content_block_start", []byte(`{"index":0,"content_block":{"type":"text"}}`)))
	require.NoError(t, m.Feed("content_block_delta", []byte(`{"index":0,"delta":{"type":"text_delta","text":"hi "}}`)))
	require.NoError(t, m.Feed("content_block_delta", []byte(`{"index":0,"delta":{"type":"text_delta","text":"there"}}`)))
	require.NoError(t, m.Feed("message_stop", nil))

	assert.True(t, m.Done())
	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi there", msgs[0].Text())
}

func TestAnthropicMerger_ToolUseBlock(t *testing.T) {
	m := NewAnthropicMerger()
	require.NoError(t, m.Feed("content_block_start", []byte(`{"index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup"}}`)))
	require.NoError(t, m.Feed("content_block_delta", []byte(`{"index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`)))
	require.NoError(t, m.Feed("content_block_delta", []byte(`{"index":0,"delta":{"type":"input_json_delta","partial_json":"\"sf\"}"}}`)))

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "toolu_1", msgs[0].ToolCalls[0].ID)
	args, ok := msgs[0].ToolCalls[0].Function.Arguments.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sf", args["city"])
}

func TestGeminiMerger_AccumulatesAcrossChunks(t *testing.T) {
	m := NewGeminiMerger()
	require.NoError(t, m.Feed([]byte(`{"candidates":[{"content":{"parts":[{"text":"foo"}]}}]}`)))
	require.NoError(t, m.Feed([]byte(`{"candidates":[{"content":{"parts":[{"text":"bar"}]}}]}`)))
	m.Close()

	assert.True(t, m.Done())
	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "foobar", msgs[0].Text())
}
