package canonical

import "encoding/json"

// OpenAIRequestToCanonical converts an OpenAI Chat Completions request body
// into canonical messages. OpenAI's wire format is already close to
// canonical shape, so this is mostly a pass-through that normalizes
// tool_calls[].function.arguments from a JSON string into a parsed value.
func OpenAIRequestToCanonical(body map[string]any) ([]Message, error) {
	rawMessages, _ := body["messages"].([]any)
	out := make([]Message, 0, len(rawMessages))
	for _, rm := range rawMessages {
		msg, ok := rm.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, openAIMessageToCanonical(msg))
	}
	return out, nil
}

func openAIMessageToCanonical(msg map[string]any) Message {
	role, _ := msg["role"].(string)
	m := Message{Role: Role(role)}

	if toolCallID, ok := msg["tool_call_id"].(string); ok {
		m.ToolCallID = toolCallID
	}
	if name, ok := msg["name"].(string); ok {
		m.ToolName = name
	}

	if content, ok := msg["content"].(string); ok {
		m.Content = content
	} else if parts, ok := msg["content"].([]any); ok {
		m.Content = openAIPartsToCanonical(parts)
	}

	if rawCalls, ok := msg["tool_calls"].([]any); ok {
		m.ToolCalls = openAIToolCallsToCanonical(rawCalls)
	}

	return m
}

func openAIPartsToCanonical(parts []any) []Part {
	out := make([]Part, 0, len(parts))
	for _, rp := range parts {
		p, ok := rp.(map[string]any)
		if !ok {
			continue
		}
		switch p["type"] {
		case "text":
			text, _ := p["text"].(string)
			out = append(out, Part{Type: PartText, Text: text})
		case "image_url":
			url := ""
			if imgURL, ok := p["image_url"].(map[string]any); ok {
				url, _ = imgURL["url"].(string)
			}
			out = append(out, Part{Type: PartImage, ImageURL: url})
		}
	}
	return out
}

func openAIToolCallsToCanonical(rawCalls []any) []ToolCall {
	out := make([]ToolCall, 0, len(rawCalls))
	for _, rc := range rawCalls {
		tc, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		id, _ := tc["id"].(string)
		typ, _ := tc["type"].(string)
		fn, _ := tc["function"].(map[string]any)
		name, _ := fn["name"].(string)

		var args any
		switch v := fn["arguments"].(type) {
		case string:
			var parsed any
			if json.Unmarshal([]byte(v), &parsed) == nil {
				args = parsed
			} else {
				args = v
			}
		default:
			args = v
		}

		out = append(out, ToolCall{
			ID:   id,
			Type: typ,
			Function: FunctionCall{
				Name:      name,
				Arguments: args,
			},
		})
	}
	return out
}

// OpenAIResponseToCanonical converts a non-streaming OpenAI Chat Completions
// response body into canonical messages (one per choice).
func OpenAIResponseToCanonical(body map[string]any) ([]Message, error) {
	choices, _ := body["choices"].([]any)
	out := make([]Message, 0, len(choices))
	for _, rc := range choices {
		choice, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		msg, _ := choice["message"].(map[string]any)
		if msg == nil {
			continue
		}
		out = append(out, openAIMessageToCanonical(msg))
	}
	return out, nil
}
