package canonical

// AnthropicRequestToCanonical converts an Anthropic Messages API request
// body into canonical messages:
//   - the request's top-level "system" field becomes a leading
//     {role:system} canonical message.
//   - an assistant turn whose content is a list yields one canonical
//     assistant message per content block: text blocks become
//     {role:assistant, content:text}, tool_use blocks become
//     {role:assistant, tool_calls:[...]}.
//   - a user turn containing tool_result blocks becomes
//     {role:tool, tool_call_id, content}; other user parts map to
//     {type:text}/{type:image_url} items.
func AnthropicRequestToCanonical(body map[string]any) ([]Message, error) {
	var out []Message

	if sys, ok := body["system"].(string); ok && sys != "" {
		out = append(out, NewTextMessage(RoleSystem, sys))
	} else if sysBlocks, ok := body["system"].([]any); ok {
		var text string
		for _, b := range sysBlocks {
			if block, ok := b.(map[string]any); ok {
				if t, ok := block["text"].(string); ok {
					text += t
				}
			}
		}
		if text != "" {
			out = append(out, NewTextMessage(RoleSystem, text))
		}
	}

	rawMessages, _ := body["messages"].([]any)
	for _, rm := range rawMessages {
		msg, ok := rm.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, anthropicMessageToCanonical(msg)...)
	}
	return out, nil
}

func anthropicMessageToCanonical(msg map[string]any) []Message {
	role, _ := msg["role"].(string)

	// String content: single canonical message of the same role.
	if content, ok := msg["content"].(string); ok {
		return []Message{NewTextMessage(Role(role), content)}
	}

	blocks, _ := msg["content"].([]any)
	if role == "assistant" {
		return anthropicAssistantBlocksToCanonical(blocks)
	}
	return anthropicUserBlocksToCanonical(blocks)
}

func anthropicAssistantBlocksToCanonical(blocks []any) []Message {
	var out []Message
	for _, rb := range blocks {
		block, ok := rb.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			text, _ := block["text"].(string)
			out = append(out, NewTextMessage(RoleAssistant, text))
		case "tool_use":
			id, _ := block["id"].(string)
			name, _ := block["name"].(string)
			input := block["input"]
			out = append(out, Message{
				Role:    RoleAssistant,
				Content: "",
				ToolCalls: []ToolCall{{
					ID:   id,
					Type: "function",
					Function: FunctionCall{
						Name:      name,
						Arguments: input,
					},
				}},
			})
		}
	}
	return out
}

func anthropicUserBlocksToCanonical(blocks []any) []Message {
	var out []Message
	var parts []Part
	for _, rb := range blocks {
		block, ok := rb.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "tool_result":
			toolUseID, _ := block["tool_use_id"].(string)
			content := anthropicToolResultContent(block["content"])
			errStr := ""
			if isErr, ok := block["is_error"].(bool); ok && isErr {
				errStr = content
			}
			out = append(out, Message{
				Role:       RoleTool,
				Content:    content,
				ToolCallID: toolUseID,
				Error:      errStr,
			})
		case "text":
			text, _ := block["text"].(string)
			parts = append(parts, Part{Type: PartText, Text: text})
		case "image":
			source, _ := block["source"].(map[string]any)
			mediaType, _ := source["media_type"].(string)
			data, _ := source["data"].(string)
			url := "data:" + mediaType + ";base64," + data
			parts = append(parts, Part{Type: PartImage, ImageURL: url})
		}
	}
	if len(parts) > 0 {
		out = append(out, Message{Role: RoleUser, Content: parts})
	}
	return out
}

func anthropicToolResultContent(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		var text string
		for _, rb := range v {
			if block, ok := rb.(map[string]any); ok {
				if t, ok := block["text"].(string); ok {
					text += t
				}
			}
		}
		return text
	default:
		return ""
	}
}

// AnthropicResponseToCanonical converts a non-streaming Anthropic Messages
// response body into canonical messages, reusing the same per-content-block
// expansion rule as the request side.
func AnthropicResponseToCanonical(body map[string]any) ([]Message, error) {
	blocks, _ := body["content"].([]any)
	return anthropicAssistantBlocksToCanonical(blocks), nil
}
