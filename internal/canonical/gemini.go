package canonical

// GeminiRequestToCanonical converts a Gemini generateContent request body
// into canonical messages:
//   - systemInstruction.parts[].text concatenated becomes the canonical
//     system message.
//   - contents[] with role "user" maps to a canonical user message with
//     parts; functionResponse parts emit a separate canonical tool message.
//   - role "model" parts: text becomes assistant content; functionCall
//     becomes an assistant message with a single tool-call entry.
func GeminiRequestToCanonical(body map[string]any) ([]Message, error) {
	var out []Message

	if sysInstr, ok := body["systemInstruction"].(map[string]any); ok {
		if text := geminiTextPartsConcat(sysInstr["parts"]); text != "" {
			out = append(out, NewTextMessage(RoleSystem, text))
		}
	}

	contents, _ := body["contents"].([]any)
	for _, rc := range contents {
		content, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, geminiContentToCanonical(content)...)
	}
	return out, nil
}

func geminiTextPartsConcat(raw any) string {
	parts, _ := raw.([]any)
	var text string
	for _, rp := range parts {
		if p, ok := rp.(map[string]any); ok {
			if t, ok := p["text"].(string); ok {
				text += t
			}
		}
	}
	return text
}

func geminiContentToCanonical(content map[string]any) []Message {
	role, _ := content["role"].(string)
	parts, _ := content["parts"].([]any)

	if role == "model" {
		return geminiModelPartsToCanonical(parts)
	}
	return geminiUserPartsToCanonical(parts)
}

func geminiModelPartsToCanonical(parts []any) []Message {
	var out []Message
	for _, rp := range parts {
		p, ok := rp.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := p["text"].(string); ok {
			out = append(out, NewTextMessage(RoleAssistant, text))
			continue
		}
		if fc, ok := p["functionCall"].(map[string]any); ok {
			name, _ := fc["name"].(string)
			args := fc["args"]
			out = append(out, Message{
				Role:    RoleAssistant,
				Content: "",
				ToolCalls: []ToolCall{{
					Type: "function",
					Function: FunctionCall{
						Name:      name,
						Arguments: args,
					},
				}},
			})
		}
	}
	return out
}

func geminiUserPartsToCanonical(parts []any) []Message {
	var out []Message
	var contentParts []Part
	for _, rp := range parts {
		p, ok := rp.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := p["text"].(string); ok {
			contentParts = append(contentParts, Part{Type: PartText, Text: text})
			continue
		}
		if inline, ok := p["inlineData"].(map[string]any); ok {
			mimeType, _ := inline["mimeType"].(string)
			data, _ := inline["data"].(string)
			url := "data:" + mimeType + ";base64," + data
			contentParts = append(contentParts, Part{Type: PartImage, ImageURL: url})
			continue
		}
		if fr, ok := p["functionResponse"].(map[string]any); ok {
			response := fr["response"]
			out = append(out, Message{
				Role:    RoleTool,
				Content: response,
			})
		}
	}
	if len(contentParts) > 0 {
		out = append(out, Message{Role: RoleUser, Content: contentParts})
	}
	return out
}

// GeminiResponseToCanonical converts a non-streaming Gemini
// generateContent response body into canonical messages by folding every
// candidate's content through the same model-parts rule as requests.
func GeminiResponseToCanonical(body map[string]any) ([]Message, error) {
	candidates, _ := body["candidates"].([]any)
	var out []Message
	for _, rc := range candidates {
		candidate, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		content, _ := candidate["content"].(map[string]any)
		parts, _ := content["parts"].([]any)
		out = append(out, geminiModelPartsToCanonical(parts)...)
	}
	return out, nil
}
