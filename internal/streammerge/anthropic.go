package streammerge

import (
	"encoding/json"

	"github.com/kadirpekel/gatekeep/internal/canonical"
)

type anthropicBlockSlot struct {
	blockType string
	text      string
	input     string
	id        string
	name      string
}

// AnthropicMerger accumulates an Anthropic Messages streaming response
// across message_start/content_block_start/content_block_delta/
// message_delta/message_stop events.
type AnthropicMerger struct {
	blocks  map[int]*anthropicBlockSlot
	order   []int
	stopped bool
}

// NewAnthropicMerger returns an empty merger ready to accept events.
func NewAnthropicMerger() *AnthropicMerger {
	return &AnthropicMerger{blocks: make(map[int]*anthropicBlockSlot)}
}

// Feed processes one SSE event's (eventType, data) pair.
func (m *AnthropicMerger) Feed(eventType string, data []byte) error {
	switch eventType {
	case "message_start":
		// Nothing to seed beyond the block map; the merged message is
		// synthesized from blocks alone.
		return nil
	case "content_block_start":
		var ev struct {
			Index        int `json:"index"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		slot := &anthropicBlockSlot{
			blockType: ev.ContentBlock.Type,
			id:        ev.ContentBlock.ID,
			name:      ev.ContentBlock.Name,
		}
		if slot.blockType == "tool_use" {
			slot.input = ""
		}
		m.blocks[ev.Index] = slot
		m.order = append(m.order, ev.Index)
		return nil
	case "content_block_delta":
		var ev struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		slot, ok := m.blocks[ev.Index]
		if !ok {
			slot = &anthropicBlockSlot{}
			m.blocks[ev.Index] = slot
			m.order = append(m.order, ev.Index)
		}
		switch ev.Delta.Type {
		case "text_delta":
			slot.text += ev.Delta.Text
		case "input_json_delta":
			slot.input += ev.Delta.PartialJSON
		}
		return nil
	case "message_delta", "message_stop":
		if eventType == "message_stop" {
			m.stopped = true
		}
		return nil
	default:
		return nil
	}
}

// Done reports whether message_stop has been observed.
func (m *AnthropicMerger) Done() bool { return m.stopped }

// Messages returns one canonical assistant message per content block, in
// the order the blocks were started, matching the request/response
// converter's per-block expansion rule.
func (m *AnthropicMerger) Messages() []canonical.Message {
	out := make([]canonical.Message, 0, len(m.order))
	for _, idx := range m.order {
		slot := m.blocks[idx]
		switch slot.blockType {
		case "tool_use":
			var args any
			var parsed any
			if json.Unmarshal([]byte(slot.input), &parsed) == nil {
				args = parsed
			} else {
				args = slot.input
			}
			out = append(out, canonical.Message{
				Role:    canonical.RoleAssistant,
				Content: "",
				ToolCalls: []canonical.ToolCall{{
					ID:   slot.id,
					Type: "function",
					Function: canonical.FunctionCall{
						Name:      slot.name,
						Arguments: args,
					},
				}},
			})
		default:
			out = append(out, canonical.NewTextMessage(canonical.RoleAssistant, slot.text))
		}
	}
	return out
}
