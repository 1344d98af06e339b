// Copyright 2025 Kadir Pekel
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//     http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package streammerge folds per-provider SSE delta events into one
// accumulating canonical response, one merger per in-flight request. State
// is never shared across requests.
package streammerge

import (
	"encoding/json"

	"github.com/kadirpekel/gatekeep/internal/canonical"
)

// toolCallSlot accumulates one streamed tool call by (choiceIndex, toolIndex).
type toolCallSlot struct {
	id        string
	name      string
	arguments string
}

type choiceSlot struct {
	content      string
	toolCalls    map[int]*toolCallSlot
	toolOrder    []int
	finishReason string
}

// OpenAIMerger accumulates OpenAI chat.completion.chunk events into one
// canonical assistant message per choice index, keyed by
// (choice_index, tool_call_index) and growing slots lazily so out-of-order
// index arrival never panics.
type OpenAIMerger struct {
	choices map[int]*choiceSlot
	order   []int
	done    bool
}

// NewOpenAIMerger returns an empty merger ready to accept chunks.
func NewOpenAIMerger() *OpenAIMerger {
	return &OpenAIMerger{choices: make(map[int]*choiceSlot)}
}

// Feed processes one `data:...` payload from the SSE body. The literal
// sentinel "[DONE]" marks end-of-stream and is reported via Done().
func (m *OpenAIMerger) Feed(data []byte) error {
	if string(data) == "[DONE]" {
		m.done = true
		return nil
	}

	var chunk struct {
		Choices []struct {
			Index int `json:"index"`
			Delta struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Index    int    `json:"index"`
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return err
	}

	for _, c := range chunk.Choices {
		slot := m.slotFor(c.Index)
		slot.content += c.Delta.Content
		if c.FinishReason != nil {
			slot.finishReason = *c.FinishReason
		}
		for _, tc := range c.Delta.ToolCalls {
			ts := m.toolSlotFor(slot, tc.Index)
			if tc.ID != "" {
				ts.id = tc.ID
			}
			ts.name += tc.Function.Name
			ts.arguments += tc.Function.Arguments
		}
	}
	return nil
}

func (m *OpenAIMerger) slotFor(index int) *choiceSlot {
	slot, ok := m.choices[index]
	if !ok {
		slot = &choiceSlot{toolCalls: make(map[int]*toolCallSlot)}
		m.choices[index] = slot
		m.order = append(m.order, index)
	}
	return slot
}

func (m *OpenAIMerger) toolSlotFor(slot *choiceSlot, index int) *toolCallSlot {
	ts, ok := slot.toolCalls[index]
	if !ok {
		ts = &toolCallSlot{arguments: ""}
		slot.toolCalls[index] = ts
		slot.toolOrder = append(slot.toolOrder, index)
	}
	return ts
}

// Done reports whether the [DONE] sentinel has been observed.
func (m *OpenAIMerger) Done() bool { return m.done }

// Messages returns the merged canonical messages, one per choice, in the
// order choices were first observed.
func (m *OpenAIMerger) Messages() []canonical.Message {
	out := make([]canonical.Message, 0, len(m.order))
	for _, idx := range m.order {
		slot := m.choices[idx]
		msg := canonical.Message{Role: canonical.RoleAssistant, Content: slot.content}
		for _, ti := range slot.toolOrder {
			ts := slot.toolCalls[ti]
			var args any
			var parsed any
			if json.Unmarshal([]byte(ts.arguments), &parsed) == nil {
				args = parsed
			} else {
				args = ts.arguments
			}
			msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{
				ID:   ts.id,
				Type: "function",
				Function: canonical.FunctionCall{
					Name:      ts.name,
					Arguments: args,
				},
			})
		}
		if len(msg.ToolCalls) > 0 {
			msg.Content = ""
		}
		out = append(out, msg)
	}
	return out
}
