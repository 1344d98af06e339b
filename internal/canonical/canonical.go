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

// Package canonical defines the normalized conversation schema shared by
// every provider converter, the stream mergers, guardrails, and the
// session store.
package canonical

import (
	"encoding/json"
	"fmt"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies the kind of content carried by a Part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image_url"
)

// Part is one element of a multi-part message content sequence.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// FunctionCall is the `function` field of a ToolCall.
type FunctionCall struct {
	Name string `json:"name"`
	// Arguments is kept dynamic: some upstreams emit a JSON string, others an
	// object. Converters normalize it to a parsed value at the canonical
	// boundary, per the "materialize structs only at the canonical boundary"
	// design note.
	Arguments any `json:"arguments"`
}

// ToolCall is one entry of an assistant message's tool_calls sequence.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is one turn in the normalized conversation.
// Invariant: exactly one of Content/ToolCalls carries the assistant's
// payload; a tool message's ToolCallID matches some earlier assistant
// tool-call id.
type Message struct {
	Role Role `json:"role"`

	// Content is either a plain string or an ordered []Part. Kept as `any`
	// so that JSON (un)marshaling preserves whichever shape the source used;
	// use Text()/Parts() to read it uniformly.
	Content any `json:"content,omitempty"`

	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewTextMessage builds a Message with plain string content.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: text}
}

// Text returns the message content as a flat string, concatenating text
// parts when content is a part sequence. Image parts contribute nothing.
func (m Message) Text() string {
	switch c := m.Content.(type) {
	case string:
		return c
	case []Part:
		var out string
		for _, p := range c {
			if p.Type == PartText {
				out += p.Text
			}
		}
		return out
	default:
		return ""
	}
}

// Parts returns the message content as an ordered []Part, wrapping a plain
// string content into a single text part.
func (m Message) Parts() []Part {
	switch c := m.Content.(type) {
	case []Part:
		return c
	case string:
		if c == "" {
			return nil
		}
		return []Part{{Type: PartText, Text: c}}
	default:
		return nil
	}
}

// NextToolCallID mints a tool call id of the form call_<requestID>, a
// stable id so a paired response can be bound even across transport hops.
func NextToolCallID(requestID any) string {
	return fmt.Sprintf("call_%v", requestID)
}

// MarshalJSON implements a custom encoder so Content serializes as either a
// bare string or a JSON array of parts, matching the wire shape every
// provider and the Explorer API expects.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	raw := alias(m)
	return json.Marshal(raw)
}

// Clone returns a deep copy, used when a message is folded into a session
// trace concurrently with being streamed to the client.
func (m Message) Clone() Message {
	out := m
	if parts, ok := m.Content.([]Part); ok {
		cp := make([]Part, len(parts))
		copy(cp, parts)
		out.Content = cp
	}
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return out
}
