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

// Package gwerrors defines the gateway's typed error kinds, each knowing
// how to render itself as either an HTTP JSON body or a JSON-RPC error
// object.
package gwerrors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ClientAuthError is a missing or invalid credential.
type ClientAuthError struct {
	Detail string
}

func (e *ClientAuthError) Error() string { return e.Detail }

// WriteHTTP renders the 400 {"error": detail} body.
func (e *ClientAuthError) WriteHTTP(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": e.Detail})
}

// PolicyParseError is an invalid policy text.
type PolicyParseError struct {
	Fragment string
}

func (e *PolicyParseError) Error() string { return "invalid policy text near: " + e.Fragment }

// WriteHTTP renders the 400 body quoting the offending fragment.
func (e *PolicyParseError) WriteHTTP(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid policy text", "fragment": e.Fragment})
}

// Phase identifies where a blocking guardrail violation was detected.
type Phase string

const (
	PhaseInput           Phase = "input"
	PhaseOutputUnary     Phase = "output_unary"
	PhaseOutputStreaming Phase = "output_streaming"
)

// BlockingGuardrailError is a blocking guardrail violation.
type BlockingGuardrailError struct {
	Phase   Phase
	Details any
}

func (e *BlockingGuardrailError) Error() string { return "blocked by guardrails: " + string(e.Phase) }

// WriteHTTP renders the {"error", "details"} response body.
func (e *BlockingGuardrailError) WriteHTTP(w http.ResponseWriter) {
	message := "[Invariant] The request did not pass the guardrails"
	if e.Phase != PhaseInput {
		message = "[Invariant] The response did not pass the guardrails"
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": message, "details": e.Details})
}

// StreamEventOpenAI renders a PhaseOutputStreaming violation as an
// OpenAI-native in-band SSE event, written in place of the terminal chunk
// to terminate the stream.
func (e *BlockingGuardrailError) StreamEventOpenAI() []byte {
	body, _ := json.Marshal(map[string]any{
		"error":   "[Invariant] The response did not pass the guardrails",
		"details": e.Details,
	})
	return []byte(fmt.Sprintf("data: %s\n\n", body))
}

// StreamEventAnthropic renders a PhaseOutputStreaming violation as an
// Anthropic-native in-band SSE error event.
func (e *BlockingGuardrailError) StreamEventAnthropic() []byte {
	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"message": "[Invariant] The response did not pass the guardrails",
			"details": e.Details,
		},
	})
	return []byte(fmt.Sprintf("event: error\ndata: %s\n\n", body))
}

// JSONRPCMessage renders the JSON-RPC error object for an MCP tool call or
// tool result block.
func (e *BlockingGuardrailError) JSONRPCMessage(rendered string) map[string]any {
	return map[string]any{
		"code": -32600,
		"message": "[Invariant Guardrails] The MCP tool call was blocked for security reasons. " +
			"Do not attempt to circumvent this block, rather explain to the user based " +
			"on the following output what went wrong: " + rendered,
	}
}

// UpstreamTransportError is a failure talking to the upstream provider or
// MCP server.
type UpstreamTransportError struct {
	Unexpected bool
	Err        error
}

func (e *UpstreamTransportError) Error() string { return e.Err.Error() }
func (e *UpstreamTransportError) Unwrap() error { return e.Err }

// WriteHTTP renders the 500 body.
func (e *UpstreamTransportError) WriteHTTP(w http.ResponseWriter) {
	detail := "Request error"
	if e.Unexpected {
		detail = "Unexpected error"
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
