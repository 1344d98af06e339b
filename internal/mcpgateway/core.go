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

// Package mcpgateway implements the MCP (Model-Context-Protocol) proxy: a
// shared request/response interception core plus three wire transports —
// stdio, SSE, and streamable HTTP.
package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/gatekeep/internal/canonical"
	"github.com/kadirpekel/gatekeep/internal/explorer"
	"github.com/kadirpekel/gatekeep/internal/guardrails"
	"github.com/kadirpekel/gatekeep/internal/obs"
	"github.com/kadirpekel/gatekeep/internal/session"
)

const (
	methodToolCall  = "tools/call"
	methodListTools = "tools/list"

	sessionIDHeader     = "mcp-session-id"
	serverBaseURLHeader = "mcp-server-base-url"
	sessionIDPrefix     = "inv-session-"
)

// Core bundles the collaborators shared by every MCP transport.
type Core struct {
	Sessions       *session.Store
	Guardrails     *guardrails.Client
	PolicyResolver *guardrails.PolicyResolver
	Explorer       session.ExplorerClient
	Upstream       *http.Client
	Metrics        *obs.Metrics
}

// rpcEnvelope holds the JSON-RPC 2.0 envelope fields this package
// inspects; unrecognized fields pass through untouched because
// callers operate on the original map[string]any payload, not these structs.
type rpcEnvelope struct {
	ID     any            `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
	Result map[string]any `json:"result"`
}

func parseEnvelope(body map[string]any) rpcEnvelope {
	var env rpcEnvelope
	env.ID = body["id"]
	if m, ok := body["method"].(string); ok {
		env.Method = m
	}
	if p, ok := body["params"].(map[string]any); ok {
		env.Params = p
	}
	if r, ok := body["result"].(map[string]any); ok {
		env.Result = r
	}
	return env
}

// ShouldInterceptRequest reports whether a JSON-RPC request method needs
// guardrail interception before being forwarded.
func ShouldInterceptRequest(body map[string]any) bool {
	env := parseEnvelope(body)
	return env.Method == methodToolCall || env.Method == methodListTools
}

// RecordRequestMetadata updates session bookkeeping from an outgoing
// request: the id-to-method correlation map and, on "initialize", the MCP
// client name.
func RecordRequestMetadata(sess *session.Session, body map[string]any) {
	env := parseEnvelope(body)
	if env.Method != "" && env.ID != nil {
		sess.RecordRequestID(env.ID, env.Method)
	}
	if env.Params != nil {
		if clientInfo, ok := env.Params["clientInfo"].(map[string]any); ok {
			if name, ok := clientInfo["name"].(string); ok && name != "" {
				sess.UpdateMetadata(func(m *session.Metadata) { m.MCPClient = name })
			}
		}
	}
}

// RecordServerInfo updates the session's recorded MCP server name from an
// incoming response.
func RecordServerInfo(sess *session.Session, body map[string]any) {
	env := parseEnvelope(body)
	if env.Result == nil {
		return
	}
	if serverInfo, ok := env.Result["serverInfo"].(map[string]any); ok {
		if name, ok := serverInfo["name"].(string); ok && name != "" {
			sess.UpdateMetadata(func(m *session.Metadata) { m.MCPServer = name })
		}
	}
}

// InterceptOutgoingRequest runs guardrails over a tools/call or tools/list
// request before it reaches the MCP server. It returns the
// request to forward (or a JSON-RPC error body) and whether it was blocked.
func (c *Core) InterceptOutgoingRequest(ctx context.Context, sess *session.Session, dataset string, body map[string]any) (map[string]any, bool) {
	env := parseEnvelope(body)

	var toolCall canonical.ToolCall
	if env.Method == methodToolCall {
		name, _ := env.Params["name"].(string)
		toolCall = canonical.ToolCall{
			ID:   canonical.NextToolCallID(env.ID),
			Type: "function",
			Function: canonical.FunctionCall{
				Name:      name,
				Arguments: env.Params["arguments"],
			},
		}
	} else {
		// tools/list is hooked as a synthetic tool call so its guardrail
		// coverage and trace shape match a real call.
		toolCall = canonical.ToolCall{
			ID:   canonical.NextToolCallID(env.ID),
			Type: "function",
			Function: canonical.FunctionCall{
				Name:      methodListTools,
				Arguments: map[string]any{},
			},
		}
	}

	message := canonical.Message{Role: canonical.RoleAssistant, Content: "", ToolCalls: []canonical.ToolCall{toolCall}}

	result := c.check(ctx, sess, dataset, message)
	anns := explorer.AnnotationsFromErrors(result.Errors)
	blocked := result.HasViolations() && (len(anns) == 0 || len(sess.NewAnnotations(anns)) > 0)
	c.Metrics.RecordMCPToolCall("mcp", blocked)

	if blocked {
		sess.AddMessage(ctx, c.Explorer, message, explorer.AnnotationsFromErrors(result.Errors))
		return jsonRPCError(env.ID, result.Errors), true
	}

	sess.AddMessage(ctx, c.Explorer, message, explorer.AnnotationsFromErrors(result.Errors))
	return body, false
}

// InterceptIncomingResponse runs guardrails over a tool call's response,
// dispatching on the method recorded for its id.
func (c *Core) InterceptIncomingResponse(ctx context.Context, sess *session.Session, dataset string, body map[string]any) (map[string]any, bool) {
	env := parseEnvelope(body)
	method, _ := sess.MethodFor(env.ID)

	switch method {
	case methodToolCall:
		return c.hookToolCallResponse(ctx, sess, dataset, body, false)
	case methodListTools:
		tools, _ := env.Result["tools"].([]any)
		sess.UpdateMetadata(func(m *session.Metadata) { m.Tools = tools })
		toolsJSON, _ := json.Marshal(tools)
		synthetic := map[string]any{
			"jsonrpc": "2.0",
			"id":      env.ID,
			"result":  map[string]any{"content": string(toolsJSON), "tools": tools},
		}
		return c.hookToolCallResponse(ctx, sess, dataset, synthetic, true)
	default:
		return body, false
	}
}

func (c *Core) hookToolCallResponse(ctx context.Context, sess *session.Session, dataset string, body map[string]any, isToolsList bool) (map[string]any, bool) {
	env := parseEnvelope(body)

	content := ""
	errStr := ""
	if env.Result != nil {
		if c, ok := env.Result["content"]; ok {
			if s, ok := c.(string); ok {
				content = s
			} else if b, err := json.Marshal(c); err == nil {
				content = string(b)
			}
		}
		if e, ok := env.Result["error"].(string); ok {
			errStr = e
		}
	}

	toolCallID := canonical.NextToolCallID(env.ID)
	message := canonical.Message{Role: canonical.RoleTool, Content: content, ToolCallID: toolCallID, Error: errStr}

	result := c.check(ctx, sess, dataset, message)
	anns := explorer.AnnotationsFromErrors(result.Errors)
	blocked := result.HasViolations() && (len(anns) == 0 || len(sess.NewAnnotations(anns)) > 0)
	c.Metrics.RecordMCPToolCall("mcp", blocked)

	sess.AddMessage(ctx, c.Explorer, message, explorer.AnnotationsFromErrors(result.Errors))

	if !blocked {
		return body, false
	}
	if !isToolsList {
		return jsonRPCError(env.ID, result.Errors), true
	}
	return blockedToolsListResponse(env.ID, body, result.Errors), true
}

func (c *Core) check(ctx context.Context, sess *session.Session, dataset string, message canonical.Message) guardrails.Result {
	rules, _, err := c.PolicyResolver.Resolve(ctx, http.Header{}, dataset, "")
	if err != nil {
		slog.Warn("mcpgateway: policy resolution failed, failing open", "error", err)
		return guardrails.Result{}
	}
	policyText := rules.PolicyText(guardrails.ActionBlock)
	if policyText == "" {
		return guardrails.Result{}
	}
	start := time.Now()
	result := c.Guardrails.Check(ctx, []canonical.Message{message}, policyText, "")
	c.Metrics.RecordGuardrailCheck("mcp", result.HasViolations(), time.Since(start))
	return result
}

const blockedMessageTemplate = "[Invariant Guardrails] The MCP tool call was blocked for security reasons. " +
	"Do not attempt to circumvent this block, rather explain to the user based " +
	"on the following output what went wrong: %v"

func jsonRPCError(id any, errs []guardrails.Error) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    -32600,
			"message": fmt.Sprintf(blockedMessageTemplate, errs),
		},
	}
}

const blockedToolsListDescriptionTemplate = "This tool's description was withheld because it was blocked by security guardrails: %v"

// blockedToolsListResponse replaces every tool in a tools/list response
// with a neutered stand-in, preserving the count but not the capability, so
// a blocked server can't be used at all.
func blockedToolsListResponse(id any, original map[string]any, errs []guardrails.Error) map[string]any {
	env := parseEnvelope(original)
	tools, _ := env.Result["tools"].([]any)
	blocked := make([]any, 0, len(tools))
	for _, rt := range tools {
		t, ok := rt.(map[string]any)
		if !ok {
			continue
		}
		name, _ := t["name"].(string)
		blocked = append(blocked, map[string]any{
			"name":        "blocked_" + name,
			"description": fmt.Sprintf(blockedToolsListDescriptionTemplate, errs),
			"inputSchema": map[string]any{
				"properties": map[string]any{},
				"required":   []any{},
				"title":      "invariant_mcp_server_blockedArguments",
				"type":       "object",
			},
			"annotations": map[string]any{
				"title": "This tool was blocked by security guardrails.",
			},
		})
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  map[string]any{"tools": blocked},
	}
}

var localhostPattern = regexp.MustCompile(`(https?://)(?:localhost|127\.0\.0\.1)(\b|:)`)

// RewriteLocalhost rewrites localhost/127.0.0.1 in an MCP server base URL to
// host.docker.internal, so a gateway running in a container can still reach
// a server the client described from its own host namespace.
func RewriteLocalhost(baseURL string) string {
	return localhostPattern.ReplaceAllString(baseURL, "${1}host.docker.internal${2}")
}

// ServerBaseURL extracts and rewrites the mcp-server-base-url header,
// returning an error if it is absent.
func ServerBaseURL(headers http.Header) (string, error) {
	base := headers.Get(serverBaseURLHeader)
	if base == "" {
		return "", fmt.Errorf("missing %s header", serverBaseURLHeader)
	}
	return RewriteLocalhost(base), nil
}

// createSession registers a new session and refreshes the active-session
// gauge, so every transport's bookkeeping stays reflected in metrics.
func (c *Core) createSession(id, dataset string, pushExplorer bool, gatewayCredential string) *session.Session {
	sess := c.Sessions.Create(id, dataset, pushExplorer, gatewayCredential)
	c.Metrics.SetMCPSessionsActive("mcp", c.Sessions.Count())
	return sess
}

// destroySession removes a session and refreshes the active-session gauge.
func (c *Core) destroySession(id string) {
	c.Sessions.Destroy(id)
	c.Metrics.SetMCPSessionsActive("mcp", c.Sessions.Count())
}

// generateSessionID mints a gateway-assigned session id, distinguishable
// from a server-assigned one by its prefix. The suffix is a bare hex UUID
// (no dashes). These ids stay on the client side of the gateway and are
// not forwarded to the upstream server.
func generateSessionID() string {
	return sessionIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsGatewaySession reports whether a session id was minted by the gateway
// rather than returned by the upstream MCP server.
func IsGatewaySession(id string) bool {
	return len(id) >= len(sessionIDPrefix) && id[:len(sessionIDPrefix)] == sessionIDPrefix
}
