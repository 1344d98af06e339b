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

package mcpgateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/kadirpekel/gatekeep/internal/gwerrors"
)

var endpointSessionIDPattern = regexp.MustCompile(`session_id=([^&\s]+)`)

var ssePostForwardHeaders = map[string]struct{}{
	"connection": {}, "accept": {}, "content-length": {}, "content-type": {},
}

var sseGetForwardHeaders = map[string]struct{}{
	"connection": {}, "accept": {}, "cache-control": {},
}

// RegisterSSERoutes mounts the legacy MCP SSE transport's two endpoints:
// the client-facing GET that proxies the server's event stream (rewriting
// the server's "endpoint" event to point back at the gateway), and the POST
// that relays client JSON-RPC requests keyed by query-string session_id.
func (c *Core) RegisterSSERoutes(mux *http.ServeMux, prefix string) {
	mux.HandleFunc(prefix+"/sse", c.handleSSEGet)
	mux.HandleFunc(prefix+"/sse/messages/", c.handleSSEPost)
}

func (c *Core) handleSSEGet(w http.ResponseWriter, r *http.Request) {
	base, err := ServerBaseURL(r.Header)
	if err != nil {
		(&gwerrors.ClientAuthError{Detail: err.Error()}).WriteHTTP(w)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, base+"/sse", nil)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Unexpected: true, Err: err}).WriteHTTP(w)
		return
	}
	copyAllowed(upstreamReq.Header, r.Header, sseGetForwardHeaders)

	resp, err := c.Upstream.Do(upstreamReq)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}
	defer resp.Body.Close()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("X-Proxied-By", "gatekeep-mcp-gateway")
	w.WriteHeader(resp.StatusCode)

	var sessionID string
	var eventType string
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if line == "" && err != nil {
			break
		}
		trimmed := strings.TrimRight(line, "\r\n")

		if event, ok := strings.CutPrefix(trimmed, "event: "); ok {
			eventType = event
			fmt.Fprintf(w, "%s\n", trimmed)
			flush(flusher)
			if err != nil {
				break
			}
			continue
		}

		data, ok := strings.CutPrefix(trimmed, "data: ")
		if !ok {
			fmt.Fprintf(w, "%s\n", trimmed)
			flush(flusher)
			if err != nil {
				break
			}
			continue
		}

		switch eventType {
		case "endpoint":
			data, sessionID = c.handleEndpointEvent(data)
		case "message":
			if sessionID != "" {
				c.handleMessageEvent(r.Context(), sessionID, data)
			}
		}
		fmt.Fprintf(w, "data: %s\n", data)
		flush(flusher)
		if err != nil {
			break
		}
	}
}

func (c *Core) handleEndpointEvent(data string) (rewritten, sessionID string) {
	if match := endpointSessionIDPattern.FindStringSubmatch(data); match != nil {
		sessionID = match[1]
		if c.Sessions.Get(sessionID) == nil {
			c.createSession(sessionID, "", false, "")
		}
	}
	rewritten = strings.Replace(data, "/messages/?session_id=", "/api/v1/gateway/mcp/sse/messages/?session_id=", 1)
	return rewritten, sessionID
}

func (c *Core) handleMessageEvent(ctx context.Context, sessionID, data string) {
	sess := c.Sessions.Get(sessionID)
	if sess == nil {
		return
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		slog.Warn("mcpgateway: sse message event is not valid JSON", "error", err)
		return
	}
	RecordServerInfo(sess, body)
	_, _ = c.InterceptIncomingResponse(ctx, sess, "", body)
}

func (c *Core) handleSSEPost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		(&gwerrors.ClientAuthError{Detail: "missing 'session_id' query parameter"}).WriteHTTP(w)
		return
	}
	sess := c.Sessions.Get(sessionID)
	if sess == nil {
		(&gwerrors.ClientAuthError{Detail: "session does not exist"}).WriteHTTP(w)
		return
	}
	base, err := ServerBaseURL(r.Header)
	if err != nil {
		(&gwerrors.ClientAuthError{Detail: err.Error()}).WriteHTTP(w)
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}
	var body map[string]any
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		(&gwerrors.ClientAuthError{Detail: "invalid JSON body"}).WriteHTTP(w)
		return
	}

	RecordRequestMetadata(sess, body)

	out := body
	if ShouldInterceptRequest(body) {
		result, blocked := c.InterceptOutgoingRequest(r.Context(), sess, "", body)
		if blocked {
			encoded, _ := json.Marshal(result)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(encoded)
			return
		}
		out = result
	}
	outBytes, _ := json.Marshal(out)

	upstreamURL := base + "/messages/?" + r.URL.RawQuery
	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, upstreamURL, bytes.NewReader(outBytes))
	if err != nil {
		(&gwerrors.UpstreamTransportError{Unexpected: true, Err: err}).WriteHTTP(w)
		return
	}
	copyAllowed(upstreamReq.Header, r.Header, ssePostForwardHeaders)

	resp, err := c.Upstream.Do(upstreamReq)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	w.Header().Set("X-Proxied-By", "gatekeep-mcp-gateway")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

func copyAllowed(dst, src http.Header, allowed map[string]struct{}) {
	for k, vs := range src {
		if _, ok := allowed[strings.ToLower(k)]; !ok {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func flush(f http.Flusher) {
	if f != nil {
		f.Flush()
	}
}
