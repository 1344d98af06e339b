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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kadirpekel/gatekeep/internal/gwerrors"
)

const (
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
)

var streamablePostDeleteHeaders = map[string]struct{}{
	"connection": {}, "accept": {}, "content-length": {}, "content-type": {}, sessionIDHeader: {},
}

var streamableGetHeaders = map[string]struct{}{
	"connection": {}, "accept": {}, "cache-control": {}, sessionIDHeader: {},
}

// RegisterStreamableRoutes mounts the MCP streamable-HTTP transport's three
// verbs on one endpoint: POST for request/response or
// request/SSE-stream exchanges, GET for the server-initiated notification
// channel, DELETE for explicit session termination.
func (c *Core) RegisterStreamableRoutes(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			c.handleStreamablePost(w, r)
		case http.MethodGet:
			c.handleStreamableGet(w, r)
		case http.MethodDelete:
			c.handleStreamableDelete(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func isInitializationRequest(body map[string]any) bool {
	method, _ := body["method"].(string)
	return method == "initialize" || method == "notifications/initialized"
}

func (c *Core) handleStreamablePost(w http.ResponseWriter, r *http.Request) {
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

	sessionID := r.Header.Get(sessionIDHeader)
	isInit := isInitializationRequest(body)

	if sessionID != "" {
		if sess := c.Sessions.Get(sessionID); sess != nil {
			RecordRequestMetadata(sess, body)
		}
	} else if isInit {
		// Generated speculatively: overwritten below if the upstream server
		// turns out to assign its own.
		sessionID = generateSessionID()
	}

	out := body
	if !isInit && sessionID != "" {
		if sess := c.Sessions.Get(sessionID); sess != nil && ShouldInterceptRequest(body) {
			result, blocked := c.InterceptOutgoingRequest(r.Context(), sess, "", body)
			if blocked {
				w.Header().Set("Content-Type", contentTypeJSON)
				encoded, _ := json.Marshal(result)
				_, _ = w.Write(encoded)
				return
			}
			out = result
		}
	}
	outBytes, err := json.Marshal(out)
	if err != nil {
		outBytes = bodyBytes
	}

	base, err := ServerBaseURL(r.Header)
	if err != nil {
		(&gwerrors.ClientAuthError{Detail: err.Error()}).WriteHTTP(w)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, base+"/mcp/", bytes.NewReader(outBytes))
	if err != nil {
		(&gwerrors.UpstreamTransportError{Unexpected: true, Err: err}).WriteHTTP(w)
		return
	}
	copyAllowedExceptGatewaySession(upstreamReq.Header, r.Header, streamablePostDeleteHeaders)

	resp, err := c.Upstream.Do(upstreamReq)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}
	defer resp.Body.Close()

	respSessionID := resp.Header.Get(sessionIDHeader)
	if respSessionID != "" {
		if c.Sessions.Get(respSessionID) == nil {
			c.createSession(respSessionID, "", false, "")
		}
		sessionID = respSessionID
	} else if isInit && sessionID != "" && c.Sessions.Get(sessionID) == nil {
		c.createSession(sessionID, "", false, "")
	}

	if isInit && sessionID != "" {
		if sess := c.Sessions.Get(sessionID); sess != nil {
			RecordRequestMetadata(sess, body)
		}
	}

	if sessionID != "" {
		w.Header().Set(sessionIDHeader, sessionID)
	}
	w.Header().Set("X-Proxied-By", "gatekeep-mcp-gateway")

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, contentTypeJSON) {
		c.relayStreamableJSON(w, r, resp, sessionID)
		return
	}
	c.relayStreamableSSE(w, r, resp, sessionID)
}

func (c *Core) relayStreamableJSON(w http.ResponseWriter, r *http.Request, resp *http.Response, sessionID string) {
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}

	var respBody map[string]any
	if json.Unmarshal(respBytes, &respBody) == nil && sessionID != "" {
		if sess := c.Sessions.Get(sessionID); sess != nil {
			RecordServerInfo(sess, respBody)
			out, _ := c.InterceptIncomingResponse(r.Context(), sess, "", respBody)
			if encoded, err := json.Marshal(out); err == nil {
				respBytes = encoded
			}
		}
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBytes)
}

func (c *Core) relayStreamableSSE(w http.ResponseWriter, r *http.Request, resp *http.Response, sessionID string) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", contentTypeSSE)
	w.WriteHeader(resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintf(w, "%s\n", line)
		flush(flusher)

		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || sessionID == "" {
			continue
		}
		sess := c.Sessions.Get(sessionID)
		if sess == nil {
			continue
		}
		var body map[string]any
		if json.Unmarshal([]byte(data), &body) == nil {
			RecordServerInfo(sess, body)
			_, _ = c.InterceptIncomingResponse(r.Context(), sess, "", body)
		}
	}
}

func (c *Core) handleStreamableGet(w http.ResponseWriter, r *http.Request) {
	base, err := ServerBaseURL(r.Header)
	if err != nil {
		(&gwerrors.ClientAuthError{Detail: err.Error()}).WriteHTTP(w)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, base+"/mcp/", nil)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Unexpected: true, Err: err}).WriteHTTP(w)
		return
	}
	copyAllowedExceptGatewaySession(upstreamReq.Header, r.Header, streamableGetHeaders)

	resp, err := c.Upstream.Do(upstreamReq)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("X-Proxied-By", "gatekeep-mcp-gateway")
	c.relayStreamableSSE(w, r, resp, r.Header.Get(sessionIDHeader))
}

func (c *Core) handleStreamableDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		(&gwerrors.ClientAuthError{Detail: "missing " + sessionIDHeader + " header"}).WriteHTTP(w)
		return
	}
	if c.Sessions.Get(sessionID) == nil {
		(&gwerrors.ClientAuthError{Detail: "session does not exist"}).WriteHTTP(w)
		return
	}

	// A gateway-minted session id means the upstream server is stateless and
	// never saw this session at all; there is nothing to forward.
	if IsGatewaySession(sessionID) {
		c.destroySession(sessionID)
		w.Header().Set("X-Proxied-By", "gatekeep-mcp-gateway")
		w.WriteHeader(http.StatusOK)
		return
	}

	base, err := ServerBaseURL(r.Header)
	if err != nil {
		(&gwerrors.ClientAuthError{Detail: err.Error()}).WriteHTTP(w)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodDelete, base+"/mcp/", nil)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Unexpected: true, Err: err}).WriteHTTP(w)
		return
	}
	copyAllowedExceptGatewaySession(upstreamReq.Header, r.Header, streamablePostDeleteHeaders)

	resp, err := c.Upstream.Do(upstreamReq)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}
	defer resp.Body.Close()

	c.destroySession(sessionID)
	respBody, _ := io.ReadAll(resp.Body)
	w.Header().Set("X-Proxied-By", "gatekeep-mcp-gateway")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

// copyAllowedExceptGatewaySession behaves like copyAllowed but drops the
// mcp-session-id header when it carries a gateway-minted id, since those
// were never seen by the upstream server and would confuse it.
func copyAllowedExceptGatewaySession(dst, src http.Header, allowed map[string]struct{}) {
	for k, vs := range src {
		if _, ok := allowed[strings.ToLower(k)]; !ok {
			continue
		}
		for _, v := range vs {
			if strings.ToLower(k) == sessionIDHeader && IsGatewaySession(v) {
				continue
			}
			dst.Add(k, v)
		}
	}
}
