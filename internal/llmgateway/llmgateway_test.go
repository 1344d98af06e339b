package llmgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/gatekeep/internal/explorer"
	"github.com/kadirpekel/gatekeep/internal/guardrails"
)

// redirectTransport sends every request to a fixed test server regardless
// of the URL the caller built, so provider routes can be exercised without
// reaching a real upstream.
type redirectTransport struct {
	target *url.URL
}

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	req.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestDeps(t *testing.T, upstream *httptest.Server) *Deps {
	t.Helper()

	explorerClient := explorer.New("https://explorer.example.com")
	resolver, err := guardrails.NewPolicyResolver(explorerClient, "", time.Minute)
	require.NoError(t, err)

	deps := NewDeps(guardrails.New(""), resolver, explorerClient, explorer.NewAsyncPusher(explorerClient, 1))
	if upstream != nil {
		target, err := url.Parse(upstream.URL)
		require.NoError(t, err)
		deps.Upstream = &http.Client{Transport: redirectTransport{target: target}}
	}
	return deps
}

// newBlockingTestDeps is newTestDeps with its guardrails client pointed at a
// mock service that reports a violation on every check, for exercising the
// blocking path.
func newBlockingTestDeps(t *testing.T, upstream, guardrailsSvc *httptest.Server) *Deps {
	t.Helper()
	deps := newTestDeps(t, upstream)
	deps.Guardrails = guardrails.New(guardrailsSvc.URL)
	return deps
}

// blockingGuardrailsServer mimics the external policy evaluator reporting a
// violation only when the submitted messages actually mention "Madrid", so
// input-phase checks (against the user's question) pass while output-phase
// checks (against the model's "Madrid" answer) fail.
func blockingGuardrailsServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages json.RawMessage `json:"messages"`
		}
		_ = json.Unmarshal(body, &req)
		if !strings.Contains(string(req.Messages), "Madrid") {
			_ = json.NewEncoder(w).Encode(map[string]any{"errors": []any{}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{{
				"args":      []string{"Madrid"},
				"kwargs":    map[string]any{},
				"ranges":    []any{},
				"guardrail": map[string]any{"id": "g1", "name": "no-madrid", "action": "block"},
			}},
		})
	}))
}

func TestCopyUpstreamHeaders_StripsHopByHopAndGatewayHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Authorization", "Bearer x")
	src.Set("Host", "example.com")
	src.Set("Invariant-Authorization", "Bearer y")
	src.Set("Content-Type", "application/json")

	out := copyUpstreamHeaders(src)
	assert.Equal(t, "application/json", out.Get("Content-Type"))
	assert.Empty(t, out.Get("Host"))
	assert.Empty(t, out.Get("Invariant-Authorization"))
	assert.Equal(t, "identity", out.Get("Accept-Encoding"))
}

func TestResolveCredentials_NoDatasetDoesNotRequireGatewayKey(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer sk-123")
	creds, err := resolveCredentials(h, "Authorization", "")
	require.NoError(t, err)
	assert.Equal(t, "sk-123", creds.ProviderKey)
}

func TestPushBehavior(t *testing.T) {
	h := http.Header{}
	push, ok := pushBehavior(h)
	assert.True(t, push)
	assert.True(t, ok)

	h.Set("Invariant-Push", "skip")
	push, ok = pushBehavior(h)
	assert.False(t, push)
	assert.True(t, ok)

	h.Set("Invariant-Push", "bogus")
	_, ok = pushBehavior(h)
	assert.False(t, ok)
}

func TestEvaluate_NoPolicyReturnsEmptyResult(t *testing.T) {
	deps := newTestDeps(t, nil)
	result := evaluate(context.Background(), deps, http.Header{}, "", nil, "")
	assert.False(t, result.HasViolations())
}

func TestServeOpenAI_ProxiesAndPassesGuardrails(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-upstream", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"choices": []any{map[string]any{"index": float64(0), "message": map[string]any{"role": "assistant", "content": "hi there"}}},
		})
	}))
	defer upstream.Close()

	deps := newTestDeps(t, upstream)

	r := chi.NewRouter()
	RegisterRoutes(r, deps)

	reqBody := `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/openai/chat/completions", strings.NewReader(reqBody))
	req.Header.Set("Authorization", "Bearer sk-upstream")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "chatcmpl-1", body["id"])
}

func TestServeOpenAI_MissingCredentialReturns400(t *testing.T) {
	deps := newTestDeps(t, nil)
	r := chi.NewRouter()
	RegisterRoutes(r, deps)

	req := httptest.NewRequest(http.MethodPost, "/my-dataset/openai/chat/completions", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeOpenAI_StreamingBlockedOutputEmitsInBandErrorAndStops(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Madrid"}}]}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	guardrailsSvc := blockingGuardrailsServer(t)
	defer guardrailsSvc.Close()

	deps := newBlockingTestDeps(t, upstream, guardrailsSvc)
	r := chi.NewRouter()
	RegisterRoutes(r, deps)

	reqBody := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"capital of Spain?"}]}`
	req := httptest.NewRequest(http.MethodPost, "/openai/chat/completions", strings.NewReader(reqBody))
	req.Header.Set("Authorization", "Bearer sk-upstream")
	req.Header.Set("Invariant-Guardrails", "raise \"no-madrid\" if: Madrid in output")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Madrid")
	assert.Contains(t, body, "did not pass the guardrails")
	assert.NotContains(t, body, "[DONE]", "a blocked stream must not relay the clean terminal sentinel")
}

func TestServeAnthropic_StreamingBlockedOutputEmitsInBandErrorAndStops(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: content_block_delta\n"+`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Madrid"}}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, "event: message_stop\n"+`data: {"type":"message_stop"}`+"\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	guardrailsSvc := blockingGuardrailsServer(t)
	defer guardrailsSvc.Close()

	deps := newBlockingTestDeps(t, upstream, guardrailsSvc)
	r := chi.NewRouter()
	RegisterRoutes(r, deps)

	reqBody := `{"model":"claude-3","stream":true,"messages":[{"role":"user","content":"capital of Spain?"}]}`
	req := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages", strings.NewReader(reqBody))
	req.Header.Set("x-api-key", "sk-upstream")
	req.Header.Set("Invariant-Guardrails", "raise \"no-madrid\" if: Madrid in output")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "did not pass the guardrails")
	assert.NotContains(t, body, `"type":"message_stop"`, "a blocked stream must not relay the clean terminal sentinel")
}
