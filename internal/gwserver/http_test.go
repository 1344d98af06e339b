package gwserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/gatekeep/internal/explorer"
	"github.com/kadirpekel/gatekeep/internal/guardrails"
	"github.com/kadirpekel/gatekeep/internal/llmgateway"
)

func newTestServer() *Server {
	explorerClient := explorer.New("https://explorer.example.com")
	guardrailsClient := guardrails.New("https://guardrails.example.com")
	resolver, err := guardrails.NewPolicyResolver(explorerClient, "", 0)
	if err != nil {
		panic(err)
	}
	pusher := explorer.NewAsyncPusher(explorerClient, 4)
	deps := llmgateway.NewDeps(guardrailsClient, resolver, explorerClient, pusher)
	return New(":0", deps, nil)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer()
	handler := s.setupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/gateway/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleVersion(t *testing.T) {
	s := newTestServer()
	handler := s.setupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/gateway/version", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["version"])
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer()
	handler := s.corsMiddleware(s.setupRoutes())

	req := httptest.NewRequest(http.MethodOptions, "/gateway/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownProviderRouteNotFound(t *testing.T) {
	s := newTestServer()
	handler := s.setupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/does/not/exist", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
