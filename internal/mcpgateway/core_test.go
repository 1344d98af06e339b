package mcpgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/gatekeep/internal/canonical"
	"github.com/kadirpekel/gatekeep/internal/explorer"
	"github.com/kadirpekel/gatekeep/internal/guardrails"
	"github.com/kadirpekel/gatekeep/internal/session"
)

type fakeExplorerClient struct{}

func (fakeExplorerClient) PushTrace(ctx context.Context, messages []canonical.Message, dataset string, metadata map[string]any, annotations []explorer.Annotation, gatewayCredential string) (string, error) {
	return "trace-1", nil
}

func (fakeExplorerClient) AppendMessages(ctx context.Context, traceID string, messages []canonical.Message, annotations []explorer.Annotation) error {
	return nil
}

func newTestCore(t *testing.T, guardrailsSrv *httptest.Server, policyFile string) *Core {
	t.Helper()

	guardrailsURL := ""
	if guardrailsSrv != nil {
		guardrailsURL = guardrailsSrv.URL
	}

	resolver, err := guardrails.NewPolicyResolver(noopFetcher{}, policyFile, time.Minute)
	require.NoError(t, err)

	return &Core{
		Sessions:       session.NewStore(),
		Guardrails:     guardrails.New(guardrailsURL),
		PolicyResolver: resolver,
		Explorer:       fakeExplorerClient{},
	}
}

type noopFetcher struct{}

func (noopFetcher) GetDatasetGuardrails(ctx context.Context, dataset, gatewayCredential string) (guardrails.RuleSet, error) {
	return guardrails.RuleSet{}, nil
}

func TestShouldInterceptRequest(t *testing.T) {
	assert.True(t, ShouldInterceptRequest(map[string]any{"method": "tools/call"}))
	assert.True(t, ShouldInterceptRequest(map[string]any{"method": "tools/list"}))
	assert.False(t, ShouldInterceptRequest(map[string]any{"method": "initialize"}))
}

func TestRecordRequestMetadata_TracksMethodAndClientName(t *testing.T) {
	sess := session.NewStore().Create("s1", "", false, "")

	RecordRequestMetadata(sess, map[string]any{
		"id":     float64(1),
		"method": "initialize",
		"params": map[string]any{"clientInfo": map[string]any{"name": "claude-desktop"}},
	})

	method, ok := sess.MethodFor(float64(1))
	require.True(t, ok)
	assert.Equal(t, "initialize", method)
	assert.Equal(t, "claude-desktop", sess.Metadata().MCPClient)
}

func TestRecordServerInfo_UpdatesMCPServerName(t *testing.T) {
	sess := session.NewStore().Create("s1", "", false, "")

	RecordServerInfo(sess, map[string]any{
		"result": map[string]any{"serverInfo": map[string]any{"name": "weather-server"}},
	})

	assert.Equal(t, "weather-server", sess.Metadata().MCPServer)
}

func TestInterceptOutgoingRequest_AllowsWhenNoPolicy(t *testing.T) {
	core := newTestCore(t, nil, "")
	sess := core.Sessions.Create("s1", "", false, "")

	body := map[string]any{
		"jsonrpc": "2.0",
		"id":      float64(1),
		"method":  "tools/call",
		"params":  map[string]any{"name": "get_weather", "arguments": map[string]any{"city": "nyc"}},
	}

	out, blocked := core.InterceptOutgoingRequest(context.Background(), sess, "", body)
	assert.False(t, blocked)
	assert.Equal(t, body["method"], out["method"])
	assert.Len(t, sess.Trace(), 1)
}

func TestInterceptOutgoingRequest_BlockedByPolicy(t *testing.T) {
	guardrailsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(guardrails.Result{
			Errors: []guardrails.Error{{Args: []string{"blocked tool"}}},
		})
	}))
	defer guardrailsSrv.Close()

	policyFile := writeTempPolicy(t, `"raise PolicyViolation('blocked') if: True"`)
	core := newTestCore(t, guardrailsSrv, policyFile)
	sess := core.Sessions.Create("s1", "", false, "")

	body := map[string]any{
		"jsonrpc": "2.0",
		"id":      float64(2),
		"method":  "tools/call",
		"params":  map[string]any{"name": "delete_everything"},
	}

	out, blocked := core.InterceptOutgoingRequest(context.Background(), sess, "", body)
	assert.True(t, blocked)
	errField, ok := out["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, -32600, errField["code"])
}

func TestInterceptIncomingResponse_ToolsListRewritesResultAndTracksTools(t *testing.T) {
	core := newTestCore(t, nil, "")
	sess := core.Sessions.Create("s1", "", false, "")
	sess.RecordRequestID(float64(3), methodListTools)

	body := map[string]any{
		"jsonrpc": "2.0",
		"id":      float64(3),
		"result":  map[string]any{"tools": []any{map[string]any{"name": "get_weather"}}},
	}

	out, blocked := core.InterceptIncomingResponse(context.Background(), sess, "", body)
	assert.False(t, blocked)
	assert.Equal(t, body["id"], out["id"])
	assert.Len(t, sess.Metadata().Tools, 1)
}

func TestInterceptIncomingResponse_UnknownMethodPassesThrough(t *testing.T) {
	core := newTestCore(t, nil, "")
	sess := core.Sessions.Create("s1", "", false, "")

	body := map[string]any{"jsonrpc": "2.0", "id": float64(99), "result": map[string]any{}}
	out, blocked := core.InterceptIncomingResponse(context.Background(), sess, "", body)
	assert.False(t, blocked)
	assert.Equal(t, body, out)
}

func TestRewriteLocalhost(t *testing.T) {
	assert.Equal(t, "http://host.docker.internal:8080/sse", RewriteLocalhost("http://localhost:8080/sse"))
	assert.Equal(t, "http://host.docker.internal/sse", RewriteLocalhost("http://127.0.0.1/sse"))
	assert.Equal(t, "http://example.com/sse", RewriteLocalhost("http://example.com/sse"))
}

func TestServerBaseURL_MissingHeaderIsError(t *testing.T) {
	_, err := ServerBaseURL(http.Header{})
	assert.Error(t, err)
}

func TestServerBaseURL_RewritesLocalhost(t *testing.T) {
	h := http.Header{}
	h.Set(serverBaseURLHeader, "http://localhost:9000")
	base, err := ServerBaseURL(h)
	require.NoError(t, err)
	assert.Equal(t, "http://host.docker.internal:9000", base)
}

func TestIsGatewaySession(t *testing.T) {
	assert.True(t, IsGatewaySession(generateSessionID()))
	assert.False(t, IsGatewaySession("server-assigned-id"))
}

func writeTempPolicy(t *testing.T, ruleContent string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := "blocking:\n  - id: r1\n    name: block-all\n    enabled: true\n    content: " + ruleContent + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}
