package guardrails

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/gatekeep/internal/canonical"
)

func TestResultHasViolations(t *testing.T) {
	assert.False(t, Result{}.HasViolations())
	assert.True(t, Result{Errors: []Error{{}}}.HasViolations())
}

func TestRuleSetPolicyText(t *testing.T) {
	rs := RuleSet{
		Blocking: []Rule{
			{Content: "raise Violation() if: ...", Enabled: true},
			{Content: "disabled rule", Enabled: false},
		},
		Logging: []Rule{
			{Content: "log rule", Enabled: true},
		},
	}

	assert.Equal(t, "raise Violation() if: ...\n", rs.PolicyText(ActionBlock))
	assert.Equal(t, "log rule\n", rs.PolicyText(ActionLog))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(""))
	assert.NoError(t, Validate("raise Violation() if: (a and [b])"))
	assert.Error(t, Validate("raise Violation() if: (a"))
	assert.Error(t, Validate("raise Violation() if: a)"))
}

func TestClientCheck_EmptyPolicySkipsRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL)
	result := c.Check(context.Background(), nil, "", "")
	assert.False(t, called)
	assert.False(t, result.HasViolations())
}

func TestClientCheck_ParsesViolations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gw-cred", r.Header.Get("Authorization"))
		resp := Result{Errors: []Error{{Args: []string{"tool_calls.0"}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	result := c.Check(context.Background(), []canonical.Message{canonical.NewTextMessage(canonical.RoleUser, "hi")}, "some policy", "gw-cred")
	require.True(t, result.HasViolations())
	assert.Equal(t, []string{"tool_calls.0"}, result.Errors[0].Args)
}

func TestClientCheck_FailsOpenOnServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	result := c.Check(context.Background(), nil, "some policy", "")
	assert.False(t, result.HasViolations())
}
