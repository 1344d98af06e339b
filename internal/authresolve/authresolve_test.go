package authresolve

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_NoDatasetPassesProviderKeyThrough(t *testing.T) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer sk-provider")

	creds, err := Resolve(headers, "Authorization", false)
	require.NoError(t, err)
	assert.Equal(t, "sk-provider", creds.ProviderKey)
	assert.Equal(t, "", creds.GatewayKey)
}

func TestResolve_DatasetWithDedicatedGatewayHeader(t *testing.T) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer sk-provider")
	headers.Set("Invariant-Authorization", "Bearer inv-key")

	creds, err := Resolve(headers, "Authorization", true)
	require.NoError(t, err)
	assert.Equal(t, "sk-provider", creds.ProviderKey)
	assert.Equal(t, "inv-key", creds.GatewayKey)
}

func TestResolve_DatasetWithEmbeddedSuffix(t *testing.T) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer sk-provider;invariant-auth=inv-key")

	creds, err := Resolve(headers, "Authorization", true)
	require.NoError(t, err)
	assert.Equal(t, "sk-provider", creds.ProviderKey)
	assert.Equal(t, "inv-key", creds.GatewayKey)
}

func TestResolve_DatasetMissingProviderKey(t *testing.T) {
	_, err := Resolve(http.Header{}, "Authorization", true)
	assert.ErrorIs(t, err, ErrMissingProviderKey)
}

func TestResolve_DatasetMissingGatewayKey(t *testing.T) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer sk-provider")

	_, err := Resolve(headers, "Authorization", true)
	assert.ErrorIs(t, err, ErrMissingGatewayKey)
}

func TestResolve_InvalidSuffixFormat(t *testing.T) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer sk-provider;invariant-auth=")

	_, err := Resolve(headers, "Authorization", true)
	assert.ErrorIs(t, err, ErrInvalidAPIKeyFormat)
}

func TestGuardrailCredential(t *testing.T) {
	headers := http.Header{}
	assert.Equal(t, "fallback", GuardrailCredential(headers, "fallback"))

	headers.Set("Invariant-Guardrail-Service-Authorization", "Bearer dedicated")
	assert.Equal(t, "dedicated", GuardrailCredential(headers, "fallback"))
}
