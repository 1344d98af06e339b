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

// Package authresolve extracts the gateway credential and the provider
// credential from incoming request headers.
package authresolve

import (
	"errors"
	"net/http"
	"strings"
)

const (
	gatewayAuthHeader      = "Invariant-Authorization"
	guardrailServiceHeader = "Invariant-Guardrail-Service-Authorization"
	apiKeySeparator        = ";invariant-auth="
)

// ErrMissingProviderKey is returned when a dataset is configured but no
// provider credential is present at all.
var ErrMissingProviderKey = errors.New("missing LLM Provider API Key")

// ErrMissingGatewayKey is returned when a dataset is configured, a provider
// credential is present, but it carries no embedded gateway credential and
// no dedicated header was sent either.
var ErrMissingGatewayKey = errors.New("missing invariant api key")

// ErrInvalidAPIKeyFormat is returned when the suffix-embedded form is
// present but malformed (empty gateway key, or more than one separator).
var ErrInvalidAPIKeyFormat = errors.New("invalid API Key format")

// Credentials holds the two logically distinct credentials a gateway
// request carries: the credential authenticating the caller to the
// gateway/Explorer, and the credential forwarded to the upstream provider.
type Credentials struct {
	GatewayKey  string
	ProviderKey string
}

// Resolve extracts credentials from request headers, following this
// precedence:
//  1. Invariant-Authorization: Bearer <k> plus the provider header present
//     as-is.
//  2. Provider header only, containing the literal ";invariant-auth=<k>"
//     suffix, split into the real provider key and the gateway key.
// datasetRequired mirrors the rule that a gateway credential is
// required only when a dataset_name is set on the request.
func Resolve(headers http.Header, providerHeader string, datasetRequired bool) (Credentials, error) {
	gatewayAuth := headers.Get(gatewayAuthHeader)
	providerKey := ""
	if providerHeader != "" {
		providerKey = headers.Get(providerHeader)
	}

	if datasetRequired && gatewayAuth == "" {
		if providerKey == "" {
			return Credentials{}, ErrMissingProviderKey
		}
		if !strings.Contains(providerKey, apiKeySeparator) {
			return Credentials{}, ErrMissingGatewayKey
		}

		parts := strings.Split(providerKey, apiKeySeparator)
		if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
			return Credentials{}, ErrInvalidAPIKeyFormat
		}

		gatewayAuth = "Bearer " + strings.TrimSpace(parts[1])
		providerKey = strings.TrimSpace(parts[0])
	}

	return Credentials{
		GatewayKey:  stripBearer(gatewayAuth),
		ProviderKey: stripBearer(providerKey),
	}, nil
}

// GuardrailCredential returns the dedicated guardrails-service credential
// if present, otherwise falls back to the resolved gateway credential.
func GuardrailCredential(headers http.Header, gatewayKey string) string {
	if dedicated := headers.Get(guardrailServiceHeader); dedicated != "" {
		return stripBearer(dedicated)
	}
	return gatewayKey
}

func stripBearer(value string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(value, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(value, prefix))
	}
	return strings.TrimSpace(value)
}
