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

// Package llmgateway implements the per-provider LLM proxy routes: copy+
// strip headers, resolve credentials and policy, guard the input, proxy the
// call unary or streaming, guard the output, and push the resulting trace
// to Explorer.
package llmgateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/gatekeep/internal/authresolve"
	"github.com/kadirpekel/gatekeep/internal/canonical"
	"github.com/kadirpekel/gatekeep/internal/explorer"
	"github.com/kadirpekel/gatekeep/internal/guardrails"
	"github.com/kadirpekel/gatekeep/internal/httpclient"
	"github.com/kadirpekel/gatekeep/internal/obs"
)

var ignoredHeaders = map[string]struct{}{
	"accept-encoding":         {},
	"host":                    {},
	"invariant-authorization": {},
	"x-forwarded-for":         {},
	"x-forwarded-host":        {},
	"x-forwarded-port":        {},
	"x-forwarded-proto":       {},
	"x-forwarded-server":      {},
	"x-real-ip":               {},
}

const clientTimeout = 60 * time.Second

// Deps are the external collaborators every provider handler shares.
type Deps struct {
	Guardrails     *guardrails.Client
	PolicyResolver *guardrails.PolicyResolver
	Explorer       *explorer.Client
	Pusher         *explorer.AsyncPusher
	Upstream       *http.Client
	Metrics        *obs.Metrics
}

// NewDeps constructs Deps with a default upstream HTTP client timeout. The
// upstream transport retries provider 429/5xx responses with the matching
// provider's rate-limit headers informing the backoff, while still handing
// every other status code back to the caller as a plain response rather
// than an error, so relayUpstreamError sees the provider's real 4xx body.
func NewDeps(guardrailsClient *guardrails.Client, resolver *guardrails.PolicyResolver, explorerClient *explorer.Client, pusher *explorer.AsyncPusher) *Deps {
	transport := httpclient.NewRoundTripper(nil,
		httpclient.WithMaxRetries(2),
		httpclient.WithHeaderParser(httpclient.ParseProviderHeaders),
	)
	return &Deps{
		Guardrails:     guardrailsClient,
		PolicyResolver: resolver,
		Explorer:       explorerClient,
		Pusher:         pusher,
		Upstream:       &http.Client{Timeout: clientTimeout, Transport: transport},
	}
}

// RegisterRoutes mounts the three provider routes under the given chi
// router, with and without a {dataset} path segment.
func RegisterRoutes(r chi.Router, deps *Deps) {
	r.Post("/openai/chat/completions", deps.openAIHandler(""))
	r.Post("/{dataset}/openai/chat/completions", deps.openAIHandlerFromParam())

	r.Post("/anthropic/v1/messages", deps.anthropicHandler(""))
	r.Post("/{dataset}/anthropic/v1/messages", deps.anthropicHandlerFromParam())

	r.Post("/gemini/{v}/models/{model}", deps.geminiHandler(""))
	r.Post("/{dataset}/gemini/{v}/models/{model}", deps.geminiHandlerFromParam())
}

func datasetParam(r *http.Request) string {
	return chi.URLParam(r, "dataset")
}

// copyUpstreamHeaders strips hop-by-hop and gateway-only headers and forces
// identity encoding so response bytes can be guardrail-inspected without
// dealing with compression.
func copyUpstreamHeaders(src http.Header) http.Header {
	out := make(http.Header)
	for k, vs := range src {
		if _, ignored := ignoredHeaders[strings.ToLower(k)]; ignored {
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	out.Set("Accept-Encoding", "identity")
	return out
}

// resolveCredentials wraps authresolve.Resolve with the provider-specific
// header name and dataset-required rule.
func resolveCredentials(headers http.Header, providerHeader, dataset string) (authresolve.Credentials, error) {
	return authresolve.Resolve(headers, providerHeader, dataset != "")
}

// evaluateInput runs blocking guardrails against the request-only message
// set. On violation the caller must fail the request
// with HTTP 400 and still push a short input-only trace.
func evaluateInput(ctx context.Context, deps *Deps, headers http.Header, dataset string, requestMessages []canonical.Message, gatewayCredential string) guardrails.Result {
	return evaluate(ctx, deps, headers, dataset, requestMessages, gatewayCredential)
}

func evaluate(ctx context.Context, deps *Deps, headers http.Header, dataset string, messages []canonical.Message, gatewayCredential string) guardrails.Result {
	rules, source, err := deps.PolicyResolver.Resolve(ctx, headers, dataset, gatewayCredential)
	if err != nil {
		slog.Warn("llmgateway: policy resolution failed, failing open", "error", err)
		return guardrails.Result{}
	}
	policyText := rules.PolicyText(guardrails.ActionBlock)
	if policyText == "" {
		return guardrails.Result{}
	}
	guardCred := authresolve.GuardrailCredential(headers, gatewayCredential)
	slog.Debug("llmgateway: evaluating guardrails", "policy_source", source)
	start := time.Now()
	result := deps.Guardrails.Check(ctx, messages, policyText, guardCred)
	deps.Metrics.RecordGuardrailCheck("llm", result.HasViolations(), time.Since(start))
	return result
}

// pushBehavior reads the Invariant-Push header, defaulting to "push".
func pushBehavior(headers http.Header) (push bool, ok bool) {
	value := headers.Get("Invariant-Push")
	switch value {
	case "", "push":
		return true, true
	case "skip":
		return false, true
	default:
		return false, false
	}
}

// pushTrace pushes the given trace to Explorer under the given source
// label. Nothing is pushed when no dataset is set, or when Invariant-Push
// is "skip" or any value other than "push".
func (d *Deps) pushTrace(headers http.Header, dataset, source string, messages []canonical.Message, result guardrails.Result, gatewayCredential string) {
	if dataset == "" || d.Pusher == nil {
		return
	}
	push, ok := pushBehavior(headers)
	if !ok || !push {
		return
	}
	annotations := explorer.AnnotationsFromErrors(result.Errors)
	d.Pusher.PushTrace(dataset, messages, map[string]any{"source": source}, annotations, gatewayCredential)
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}
