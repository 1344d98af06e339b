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

// Package guardrails calls the external policy evaluator and resolves which
// rule set applies to a given request.
package guardrails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/kadirpekel/gatekeep/internal/canonical"
	"github.com/kadirpekel/gatekeep/internal/httpclient"
)

const defaultAPIURL = "https://guardrail.invariantnet.com"

// Action is the verdict a rule carries.
type Action string

const (
	ActionBlock Action = "block"
	ActionLog   Action = "log"
)

// Rule is one entry of a RuleSet.
type Rule struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Content string `yaml:"content" json:"content"`
	Action  Action `yaml:"action" json:"action"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// RuleSet holds ordered blocking and logging rules. Ordering is preserved for deterministic error
// attribution.
type RuleSet struct {
	Blocking []Rule `yaml:"blocking" json:"blocking"`
	Logging  []Rule `yaml:"logging" json:"logging"`
}

// PolicyText renders the enabled rules of the given action as the
// concatenated policy source the guardrails service expects.
func (r RuleSet) PolicyText(action Action) string {
	rules := r.Blocking
	if action == ActionLog {
		rules = r.Logging
	}
	var buf bytes.Buffer
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		buf.WriteString(rule.Content)
		buf.WriteString("\n")
	}
	return buf.String()
}

// Range is a pointer into the canonical message list.
type Range struct {
	JSONPath string `json:"json_path"`
	Start    *int   `json:"start,omitempty"`
	End      *int   `json:"end,omitempty"`
}

// Error is one violation reported by the guardrails service.
type Error struct {
	Args      []string       `json:"args"`
	Kwargs    map[string]any `json:"kwargs"`
	Ranges    []Range        `json:"ranges"`
	Guardrail struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Action Action `json:"action"`
	} `json:"guardrail"`
}

// Result is the response shape of a guardrails evaluation.
type Result struct {
	Errors []Error `json:"errors"`
	Error  string  `json:"error,omitempty"`
}

// HasViolations reports whether any error was returned.
func (r Result) HasViolations() bool {
	return len(r.Errors) > 0
}

// Client sends canonical messages to the guardrails service.
type Client struct {
	http   *httpclient.Client
	apiURL string
}

// New constructs a Client, defaulting the API URL to the
// GUARDRAILS_API_URL environment variable, then the well-known default.
func New(apiURL string) *Client {
	if apiURL == "" {
		apiURL = os.Getenv("GUARDRAILS_API_URL")
	}
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Client{
		http:   httpclient.New(httpclient.WithMaxRetries(2)),
		apiURL: apiURL,
	}
}

// Check evaluates messages against a policy. Failures are fail-open and are
// reported as a zero-error Result, never as a Go error, so callers never
// need special-case handling on the hot path.
func (c *Client) Check(ctx context.Context, messages []canonical.Message, policyText, gatewayCredential string) Result {
	if policyText == "" {
		return Result{}
	}

	body, err := json.Marshal(map[string]any{
		"messages": messages,
		"policy":   policyText,
	})
	if err != nil {
		slog.Warn("guardrails: failed to encode request", "error", err)
		return Result{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v1/policy/check", bytes.NewReader(body))
	if err != nil {
		slog.Warn("guardrails: failed to build request", "error", err)
		return Result{}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if gatewayCredential != "" {
		req.Header.Set("Authorization", "Bearer "+gatewayCredential)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("guardrails: check failed, failing open", "error", err)
		return Result{}
	}
	defer resp.Body.Close()

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		slog.Warn("guardrails: failed to decode response, failing open", "error", err)
		return Result{}
	}
	return result
}

// Validate checks a policy source offline, returning an error describing
// the offending fragment if the text does not parse. This is a light
// syntactic check, not a full evaluation, since the grammar lives entirely
// in the external service.
func Validate(policyText string) error {
	if len(policyText) == 0 {
		return nil
	}
	depth := 0
	for i, r := range policyText {
		switch r {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return fmt.Errorf("unbalanced closing bracket at offset %d", i)
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced brackets in policy text")
	}
	return nil
}
