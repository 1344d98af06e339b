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

// Package explorer is a client for the external Explorer trace store.
package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/kadirpekel/gatekeep/internal/canonical"
	"github.com/kadirpekel/gatekeep/internal/guardrails"
	"github.com/kadirpekel/gatekeep/internal/httpclient"
	"github.com/kadirpekel/gatekeep/internal/obs"
)

const defaultAPIURL = "https://explorer.invariantlabs.ai"

// Annotation is one pointer into a trace carrying a guardrail verdict.
type Annotation struct {
	Content       string         `json:"content"`
	Address       string         `json:"address"`
	ExtraMetadata map[string]any `json:"extra_metadata"`
}

// Client talks to the Explorer HTTP API.
type Client struct {
	http    *httpclient.Client
	apiURL  string
	Metrics *obs.Metrics
}

// New constructs a Client, defaulting the API URL to the
// INVARIANT_API_URL environment variable, then the well-known default.
func New(apiURL string) *Client {
	if apiURL == "" {
		apiURL = os.Getenv("INVARIANT_API_URL")
	}
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Client{
		http:   httpclient.New(httpclient.WithMaxRetries(2)),
		apiURL: apiURL,
	}
}

// PushTraceResult is the response of PushTrace.
type PushTraceResult struct {
	TraceID string `json:"id"`
}

// PushTrace creates a new trace (and dataset, if it does not exist yet),
// returning the Explorer-assigned trace id.
func (c *Client) PushTrace(ctx context.Context, messages []canonical.Message, dataset string, metadata map[string]any, annotations []Annotation, gatewayCredential string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"messages":    []([]canonical.Message){messages},
		"dataset":     dataset,
		"metadata":    []map[string]any{metadata},
		"annotations": [][]Annotation{annotations},
	})
	if err != nil {
		return "", err
	}

	var result struct {
		ID []string `json:"id"`
	}
	err = c.post(ctx, "/api/v1/push/trace", body, gatewayCredential, &result)
	if err == nil && len(result.ID) == 0 {
		err = fmt.Errorf("explorer: push_trace returned no ids")
	}
	c.Metrics.RecordExplorerPush("push_trace", err)
	if err != nil {
		slog.Warn("explorer: push_trace failed", "dataset", dataset, "error", err)
		return "", err
	}
	return result.ID[0], nil
}

// AppendMessages appends new trace messages to an already-created trace.
func (c *Client) AppendMessages(ctx context.Context, traceID string, messages []canonical.Message, annotations []Annotation) error {
	body, err := json.Marshal(map[string]any{
		"trace_id":    traceID,
		"messages":    messages,
		"annotations": annotations,
	})
	if err != nil {
		return err
	}
	err = c.post(ctx, "/api/v1/trace/append", body, "", nil)
	c.Metrics.RecordExplorerPush("append_messages", err)
	if err != nil {
		slog.Warn("explorer: append_messages failed", "trace_id", traceID, "error", err)
		return err
	}
	return nil
}

// DatasetMetadata is the subset of a dataset's metadata the gateway cares
// about: its attached guardrails.
type DatasetMetadata struct {
	Guardrails guardrails.RuleSet `json:"guardrails"`
}

// GetDatasetMetadata fetches a dataset's metadata, including its attached
// guardrails list.
func (c *Client) GetDatasetMetadata(ctx context.Context, dataset, gatewayCredential string) (DatasetMetadata, error) {
	var meta DatasetMetadata
	url := fmt.Sprintf("%s/api/v1/dataset/byname/%s", c.apiURL, dataset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return meta, err
	}
	if gatewayCredential != "" {
		req.Header.Set("Authorization", "Bearer "+gatewayCredential)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return meta, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// GetDatasetGuardrails implements guardrails.DatasetMetadataFetcher.
func (c *Client) GetDatasetGuardrails(ctx context.Context, dataset, gatewayCredential string) (guardrails.RuleSet, error) {
	meta, err := c.GetDatasetMetadata(ctx, dataset, gatewayCredential)
	if err != nil {
		return guardrails.RuleSet{}, err
	}
	return meta.Guardrails, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, gatewayCredential string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if gatewayCredential != "" {
		req.Header.Set("Authorization", "Bearer "+gatewayCredential)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// AnnotationsFromErrors produces one Annotation per (error, range) pair,
// matching the guardrails service's 1:1 production rule.
func AnnotationsFromErrors(errs []guardrails.Error) []Annotation {
	var out []Annotation
	for _, e := range errs {
		content := ""
		if len(e.Args) > 0 {
			content = e.Args[0]
		}
		for _, rng := range e.Ranges {
			address := rng.JSONPath
			if rng.Start != nil && rng.End != nil {
				address = fmt.Sprintf("%s:%d-%d", rng.JSONPath, *rng.Start, *rng.End)
			}
			out = append(out, Annotation{
				Content: content,
				Address: address,
				ExtraMetadata: map[string]any{
					"source": "guardrails-error",
					"guardrail": map[string]any{
						"id":     e.Guardrail.ID,
						"name":   e.Guardrail.Name,
						"action": e.Guardrail.Action,
					},
				},
			})
		}
	}
	return out
}
