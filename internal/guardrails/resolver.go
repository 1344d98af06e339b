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

package guardrails

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const headerPolicyName = "Invariant-Guardrails"

// DatasetMetadataFetcher fetches the guardrails attached to a dataset from
// Explorer. Implemented by *explorer.Client; declared here as an interface
// to avoid an import cycle between guardrails and explorer.
type DatasetMetadataFetcher interface {
	GetDatasetGuardrails(ctx context.Context, dataset, gatewayCredential string) (RuleSet, error)
}

type cacheEntry struct {
	rules     RuleSet
	expiresAt time.Time
}

// PolicyResolver determines the effective rule set for a request by
// precedence: request header, then dataset-attached policy (TTL cached),
// then a gateway-configured file.
type PolicyResolver struct {
	explorer DatasetMetadataFetcher
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	fileMu    sync.RWMutex
	fileRules RuleSet
	filePath  string
	watcher   *fsnotify.Watcher
}

// NewPolicyResolver constructs a resolver. filePath may be empty, in which
// case the file tier contributes nothing.
func NewPolicyResolver(explorer DatasetMetadataFetcher, filePath string, cacheTTL time.Duration) (*PolicyResolver, error) {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	r := &PolicyResolver{
		explorer: explorer,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
		filePath: filePath,
	}

	if filePath != "" {
		if err := r.loadFile(); err != nil {
			return nil, err
		}
		if err := r.watchFile(); err != nil {
			slog.Warn("guardrails: could not watch policy file for changes", "path", filePath, "error", err)
		}
	}

	return r, nil
}

func (r *PolicyResolver) loadFile() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return fmt.Errorf("reading guardrails file %s: %w", r.filePath, err)
	}
	var rules RuleSet
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parsing guardrails file %s: %w", r.filePath, err)
	}
	r.fileMu.Lock()
	r.fileRules = rules
	r.fileMu.Unlock()
	return nil
}

func (r *PolicyResolver) watchFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	r.watcher = watcher
	if err := watcher.Add(r.filePath); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := r.loadFile(); err != nil {
					slog.Warn("guardrails: failed to reload policy file", "error", err)
				} else {
					slog.Info("guardrails: reloaded policy file", "path", r.filePath)
				}
			}
		}
	}()
	return nil
}

// Resolve returns the rule set that applies to this request, per the
// precedence rules, along with its source for logging.
func (r *PolicyResolver) Resolve(ctx context.Context, headers http.Header, dataset, gatewayCredential string) (RuleSet, string, error) {
	if header := headers.Get(headerPolicyName); header != "" {
		rules := RuleSet{Blocking: []Rule{{
			ID:      "header",
			Name:    "header-policy",
			Content: header,
			Action:  ActionBlock,
			Enabled: true,
		}}}
		return rules, "header", nil
	}

	if dataset != "" && r.explorer != nil {
		rules, err := r.datasetRules(ctx, dataset, gatewayCredential)
		if err == nil {
			return rules, "dataset", nil
		}
		slog.Warn("guardrails: dataset policy fetch failed, falling back to file", "dataset", dataset, "error", err)
	}

	r.fileMu.RLock()
	defer r.fileMu.RUnlock()
	return r.fileRules, "file", nil
}

func (r *PolicyResolver) datasetRules(ctx context.Context, dataset, gatewayCredential string) (RuleSet, error) {
	r.mu.RLock()
	entry, ok := r.cache[dataset]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.rules, nil
	}

	rules, err := r.explorer.GetDatasetGuardrails(ctx, dataset, gatewayCredential)
	if err != nil {
		return RuleSet{}, err
	}

	r.mu.Lock()
	r.cache[dataset] = cacheEntry{rules: rules, expiresAt: time.Now().Add(r.cacheTTL)}
	r.mu.Unlock()
	return rules, nil
}

// InvalidateDataset removes a cached dataset policy, used when Explorer
// reports the dataset's guardrails changed out of band.
func (r *PolicyResolver) InvalidateDataset(dataset string) {
	r.mu.Lock()
	delete(r.cache, dataset)
	r.mu.Unlock()
}

// Close stops the file watcher goroutine, if any.
func (r *PolicyResolver) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
