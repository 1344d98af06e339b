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

// Package session implements the in-memory MCP session store. Sessions are
// never persisted; they live for the lifetime of the gateway process.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/kadirpekel/gatekeep/internal/canonical"
	"github.com/kadirpekel/gatekeep/internal/explorer"
)

// Metadata holds the free-form session attributes tracked per session.
type Metadata struct {
	MCPClient             string `json:"mcp_client,omitempty"`
	MCPServer             string `json:"mcp_server,omitempty"`
	Tools                 []any  `json:"tools,omitempty"`
	SessionID             string `json:"session_id,omitempty"`
	SystemUser            string `json:"system_user,omitempty"`
	ServerResponseType    string `json:"server_response_type,omitempty"`
	IsStatelessHTTPServer bool   `json:"is_stateless_http_server,omitempty"`
}

type annotationKey struct {
	content string
	address string
	meta    string
}

func keyOf(a explorer.Annotation) annotationKey {
	metaJSON, _ := json.Marshal(a.ExtraMetadata)
	return annotationKey{content: a.Content, address: a.Address, meta: string(metaJSON)}
}

// Session is one logical conversation, keyed by session id.
// Every mutating method takes the session's own lock; the store's lock is
// never held across the calls these methods make to Explorer.
type Session struct {
	ID string

	mu                sync.Mutex
	trace             []canonical.Message
	annotations       map[annotationKey]struct{}
	idToMethod        map[any]string
	metadata          Metadata
	traceID           string
	lastTraceLength   int
	pendingErrors     [][]byte
	explorerDataset   string
	pushExplorer      bool
	gatewayCredential string
}

// newSession constructs an empty Session; unexported because sessions are
// only created through Store.Create.
func newSession(id, dataset string, push bool, gatewayCredential string) *Session {
	return &Session{
		ID:                id,
		annotations:       make(map[annotationKey]struct{}),
		idToMethod:        make(map[any]string),
		explorerDataset:   dataset,
		pushExplorer:      push,
		gatewayCredential: gatewayCredential,
	}
}

// RecordRequestID remembers which JSON-RPC method a request id maps to, so
// the matching response can be dispatched to the right hook.
func (s *Session) RecordRequestID(id any, method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idToMethod[id] = method
}

// MethodFor returns the method recorded for a JSON-RPC response id.
func (s *Session) MethodFor(id any) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	method, ok := s.idToMethod[id]
	return method, ok
}

// UpdateMetadata applies a mutation function under the session lock.
func (s *Session) UpdateMetadata(fn func(*Metadata)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.metadata)
}

// Metadata returns a copy of the session's metadata.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata
}

// Trace returns a snapshot of the current trace.
func (s *Session) Trace() []canonical.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]canonical.Message, len(s.trace))
	copy(out, s.trace)
	return out
}

// NewAnnotations filters out annotations already recorded for this
// session, so a repeated violation does not block the same request twice.
func (s *Session) NewAnnotations(candidates []explorer.Annotation) []explorer.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []explorer.Annotation
	for _, a := range candidates {
		if _, seen := s.annotations[keyOf(a)]; !seen {
			out = append(out, a)
		}
	}
	return out
}

// ExplorerClient is the subset of *explorer.Client the session store needs,
// declared as an interface so tests can substitute a fake.
type ExplorerClient interface {
	PushTrace(ctx context.Context, messages []canonical.Message, dataset string, metadata map[string]any, annotations []explorer.Annotation, gatewayCredential string) (string, error)
	AppendMessages(ctx context.Context, traceID string, messages []canonical.Message, annotations []explorer.Annotation) error
}

// AddMessage appends a message (and any new annotations) to the trace
// under the session lock, then — if push is enabled — pushes the update to
// Explorer before the lock is released, so Explorer always observes
// exactly one monotonically growing trace with no interleaving.
func (s *Session) AddMessage(ctx context.Context, client ExplorerClient, msg canonical.Message, annotations []explorer.Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trace = append(s.trace, msg)
	newAnns := s.newAnnotationsLocked(annotations)
	for _, a := range newAnns {
		s.annotations[keyOf(a)] = struct{}{}
	}

	if !s.pushExplorer || client == nil {
		return
	}
	s.pushLocked(ctx, client, newAnns)
}

func (s *Session) newAnnotationsLocked(candidates []explorer.Annotation) []explorer.Annotation {
	var out []explorer.Annotation
	for _, a := range candidates {
		if _, seen := s.annotations[keyOf(a)]; !seen {
			out = append(out, a)
		}
	}
	return out
}

// pushLocked implements the at-most-once push_trace rule: while traceID is
// empty, the first append issues push_trace; subsequent appends issue
// append_messages with only the new tail.
func (s *Session) pushLocked(ctx context.Context, client ExplorerClient, annotations []explorer.Annotation) {
	if s.traceID == "" {
		meta := map[string]any{"source": "mcp", "tools": s.metadata.Tools}
		if s.metadata.MCPClient != "" {
			meta["mcp_client"] = s.metadata.MCPClient
		}
		if s.metadata.MCPServer != "" {
			meta["mcp_server"] = s.metadata.MCPServer
		}
		traceID, err := client.PushTrace(ctx, s.trace, s.explorerDataset, meta, annotations, s.gatewayCredential)
		if err != nil {
			slog.Warn("session: push_trace failed (non-fatal)", "session_id", s.ID, "error", err)
			return
		}
		s.traceID = traceID
		s.lastTraceLength = len(s.trace)
		return
	}

	newMessages := s.trace[s.lastTraceLength:]
	if len(newMessages) == 0 {
		return
	}
	if err := client.AppendMessages(ctx, s.traceID, newMessages, annotations); err != nil {
		slog.Warn("session: append_messages failed (non-fatal)", "session_id", s.ID, "error", err)
		return
	}
	s.lastTraceLength = len(s.trace)
}

// AddPendingError enqueues an out-of-band SSE payload to be delivered to
// the client on its GET stream leg.
func (s *Session) AddPendingError(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingErrors = append(s.pendingErrors, payload)
}

// DrainPendingErrors returns and clears the queued out-of-band payloads.
func (s *Session) DrainPendingErrors() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pendingErrors
	s.pendingErrors = nil
	return out
}

// Store is the concurrent-safe registry of sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Exists reports whether a session id has been created.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// Create registers a new session if one does not already exist for this
// id; calling it again for an already-known id is a no-op that returns the
// existing session.
func (s *Store) Create(id, dataset string, pushExplorer bool, gatewayCredential string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		return existing
	}
	sess := newSession(id, dataset, pushExplorer, gatewayCredential)
	s.sessions[id] = sess
	return sess
}

// Get returns the session for id, or nil if it does not exist.
func (s *Store) Get(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// Destroy removes a session, used on explicit MCP DELETE or process exit.
func (s *Store) Destroy(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Count returns the number of sessions currently registered.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
