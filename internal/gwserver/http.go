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

// Package gwserver bootstraps the gateway's HTTP server: route wiring,
// middleware chain, and graceful start/shutdown.
package gwserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gatekeep "github.com/kadirpekel/gatekeep"
	"github.com/kadirpekel/gatekeep/internal/llmgateway"
	"github.com/kadirpekel/gatekeep/internal/mcpgateway"
	"github.com/kadirpekel/gatekeep/internal/obs"
)

// Server is the gateway's HTTP front door: LLM provider routes, MCP SSE
// and streamable-HTTP routes, and the liveness/version/metrics endpoints.
type Server struct {
	addr    string
	metrics *obs.Metrics
	llm     *llmgateway.Deps
	mcp     *mcpgateway.Core

	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics attaches a metrics recorder and mounts its /metrics handler.
// A nil *obs.Metrics is valid and simply disables the endpoint.
func WithMetrics(m *obs.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New constructs a Server listening on addr, proxying LLM provider calls
// through llm and MCP calls through mcp.
func New(addr string, llm *llmgateway.Deps, mcp *mcpgateway.Core, opts ...Option) *Server {
	s := &Server{addr: addr, llm: llm, mcp: mcp}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.addr
}

// setupRoutes builds the top-level handler. LLM provider routes live on a
// chi router (path-parameter matching for {dataset}/{model} segments); MCP's
// net/http-based transports register onto a plain ServeMux alongside it,
// since mcpgateway's handlers predate this gateway's adoption of chi. The
// ServeMux's longest-prefix-match semantics let the two coexist: MCP's
// specific paths are claimed first, everything else falls through to chi.
func (s *Server) setupRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/gateway/health", s.handleHealth)
	r.Get("/gateway/version", s.handleVersion)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	llmgateway.RegisterRoutes(r, s.llm)

	top := http.NewServeMux()
	if s.mcp != nil {
		s.mcp.RegisterSSERoutes(top, "/mcp")
		s.mcp.RegisterStreamableRoutes(top, "/mcp/stream")
	}
	top.Handle("/", r)

	return top
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(gatekeep.GetVersion())
}

// statusRecorder captures the response status code without otherwise
// altering ResponseWriter behavior, so wrapping it does not break
// http.Flusher for SSE responses.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
		}
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Invariant-Authorization, Invariant-Guardrails, Invariant-Push, Invariant-Guardrail-Service-Authorization, Mcp-Session-Id, Mcp-Server-Base-Url")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP server until ctx is canceled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	var handler http.Handler = s.setupRoutes()
	handler = s.corsMiddleware(handler)
	handler = s.loggingMiddleware(handler)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("gateway http server starting", "address", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the server, bounding the drain at 5 seconds.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server == nil {
		return nil
	}
	slog.Info("gateway http server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
