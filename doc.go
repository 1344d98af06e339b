// Package gatekeep provides a policy-enforcing reverse proxy for LLM provider
// APIs and Model-Context-Protocol tool servers.
//
// It normalizes every request and response into a single canonical message
// schema, runs that schema through a guardrails policy engine, can block or
// rewrite traffic in flight, and persists the resulting trace into an
// external Explorer service.
//
// # Quick Start
//
// Run the gateway as an HTTP server in front of OpenAI, Anthropic, and
// Gemini:
//
//	gatekeep serve --addr :8005
//
// Or wrap a local stdio MCP server for a single session:
//
//	gatekeep mcp --project-name my-dataset --push-explorer --exec -- python my_server.py
//
// # Architecture
//
//	Client → LLM proxy routes / MCP transports → Guardrails + Session Store → Upstream
//
// See internal/llmgateway for the LLM proxy routes and internal/mcpgateway
// for the three MCP transport strategies (stdio, SSE, streamable-HTTP).
package gatekeep
