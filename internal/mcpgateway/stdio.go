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

package mcpgateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/kadirpekel/gatekeep/internal/session"
)

// StdioOptions configures a local subprocess-wrapping MCP session, used by
// the `gatekeep mcp --exec -- <command>` CLI mode.
type StdioOptions struct {
	Command      []string
	Dataset      string
	PushExplorer bool
}

// RunStdio launches the wrapped MCP server as a subprocess and pumps stdin
// (client to server) and stdout (server to client) through the guardrail
// hooks; the server's stderr is passed straight through to the gateway's
// own stderr. It returns only after the client closes stdin, the server's
// stdout has been drained, and the subprocess has exited.
func (c *Core) RunStdio(ctx context.Context, opts StdioOptions) error {
	sessionID := generateSessionID()
	sess := c.createSession(sessionID, opts.Dataset, opts.PushExplorer, "")

	cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return err
	}

	done := make(chan struct{})
	go c.pumpStdout(ctx, sess, opts.Dataset, stdout, os.Stdout, done)
	c.pumpStdin(ctx, sess, opts.Dataset, os.Stdin, stdin)

	stdin.Close()
	<-done
	return cmd.Wait()
}

// pumpStdin reads newline-delimited JSON-RPC requests from the client,
// intercepts tool calls, and forwards the (possibly rewritten) line to the
// subprocess. A blocked request's error response is written directly back
// to the client instead of being forwarded.
func (c *Core) pumpStdin(ctx context.Context, sess *session.Session, dataset string, client io.Reader, server io.Writer) {
	scanner := bufio.NewScanner(client)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var body map[string]any
		if err := json.Unmarshal(line, &body); err != nil {
			slog.Warn("mcpgateway: stdio client line is not valid JSON", "error", err)
			continue
		}

		RecordRequestMetadata(sess, body)

		out := body
		if ShouldInterceptRequest(body) {
			result, blocked := c.InterceptOutgoingRequest(ctx, sess, dataset, body)
			if blocked {
				writeJSONLine(os.Stdout, result)
				continue
			}
			out = result
		}

		writeJSONLine(server, out)
	}
}

// pumpStdout reads newline-delimited JSON-RPC responses from the
// subprocess, intercepts tool-call results, and forwards the (possibly
// rewritten) line to the client.
func (c *Core) pumpStdout(ctx context.Context, sess *session.Session, dataset string, server io.Reader, client io.Writer, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(server)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var body map[string]any
		if err := json.Unmarshal(line, &body); err != nil {
			slog.Warn("mcpgateway: stdio server line is not valid JSON", "error", err)
			writeJSONLine(client, json.RawMessage(line))
			continue
		}

		RecordServerInfo(sess, body)
		out, _ := c.InterceptIncomingResponse(ctx, sess, dataset, body)
		writeJSONLine(client, out)
	}
}

func writeJSONLine(w io.Writer, v any) {
	encoded, err := json.Marshal(v)
	if err != nil {
		slog.Warn("mcpgateway: failed to encode line", "error", err)
		return
	}
	encoded = append(encoded, '\n')
	if _, err := w.Write(encoded); err != nil {
		slog.Warn("mcpgateway: failed to write line", "error", err)
	}
}
