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

// Command gatekeep is the CLI for the gateway.
//
// Usage:
//
//	gatekeep serve --addr :8005
//	gatekeep mcp --project-name my-dataset --push-explorer --exec -- python my_server.py
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	gatekeep "github.com/kadirpekel/gatekeep"
	"github.com/kadirpekel/gatekeep/internal/explorer"
	"github.com/kadirpekel/gatekeep/internal/guardrails"
	"github.com/kadirpekel/gatekeep/internal/gwconfig"
	"github.com/kadirpekel/gatekeep/internal/gwserver"
	"github.com/kadirpekel/gatekeep/internal/llmgateway"
	"github.com/kadirpekel/gatekeep/internal/mcpgateway"
	"github.com/kadirpekel/gatekeep/internal/obs"
	"github.com/kadirpekel/gatekeep/internal/session"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Run the gateway as an HTTP server."`
	MCP     MCPCmd     `cmd:"" help:"Run the gateway as a local stdio MCP proxy."`
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(gatekeep.GetVersion().String())
	return nil
}

// ServeCmd starts the HTTP server, proxying LLM provider and MCP HTTP
// traffic and evaluating guardrails on both.
type ServeCmd struct {
	Addr string `help:"Address to listen on." placeholder:"ADDR"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := gwconfig.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if c.Addr != "" {
		cfg.Addr = c.Addr
	}

	if err := initLogging(cfg); err != nil {
		return err
	}

	if cfg.InvariantAPIKey == "" {
		return fmt.Errorf("INVARIANT_API_KEY must be set")
	}

	ctx, cancel := signalContext()
	defer cancel()

	explorerClient := explorer.New(cfg.InvariantAPIURL)
	guardrailsClient := guardrails.New(cfg.GuardrailsAPIURL)
	resolver, err := guardrails.NewPolicyResolver(explorerClient, cfg.GuardrailsFilePath, cfg.PolicyCacheTTL)
	if err != nil {
		return fmt.Errorf("loading guardrails policy: %w", err)
	}
	defer resolver.Close()

	pusher := explorer.NewAsyncPusher(explorerClient, cfg.MaxInFlightPushes)
	defer pusher.Wait()

	metrics := obs.NewMetrics(&obs.MetricsConfig{
		Enabled:   cfg.MetricsEnabled,
		Namespace: cfg.MetricsNamespace,
	})
	explorerClient.Metrics = metrics

	llmDeps := llmgateway.NewDeps(guardrailsClient, resolver, explorerClient, pusher)
	llmDeps.Metrics = metrics

	mcpCore := &mcpgateway.Core{
		Sessions:       session.NewStore(),
		Guardrails:     guardrailsClient,
		PolicyResolver: resolver,
		Explorer:       explorerClient,
		Upstream:       llmDeps.Upstream,
		Metrics:        metrics,
	}

	srv := gwserver.New(cfg.Addr, llmDeps, mcpCore, gwserver.WithMetrics(metrics))
	return srv.Start(ctx)
}

// MCPCmd runs the gateway as a local stdio-wrapping MCP proxy, inserted
// between an MCP client and a subprocess MCP server.
type MCPCmd struct {
	ProjectName  string   `name:"project-name" help:"Explorer dataset name traces are pushed to." placeholder:"NAME"`
	PushExplorer bool     `name:"push-explorer" help:"Push traces to Explorer."`
	Exec         bool     `help:"Treat the remaining arguments as the MCP server command to wrap."`
	Command      []string `arg:"" optional:"" passthrough:"all" help:"MCP server command and arguments, after --."`
}

func (c *MCPCmd) Run(cli *CLI) error {
	cfg, err := gwconfig.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := initLogging(cfg); err != nil {
		return err
	}

	if !c.Exec || len(c.Command) == 0 {
		return fmt.Errorf("--exec and a command to run are required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	explorerClient := explorer.New(cfg.InvariantAPIURL)
	guardrailsClient := guardrails.New(cfg.GuardrailsAPIURL)
	resolver, err := guardrails.NewPolicyResolver(explorerClient, cfg.GuardrailsFilePath, cfg.PolicyCacheTTL)
	if err != nil {
		return fmt.Errorf("loading guardrails policy: %w", err)
	}
	defer resolver.Close()

	core := &mcpgateway.Core{
		Sessions:       session.NewStore(),
		Guardrails:     guardrailsClient,
		PolicyResolver: resolver,
		Explorer:       explorerClient,
	}

	return core.RunStdio(ctx, mcpgateway.StdioOptions{
		Command:      c.Command,
		Dataset:      c.ProjectName,
		PushExplorer: c.PushExplorer,
	})
}

func initLogging(cfg *gwconfig.Config) error {
	level, err := obs.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}

	output := os.Stderr
	if cfg.LogFile != "" {
		f, _, err := obs.OpenLogFile(cfg.LogFile)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		output = f
	}

	obs.Init(level, output, cfg.LogFormat)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()
	return ctx, cancel
}

func main() {
	cli := CLI{}
	ktx := kong.Parse(&cli,
		kong.Name("gatekeep"),
		kong.Description("Policy-enforcing gateway for LLM providers and MCP servers"),
		kong.UsageOnError(),
	)

	err := ktx.Run(&cli)
	ktx.FatalIfErrorf(err)
}
