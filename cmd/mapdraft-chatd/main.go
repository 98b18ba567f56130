// mapdraft-chatd serves per-document chat rooms over WebSocket, streaming
// model output to every connected editor and delegating map tool calls
// back to the clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mapdraft/mapdraft/internal/chatd"
	"github.com/mapdraft/mapdraft/pkg/logutil"
	"github.com/mapdraft/mapdraft/pkg/model"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("mapdraft-chatd %s\n", version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := chatd.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logutil.NewLogger(cfg.LogLevel)

	source, err := buildSource(cfg)
	if err != nil {
		logger.Error("building model backend", "error", err)
		os.Exit(1)
	}

	srv := chatd.NewServer(cfg, source, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}
}

func buildSource(cfg *chatd.Config) (model.Source, error) {
	switch cfg.Backend {
	case "anthropic":
		return model.NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, cfg.Model)
	default:
		return model.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.Model), nil
	}
}

func printHelp() {
	fmt.Print(`mapdraft-chatd — per-document chat rooms with streaming model output

Usage:
  mapdraft-chatd            start the server
  mapdraft-chatd version    print the version

Configuration (environment variables, .env supported):
  MAPDRAFT_PORT                 Listen port (default 8090)
  MAPDRAFT_HOST                 Bind address (default 0.0.0.0)
  MAPDRAFT_BACKEND              "openai" or "anthropic" (default openai)
  MAPDRAFT_MODEL                Model name passed to the backend
  MAPDRAFT_OPENAI_BASE_URL      OpenAI-compatible endpoint (default https://api.openai.com)
  MAPDRAFT_OPENAI_API_KEY       Optional for local backends
  MAPDRAFT_ANTHROPIC_API_KEY    Required for the anthropic backend
  MAPDRAFT_SYSTEM_PROMPT        Override the built-in system prompt
  MAPDRAFT_TOOL_TIMEOUT         Wait for client tool results (default 10s)
  MAPDRAFT_MAX_TOOL_ROUNDS      Model turns per user message (default 5)
  MAPDRAFT_IDLE_TIMEOUT         Per-connection read deadline (default 5m)
  MAPDRAFT_LOG_LEVEL            debug, info, warn, error (default info)
`)
}
