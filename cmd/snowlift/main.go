// Snowlift migration server — provides the HTTP/WebSocket API, drives
// migration workflow runs, and brokers chat sessions against Snowflake
// Cortex.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/snowlift/snowlift/pkg/agent"
	"github.com/snowlift/snowlift/pkg/api"
	"github.com/snowlift/snowlift/pkg/config"
	"github.com/snowlift/snowlift/pkg/llm"
	"github.com/snowlift/snowlift/pkg/services"
	"github.com/snowlift/snowlift/pkg/stream"
	"github.com/snowlift/snowlift/pkg/term"
	"github.com/snowlift/snowlift/pkg/version"
	"github.com/snowlift/snowlift/pkg/workflow"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	// Load .env, if present
	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	cfg := config.Load()
	logger := slog.Default()

	slog.Info("Starting snowlift",
		"version", version.Full(),
		"addr", cfg.ListenAddr,
		"model", cfg.CortexModel)

	// 1. Snowflake session manager (browser session id -> connection)
	sessions := services.NewSessionManager(cfg.SessionTTL, cfg.CortexModel, cfg.CortexFunction, logger)

	// 2. Cortex completion client, shared by chat and workflow
	llmClient := llm.NewClient(logger)

	// 3. PTY registry; the chat agent and workflow echo resolve terminals here
	ptys := term.NewRegistry(logger)
	resolveTerminal := func(sessionID string) agent.Terminal {
		if session := ptys.Get(sessionID); session != nil {
			return session
		}
		return nil
	}

	// 4. Chat agent loop
	loop := agent.NewLoop(llmClient, resolveTerminal, logger)

	// 5. Workflow pipeline + runner. Stage progress echoes into the
	// caller's terminal when one is attached.
	echoLine := func(sessionID, line string) {
		if session := ptys.Get(sessionID); session != nil {
			_ = session.Write([]byte(line + "\r\n"))
		}
	}
	pipeline := workflow.NewPipeline(cfg, nil, nil, llmClient, echoLine, logger)
	runner := workflow.NewRunner(pipeline, logger)

	// 6. HTTP server
	httpServer := api.NewServer(cfg, sessions, loop, runner, ptys, stream.NewRegistry(), logger)

	// 7. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := httpServer.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("snowlift started successfully")

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop accepting requests, then tear down
	// upstream sessions and shells.
	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	sessions.DisconnectAll()
	ptys.CloseAll()

	slog.Info("Shutdown complete")
}
