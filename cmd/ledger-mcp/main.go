// ledger-mcp is an MCP server exposing the Ledgerbook accounting API
// over stdio. It owns the OAuth credential lifecycle locally: tokens
// are stored encrypted on disk, refreshed on demand, and every remote
// call goes through the retrying execution wrapper.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/ledger-mcp/internal/auth"
	"github.com/alexjbarnes/ledger-mcp/internal/config"
	"github.com/alexjbarnes/ledger-mcp/internal/executor"
	"github.com/alexjbarnes/ledger-mcp/internal/journal"
	"github.com/alexjbarnes/ledger-mcp/internal/ledger"
	"github.com/alexjbarnes/ledger-mcp/internal/logging"
	"github.com/alexjbarnes/ledger-mcp/internal/mcpserver"
	"github.com/alexjbarnes/ledger-mcp/internal/tokenstore"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	store, err := tokenstore.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening token store: %w", err)
	}

	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	// A broken journal degrades diagnostics, not the gateway.
	var j *journal.Journal

	j, err = journal.Open(cfg.JournalPath)
	if err != nil {
		logger.Warn("operations journal unavailable",
			slog.String("path", cfg.JournalPath),
			slog.String("error", err.Error()),
		)

		j = nil
	} else {
		defer j.Close()
	}

	manager := auth.NewManager(cfg, store, nil, logger)

	states := auth.NewStateStore()
	defer states.Stop()

	confirms := auth.NewConfirmationStore()
	defer confirms.Stop()

	deps := &mcpserver.Deps{
		Manager:  manager,
		States:   states,
		Confirms: confirms,
		Exec:     executor.New(manager, j, logger),
		Client:   ledger.NewClient(cfg.APIBaseURL, nil),
		Journal:  j,
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: "ledger-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(server, deps)

	logger.Info("starting ledger-mcp",
		slog.String("version", Version),
		slog.String("auth_mode", cfg.AuthMode),
		slog.String("api_base_url", cfg.APIBaseURL),
	)

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	logger.Info("shutting down")

	return nil
}
