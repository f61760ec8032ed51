// mascd hosts the multi-agent coordination room: HTTP/WebSocket API,
// background sweepers, and optionally an MCP stdio adapter.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/joho/godotenv"

	"github.com/masc-io/masc/pkg/api"
	"github.com/masc-io/masc/pkg/cancel"
	"github.com/masc-io/masc/pkg/cleanup"
	"github.com/masc-io/masc/pkg/clock"
	"github.com/masc-io/masc/pkg/config"
	"github.com/masc-io/masc/pkg/gate"
	"github.com/masc-io/masc/pkg/mcpserver"
	"github.com/masc-io/masc/pkg/room"
	"github.com/masc-io/masc/pkg/storage"
	"github.com/masc-io/masc/pkg/storage/filestore"
	"github.com/masc-io/masc/pkg/storage/sqlstore"
	"github.com/masc-io/masc/pkg/stream"
	"github.com/masc-io/masc/pkg/walph"
)

func main() {
	mcpMode := flag.Bool("mcp", false, "serve MCP over stdio instead of HTTP")
	envFile := flag.String("env-file", ".env", "path to the env file")
	flag.Parse()

	// Stdout belongs to the MCP protocol in stdio mode; logs go to stderr
	// either way.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil {
		logger.Debug("No env file loaded, using process environment", "path", *envFile)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open storage backend", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("Error closing storage backend", "error", err)
		}
	}()
	logger.Info("Storage backend ready", "kind", cfg.Storage.Kind, "base_path", cfg.Storage.BasePath)

	fabric := stream.New(
		stream.WithLogger(logger),
		stream.WithMaxPendingSends(cfg.Stream.MaxPendingSends),
	)
	engine := room.New(backend, cfg.Storage.BasePath,
		room.WithLogger(logger),
		room.WithNotifier(fabric),
	)

	g, err := gate.New(ctx, engine, cfg.Gate, gate.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to build gate", "error", err)
		os.Exit(1)
	}

	tokens := cancel.NewStore(clock.NewSystem())
	sweeper := cleanup.NewService(cfg.Cleanup, engine, tokens, cleanup.WithLogger(logger))
	sweeper.Start(ctx)
	defer sweeper.Stop()

	supervisor := buildSupervisor(engine, cfg.Storage.BasePath, logger)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if *mcpMode {
		runMCP(sigCtx, g, fabric, supervisor, logger)
	} else {
		runHTTP(sigCtx, cfg, g, fabric, supervisor, logger)
	}

	drain(ctx, g, supervisor, backend, logger)
}

// openBackend builds the storage backend named by the configuration.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Storage.Kind {
	case config.StorageSQLite:
		return sqlstore.Open(ctx, sqlstore.DialectSQLite, cfg.Storage.DSN, sqlstore.WithLogger(logger))
	case config.StoragePostgres:
		return sqlstore.Open(ctx, sqlstore.DialectPostgres, cfg.Storage.DSN, sqlstore.WithLogger(logger))
	default:
		return filestore.New(cfg.Storage.BasePath,
			filestore.WithLogger(logger),
			filestore.WithSecureMode(cfg.Storage.SecureMode),
		)
	}
}

// buildSupervisor wires loop supervision when an executor command is
// configured. Without MASC_WALPH_COMMAND the loop endpoints answer 503.
func buildSupervisor(engine *room.Engine, roomPath string, logger *slog.Logger) *walph.Supervisor {
	command := os.Getenv("MASC_WALPH_COMMAND")
	if command == "" {
		return nil
	}
	fields := strings.Fields(command)
	executor := &walph.CommandExecutor{
		Command: fields[0],
		Args:    fields[1:],
		Timeout: 10 * time.Minute,
	}
	logger.Info("Loop supervision enabled", "command", fields[0])
	return walph.New(engine, executor, roomPath, walph.WithLogger(logger))
}

func runHTTP(ctx context.Context, cfg *config.Config, g *gate.Gate, fabric *stream.Fabric, supervisor *walph.Supervisor, logger *slog.Logger) {
	e := echo.New()
	api.NewServer(g, fabric, supervisor, logger).RegisterRoutes(e)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("HTTP server error", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
}

func runMCP(ctx context.Context, g *gate.Gate, fabric *stream.Fabric, supervisor *walph.Supervisor, logger *slog.Logger) {
	logger.Info("Serving MCP over stdio")
	s := mcpserver.New(g, fabric, supervisor, mcpserver.WithLogger(logger))
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("MCP server error", "error", err)
	}
}

// drain finishes in-flight loops and persists gate state before exit.
func drain(ctx context.Context, g *gate.Gate, supervisor *walph.Supervisor, backend storage.Backend, logger *slog.Logger) {
	if supervisor != nil {
		supervisor.SwarmStop()
		done := make(chan struct{})
		go func() {
			supervisor.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("Loops drained")
		case <-time.After(30 * time.Second):
			logger.Warn("Loop drain timeout exceeded")
		}
	}

	saveCtx, cancelSave := context.WithTimeout(ctx, 5*time.Second)
	defer cancelSave()
	if err := g.Limiter().Save(saveCtx, backend); err != nil {
		logger.Warn("Rate bucket persist failed", "error", err)
	}
	logger.Info("Shutdown complete")
}
