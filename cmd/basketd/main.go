// basketd - Shopping basket reconciliation daemon.
// Serves the basket over REST and MCP, backed by local storage plus an
// optional hosted document backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"basket-core/internal/auth"
	"basket-core/internal/basket"
	"basket-core/internal/config"
	"basket-core/internal/handler"
	"basket-core/internal/localstore"
	"basket-core/internal/middleware"
	"basket-core/internal/reconcile"
	"basket-core/internal/remotestore"
	"basket-core/internal/viewsync"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	ctx := context.Background()
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Initialize structured logger
	logger := initLogger(cfg)

	logger.Info("configuration loaded",
		slog.String("store_id", cfg.StoreID),
		slog.String("environment", cfg.Environment),
		slog.Bool("hosted_backend", cfg.Backend.BaseURL != ""),
	)

	// Local basket storage
	kv := localstore.NewMemoryKV()
	if cfg.Basket.LocalQuotaBytes > 0 {
		kv.SetQuota(cfg.Basket.LocalQuotaBytes)
	}
	local := localstore.New(kv, logger)

	// Remote basket storage: hosted document API when configured,
	// in-process store otherwise (development mode)
	remote := remotestore.New(createDocumentStore(cfg), logger)

	// Session tracking with manual sign-in via the REST surface
	provider := auth.NewManualProvider()
	session := auth.NewSession(provider, logger)
	defer session.Close()

	// Reconciler keeps local and remote stores converged
	retryMin, retryMax := cfg.RetryBounds()
	rec := reconcile.New(session, local, remote, logger, reconcile.Config{
		OperationTimeout: cfg.OperationTimeout(),
		RetryMin:         retryMin,
		RetryMax:         retryMax,
	})
	defer rec.Close()

	bkt := basket.New(rec)

	// View syncer coalesces basket churn into rendered summaries
	syncer := viewsync.New(bkt, slogRenderer{logger}, logger, viewsync.Config{
		Tick: cfg.ViewTick(),
	})
	defer syncer.Close()

	// Create handler and setup routes
	h := handler.New(bkt, provider, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	// Apply middleware chain: recovery → logging → degraded marker
	// Recovery must be outermost to catch panics from logging middleware
	httpHandler := middleware.Chain(
		middleware.Recovery(logger),
		middleware.Logging(logger),
		middleware.Degraded(func() bool { return bkt.Snapshot().Degraded }),
	)(mux)

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Channel for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Channel for server errors
	serverErr := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			slog.String("port", cfg.Port),
			slog.String("addr", server.Addr),
		)
		serverErr <- server.ListenAndServe()
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErr:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		// Give outstanding requests time to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			// Force close if graceful shutdown fails
			server.Close()
			return fmt.Errorf("shutdown error: %w", err)
		}
	}

	logger.Info("server stopped")
	return nil
}

// createDocumentStore selects the remote backing store. An empty backend
// URL means no hosted backend is configured and baskets live in process.
func createDocumentStore(cfg *config.Config) remotestore.DocumentStore {
	if cfg.Backend.BaseURL == "" {
		return remotestore.NewMemoryDocumentStore()
	}
	return remotestore.NewClient(remotestore.ClientConfig{
		BaseURL:    cfg.Backend.BaseURL,
		APIKey:     cfg.Backend.APIKey,
		Timeout:    cfg.OperationTimeout(),
		BrowserTLS: cfg.Backend.BrowserTLS,
	})
}

// initLogger creates a structured logger configured for the environment.
// Production uses JSON format for GCP Cloud Logging compatibility.
// Development uses text format for readability.
func initLogger(cfg *config.Config) *slog.Logger {
	level := cfg.SlogLevel()
	opts := &slog.HandlerOptions{
		Level: level,
		// Add source location in debug mode
		AddSource: level == slog.LevelDebug,
	}

	// JSON for production (Cloud Logging compatible), text for development
	if cfg.Environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// slogRenderer logs view updates. Stands in for a page renderer when
// basketd runs headless.
type slogRenderer struct {
	logger *slog.Logger
}

func (r slogRenderer) Render(v viewsync.View) {
	r.logger.Debug("basket view",
		slog.Int("item_count", v.ItemCount),
		slog.String("total", v.Total),
		slog.Bool("signed_in", v.SignedIn),
		slog.Bool("degraded", v.Degraded),
	)
}
