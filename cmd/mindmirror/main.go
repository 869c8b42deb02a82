package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/artemgetmann/mindmirror/internal/checkpoint"
	"github.com/artemgetmann/mindmirror/internal/config"
	"github.com/artemgetmann/mindmirror/internal/embedding"
	"github.com/artemgetmann/mindmirror/internal/engine"
	"github.com/artemgetmann/mindmirror/internal/gateway"
	"github.com/artemgetmann/mindmirror/internal/mcp"
	"github.com/artemgetmann/mindmirror/internal/search"
	"github.com/artemgetmann/mindmirror/internal/server"
	"github.com/artemgetmann/mindmirror/internal/storage"
	"github.com/artemgetmann/mindmirror/internal/telemetry"
	"github.com/artemgetmann/mindmirror/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("MINDMIRROR_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("mindmirror starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run embedded migrations unless disabled for external orchestration.
	if cfg.SkipEmbeddedMigrations {
		slog.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Verify the critical table exists. If the pgvector extension failed
	// to create, the migration fails silently on some managed Postgres
	// setups and the server would start with no schema.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'memories')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return fmt.Errorf("critical table 'memories' does not exist after migration — check that the pgvector extension can be created")
	}

	// Bootstrap: an empty credential store gets one default token so a
	// fresh deployment is immediately usable.
	if n, err := db.CountActiveTokens(ctx); err != nil {
		return fmt.Errorf("token bootstrap: %w", err)
	} else if n == 0 {
		t, err := db.IssueToken(ctx, "Default User")
		if err != nil {
			return fmt.Errorf("token bootstrap: %w", err)
		}
		logger.Info("default token created",
			"token", t.Value,
			"url", fmt.Sprintf("%s/sse?token=%s", cfg.PublicURL, t.Value),
		)
	}

	// Create embedding provider.
	embedder := newEmbeddingProvider(cfg, logger)

	// Optional Qdrant ANN index (disabled when QDRANT_URL is empty).
	var index search.Index
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// Create the memory engine.
	eng := engine.New(db, embedder, index, logger, engine.Options{
		Quota:              cfg.MemoryQuota,
		DuplicateThreshold: cfg.DuplicateThreshold,
		ConflictThreshold:  cfg.ConflictThreshold,
		PruneAge:           cfg.PruneAge,
		PruneAccessAge:     cfg.PruneAccessAge,
		UpgradeURL:         cfg.UpgradeURL,
	})

	if err := eng.WarmHashCache(ctx); err != nil {
		logger.Warn("hash cache warm failed (unique index still enforces dedup)", "error", err)
	}
	if index != nil {
		if n, err := eng.BackfillIndex(ctx); err != nil {
			logger.Warn("index backfill failed", "error", err)
		} else if n > 0 {
			logger.Info("index backfill complete", "points", n)
		}
	}

	// Checkpoint store shares the engine's per-user serialisation.
	checkpoints := checkpoint.New(db, eng, logger)

	// Create the MCP tool server.
	mcpSrv := mcp.New(db, eng, checkpoints, logger, version)

	// The gateway fronts either an external tool transport or an
	// in-process one bound to a loopback listener.
	upstreamURL := cfg.InternalMCPURL
	var internalSrv *http.Server
	if upstreamURL == "" {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("internal transport listen: %w", err)
		}
		upstreamURL = "http://" + ln.Addr().String()

		sse := mcpserver.NewSSEServer(mcpSrv.MCPServer(),
			mcpserver.WithSSEEndpoint("/sse"),
			mcpserver.WithMessageEndpoint("/messages/"),
		)
		internalSrv = &http.Server{Handler: sse}
		go func() {
			if err := internalSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("internal transport failed", "error", err)
			}
		}()
		logger.Info("internal tool transport listening", "addr", upstreamURL)
	} else {
		logger.Info("fronting external tool transport", "url", upstreamURL)
	}

	gw := gateway.New(upstreamURL, db, cfg.AllowedHosts, logger)

	srv := server.New(server.Config{
		DB:                 db,
		Gateway:            gw,
		Logger:             logger,
		Port:               cfg.Port,
		ReadTimeout:        cfg.ReadTimeout,
		Version:            version,
		MemoryQuota:        cfg.MemoryQuota,
		PublicURL:          cfg.PublicURL,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	// Start the pruning classification loop.
	go pruneLoop(ctx, eng, logger, cfg.PruneInterval)

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("mindmirror shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if internalSrv != nil {
		if err := internalSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("internal transport shutdown error", "error", err)
		}
	}

	slog.Info("mindmirror stopped")
	return nil
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if a key is present,
// else noop. Ollama is preferred: embeddings stay on-premises.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when MINDMIRROR_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic dedup and conflict detection disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return p
		}
		logger.Warn("no embedding provider available, using noop (semantic dedup and conflict detection disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// pruneLoop periodically runs the classification pass. Records are only
// marked; deleting archived records is an operator decision.
func pruneLoop(ctx context.Context, eng *engine.Engine, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, time.Minute)
			report, err := eng.Prune(opCtx)
			cancel()
			if err != nil {
				logger.Warn("prune pass failed", "error", err)
				continue
			}
			if report.Archived > 0 {
				logger.Info("prune pass complete",
					"total", report.Total,
					"archived", report.Archived,
					"kept", report.Kept,
				)
			}
		}
	}
}
