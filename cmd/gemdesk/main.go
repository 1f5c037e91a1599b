// Command gemdesk runs the storefront assistant: the chat API, the ingest
// worker and, optionally, an MCP-over-QUIC listener exposing the retrieval
// tools to external agents.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/gemdesk/gemdesk/assist"
	"github.com/gemdesk/gemdesk/assist/ingest"
	"github.com/gemdesk/gemdesk/dbopen"
	"github.com/gemdesk/gemdesk/embedder"
	"github.com/gemdesk/gemdesk/jobs"
	"github.com/gemdesk/gemdesk/llmbridge"
	"github.com/gemdesk/gemdesk/mcpquic"
	"github.com/gemdesk/gemdesk/observability"
	"github.com/gemdesk/gemdesk/shield"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfig(*configPath)
		if err != nil {
			slog.Error("config load failed", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	applyEnv(cfg)

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := shield.Init(db); err != nil {
		return err
	}
	if err := observability.Init(db); err != nil {
		return err
	}

	cfg.Embedder.Logger = logger
	cfg.LLM.Logger = logger
	cfg.Assist.Logger = logger
	cfg.Ingest.Logger = logger

	emb := embedder.New(cfg.Embedder)
	llm := llmbridge.New(cfg.LLM)

	svc, err := assist.Open(db, emb, llm, cfg.ExchangeRates, cfg.Assist)
	if err != nil {
		return err
	}

	queue, err := jobs.NewQueue(db)
	if err != nil {
		return err
	}
	ingestSvc, err := ingest.New(db, emb, cfg.Ingest)
	if err != nil {
		return err
	}
	ingest.NewWorker(ingestSvc, queue, 5*time.Second).Start(ctx)

	metrics := observability.NewMetricsManager(db, 100, 5*time.Second)
	defer metrics.Close()
	observability.NewHeartbeatWriter(db, "chat-server", 15*time.Second).Start(ctx)

	mw, rl := shield.APIStack(db)
	rl.StartReloader(ctx.Done())

	r := chi.NewRouter()
	for _, m := range mw {
		r.Use(m)
	}
	h := &handlers{svc: svc, queue: queue, metrics: metrics, db: db}
	h.routes(r)

	if cfg.MCP.Enabled {
		ql, err := startMCP(cfg.MCP, svc, logger)
		if err != nil {
			return err
		}
		defer ql.Close()
		go func() {
			if err := ql.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mcp listener stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gemdesk listening", "addr", cfg.Listen, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func startMCP(cfg MCPConfig, svc *assist.Service, logger *slog.Logger) (*mcpquic.Listener, error) {
	var tlsCfg *tls.Config
	var err error
	if cfg.CertFile != "" {
		tlsCfg, err = mcpquic.ServerTLSConfig(cfg.CertFile, cfg.KeyFile)
	} else {
		logger.Warn("mcp: no certificate configured, using self-signed")
		tlsCfg, err = mcpquic.SelfSignedTLSConfig()
	}
	if err != nil {
		return nil, err
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "gemdesk", Version: version}, nil)
	svc.RegisterMCP(mcpSrv)
	return mcpquic.NewListener(cfg.Listen, tlsCfg, mcpSrv, logger)
}

// applyEnv overlays deployment secrets and overrides that should not live
// in the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GEMDESK_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("GEMDESK_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GEMDESK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if cfg.Embedder.APIKey == "" {
			cfg.Embedder.APIKey = v
		}
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = v
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
