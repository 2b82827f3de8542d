package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/jobintel/internal/api"
	"github.com/kalambet/jobintel/internal/config"
	"github.com/kalambet/jobintel/internal/enrich"
	"github.com/kalambet/jobintel/internal/llm"
	"github.com/kalambet/jobintel/internal/lock"
	"github.com/kalambet/jobintel/internal/storage"
	"github.com/kalambet/jobintel/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background enrichment worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the job_intel tool over MCP stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

// app holds the components shared by serve, mcp and enrich.
type app struct {
	cfg          config.Config
	store        storage.Repository
	invoker      *enrich.Invoker
	orchestrator *enrich.Orchestrator
	logger       *slog.Logger
	closers      []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp opens storage and builds the enrichment stack. progress receives
// model download output when a local model has to be pulled.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, progress io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.Storage.Driver,
		DataDir:     cfg.Storage.DataDir,
		DatabaseURL: cfg.Storage.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	})

	completer, err := llm.New(llm.Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		BaseURL:       cfg.LLM.BaseURL,
		OpenAIKey:     cfg.LLM.OpenAIAPIKey,
		OpenRouterKey: cfg.LLM.OpenRouterAPIKey,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building llm client: %w", err)
	}
	if o, ok := completer.(*llm.Ollama); ok {
		if err := o.EnsureReady(ctx, progress); err != nil {
			a.Close()
			return nil, err
		}
	}

	completer = llm.WithRateLimit(completer, cfg.LLM.RateLimit)

	locker, err := a.newLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.invoker = enrich.NewInvoker(store, completer, cfg.Enrichment.Timeout).WithLogger(logger)
	a.orchestrator = enrich.NewOrchestrator(store, a.invoker, locker, enrich.Options{
		PersistRefresh: cfg.Enrichment.PersistRefresh,
		LockTimeout:    cfg.Enrichment.Timeout + 30*time.Second,
	}).WithLogger(logger)

	logger.Info("enrichment ready",
		"storage", cfg.Storage.Driver,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"lock", cfg.Lock.Backend,
	)
	return a, nil
}

func (a *app) newLocker(ctx context.Context) (lock.Locker, error) {
	switch a.cfg.Lock.Backend {
	case "redis":
		rdb, err := lock.NewRedisClient(ctx, a.cfg.Lock.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.closers = append(a.closers, func() { rdb.Close() })
		return lock.NewRedis(rdb, a.cfg.Lock.TTL), nil
	case "postgres":
		pg, ok := a.store.(*storage.PostgresStore)
		if !ok {
			return nil, errors.New("postgres lock backend requires the postgres storage driver")
		}
		return lock.NewPostgres(pg.Pool()), nil
	default:
		return lock.NewLocal(), nil
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "jobintel version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	w := worker.NewWorker(a.store, a.orchestrator, cfg.Worker.PollInterval).WithLogger(logger)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(ctx)
	}()

	if cfg.Worker.SweepEnabled() {
		sweeper := worker.NewSweeper(a.store, cfg.Worker.SweepSchedule, cfg.Worker.StaleAfter, cfg.Worker.Retention).WithLogger(logger)
		if err := sweeper.Start(ctx); err != nil {
			stop()
			<-workerDone
			return err
		}
		defer sweeper.Stop()
	}

	if cfg.Server.AdminToken == "" {
		logger.Info("admin routes disabled: JOBINTEL_ADMIN_TOKEN is not set")
	}
	handler := api.NewHandler(api.Deps{
		Store:       a.store,
		Enricher:    a.orchestrator,
		AdminToken:  cfg.Server.AdminToken,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Logger:      logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := newHTTPServer(addr, handler)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("jobintel listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}
	// The worker must be idle before storage closes.
	stop()
	<-workerDone

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	// In-flight detail requests may be waiting on a model call.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Enrichment.Timeout+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newHTTPServer builds the API server. Request contexts are not tied to the
// signal context, so Shutdown can drain requests that are still running.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Stdout carries the protocol.
	logger := setupLogging(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := api.NewMCPServer(api.Deps{
		Store:    a.store,
		Enricher: a.orchestrator,
		Logger:   logger,
	}, version)

	logger.Info("MCP server started (stdio transport)")
	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp stdio server: %w", err)
	}
	return nil
}
