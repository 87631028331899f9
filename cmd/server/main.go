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

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/FaizalBasha-123/testpilot-sub001/internal/ai"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/archive"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/config"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/handler"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/metrics"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/orchestrator"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/registry"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/scanner"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Local overrides first, then the shared file; both are optional.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	clock := clockwork.NewRealClock()

	jobStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New(registry.Config{
		HealthPath:   cfg.HealthPath,
		ProbePeriod:  cfg.ProbePeriod,
		ProbeTimeout: cfg.ProbeTimeout,
		Clock:        clock,
	})
	reg.Register("ai-core", cfg.AICoreURL)
	reg.Register("scan-worker", cfg.ScanWorkerURL)
	reg.Register("vector-index", cfg.VectorIndexURL)
	go reg.Run(ctx)

	// The request timeout must cover a full workspace upload; polls are
	// cheap by comparison.
	engine := scanner.NewHTTPEngine(cfg.ScanWorkerURL, cfg.ScanTimeout)
	scanAdapter := scanner.NewAdapter(engine, scanner.AdapterConfig{
		PollInterval: cfg.ScanPollInterval,
		Timeout:      cfg.ScanTimeout,
	}, clock, m, slog.Default())

	reviewer := ai.NewHTTPReviewer(cfg.AICoreURL, cfg.StageTimeout)

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		StageTimeout:      cfg.StageTimeout,
		RetryMaxAttempts:  cfg.RetryMaxAttempts,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		Archive: archive.Options{
			MaxArchiveBytes:  cfg.MaxArchiveBytes,
			MaxUnpackedBytes: cfg.MaxUnpackedBytes,
			MaxEntries:       cfg.MaxArchiveEntries,
			ScratchDir:       cfg.ScratchDir,
		},
	}, jobStore, reg, scanAdapter, reviewer, clock, m, slog.Default())
	orch.Start(ctx)

	go sweepLoop(ctx, clock, jobStore, cfg.SweepInterval, cfg.JobRetention)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewAppValidator()
	e.HTTPErrorHandler = handler.HTTPErrorHandler
	e.Use(echomw.RequestID())
	e.Use(handler.RequestLogger())
	e.Use(echomw.Recover())

	e.GET("/health", handler.Health)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	api := e.Group("/api/v1", handler.BearerAuth(cfg.JWTSecret))
	handler.NewJobHandler(orch, reg, cfg.MaxArchiveBytes).Register(api)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      e,
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	orch.Wait()
	slog.Info("server stopped gracefully")
	return nil
}

// openStore picks the job store: postgres when DATABASE_URL is set,
// otherwise the in-memory store.
func openStore(ctx context.Context, cfg config.Config) (store.JobStore, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Info("using in-memory job store")
		return store.NewMemory(), func() {}, nil
	}

	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pg := store.NewPostgres(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}

	// Jobs left mid-flight by the previous process cannot resume; fail
	// them so their fingerprints accept new submissions.
	interrupted, err := pg.FailInterrupted(ctx)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if interrupted > 0 {
		slog.Warn("failed jobs interrupted by previous shutdown", "count", interrupted)
	}

	slog.Info("database connected")
	return pg, func() { db.Close() }, nil
}

// sweepLoop evicts terminal jobs past the retention window.
func sweepLoop(ctx context.Context, clock clockwork.Clock, st store.JobStore, interval, retention time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			removed, err := st.Sweep(ctx, clock.Now().Add(-retention))
			if err != nil {
				slog.Error("sweep jobs", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("swept expired jobs", "removed", removed)
			}
		}
	}
}
