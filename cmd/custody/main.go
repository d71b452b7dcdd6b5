// cmd/custody/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"pharmachain/internal/config"
	"pharmachain/internal/custody"
	"pharmachain/internal/eventstore"
	"pharmachain/internal/httpx"
	"pharmachain/internal/identity"
	"pharmachain/internal/storage"
	"pharmachain/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("PHARMA_CONFIG"), "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("custody service stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := telemetry.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	journal, closeJournal, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer closeJournal.Close()

	opts := []custody.Option{custody.WithLogger(logger)}
	if journal != nil {
		opts = append(opts, custody.WithJournal(journal))
	}
	ledger := custody.NewLedger(opts...)
	if replayer, ok := journal.(custody.Replayer); ok {
		if err := ledger.Restore(ctx, replayer); err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
	}

	resolver, err := newResolver(cfg.Auth)
	if err != nil {
		return err
	}

	metrics := httpx.NewMetrics("pharmachain")
	limiter := httpx.NewLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer, metrics.Middleware)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Handle("/metrics", metrics.Handler())
	router.Mount("/", custody.NewHandler(ledger).Routes(
		httpx.RateLimit(limiter),
		identity.Middleware(resolver, logger),
	))

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("custody service listening", "addr", cfg.HTTP.Addr, "journal", cfg.Journal.Backend, "auth", cfg.Auth.Mode)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openJournal returns the configured journal (nil for the memory backend) and
// a closer for its resources.
func openJournal(ctx context.Context, cfg config.JournalConfig) (custody.Journal, io.Closer, error) {
	switch cfg.Backend {
	case config.JournalPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		es := eventstore.NewEventStore(db)
		if err := es.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return eventstore.NewJournal(es), db, nil
	case config.JournalPebble:
		j, err := storage.Open(cfg.PebblePath)
		if err != nil {
			return nil, nil, err
		}
		return j, j, nil
	default:
		return nil, closerFunc(func() error { return nil }), nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newResolver(cfg config.AuthConfig) (identity.Resolver, error) {
	switch cfg.Mode {
	case config.AuthAPIKey:
		return identity.NewKeyResolver(cfg.Keys)
	case config.AuthJWT:
		return identity.NewTokenResolver([]byte(cfg.JWTSecret))
	default:
		return identity.HeaderResolver{Header: cfg.Header}, nil
	}
}
