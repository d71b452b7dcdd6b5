// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pharmachain/internal/config"
	"pharmachain/internal/httpx"
	"pharmachain/internal/identity"
	"pharmachain/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("PHARMA_CONFIG"), "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("api gateway stopped", "error", err)
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

	router, err := newRouter(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: cfg.Gateway.Addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("API gateway listening", "addr", cfg.Gateway.Addr, "custody", cfg.Gateway.CustodyURL,
			"trust_identity_header", cfg.Gateway.TrustIdentityHeader)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newRouter proxies /api/v1/custody/ to the custody service.
func newRouter(cfg config.Config, logger *slog.Logger) (http.Handler, error) {
	custodyURL, err := url.Parse(cfg.Gateway.CustodyURL)
	if err != nil {
		return nil, fmt.Errorf("custody_url: %w", err)
	}
	custodyProxy := httputil.NewSingleHostReverseProxy(custodyURL)
	// Server-sent events must reach the client as they are written.
	custodyProxy.FlushInterval = -1
	custodyProxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("custody upstream failed", "path", r.URL.Path, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"custody service unavailable"}`))
	}

	metrics := httpx.NewMetrics("pharmachain_gateway")
	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, metrics.Middleware)
	if !cfg.Gateway.TrustIdentityHeader {
		router.Use(stripHeader(identityHeader(cfg.Auth)))
	}
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", metrics.Handler())
	router.Handle("/api/v1/custody/*", http.StripPrefix("/api/v1/custody", custodyProxy))
	return router, nil
}

func identityHeader(cfg config.AuthConfig) string {
	if cfg.Header != "" {
		return cfg.Header
	}
	return identity.DefaultHeader
}

// stripHeader removes a client-supplied header so it cannot reach the upstream.
func stripHeader(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Del(name)
			next.ServeHTTP(w, r)
		})
	}
}
