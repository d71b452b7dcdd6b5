// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pharmachain/internal/chaos"
	"pharmachain/internal/clients"
	"pharmachain/internal/config"
	"pharmachain/internal/telemetry"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("PHARMA_CONFIG"), "path to YAML config file")
		target      = flag.String("target", "", "custody service URL (defaults to gateway.custody_url)")
		concurrency = flag.Int("concurrency", 50, "competing callers per experiment")
		pause       = flag.Duration("pause", 30*time.Second, "wait between experiments")
		interval    = flag.Duration("sample-interval", time.Second, "steady state sampling interval")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger, err := telemetry.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		slog.Error("configure logging", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Telemetry.ServiceName = strings.TrimSuffix(cfg.Telemetry.ServiceName, "-custody") + "-chaos"
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("configure tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	url := *target
	if url == "" {
		url = cfg.Gateway.CustodyURL
	}
	opts := []clients.Option{clients.WithLogger(logger)}
	switch cfg.Auth.Mode {
	case config.AuthJWT:
		opts = append(opts, clients.WithCredentials(clients.TokenCredentials([]byte(cfg.Auth.JWTSecret), time.Minute)))
	case config.AuthAPIKey:
		logger.Error("chaos runner needs header or jwt auth to act as arbitrary identities")
		os.Exit(1)
	default:
		opts = append(opts, clients.WithCredentials(clients.HeaderCredentials(cfg.Auth.Header)))
	}
	client := clients.NewCustodyClient(url, opts...)

	engine := chaos.NewEngine(client,
		chaos.WithLogger(logger),
		chaos.WithConcurrency(*concurrency),
		chaos.WithPause(*pause),
		chaos.WithSampleInterval(*interval),
	)
	engine.RegisterExperiments()

	gameDay := chaos.GameDay{
		Name:      "Custody Ledger Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	}
	held, err := engine.ExecuteGameDay(ctx, gameDay)
	if err != nil {
		logger.Error("chaos game day failed", "error", err)
		os.Exit(1)
	}
	if !held {
		os.Exit(2)
	}
}
