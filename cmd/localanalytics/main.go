package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/localanalytics/localanalytics/pkg/bootstrap"
	"github.com/localanalytics/localanalytics/pkg/capture"
	"github.com/localanalytics/localanalytics/pkg/config"
	"github.com/localanalytics/localanalytics/pkg/metrics"
	"github.com/localanalytics/localanalytics/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults plus LOCALANALYTICS_* environment when empty)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// The process lifetime is tracked as one page of the service.
	env := capture.NewPageEnvironment("localanalytics/"+cfg.Service, "app://"+cfg.Service+"/", "")
	provider, err := bootstrap.Start(ctx, cfg, env, logger)
	if err != nil {
		slog.Error("failed to start local analytics", "error", err)
		os.Exit(1)
	}
	defer provider.Close()
	defer provider.Unload()
	defer provider.Sentry.Recover()

	metrics.RegisterHealthCheck("store", provider.HealthCheck)

	srv := server.New(server.Config{
		Addr:        cfg.Server.Addr,
		MaxBodySize: cfg.Server.MaxBodySize,
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
	}, provider.API, server.Facades{
		PostHog:   provider.PostHog,
		Sentry:    provider.Sentry,
		Clarity:   provider.Clarity,
		Plausible: provider.Plausible,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.Metrics.MetricsEnabled() {
		g.Go(func() error {
			return metrics.MetricsServer(gctx, cfg.Metrics.Addr)
		})
		slog.Info("metrics server started", "addr", cfg.Metrics.Addr)
	} else {
		slog.Info("metrics server disabled")
	}

	slog.Info("local analytics running",
		"addr", cfg.Server.Addr,
		"service", cfg.Service,
		"variant", cfg.Sentry.Variant,
		"console_only", provider.ConsoleOnly())

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		provider.Sentry.CaptureException(err, map[string]any{"component": "server"})
		provider.Unload()
		provider.Close()
		os.Exit(1)
	}
	slog.Info("local analytics shut down cleanly")
}
