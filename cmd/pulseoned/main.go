// Command pulseoned is the PulseOne collector process entrypoint: parse
// flags, load configuration, wire the Runtime, run until signalled, shut
// down cleanly. Grounded on the general cmd/ entrypoint shape used across
// the retrieval pack (flag parse -> construct -> run -> signal-wait); the
// teacher itself ships as a library, not a daemon, so no single file there
// is the direct analogue.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pulseone/collector/config"
	"github.com/pulseone/collector/internal/telemetry/logging"
	"github.com/pulseone/collector/internal/telemetry/metrics"
	"github.com/pulseone/collector/internal/telemetry/tracing"
	"github.com/pulseone/collector/runtime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pulseoned:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "config.yaml", "path to the collector's YAML configuration")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		hotReload   = flag.Bool("hot-reload", false, "watch -config for changes and start workers for newly added enabled devices (running devices, alarm rules and virtual points are not reloaded)")
		metricsKind = flag.String("metrics", "prometheus", "metrics backend: prometheus, otel, noop")
		tracingKind = flag.String("tracing", "off", "span tracer: otel, simple, off")
	)
	flag.Parse()

	logger, err := logging.New(*logLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	provider, err := buildMetricsProvider(*metricsKind)
	if err != nil {
		return fmt.Errorf("build metrics provider: %w", err)
	}

	var db *sqlx.DB
	if cfg.Historian.DSN != "" {
		db, err = sqlx.Connect("postgres", cfg.Historian.DSN)
		if err != nil {
			return fmt.Errorf("connect historian database: %w", err)
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.Cache.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		defer redisClient.Close()
	}

	rt, err := runtime.New(runtime.Options{
		Config:          cfg,
		Logger:          logger,
		MetricsProvider: provider,
		Tracer:          buildTracer(*tracingKind),
		DB:              db,
		Redis:           redisClient,
	})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	logger.Info("pulseoned started", zap.Int("devices", len(rt.DeviceIDs())))

	if *hotReload {
		watcher, err := config.NewWatcher(*configPath, func(next *config.Config) {
			reconcile(ctx, rt, logger, next)
		})
		if err != nil {
			logger.Warn("hot-reload watcher not started", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	<-ctx.Done()
	logger.Info("pulseoned shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop runtime: %w", err)
	}
	return nil
}

// reconcile starts workers for any newly-enabled device in next; it does
// not stop or restart already-running workers, matching spec §6's
// "reload" verb shape without redefining in-flight device ownership.
func reconcile(ctx context.Context, rt *runtime.Runtime, logger *logging.Logger, next *config.Config) {
	for _, dev := range next.ToDevices() {
		if !dev.Enabled {
			continue
		}
		if err := rt.AddDevice(ctx, dev); err != nil {
			logger.ForDevice(dev.ID).Debug("reload: device already running or failed to start")
		}
	}
}

func buildMetricsProvider(kind string) (metrics.Provider, error) {
	switch kind {
	case "prometheus":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{}), nil
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "pulseoned"}), nil
	case "noop":
		return metrics.NewNoopProvider(), nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", kind)
	}
}

// buildTracer returns the span tracer wrapping each poll's driver read and
// each alarm rule evaluation (see worker.Worker.pollOnce and
// rules/alarm.Engine.evaluate). "otel" delegates to the process-global
// OpenTelemetry TracerProvider, which nothing in this command (including
// the otel metrics backend) installs; "simple" uses the
// package's own hand-rolled span, useful without a collector running;
// "off" (the default) disables tracing entirely.
func buildTracer(kind string) tracing.Tracer {
	switch kind {
	case "otel":
		return tracing.NewOTelTracer("pulseoned")
	case "simple":
		return tracing.NewTracer(true)
	default:
		return tracing.NewTracer(false)
	}
}
