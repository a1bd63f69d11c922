// Command interpolator runs the Interpolation Service: it stores completed
// tune results by neighborhood and answers estimates for new tunes over the
// bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/vlhc/tunelab/internal/bus"
	"github.com/vlhc/tunelab/internal/config"
	"github.com/vlhc/tunelab/internal/interpolation"
	"github.com/vlhc/tunelab/internal/kv"
	"github.com/vlhc/tunelab/internal/lab"
	"github.com/vlhc/tunelab/internal/telemetry"
)

var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("TUNELAB_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Bus != config.BusRedis {
		return errors.New("interpolator needs TUNELAB_BUS=redis; the in-memory bus is served by the jobmanager process")
	}
	kernel, err := interpolation.ParseKernel(cfg.RBFKernel)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	rdb, err := kv.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	b := bus.New(bus.NewRedis(rdb.Client(), "tunelab"), logger)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint: cfg.OTELEndpoint,
		Insecure: cfg.OTELInsecure,
		Service:  cfg.ServiceName + "-interpolator",
		Version:  version,
		Instance: b.ID(),
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	catalog := lab.NewCatalog(cfg.LabsDir, logger)
	if err := catalog.Load(); err != nil {
		return fmt.Errorf("labs: %w", err)
	}

	var mirror interpolation.Mirror
	if cfg.QdrantURL != "" {
		q, err := interpolation.NewQdrantMirror(interpolation.QdrantConfig{
			URL:    cfg.QdrantURL,
			APIKey: cfg.QdrantAPIKey,
			Prefix: "tunelab_",
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = q.Close() }()
		mirror = q
		logger.Info("qdrant: enabled")
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	index := interpolation.NewIndex(rdb, kv.NewLocker(rdb, 0, 0), logger)
	svc := interpolation.New(catalog, index, mirror, interpolation.Config{
		MinSamples:    cfg.MinSamples,
		MaxIterations: cfg.MaxIterations,
		Cells:         cfg.NeighborhoodCells,
		Kernel:        kernel,
	}, logger)

	logger.Info("interpolator starting", "version", version, "kernel", kernel)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return catalog.Watch(gctx) })
	g.Go(func() error { return interpolation.NewServer(svc, b, logger).Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("interpolator stopped")
	return nil
}
