// Command jobmanager runs the Job Manager: it admits tune submissions,
// schedules worker agents and merges their results. A status server with
// the MCP operator tools listens on TUNELAB_STATUS_PORT.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/vlhc/tunelab/internal/bus"
	"github.com/vlhc/tunelab/internal/config"
	"github.com/vlhc/tunelab/internal/interpolation"
	"github.com/vlhc/tunelab/internal/jobmanager"
	"github.com/vlhc/tunelab/internal/kv"
	"github.com/vlhc/tunelab/internal/lab"
	"github.com/vlhc/tunelab/internal/mcp"
	"github.com/vlhc/tunelab/internal/ratelimit"
	"github.com/vlhc/tunelab/internal/reference"
	"github.com/vlhc/tunelab/internal/registry"
	"github.com/vlhc/tunelab/internal/scheduler"
	"github.com/vlhc/tunelab/internal/server"
	"github.com/vlhc/tunelab/internal/storage"
	"github.com/vlhc/tunelab/internal/storage/memstore"
	"github.com/vlhc/tunelab/internal/telemetry"
	"github.com/vlhc/tunelab/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
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

// stores are the persistence backends: Postgres when DATABASE_URL is set,
// otherwise process memory.
type stores struct {
	jobs   jobmanager.Store
	agents registry.Store
	notify jobmanager.Notifier
	db     *storage.DB
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("storage: no DATABASE_URL, jobs and agents are kept in memory")
		m := memstore.New()
		return stores{jobs: m, agents: m, notify: m}, nil
	}
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return stores{}, err
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return stores{}, fmt.Errorf("migrations: %w", err)
	}
	db.RegisterPoolMetrics()
	return stores{jobs: db, agents: db, notify: db, db: db}, nil
}

// openBus returns the bus transport and key-value store. Both share one
// Redis client unless TUNELAB_BUS=memory.
func openBus(ctx context.Context, cfg config.Config, logger *slog.Logger) (*bus.Bus, kv.Store, *kv.Redis, error) {
	if cfg.Bus == config.BusMemory {
		logger.Warn("bus: in-memory transport, agents must run in this process")
		return bus.New(bus.NewMemory(), logger), kv.NewMemory(), nil, nil
	}
	rdb, err := kv.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	return bus.New(bus.NewRedis(rdb.Client(), "tunelab"), logger), rdb, rdb, nil
}

func submitLimiter(cfg config.Config, rdb *kv.Redis) ratelimit.Limiter {
	switch {
	case cfg.SubmitRate <= 0 || cfg.SubmitBurst <= 0:
		return ratelimit.NoopLimiter{}
	case rdb != nil:
		window := time.Duration(float64(cfg.SubmitBurst) / cfg.SubmitRate * float64(time.Second))
		return ratelimit.NewRedisLimiter(rdb.Client(), "tunelab:ratelimit", cfg.SubmitBurst, window)
	default:
		return ratelimit.NewMemoryLimiter(cfg.SubmitRate, cfg.SubmitBurst)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("jobmanager starting", "version", version, "bus", cfg.Bus, "status_port", cfg.StatusPort)

	b, store, rdb, err := openBus(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer func() { _ = store.Close() }()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint: cfg.OTELEndpoint,
		Insecure: cfg.OTELInsecure,
		Service:  cfg.ServiceName + "-jobmanager",
		Version:  version,
		Instance: b.ID(),
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if st.db != nil {
		defer st.db.Close(context.Background())
	}

	catalog := lab.NewCatalog(cfg.LabsDir, logger)
	if err := catalog.Load(); err != nil {
		return fmt.Errorf("labs: %w", err)
	}
	refs := reference.NewSet(cfg.ReferenceDir, logger)
	locker := kv.NewLocker(store, 0, 0)

	reg := registry.New(st.agents, registry.Config{FailLimit: cfg.FailLimit, FailDelay: cfg.FailDelay}, logger)
	sched := scheduler.New(reg, logger)

	interp, err := interpolation.Dial(ctx, b, cfg.InterpolateTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = interp.Close() }()

	limiter := submitLimiter(cfg, rdb)
	defer func() { _ = limiter.Close() }()

	mgr := jobmanager.New(jobmanager.Config{
		Version:            version,
		SchedulerTick:      cfg.SchedulerTick,
		RPCTimeout:         cfg.RPCTimeout,
		InterpolateTimeout: cfg.InterpolateTimeout,
		NegotiationWait:    cfg.NegotiationWait,
		KeepaliveInterval:  cfg.KeepaliveInterval,
		MaxReschedules:     cfg.MaxReschedules,
		Chi2Uncertainty:    cfg.Chi2Uncertainty,
		DefaultGroup:       cfg.DefaultGroup,
	}, jobmanager.Deps{
		Store:        st.jobs,
		Labs:         catalog,
		References:   refs,
		Registry:     reg,
		Scheduler:    sched,
		KV:           store,
		Locker:       locker,
		Bus:          b,
		Interpolator: interp,
		Notifier:     st.notify,
		Limiter:      limiter,
		Logger:       logger,
	})

	statusLimiter := ratelimit.NewMemoryLimiter(20, 40)
	defer func() { _ = statusLimiter.Close() }()
	srv := server.New(server.Config{
		Monitor:      mgr,
		Logger:       logger,
		MCPServer:    mcp.New(mgr, logger, version).MCPServer(),
		Limiter:      statusLimiter,
		Port:         cfg.StatusPort,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	kernel, err := interpolation.ParseKernel(cfg.RBFKernel)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return catalog.Watch(gctx) })
	g.Go(func() error { return refs.Watch(gctx) })
	if cfg.Bus == config.BusMemory {
		// Nothing else can reach an in-memory bus, so the interpolation
		// service runs here.
		index := interpolation.NewIndex(store, locker, logger)
		svc := interpolation.New(catalog, index, nil, interpolation.Config{
			MinSamples:    cfg.MinSamples,
			MaxIterations: cfg.MaxIterations,
			Cells:         cfg.NeighborhoodCells,
			Kernel:        kernel,
		}, logger)
		g.Go(func() error { return interpolation.NewServer(svc, b, logger).Run(gctx) })
	}
	if st.db != nil && st.db.HasNotifyConn() {
		g.Go(func() error { return watchCompletions(gctx, st.db, logger) })
	}
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("jobmanager shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("jobmanager stopped")
	return nil
}

// watchCompletions logs job completions announced by any manager sharing
// the database.
func watchCompletions(ctx context.Context, db *storage.DB, logger *slog.Logger) error {
	if err := db.Listen(ctx, storage.ChannelJobCompleted); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for {
		_, payload, err := db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("storage: notification wait failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		logger.Info("job completed", "notification", payload)
	}
}
