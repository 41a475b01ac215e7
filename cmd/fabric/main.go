// Command fabric launches the pipeline activation runtime: producers feed the
// signal bus, the dispatcher matches signals against the pipeline index, and
// the executor pool drives claimed pipelines through their run leases.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/tidemill/signalmesh/internal/app/dispatch"
	"github.com/tidemill/signalmesh/internal/app/executor"
	"github.com/tidemill/signalmesh/internal/app/index"
	"github.com/tidemill/signalmesh/internal/app/producer"
	"github.com/tidemill/signalmesh/internal/app/registry"
	"github.com/tidemill/signalmesh/internal/app/schedule"
	"github.com/tidemill/signalmesh/internal/domain/pipelinestore"
	"github.com/tidemill/signalmesh/internal/domain/runstore"
	"github.com/tidemill/signalmesh/internal/infra/bus/signalbus"
	"github.com/tidemill/signalmesh/internal/infra/config"
	"github.com/tidemill/signalmesh/internal/infra/persistence/memory"
	"github.com/tidemill/signalmesh/internal/infra/persistence/migrations"
	"github.com/tidemill/signalmesh/internal/infra/persistence/postgres"
	httpserver "github.com/tidemill/signalmesh/internal/infra/server/http"
	"github.com/tidemill/signalmesh/internal/infra/telemetry"
)

const (
	fabricLoggerPrefix       = "fabric "
	migrationsPath           = "db/migrations"
	shutdownTimeout          = 30 * time.Second
	opsServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	executorShutdownTimeout  = 15 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	opsReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "Path to application configuration file (default: $SIGNALMESH_CONFIG or built-in defaults)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, fabricLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, registry=%s", cfg.Environment, cfg.Registry.Backend)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	runStore, pipelineReader, pool, err := buildStores(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialise stores: %v", err)
	}

	bus := signalbus.NewMemoryBus(signalbus.Config{
		Partitions:           cfg.Bus.Partitions,
		RetainedPerPartition: cfg.Bus.RetainedPerPartition,
	})

	idx := index.NewIndex()
	refresher := index.NewRefresher(idx, pipelineReader, index.RefresherConfig{
		Interval: cfg.Index.RefreshInterval.Std(),
		PageSize: cfg.Index.PageSize,
	})
	if err := refresher.RefreshOnce(ctx); err != nil {
		logger.Printf("initial index refresh failed: %v", err)
	} else {
		logger.Printf("pipeline index primed: size=%d", idx.Load().Size())
	}

	queue, err := executor.NewQueue(runStore, executor.NoopRunner{}, nil, executor.Config{
		Workers:                cfg.Executor.Workers,
		QueueDepth:             cfg.Executor.QueueDepth,
		ExecuteTimeout:         cfg.Executor.ExecuteTimeout.Std(),
		DefaultMonitorInterval: cfg.Executor.DefaultMonitorInterval.Std(),
	})
	if err != nil {
		logger.Fatalf("initialise executor queue: %v", err)
	}

	dispatcher := dispatch.NewDispatcher(bus, idx, runStore, queue, dispatch.Config{
		Group:              cfg.Dispatcher.Group,
		BatchSize:          cfg.Dispatcher.BatchSize,
		BatchTimeout:       cfg.Dispatcher.BatchTimeout.Std(),
		SlowBatchThreshold: cfg.Dispatcher.SlowBatchThreshold.Std(),
	})
	scheduler := schedule.NewScheduler(idx, runStore, queue, schedule.SchedulerConfig{
		Interval: cfg.Scheduler.ScheduleInterval.Std(),
	})
	monitor := schedule.NewMonitorDispatcher(runStore, queue, schedule.MonitorConfig{
		Interval: cfg.Scheduler.MonitorTickInterval.Std(),
	})
	sweeper := registry.NewSweeper(runStore, registry.SweeperConfig{
		LeaseTimeout: cfg.Registry.LeaseTimeout.Std(),
	})

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { refresher.Run(ctx) })
	lifecycle.Go(func() {
		if err := dispatcher.Run(ctx); err != nil {
			logger.Printf("dispatcher stopped: %v", err)
		}
	})
	lifecycle.Go(func() { scheduler.Run(ctx) })
	lifecycle.Go(func() { monitor.Run(ctx) })
	lifecycle.Go(func() { sweeper.Run(ctx) })

	startProducers(ctx, &lifecycle, logger, cfg, bus)

	opsServer := buildOpsServer(cfg, telemetryProvider, idx)
	lifecycle.Go(func() {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("ops server: %v", err)
		}
	})
	logger.Printf("ops server listening on %s", opsServer.Addr)

	logger.Print("fabric started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     opsServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		queue:      queue,
		bus:        bus,
		pool:       pool,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	if cfg.Telemetry.EnableMetrics {
		telemetryCfg.EnableMetrics = true
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// buildStores selects the registry backend. The memory backend serves
// single-process deployments and tests; postgres is the shared authority for
// multi-replica deployments.
func buildStores(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (runstore.Store, pipelinestore.Reader, *pgxpool.Pool, error) {
	switch cfg.Registry.Backend {
	case "postgres":
		if cfg.Database.RunMigrations {
			if err := migrations.Apply(ctx, cfg.Database.DSN, migrationsPath, logger); err != nil {
				return nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pool, err := postgres.Connect(ctx, postgres.PoolConfig{
			DSN:               cfg.Database.DSN,
			MaxConns:          cfg.Database.MaxConns,
			MinConns:          cfg.Database.MinConns,
			MaxConnLifetime:   cfg.Database.MaxConnLifetime.Std(),
			MaxConnIdleTime:   cfg.Database.MaxConnIdleTime.Std(),
			HealthCheckPeriod: cfg.Database.HealthCheckPeriod.Std(),
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect database: %w", err)
		}
		postgres.ObservePoolMetrics(pool, "primary")
		logger.Printf("registry backed by postgres")
		return postgres.NewRunStore(pool, cfg.Registry.MaxFailCount), postgres.NewPipelineStore(pool), pool, nil
	default:
		logger.Printf("registry backed by memory store")
		return memory.NewRunStore(cfg.Registry.MaxFailCount), memory.NewPipelineStore(), nil, nil
	}
}

// startProducers launches the producer engine. Outside dev the fabric runs
// without built-in producers; external scanners publish to the bus directly.
func startProducers(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, cfg config.AppConfig, bus signalbus.Bus) {
	engine := producer.NewEngine(bus, producer.Config{
		PublishTimeout:   cfg.Producers.PublishTimeout.Std(),
		ScanTimeout:      cfg.Producers.ScanTimeout.Std(),
		MinGap:           cfg.Producers.MinGap.Std(),
		DedupeWindow:     cfg.Producers.DedupeWindow.Std(),
		DedupeCapacity:   cfg.Producers.DedupeCapacity,
		BucketResolution: cfg.Producers.BucketResolution.Std(),
		PublishRate:      cfg.Producers.PublishRate,
		PublishBurst:     cfg.Producers.PublishBurst,
	})

	if cfg.Environment != config.EnvDev {
		logger.Print("no built-in producers outside dev")
		return
	}

	mock := producer.NewMock([]string{"AAPL", "MSFT", "NVDA"}, time.Minute)
	lifecycle.Go(func() { engine.Run(ctx, mock) })
	logger.Print("dev mock producer started")
}

func buildOpsServer(cfg config.AppConfig, provider *telemetry.Provider, idx *index.Index) *http.Server {
	handler := httpserver.NewHandler(cfg.Environment, provider.MetricsHandler(), func() httpserver.Status {
		snapshot := idx.Load()
		return httpserver.Status{
			IndexSize:    snapshot.Size(),
			IndexVersion: snapshot.Version(),
			IndexBuiltAt: snapshot.BuiltAt(),
		}
	})

	return &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: opsReadHeaderTimeout,
	}
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	queue      *executor.Queue
	bus        *signalbus.MemoryBus
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping ops server", opsServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	// Stops producers, dispatcher, scheduler, monitor, sweeper, and refresher
	// so no new intents arrive while the executor drains.
	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.queue != nil {
		shutdownStep("draining executor queue", executorShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.queue.Shutdown(stepCtx)
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing signal bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.pool != nil {
		logger.Print("shutdown: closing database pool")
		cfg.pool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
