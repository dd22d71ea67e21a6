package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/balloonfs/balloon/internal/logger"
	"github.com/balloonfs/balloon/pkg/api"
	"github.com/balloonfs/balloon/pkg/api/handlers"
	"github.com/balloonfs/balloon/pkg/config"
	"github.com/balloonfs/balloon/pkg/delta"
	deltastore "github.com/balloonfs/balloon/pkg/delta/store/gormstore"
	"github.com/balloonfs/balloon/pkg/fs/store/gormstore"
	"github.com/balloonfs/balloon/pkg/hook"
	idstore "github.com/balloonfs/balloon/pkg/identity/gormstore"
	"github.com/balloonfs/balloon/pkg/metrics"
	"github.com/balloonfs/balloon/pkg/quota"
	"github.com/balloonfs/balloon/pkg/scheduler"
	"github.com/balloonfs/balloon/pkg/storage"
	"github.com/balloonfs/balloon/pkg/storage/blobfs"
	"github.com/balloonfs/balloon/pkg/storage/localfs"
	"github.com/balloonfs/balloon/pkg/storage/nullstore"
	"github.com/balloonfs/balloon/pkg/storage/refindex"
	s3store "github.com/balloonfs/balloon/pkg/storage/s3"
	"github.com/balloonfs/balloon/pkg/vfs"
)

// Maintenance cadence for the periodic background jobs.
const (
	pruneInterval = 1 * time.Hour
	sweepInterval = 6 * time.Hour

	// Staged uploads older than this are abandoned.
	stagingMaxAge = 24 * time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the balloon server",
	Long: `Start the balloon server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/balloon/config.yaml.

Examples:
  # Start with default config location
  balloon serve

  # Start with custom config
  balloon serve --config /etc/balloon/config.yaml

  # Override config through the environment
  BALLOON_LOGGING_LEVEL=DEBUG balloon serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}

	// Log level follows edits to the config file without a restart.
	config.WatchLogLevel(cfgFile, func(level string) {
		logger.SetLevel(level)
		logger.Info("Log level changed", "level", level)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Starting balloon server",
		"version", Version,
		"database", string(cfg.Database.Type),
		logger.KeyAdapter, cfg.Storage.Adapter)

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}

	nodes := gormstore.New(db)
	events := deltastore.New(db)
	ids := idstore.New(db)

	adapters, cleanup, err := buildAdapters(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// Event plumbing: every factory mutation reaches the delta log through
	// post-operation hooks.
	hooks := hook.NewDispatcher()
	deltaLog := delta.New(events, nodes, ids)
	deltaLog.Subscribe(hooks)

	qm := quota.New(nodes, ids)

	jobs := scheduler.New(scheduler.Config{
		QueueSize:  cfg.Scheduler.QueueSize,
		Workers:    cfg.Scheduler.Workers,
		JobTimeout: cfg.Scheduler.JobTimeout,
	})

	fsService := vfs.New(nodes, ids, hooks, qm, jobs, adapters, vfs.Config{
		HistoryCap:     cfg.Factory.HistoryCap,
		DeepThreshold:  cfg.Factory.DeepThreshold,
		DefaultAdapter: cfg.Storage.Adapter,
	})

	registerMaintenanceJobs(jobs, deltaLog, adapters, cfg.Delta.Retention)
	jobs.Start(ctx)
	defer jobs.Stop(cfg.ShutdownTimeout)

	go maintenanceLoop(ctx, jobs)

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Port)
	}

	server := api.NewServer(api.ServerConfig{Addr: cfg.API.Addr()}, api.Deps{
		FS:       fsService,
		Delta:    deltaLog,
		Quota:    qm,
		Jobs:     jobs,
		Identity: ids,
		Probes: map[string]handlers.Probe{
			"database": databaseProbe(db),
		},
	})

	// Graceful shutdown on SIGINT/SIGTERM.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	return server.Start(ctx)
}

// buildAdapters constructs every configured storage adapter, keyed by kind.
// The returned cleanup closes the shared reference index.
func buildAdapters(ctx context.Context, cfg *config.Config) (map[string]storage.Adapter, func(), error) {
	refs, err := refindex.Open(filepath.Join(cfg.Storage.Path, "refindex"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open reference index: %w", err)
	}
	cleanup := func() {
		if err := refs.Close(); err != nil {
			logger.Warn("Reference index close failed", logger.KeyError, err.Error())
		}
	}

	adapters := map[string]storage.Adapter{
		"null": nullstore.New(),
	}

	blobStore, err := blobfs.New(filepath.Join(cfg.Storage.Path, "blobs"), refs)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to initialize blobfs: %w", err)
	}
	adapters["blobfs"] = blobStore

	localStore, err := localfs.New(filepath.Join(cfg.Storage.Path, "localfs"))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to initialize localfs: %w", err)
	}
	adapters["localfs"] = localStore

	// S3 only when a bucket is configured; mounts referencing it fail fast
	// otherwise.
	if cfg.Storage.S3.Bucket != "" {
		s3Store, err := s3store.New(ctx, s3store.Config{
			Bucket:     cfg.Storage.S3.Bucket,
			Region:     cfg.Storage.S3.Region,
			Endpoint:   cfg.Storage.S3.Endpoint,
			AccessKey:  cfg.Storage.S3.AccessKey,
			SecretKey:  cfg.Storage.S3.SecretKey,
			StagingDir: cfg.Storage.S3.StagingDir,
		}, refs)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to initialize s3 adapter: %w", err)
		}
		adapters["s3"] = s3Store
	}

	return adapters, cleanup, nil
}

// registerMaintenanceJobs binds the periodic maintenance handlers.
func registerMaintenanceJobs(jobs *scheduler.Scheduler, deltaLog *delta.Log, adapters map[string]storage.Adapter, retention time.Duration) {
	jobs.Register(scheduler.JobPruneDeltaLog, func(ctx context.Context, _ any) error {
		pruned, err := deltaLog.Prune(ctx, retention)
		if err != nil {
			return err
		}
		if pruned > 0 {
			logger.Info("Pruned delta events", "events", pruned)
		}
		return nil
	})

	jobs.Register(scheduler.JobSweepBlobs, func(ctx context.Context, _ any) error {
		sweeper, ok := adapters["blobfs"].(*blobfs.Store)
		if !ok {
			return nil
		}
		swept, err := sweeper.SweepStaging(ctx, stagingMaxAge)
		if err != nil {
			return err
		}
		if swept > 0 {
			logger.Info("Swept abandoned upload sessions", "sessions", swept)
		}
		return nil
	})
}

// maintenanceLoop submits the periodic maintenance jobs until shutdown.
func maintenanceLoop(ctx context.Context, jobs *scheduler.Scheduler) {
	prune := time.NewTicker(pruneInterval)
	sweep := time.NewTicker(sweepInterval)
	defer prune.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			if _, err := jobs.Submit(ctx, scheduler.JobPruneDeltaLog, nil); err != nil {
				logger.Warn("Failed to submit delta prune job", logger.KeyError, err.Error())
			}
		case <-sweep.C:
			if _, err := jobs.Submit(ctx, scheduler.JobSweepBlobs, nil); err != nil {
				logger.Warn("Failed to submit blob sweep job", logger.KeyError, err.Error())
			}
		}
	}
}

// serveMetrics runs the Prometheus endpoint on its own port.
func serveMetrics(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server failed", logger.KeyError, err.Error())
	}
}

// databaseProbe pings the underlying database connection.
func databaseProbe(db *gorm.DB) handlers.Probe {
	return func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Ping()
	}
}
