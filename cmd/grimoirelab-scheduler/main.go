// Command grimoirelab-scheduler runs the scheduler's HTTP API, the
// River job runner and the event archivist worker pool as a single
// process behind one run() and a signal-driven shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverqueue/river"

	"github.com/chaoss/grimoirelab-core/internal/api"
	"github.com/chaoss/grimoirelab-core/internal/archivist"
	"github.com/chaoss/grimoirelab-core/internal/argsgen"
	"github.com/chaoss/grimoirelab-core/internal/backends"
	gitbackend "github.com/chaoss/grimoirelab-core/internal/backends/git"
	"github.com/chaoss/grimoirelab-core/internal/chronicler"
	"github.com/chaoss/grimoirelab-core/internal/config"
	"github.com/chaoss/grimoirelab-core/internal/database"
	"github.com/chaoss/grimoirelab-core/internal/eventstream"
	"github.com/chaoss/grimoirelab-core/internal/identitytasks"
	"github.com/chaoss/grimoirelab-core/internal/jobrunner"
	"github.com/chaoss/grimoirelab-core/internal/logger"
	"github.com/chaoss/grimoirelab-core/internal/progress"
	"github.com/chaoss/grimoirelab-core/internal/scheduler"
	"github.com/chaoss/grimoirelab-core/internal/taskregistry"
	"github.com/chaoss/grimoirelab-core/internal/taskstore"
	"github.com/chaoss/grimoirelab-core/internal/telemetry"

	"github.com/redis/go-redis/v9"
)

const (
	eventizerTag = "eventizer"
	httpAddr     = ":8080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "grimoirelab-scheduler: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logger.NewWithLevel("scheduler", cfg.LogLevel, os.Stdout)
	log.Info("starting grimoirelab-scheduler")

	dbConfig := database.Config{
		Host: cfg.DBHost, Port: cfg.DBPort, User: cfg.DBUser,
		Password: cfg.DBPassword, Database: cfg.DBName, SSLMode: cfg.DBSSLMode,
	}
	if err := database.Migrate(ctx, dbConfig); err != nil {
		return fmt.Errorf("applying schema migrations: %w", err)
	}
	pool, err := database.NewPool(ctx, dbConfig)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()
	if err := jobrunner.EnsureRiverTables(ctx, pool, nil); err != nil {
		return fmt.Errorf("applying river migrations: %w", err)
	}
	log.Info("database ready")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer redisClient.Close()

	store := taskstore.New(pool)
	registry := taskregistry.New()
	progressChannel := progress.NewChannel(redisClient, 0)
	stream := eventstream.New(redisClient, cfg.EventsStreamName, cfg.EventsStreamMaxLen, cfg.EventsConsumerGroup)
	if err := stream.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensuring event stream consumer group: %w", err)
	}

	backendRegistry := backends.NewRegistry()
	if gitPath := os.Getenv("GRIMOIRELAB_GIT_LOG_PATH"); gitPath != "" {
		backendRegistry.Register("git", gitbackend.New(gitPath))
	}

	backendStrategies := argsgen.NewRegistry()
	if err := registerTaskTypes(registry, backendRegistry, backendStrategies, stream); err != nil {
		return fmt.Errorf("registering task types: %w", err)
	}

	queues := map[string]river.QueueConfig{
		river.QueueDefault: {MaxWorkers: 10},
	}
	for _, tag := range registry.Names() {
		descriptor, _ := registry.Lookup(tag)
		if descriptor.DefaultQueue != "" && descriptor.DefaultQueue != river.QueueDefault {
			queues[descriptor.DefaultQueue] = river.QueueConfig{MaxWorkers: 5}
		}
	}

	runner, err := jobrunner.NewRiverRunner(pool, store, registry, progressChannel, jobrunner.Options{
		Queues:      queues,
		JobTimeout:  cfg.JobTimeout,
		MaxAttempts: 3,
		Logger:      nil,
	})
	if err != nil {
		return fmt.Errorf("creating river runner: %w", err)
	}

	recorder, err := telemetry.New(cfg.PostHogAPIKey, cfg.PostHogHost, nil)
	if err != nil {
		return fmt.Errorf("creating telemetry recorder: %w", err)
	}
	defer recorder.Close()

	sched := scheduler.New(store, registry, runner, recorder, nil)
	runner.SetCompleter(sched)

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("starting job runner: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runner.Stop(shutdownCtx); err != nil {
			log.Warn("job runner shutdown", "error", err)
		}
	}()

	indexer := archivist.NewOpenSearchIndexer(
		cfg.ArchivistStorageURL, cfg.ArchivistIndexName,
		cfg.ArchivistStorageUser, cfg.ArchivistStoragePass,
	)
	archivistCfg := archivist.DefaultConfig()
	archivistCfg.BulkSize = cfg.ArchivistBulkSize
	pool2 := archivist.NewPool(3, stream, indexer, archivistCfg, nil)
	go pool2.Run(ctx)

	handler := api.New(store, registry, sched, indexer, nil)
	mux := http.NewServeMux()
	handler.Routes(mux)
	server := &http.Server{Addr: httpAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http api listening", "addr", httpAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("serving http api: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// registerTaskTypes wires every task type: the eventizer task
// (datasource-driven, via chronicler.NewJobFunction) and the
// identity-management family (affiliate, unify, genderize, ...), always
// backed by the stub identitytasks.NoopRunner.
func registerTaskTypes(registry *taskregistry.Registry, backendRegistry *backends.Registry, backendStrategies *argsgen.Registry, stream *eventstream.Stream) error {
	eventizerFn := chronicler.NewJobFunction(backendRegistry, stream)
	if err := registry.Register(&taskregistry.Descriptor{
		Tag:          eventizerTag,
		Args:         argsgen.NewEventizerArgs(backendStrategies),
		JobFunction:  eventizerFn,
		DefaultQueue: "eventizer",
		CanBeRetried: true,
	}); err != nil {
		return err
	}

	identityRunner := identitytasks.NoopRunner{}
	for _, algorithm := range identitytasks.Algorithms {
		algorithm := algorithm
		var strategy taskregistry.ArgStrategy = argsgen.IdentityArgs{}
		if algorithm == "import_identities" {
			strategy = argsgen.NewImportIdentitiesArgs(nil)
		}
		if err := registry.Register(&taskregistry.Descriptor{
			Tag:          algorithm,
			Args:         strategy,
			JobFunction:  identitytasks.JobFunction(identityRunner, algorithm),
			DefaultQueue: "identities",
			CanBeRetried: true,
		}); err != nil {
			return err
		}
	}
	return nil
}
