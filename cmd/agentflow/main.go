// Command agentflow runs the workflow execution engine and its HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/api"
	"github.com/agentflow/agentflow/internal/backend/credentials"
	backendregistry "github.com/agentflow/agentflow/internal/backend/registry"
	"github.com/agentflow/agentflow/internal/common/config"
	"github.com/agentflow/agentflow/internal/common/logger"
	runregistry "github.com/agentflow/agentflow/internal/engine/registry"
	"github.com/agentflow/agentflow/internal/engine/runner"
	"github.com/agentflow/agentflow/internal/engine/supervisor"
	"github.com/agentflow/agentflow/internal/engine/workspace"
	"github.com/agentflow/agentflow/internal/events/bus"
	"github.com/agentflow/agentflow/internal/run/repository"
)

func main() {
	configPath := flag.String("config", "", "path to config directory")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentflow",
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.Int("max_concurrent_runs", cfg.Engine.MaxConcurrentRuns))

	// 3. Connect the event bus (NATS when configured, in-memory otherwise)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 4. Open the run repository
	repo, err := openRepository(cfg, log)
	if err != nil {
		log.Fatal("failed to open run repository", zap.Error(err))
	}
	defer repo.Close()

	// 5. Build the backend registry
	backends := backendregistry.NewRegistry(log)
	backends.LoadDefaults()
	if cfg.Backends.File != "" {
		if err := backends.LoadFile(cfg.Backends.File); err != nil {
			log.Fatal("failed to load backends file", zap.Error(err))
		}
	}

	// 6. Assemble the engine
	deps := runner.Deps{
		Supervisor:  supervisor.New(log),
		Workspaces:  workspace.NewManager(cfg.Workspace.BasePath, log),
		Backends:    backends,
		Credentials: credentials.NewEnvProvider(),
		Logger:      log,
	}
	limits := runner.Limits{
		DefaultMaxIterations: cfg.Engine.DefaultMaxIterations,
		DefaultMaxRetries:    cfg.Engine.DefaultMaxRetries,
		StepTimeout:          cfg.Engine.StepTimeoutDuration(),
		FirstOutputTimeout:   cfg.Engine.FirstOutputTimeoutDuration(),
		StopGracePeriod:      cfg.Engine.StopGracePeriodDuration(),
	}
	runs := runregistry.New(deps, limits, repo, eventBus, cfg.Engine.MaxConcurrentRuns)

	// 7. Start the HTTP server
	router := api.NewRouter(api.NewHandler(runs, backends, log), log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("http server shutdown failed", zap.Error(err))
	}
	if err := runs.Shutdown(ctx); err != nil {
		log.Error("run registry shutdown failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// openRepository selects the run repository by storage driver.
func openRepository(cfg *config.Config, log *logger.Logger) (repository.RunRepository, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		log.Info("using sqlite repository", zap.String("path", cfg.Storage.SQLitePath))
		return repository.NewSQLiteRepository(cfg.Storage.SQLitePath)
	case "postgres":
		log.Info("using postgres repository", zap.String("host", cfg.Storage.Host))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return repository.NewPostgresRepository(ctx, cfg.Storage.DSN())
	default:
		log.Info("using in-memory repository")
		return repository.NewMemoryRepository(), nil
	}
}
