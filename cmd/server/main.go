package main

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/codus/config"
	"github.com/isdmx/codus/httpapi"
	"github.com/isdmx/codus/jobstore"
	"github.com/isdmx/codus/judge"
	"github.com/isdmx/codus/logger"
	"github.com/isdmx/codus/mcpserver"
	"github.com/isdmx/codus/sandbox"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,

			// Sandbox backend based on config, split into its two roles
			newBackend,
			sandbox.RuntimeFromBackend,
			sandbox.ProvisionerFromBackend,

			judge.NewPreflight,
			newAdmission,
			newArchive,
			newOrchestrator,

			newMCPServer,
			newRESTServer,
		),

		fx.Invoke(startTransport),

		fx.WithLogger(logger.FxEventLogger),
	)

	app.Run()
}

func newBackend(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (sandbox.Backend, error) {
	backend, err := sandbox.NewBackend(log, cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return backend.Close()
		},
	})
	return backend, nil
}

func newAdmission(cfg *config.Config) *judge.Admission {
	return judge.NewAdmission(cfg.Sandbox.MaxConcurrent)
}

// newArchive opens the job store. Without a configured database the store
// lives in memory for the life of the process.
func newArchive(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (judge.Archive, error) {
	path := cfg.Storage.DBPath
	if path == "" {
		log.Info("job archive kept in memory")
		path = jobstore.MemoryPath
	}

	store, err := jobstore.Open(log, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

// newOrchestrator stops in-flight jobs and waits for their sandboxes to be
// destroyed when the application stops.
func newOrchestrator(
	lc fx.Lifecycle,
	log *zap.Logger,
	cfg *config.Config,
	rt sandbox.Runtime,
	preflight *judge.Preflight,
	admission *judge.Admission,
	archive judge.Archive,
) *judge.Orchestrator {
	orch := judge.New(log, cfg, rt, preflight, admission, archive)
	lc.Append(fx.Hook{
		OnStop: orch.Shutdown,
	})
	return orch
}

func newMCPServer(cfg *config.Config, log *zap.Logger, orch *judge.Orchestrator) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, orch)
}

func newRESTServer(cfg *config.Config, log *zap.Logger, orch *judge.Orchestrator) *httpapi.Server {
	return httpapi.New(cfg, log, orch)
}

// startTransport serves the configured transport in the background and stops
// the application when it ends.
func startTransport(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	mcp *mcpserver.MCPServer,
	rest *httpapi.Server,
) error {
	var serve func() error
	var stop func(context.Context) error

	switch cfg.Server.Transport {
	case "stdio":
		serve = mcp.ServeStdio
	case "http":
		serve = mcp.ServeHTTP
		stop = mcp.Shutdown
	case "rest":
		serve = rest.Start
		stop = rest.Shutdown
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := serve(); err != nil {
					log.Error("transport stopped", zap.String("transport", cfg.Server.Transport), zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if stop == nil {
				return nil
			}
			return stop(ctx)
		},
	})
	return nil
}
