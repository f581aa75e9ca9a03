package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cfomodz/RTMP-BASE/internal/api"
	"github.com/Cfomodz/RTMP-BASE/internal/config"
	"github.com/Cfomodz/RTMP-BASE/internal/eventlog"
	"github.com/Cfomodz/RTMP-BASE/internal/navigator"
	"github.com/Cfomodz/RTMP-BASE/internal/observability/logging"
	"github.com/Cfomodz/RTMP-BASE/internal/observability/metrics"
	"github.com/Cfomodz/RTMP-BASE/internal/orchestrator"
	"github.com/Cfomodz/RTMP-BASE/internal/pipeline"
	"github.com/Cfomodz/RTMP-BASE/internal/profiler"
	"github.com/Cfomodz/RTMP-BASE/internal/registry"
	"github.com/Cfomodz/RTMP-BASE/internal/serverutil"
	"github.com/Cfomodz/RTMP-BASE/internal/supervisor"
)

const maxHealthyBacklog = 1000

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "streamdrop"})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("streamdrop exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("streamdrop stopped")
}

// run wires every component, recovers streams, and serves the control API
// until ctx ends. Pipelines are stopped before it returns; recorded intent
// is left as it was so the next start brings the same streams back.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, ready chan<- net.Addr) error {
	recorder := metrics.New()
	metrics.SetDefault(recorder)

	prof, err := profiler.New(profiler.Config{
		ProcRoot:   cfg.ProcRoot,
		Thresholds: cfg.Thresholds,
		Logger:     logging.WithComponent(logger, "profiler"),
		Metrics:    recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise profiler: %w", err)
	}

	store, err := registry.Open(ctx, cfg.Registry)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close registry", "error", err)
		}
	}()
	logger.Info("registry opened", "driver", cfg.Registry.Driver)

	platforms, err := store.ListPlatforms(ctx)
	if err != nil {
		return fmt.Errorf("load platform catalogue: %w", err)
	}

	eventStore, err := openEventStore(ctx, cfg.Events)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	events := eventlog.New(eventStore, eventlog.Options{
		Logger:  logging.WithComponent(logger, "eventlog"),
		Metrics: recorder,
	})
	logger.Info("event log opened", "driver", cfg.Events.Driver)

	builder := pipeline.NewBuilder(cfg.Pipeline, platforms)
	sup, err := supervisor.New(supervisor.Options{
		Config:   cfg.Supervisor,
		Profiler: prof,
		Planner:  builder,
		Events:   events,
		Navigator: navigator.New(navigator.Options{
			Timeout: cfg.NavigateTimeout,
			Logger:  logging.WithComponent(logger, "navigator"),
		}),
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise supervisor: %w", err)
	}

	facade, err := orchestrator.New(orchestrator.Options{
		Registry:          store,
		Pipelines:         sup,
		History:           events,
		Platforms:         builder,
		Logger:            logger,
		Metrics:           recorder,
		ReconcileInterval: cfg.ReconcileInterval,
		RecoverParallel:   cfg.RecoverParallel,
	})
	if err != nil {
		return fmt.Errorf("initialise orchestrator: %w", err)
	}

	recovered, err := facade.Recover(ctx)
	if err != nil {
		logger.Warn("startup recovery incomplete", "error", err)
	}
	logger.Info("startup recovery finished", "streams", recovered, "tier", prof.CurrentTier(ctx).String())

	go facade.Run(ctx)

	handler := api.NewHandler(facade, logging.WithComponent(logger, "api"))
	handler.Checks["registry"] = func(ctx context.Context) error {
		_, err := store.ListPlatforms(ctx)
		return err
	}
	handler.Checks["events"] = func(context.Context) error {
		if backlog := events.Backlog(); backlog > maxHealthyBacklog {
			return fmt.Errorf("event log backlog at %d entries", backlog)
		}
		return nil
	}
	handler.Checks["profiler"] = func(ctx context.Context) error {
		_, err := prof.Measure(ctx)
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewRouter(handler, api.RouterConfig{Logger: logger, Metrics: recorder}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serveErr := serverutil.Run(ctx, serverutil.Config{
		Server:          httpServer,
		TLS:             serverutil.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Ready:           ready,
		Logger:          logger,
	})
	if serveErr != nil {
		logger.Error("control API stopped", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	logger.Info("stopping pipelines")
	shutdownErr := facade.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		logger.Warn("pipeline shutdown incomplete", "error", shutdownErr)
	}
	if err := events.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close event log", "error", err)
	}
	return errors.Join(serveErr, shutdownErr)
}

func openEventStore(ctx context.Context, cfg config.EventsConfig) (eventlog.Store, error) {
	switch cfg.Driver {
	case config.EventsMemory:
		return eventlog.NewMemoryStore(), nil
	case config.EventsFile:
		store, err := eventlog.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.EventsSQLite:
		store, err := eventlog.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.EventsPostgres:
		store, err := eventlog.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.EventsRedis:
		store, err := eventlog.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported event log driver %q", cfg.Driver)
	}
}
