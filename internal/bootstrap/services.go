package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/promptline/agentd/config"
	engineadapter "github.com/promptline/agentd/internal/adapters/engine"
	"github.com/promptline/agentd/internal/adapters/reaper"
	"github.com/promptline/agentd/internal/data"
	domainengine "github.com/promptline/agentd/internal/domain/engine"
	"github.com/promptline/agentd/internal/observability/statsd"
	"github.com/promptline/agentd/internal/relay"
	"github.com/promptline/agentd/internal/service"
	"github.com/promptline/agentd/internal/worker"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs     *service.JobService
	Sessions *service.SessionService
	Messages *service.MessageService
	Relay    relay.Relay
	Engine   domainengine.Engine
	Metrics  *statsd.Client
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	JobRepo     *data.JobRepo
	SessionRepo *data.SessionRepo
	MessageRepo *data.MessageRepo
}

func buildRepositories(db *sql.DB, logger *slog.Logger) *serviceRepositories {
	return &serviceRepositories{
		JobRepo:     data.NewJobRepo(db, data.RepoConfig{Logger: logger}),
		SessionRepo: data.NewSessionRepo(db, data.SessionRepoOptions{Logger: logger}),
		MessageRepo: data.NewMessageRepo(db, data.MessageRepoOptions{Logger: logger}),
	}
}

// buildRelay selects the relay backend from configuration. The pubsub
// backend requires a Redis client; without one we fall back to the
// in-process broker so single-node deployments still get live updates.
//
//nolint:ireturn // backend selection is the point of this function.
func buildRelay(cfg config.RelayConfig, redisClient redis.UniversalClient, logger *slog.Logger) (relay.Relay, error) {
	if cfg.Backend == config.RelayBackendPubSub {
		if redisClient == nil {
			logger.Warn("relay backend pubsub requested without redis, using in-process broker")
		} else {
			return relay.NewRedisRelay(relay.RedisRelayOptions{
				Client: redisClient,
				Logger: logger,
				Buffer: cfg.SubscriberBuffer,
			})
		}
	}
	return relay.NewBroker(relay.BrokerOptions{
		Logger: logger,
		Buffer: cfg.SubscriberBuffer,
	}), nil
}

// buildEngine selects the engine adapter. An empty command selects the
// scripted in-memory engine, which only makes sense in dev mode; worker
// deployments must configure a real engine command.
//
//nolint:ireturn // adapter selection is the point of this function.
func buildEngine(cfg *config.AppConfig, logger *slog.Logger) (domainengine.Engine, error) {
	if cfg.Engine.Command == "" {
		if cfg.IsWorkerEnabled() && !cfg.IsDev {
			return nil, errors.New("ENGINE_COMMAND is required to run workers outside dev mode")
		}
		logger.Warn("no engine command configured, using scripted engine")
		return engineadapter.NewScripted(), nil
	}
	return engineadapter.NewCLI(engineadapter.CLIOptions{
		Command: cfg.Engine.Command,
		Args:    cfg.Engine.Args,
		Timeout: cfg.Engine.InvokeTimeout,
		Logger:  logger,
	})
}

// NewServices wires repositories and adapters into the service container.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	repos := buildRepositories(deps.DB, logger)

	relayBackend, err := buildRelay(deps.Config.Relay, deps.RedisClient, logger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build relay: %w", err)
	}

	eng, err := buildEngine(deps.Config, logger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build engine: %w", err)
	}

	metricsClient, err := statsd.New(statsd.Options{
		Enabled: deps.Config.Statsd.Enabled,
		Addr:    deps.Config.Statsd.Addr,
		Prefix:  deps.Config.Statsd.Prefix,
		Tags:    map[string]string{"service": "agentd"},
		Logger:  logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build statsd client: %w", err)
	}

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:            repos.JobRepo,
		Sessions:        repos.SessionRepo,
		DefaultLease:    deps.Config.Worker.JobLease,
		DefaultAttempts: deps.Config.Worker.MaxAttempts,
		Logger:          logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire job service: %w", err)
	}

	sessions, err := service.NewSessionService(service.SessionServiceOptions{
		Repo:   repos.SessionRepo,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire session service: %w", err)
	}

	messages, err := service.NewMessageService(service.MessageServiceOptions{
		Repo:     repos.MessageRepo,
		Sessions: repos.SessionRepo,
		Logger:   logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire message service: %w", err)
	}

	return ServiceContainer{
		Jobs:     jobs,
		Sessions: sessions,
		Messages: messages,
		Relay:    relayBackend,
		Engine:   eng,
		Metrics:  metricsClient,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		Logger:   deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "worker",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var workerCfg config.WorkerConfig
			if deps.cfg.Config != nil {
				workerCfg = deps.cfg.Config.Worker
			}
			runner, err := worker.NewRunner(worker.RunnerOptions{
				Jobs:        deps.cfg.Services.Jobs,
				Sessions:    deps.cfg.Services.Sessions,
				Messages:    deps.cfg.Services.Messages,
				Engine:      deps.cfg.Services.Engine,
				Relay:       deps.cfg.Services.Relay,
				Metrics:     deps.cfg.Services.Metrics,
				Logger:      deps.logger,
				Lease:       workerCfg.JobLease,
				Concurrency: workerCfg.Concurrency,
			})
			if err != nil {
				return fmt.Errorf("wire worker runner: %w", err)
			}
			return runner.Run(ctx)
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var reaperCfg config.ReaperConfig
			if deps.cfg.Config != nil {
				reaperCfg = deps.cfg.Config.Reaper
			}
			runner, err := reaper.NewRunner(reaper.RunnerOptions{
				DB:      deps.cfg.DB,
				Config:  reaperCfg,
				Logger:  deps.logger,
				Metrics: deps.cfg.Services.Metrics,
			})
			if err != nil {
				return fmt.Errorf("wire reaper runner: %w", err)
			}
			return runner.Run(ctx)
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, len(enabledServices)+1)

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		services:    cfg.Services,
		logger:      logger,
		backgrounds: result.Background,
	})
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	services    ServiceContainer
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop attempts to gracefully stop all services.
func gracefulStop(cfg shutdownConfig) error {
	if cfg.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()

		if err := ShutdownHTTPServer(ShutdownConfig{
			Context:    shutdownCtx,
			Server:     cfg.httpServer,
			JobService: cfg.services.Jobs,
			Logger:     cfg.logger,
		}); err != nil {
			return err
		}
	}

	// Wait for background services to finish
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	if cfg.services.Relay != nil {
		if err := cfg.services.Relay.Close(); err != nil {
			cfg.logger.Warn("closing relay failed", "error", err)
		}
	}

	if err := cfg.services.Metrics.Close(); err != nil {
		cfg.logger.Warn("closing statsd client failed", "error", err)
	}

	return nil
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
