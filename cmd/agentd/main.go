// agentd runs AI coding agents as supervised background jobs: an HTTP API for
// submissions, a dispatcher that executes queued jobs on this worker, and a
// watchdog that recovers jobs whose execution stopped reporting.
package main

import (
	"agentd/internal/api"
	"agentd/internal/config"
	"agentd/internal/dispatcher"
	"agentd/internal/health"
	"agentd/internal/job"
	"agentd/internal/notify"
	"agentd/internal/observability"
	"agentd/internal/orchestrator"
	"agentd/internal/project"
	"agentd/internal/provider"
	"agentd/internal/queue"
	"agentd/internal/store"
	"agentd/internal/usage"
	"agentd/internal/vcs"
	"agentd/internal/watchdog"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

// fileConfig is the YAML file declaring providers and projects.
type fileConfig struct {
	Providers []provider.Config `yaml:"providers"`
	Projects  []project.Project `yaml:"projects"`
}

func main() {
	svcCfg := config.LoadServiceConfig()
	observability.SetupLogger(os.Stdout, svcCfg.Env, svcCfg.LogLevel)

	if err := run(svcCfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(svcCfg *config.ServiceConfig) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var file fileConfig
	if err := config.LoadYAML(svcCfg.ConfigFile, &file); err != nil {
		return err
	}
	orchCfg, err := orchestrator.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	notifyCfg := notify.LoadConfigFromEnv()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	repo, err := store.Open(ctx, store.Config{
		Driver:      svcCfg.StoreDriver,
		DatabaseURL: svcCfg.DatabaseURL,
		MaxConns:    svcCfg.DatabaseMaxConns,
		SQLitePath:  svcCfg.SQLitePath,
	})
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer repo.Close()
	slog.Info("Job store opened", "driver", svcCfg.StoreDriver)

	var redisClient *redis.Client
	if svcCfg.RedisURL != "" {
		opts, err := redis.ParseURL(svcCfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		slog.Info("Connected to Redis")
	}

	providers, err := provider.NewRegistry(file.Providers)
	if err != nil {
		return fmt.Errorf("building providers: %w", err)
	}
	defer providers.Close()

	projects, err := project.NewDirectory(file.Projects)
	if err != nil {
		return fmt.Errorf("loading projects: %w", err)
	}

	limits := usage.LimitsFromProviders(file.Providers)
	var ledger usage.Ledger = usage.NewMemory(limits)
	if redisClient != nil {
		ledger = usage.NewRedis(redisClient, limits)
	}

	// Live updates
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	var (
		notifiers   notify.Multi
		dispatchers []*dispatcher.MemoryDispatcher
	)
	if notifyCfg.WebhookURL != "" {
		d := dispatcher.NewMemory(dispatcherCfg, dispatcher.NewHTTPTransport(dispatcherCfg.Timeout), metrics)
		dispatchers = append(dispatchers, d)
		notifiers = append(notifiers, notify.NewDispatched(d, notifyCfg.WebhookURL, notifyCfg.WebhookKey, notifyCfg.WebhookTypes))
	}
	if notifyCfg.RedisStream != "" {
		if redisClient == nil {
			return errors.New("NOTIFY_REDIS_STREAM requires REDIS_URL")
		}
		d := dispatcher.NewMemory(dispatcherCfg, notify.NewRedisStream(redisClient, notifyCfg.StreamMaxLen), metrics)
		dispatchers = append(dispatchers, d)
		notifiers = append(notifiers, notify.NewDispatched(d, notifyCfg.RedisStream, "", nil))
	}

	jobQueue := queue.NewManager(repo, queue.LoadConfigFromEnv())

	orch := orchestrator.New(orchCfg, orchestrator.Deps{
		Repo:      repo,
		Queue:     jobQueue,
		Providers: providers,
		Projects:  projects,
		VCS:       vcs.NewGit(nil),
		Usage:     ledger,
		Notifier:  notifiers,
		Metrics:   metrics,
	})

	dog := watchdog.New(watchdog.LoadConfigFromEnv(), watchdog.Deps{
		Repo:     repo,
		WorkerID: orch.WorkerID(),
		Notifier: notifiers,
		Metrics:  metrics,
	})

	ids, err := job.NewIDGenerator(int64(svcCfg.NodeID))
	if err != nil {
		return err
	}
	jobService := job.NewService(job.ServiceConfig{
		Repo:     repo,
		IDs:      ids,
		Catalog:  project.NewCatalog(projects, providers),
		Resumer:  orch,
		Notifier: notifiers,
		Metrics:  metrics,
		Trigger:  orch.Trigger,
	})

	healthChecker := health.NewChecker().
		Critical("store", health.CheckFunc(repo.Ping)).
		Optional("providers", health.Providers(providers))
	if redisClient != nil {
		healthChecker.Critical("redis", health.CheckFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Queue:         jobQueue,
		Providers:     providers,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	loops := make(chan struct{}, 2)
	go func() {
		_ = orch.Run(ctx)
		loops <- struct{}{}
	}()
	go func() {
		_ = dog.Run(ctx)
		loops <- struct{}{}
	}()

	closeServers := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		slog.Error("Server failed to start", "error", runErr)
	}

	// Phase 1: stop advertising readiness and let load balancers drain.
	healthChecker.SetShuttingDown()
	if runErr == nil && svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop taking new work, then unwind running executions. Their
	// jobs go back to the queue for another worker.
	cancel()
	<-loops
	<-loops
	orchCtx, orchCancel := context.WithTimeout(context.Background(), svcCfg.ShutdownTimeout)
	defer orchCancel()
	if err := orch.Shutdown(orchCtx); err != nil {
		slog.Warn("Executions still running at exit", "error", err, "running", orch.Running())
	}

	// Phase 3: close servers and drain live updates.
	closeServers(10 * time.Second)

	for _, d := range dispatchers {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.Close(drainCtx); err != nil {
			slog.Warn("Dispatcher shutdown error", "error", err)
		}
		drainCancel()

		stats := d.Stats()
		slog.Info("Dispatcher stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return runErr
}
