package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Tokal-27/DropMe/internal/app/migrate"
	"github.com/Tokal-27/DropMe/internal/deploy"
	httpx "github.com/Tokal-27/DropMe/internal/http"
	"github.com/Tokal-27/DropMe/internal/monitor"
	"github.com/Tokal-27/DropMe/internal/mqtt"
	"github.com/Tokal-27/DropMe/internal/notify"
	"github.com/Tokal-27/DropMe/internal/repository/postgres"
	"github.com/Tokal-27/DropMe/internal/ws"
	"github.com/Tokal-27/DropMe/pkg/config"
	"github.com/Tokal-27/DropMe/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadControlConfig()
	log := logger.New("control", logger.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	routes, err := notify.LoadRoutes(cfg.NotifyRoutesPath)
	if err != nil {
		log.Error("failed to load notify routes", "error", err)
		os.Exit(1)
	}
	var sink notify.Notifier
	if cfg.SlackToken != "" {
		sink = notify.NewSlackNotifier(cfg.SlackToken, routes, log)
	} else {
		log.Warn("no slack token configured, alerts go to the log only")
		sink = notify.NewLogNotifier(log)
	}
	notifier := notify.NewRetrying(sink, cfg.NotifyAttempts, cfg.NotifyBackoff, log, registry)

	mon := monitor.New(
		monitor.NewWindow(cfg.WindowMaxRecords, cfg.WindowMaxAge, nil),
		monitor.NewScorer(monitor.ScorerConfig{
			MinSamples:        cfg.MinSamples,
			ChiSquaredScale:   cfg.ChiSquaredScale,
			ChiSquaredWeight:  cfg.ChiSquaredWeight,
			ConfidenceWeight:  cfg.ConfidenceWeight,
			ThresholdMinor:    cfg.ThresholdMinor,
			ThresholdModerate: cfg.ThresholdModerate,
			ThresholdSevere:   cfg.ThresholdSevere,
		}),
		repo, repo, repo,
		notifier,
		hub,
		monitor.NewMetrics(registry),
		log,
		nil,
		monitor.Config{
			TickInterval:     cfg.TickInterval,
			ConsecutiveTicks: cfg.ConsecutiveTicks,
			TriggerCooldown:  cfg.TriggerCooldown,
			LowConfidenceMin: cfg.LowConfidenceMin,
		},
	)
	go mon.Run(ctx)

	rebaseliner := monitor.NewRebaseliner(mon, cfg.RebaselineCron, log)
	if err := rebaseliner.Start(); err != nil {
		log.Error("failed to start re-baseline scheduler", "error", err)
		os.Exit(1)
	}
	defer rebaseliner.Stop()

	deployer, err := deploy.NewDockerDeployer(deploy.DockerDeployerConfig{
		ContainerPort: cfg.ModelContainerPort,
	}, log)
	if err != nil {
		log.Error("failed to create docker deployer", "error", err)
		os.Exit(1)
	}

	checker := deploy.NewHTTPChecker(deploy.HTTPCheckerConfig{
		Path:         cfg.HealthPath,
		MaxAttempts:  cfg.HealthMaxAttempts,
		Interval:     cfg.HealthInterval,
		ProbeTimeout: cfg.HealthProbeTimeout,
	}, log, nil)

	orch := deploy.NewOrchestrator(repo, deployer, checker, notifier, hub, log, nil, deploy.Config{})

	if cfg.MQTTBrokerURL != "" {
		mqttClient, err := mqtt.NewClient(mqtt.ClientConfig{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
		}, log)
		if err != nil {
			log.Error("failed to connect to mqtt broker", "error", err)
			os.Exit(1)
		}
		defer mqttClient.Close()

		subscriber := mqtt.NewSubscriber(mqttClient.Native(), cfg.MQTTTopic, mon, log)
		if err := subscriber.Subscribe(); err != nil {
			log.Error("failed to subscribe to prediction topic", "error", err)
			os.Exit(1)
		}
		defer subscriber.Unsubscribe()
	}

	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		limiter, err = httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to in-memory", "error", err)
			limiter = nil
		}
	}
	if limiter == nil {
		limiter = httpx.NewMemoryRateLimiter()
	}

	router := httpx.NewRouter(log, mon, orch, repo, repo, hub, limiter, cfg.IngestToken, pool.Ping, registry)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("control plane starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("control plane stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
