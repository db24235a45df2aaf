// DispatchRouter Message Router
//
// Standalone message router binary for production deployments.
// Consumes messages from queue (NATS/SQS) and delivers via HTTP mediation.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.dispatchrouter.dev/internal/api"
	"go.dispatchrouter.dev/internal/config"
	"go.dispatchrouter.dev/internal/health"
	"go.dispatchrouter.dev/internal/lifecycle"
	"go.dispatchrouter.dev/internal/manager"
	"go.dispatchrouter.dev/internal/mediator"
	"go.dispatchrouter.dev/internal/notification"
	probe "go.dispatchrouter.dev/internal/probe"
	"go.dispatchrouter.dev/internal/queue"
	natsqueue "go.dispatchrouter.dev/internal/queue/nats"
	sqsqueue "go.dispatchrouter.dev/internal/queue/sqs"
	"go.dispatchrouter.dev/internal/secrets"
	"go.dispatchrouter.dev/internal/standby"
	"go.dispatchrouter.dev/internal/traffic"
	"go.dispatchrouter.dev/internal/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Configure logging
	setupLogging()

	slog.Info("Starting DispatchRouter Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	// A pre-read of the config decides whether MongoDB is required; the
	// config source type isn't known until config.Load() itself runs.
	preCfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
		NeedsMongoDB: preCfg.ConfigSource.Type == "mongo",
	})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// ========================================
	// 2. QUEUE SETUP
	// ========================================
	queueConsumer, probeCheck, brokerChecker, err := setupQueue(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================

	// Liveness/readiness checker
	probeChecker := probe.NewChecker()
	probeChecker.AddReadinessCheck(probeCheck)

	// Secret resolution for the Redis lock URL and the mediator's default
	// bearer token. Defaults to reading plain environment variables; set
	// DISPATCHROUTER_SECRETS_PROVIDER to resolve through AWS Secrets
	// Manager, Vault, or GCP Secret Manager instead.
	secretsProvider, err := secrets.NewProvider(secrets.LoadConfigFromEnv())
	if err != nil {
		slog.Error("Failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}

	// Outbound HTTP mediation, tuned from loaded config rather than defaults.
	mediatorCfg := buildMediatorConfig(ctx, app.Config, secretsProvider)

	// Message router
	messageRouter := manager.NewRouter(queueConsumer, mediatorCfg)
	queueManager := messageRouter.Manager()

	// Warning store, with CRITICAL entries forwarded to an operator channel
	warningService := warning.NewInMemoryService()
	notifService := setupNotificationService(app.Config)
	warningService.SetNotifier(notification.WarningNotifierAdapter{Service: notifService})
	warningHandler := warning.NewHandler(warningService)

	// Traffic registrar, toggled by leader-election role changes
	trafficService := traffic.NewService(&traffic.Config{
		Enabled:  app.Config.Traffic.Enabled,
		Strategy: app.Config.Traffic.Strategy,
		ELBv2: traffic.ELBv2Config{
			Region:         app.Config.Traffic.Region,
			TargetGroupARN: app.Config.Traffic.TargetGroupARN,
			TargetID:       app.Config.Traffic.TargetID,
			TargetPort:     app.Config.Traffic.TargetPort,
		},
	})

	routerService := manager.NewRouterService(messageRouter)

	// Standby service for leader election
	standbyService := setupStandbyService(ctx, app.Config, routerService, trafficService, secretsProvider)
	queueManager.WithStandbyChecker(standbyService).WithWarningService(warningService)

	// Pool/subscription config resolver
	syncCfg := manager.DefaultConfigSyncConfig()
	syncCfg.Enabled = true
	syncCfg.Interval = app.Config.ConfigSource.SyncInterval
	switch app.Config.ConfigSource.Type {
	case "mongo":
		queueManager.WithConfigSync(app.DB, syncCfg)
	default:
		queueManager.WithConfigFile(app.Config.ConfigSource.FilePath, syncCfg)
	}

	// Monitoring API aggregating pool/queue/warning/circuit-breaker/standby/traffic state
	monitoringHandler := setupMonitoringHandler(app.Config, queueManager, warningService, standbyService, trafficService, brokerChecker)

	// HTTP Router
	httpRouter := setupHTTPRouter(probeChecker, standbyService, warningHandler, monitoringHandler)

	// HTTP Server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	// Build the service list based on configuration
	var services []lifecycle.Service

	// HTTP service (always runs)
	httpService := lifecycle.NewHTTPService("http-server", httpServer)
	services = append(services, httpService)

	// Standby service wraps router lifecycle when leader election is enabled
	if app.Config.Leader.Enabled {
		standbyServiceWrapper := newStandbyServiceWrapper(standbyService)
		services = append(services, standbyServiceWrapper)
	} else {
		// No leader election - run router directly
		services = append(services, routerService)
	}

	slog.Info("Router ready",
		"port", app.Config.HTTP.Port,
		"queueType", app.Config.Queue.Type,
		"leaderElection", app.Config.Leader.Enabled,
		"trafficManagement", app.Config.Traffic.Enabled,
		"configSource", app.Config.ConfigSource.Type)

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("DispatchRouter Message Router stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("DISPATCHROUTER_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// buildMediatorConfig translates the loaded env-driven config into the
// mediator's own config type instead of falling back to all defaults. The
// default bearer token (used only when a message arrives with no auth_token
// of its own) is resolved through the secrets provider under the key
// "mediator-default-bearer-token"; its absence is not an error.
func buildMediatorConfig(ctx context.Context, cfg *config.Config, secretsProvider secrets.Provider) *mediator.HTTPMediatorConfig {
	defaults := mediator.DefaultHTTPMediatorConfig()

	var defaultToken string
	if token, err := secretsProvider.Get(ctx, "mediator-default-bearer-token"); err == nil {
		defaultToken = token
	}

	return &mediator.HTTPMediatorConfig{
		Timeout:                   cfg.Mediator.Timeout,
		HTTPVersion:               defaults.HTTPVersion,
		MaxRetries:                cfg.Mediator.MaxRetries,
		BaseBackoff:               cfg.Mediator.BaseBackoff,
		CircuitBreakerEnabled:     cfg.Mediator.CircuitBreakerEnabled,
		CircuitBreakerRequests:    cfg.Mediator.CircuitBreakerRequests,
		CircuitBreakerInterval:    cfg.Mediator.CircuitBreakerInterval,
		CircuitBreakerRatio:       cfg.Mediator.CircuitBreakerRatio,
		CircuitBreakerTimeout:     cfg.Mediator.CircuitBreakerTimeout,
		CircuitBreakerMinRequests: cfg.Mediator.CircuitBreakerMinRequests,
		DefaultAuthToken:          defaultToken,
	}
}

// setupQueue initializes the queue consumer based on configuration.
// Returns the consumer, a liveness/readiness check, a broker connectivity
// checker for the monitoring API, and any error.
func setupQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, probe.CheckFunc, health.BrokerConnectivityChecker, error) {
	cfg := app.Config

	switch cfg.Queue.Type {
	case "nats":
		return setupNATSQueue(ctx, app)
	case "sqs":
		return setupSQSQueue(ctx, app)
	case "embedded":
		embCfg := natsqueue.DefaultEmbeddedConfig()
		embCfg.DataDir = cfg.Queue.NATS.DataDir
		srv, err := natsqueue.NewEmbeddedServer(embCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		app.AddCleanup(srv.Close)
		consumer, err := srv.CreateConsumer(ctx, "router-consumer", "dispatch.>", nil)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create embedded NATS consumer: %w", err)
		}
		return consumer, probe.NATSCheck(srv.Connection().IsConnected), constCheck{true}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown queue type: %s (use 'embedded', 'nats' or 'sqs')", cfg.Queue.Type)
	}
}

func setupNATSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, probe.CheckFunc, health.BrokerConnectivityChecker, error) {
	cfg := app.Config

	slog.Info("Connecting to NATS server", "url", cfg.Queue.NATS.URL)

	natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
		URL:        cfg.Queue.NATS.URL,
		StreamName: "DISPATCH",
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from NATS")
		return natsClient.Close()
	})

	consumer, err := natsClient.CreateConsumer(ctx, "router-consumer", "dispatch.>")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
	}

	probeCheck := probe.NATSCheck(func() bool {
		return true // NATS client doesn't expose connection state easily
	})

	slog.Info("Connected to NATS server")
	return consumer, probeCheck, constCheck{true}, nil
}

func setupSQSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, probe.CheckFunc, health.BrokerConnectivityChecker, error) {
	cfg := app.Config

	slog.Info("Connecting to AWS SQS",
		"region", cfg.Queue.SQS.Region,
		"queueURL", cfg.Queue.SQS.QueueURL)

	sqsCfg := &queue.SQSConfig{
		QueueURL:            cfg.Queue.SQS.QueueURL,
		Region:              cfg.Queue.SQS.Region,
		WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
		VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
		MaxNumberOfMessages: 10,
	}

	sqsClient, err := sqsqueue.NewClient(ctx, sqsCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from SQS")
		return sqsClient.Close()
	})

	consumer, err := sqsClient.CreateConsumer(ctx, "router-consumer", "")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create SQS consumer: %w", err)
	}

	probeCheck := probe.SQSCheck(func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sqsClient.HealthCheck(checkCtx)
	})

	slog.Info("Connected to AWS SQS")
	return consumer, probeCheck, sqsBrokerChecker{sqsClient}, nil
}

// constCheck is a BrokerConnectivityChecker that always reports healthy,
// used where the underlying client has no cheap connectivity probe.
type constCheck struct{ healthy bool }

func (c constCheck) CheckConnectivity(ctx context.Context) error {
	if !c.healthy {
		return fmt.Errorf("broker unavailable")
	}
	return nil
}

func (c constCheck) CheckQueueAccessible(ctx context.Context, queueName string) error {
	return c.CheckConnectivity(ctx)
}

// sqsBrokerChecker adapts the SQS client's health check to health.BrokerConnectivityChecker.
type sqsBrokerChecker struct {
	client *sqsqueue.Client
}

func (c sqsBrokerChecker) CheckConnectivity(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}

func (c sqsBrokerChecker) CheckQueueAccessible(ctx context.Context, queueName string) error {
	return c.client.HealthCheck(ctx)
}

// setupStandbyService configures leader election, backed by Redis when
// enabled and a configured lock URL is present.
func setupStandbyService(ctx context.Context, cfg *config.Config, routerService *manager.RouterService, trafficService *traffic.Service, secretsProvider secrets.Provider) *standby.Service {
	standbyCfg := &standby.Config{
		Enabled:         cfg.Leader.Enabled,
		InstanceID:      cfg.Leader.InstanceID,
		LockKey:         "dispatchrouter:router:leader",
		LockTTL:         cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
	}

	callbacks := &standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became PRIMARY - starting message processing")
			routerService.Resume()
			trafficService.RegisterAsActive()
		},
		OnBecomeStandby: func() {
			slog.Info("Became STANDBY - stopping message processing")
			routerService.Pause()
			trafficService.DeregisterFromActive()
		},
	}

	svc := standby.NewService(standbyCfg, callbacks)

	if cfg.Leader.Enabled {
		redisURL := cfg.Leader.RedisURL
		if resolved, err := secretsProvider.Get(ctx, "standby-redis-url"); err == nil {
			redisURL = resolved
		}

		provider, err := standby.NewRedisLockProvider(redisURL)
		if err != nil {
			slog.Error("Failed to create Redis lock provider, falling back to standalone", "error", err)
			svc.SetLockProvider(standby.NewNoOpLockProvider(svc.GetInstanceID()))
		} else {
			svc.SetLockProvider(provider)
		}
	}

	return svc
}

// setupNotificationService builds the operator-alert channel for CRITICAL
// warnings. Defaults to a no-op sink; set NOTIFICATION_TEAMS_WEBHOOK_URL or
// the SMTP variables to enable a real channel.
func setupNotificationService(cfg *config.Config) notification.Service {
	var delegates []notification.Service

	if webhookURL := os.Getenv("NOTIFICATION_TEAMS_WEBHOOK_URL"); webhookURL != "" {
		delegates = append(delegates, notification.NewTeamsService(&notification.TeamsConfig{
			WebhookURL: webhookURL,
			Enabled:    true,
		}))
	}

	if smtpHost := os.Getenv("NOTIFICATION_SMTP_HOST"); smtpHost != "" {
		smtpPort := 587
		if p, err := strconv.Atoi(os.Getenv("NOTIFICATION_SMTP_PORT")); err == nil {
			smtpPort = p
		}
		delegates = append(delegates, notification.NewEmailService(&notification.EmailConfig{
			SMTPHost:    smtpHost,
			SMTPPort:    smtpPort,
			Username:    os.Getenv("NOTIFICATION_SMTP_USERNAME"),
			Password:    os.Getenv("NOTIFICATION_SMTP_PASSWORD"),
			FromAddress: os.Getenv("NOTIFICATION_SMTP_FROM"),
			ToAddress:   os.Getenv("NOTIFICATION_SMTP_TO"),
			Enabled:     true,
		}))
	}

	if len(delegates) == 0 {
		return notification.NewNoOpService()
	}

	batching := notification.NewBatchingService(delegates, nil)
	go func() {
		ticker := time.NewTicker(notification.DefaultBatchingConfig().BatchWindow)
		defer ticker.Stop()
		for range ticker.C {
			batching.SendBatch()
		}
	}()
	return batching
}

// setupMonitoringHandler wires the monitoring API against every live
// subsystem: pool/queue stats, warnings, circuit breakers, standby, traffic.
func setupMonitoringHandler(
	cfg *config.Config,
	queueManager *manager.QueueManager,
	warningService *warning.InMemoryService,
	standbyService *standby.Service,
	trafficService *traffic.Service,
	brokerChecker health.BrokerConnectivityChecker,
) *api.MonitoringHandler {
	queueType := health.QueueTypeEmbedded
	switch strings.ToLower(cfg.Queue.Type) {
	case "nats":
		queueType = health.QueueTypeNATS
	case "sqs":
		queueType = health.QueueTypeSQS
	}

	infraHealth := health.NewInfrastructureHealthService(true, queueManager)
	brokerHealth := health.NewBrokerHealthService(true, queueType, brokerChecker)

	healthStatus := health.NewHealthStatusService(infraHealth, brokerHealth, queueManager)
	healthStatus.SetCircuitBreakerGetter(queueManager.Mediator())
	healthStatus.SetWarningGetter(warning.HealthAdapter{Service: warningService})
	healthStatus.SetQueueStatsGetter(queueManager)

	handler := api.NewMonitoringHandler(healthStatus, queueManager)
	handler.SetQueueMetrics(queueManager)
	handler.SetWarningService(warning.HealthAdapter{Service: warningService}, warning.HealthAdapter{Service: warningService})
	handler.SetCircuitBreakerService(queueManager.Mediator(), queueManager.Mediator())
	handler.SetStandbyService(standbyService)
	handler.SetTrafficService(traffic.HealthAdapter{Service: trafficService})

	return handler
}

// setupHTTPRouter creates the HTTP router with health/metrics/monitoring endpoints.
func setupHTTPRouter(probeChecker *probe.Checker, standbyService *standby.Service, warningHandler *warning.Handler, monitoringHandler *api.MonitoringHandler) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/q/health", probeChecker.HandleHealth)
	r.Get("/q/health/live", probeChecker.HandleLive)
	r.Get("/q/health/ready", probeChecker.HandleReady)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Standby status endpoint
	r.Get("/router/status", func(w http.ResponseWriter, req *http.Request) {
		status := standbyService.GetStatus()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"role":"%s","instanceId":"%s","standbyEnabled":%v}`,
			standbyService.GetRole(), standbyService.GetInstanceID(), status.StandbyEnabled)
	})

	// Warning endpoints
	warningHandler.RegisterRoutes(r)

	// Monitoring endpoints (registered on a stdlib mux, forwarded from chi)
	monitoringMux := http.NewServeMux()
	monitoringHandler.RegisterRoutes(monitoringMux)
	r.Handle("/monitoring/*", monitoringMux)

	return r
}

// standbyServiceWrapper wraps standby.Service to implement lifecycle.Service.
type standbyServiceWrapper struct {
	service *standby.Service
}

func newStandbyServiceWrapper(svc *standby.Service) *standbyServiceWrapper {
	return &standbyServiceWrapper{service: svc}
}

func (s *standbyServiceWrapper) Name() string { return "standby-service" }

func (s *standbyServiceWrapper) Start(ctx context.Context) error {
	if err := s.service.Start(); err != nil {
		return err
	}
	// Block until context cancelled
	<-ctx.Done()
	return nil
}

func (s *standbyServiceWrapper) Stop(ctx context.Context) error {
	s.service.Stop()
	return nil
}

func (s *standbyServiceWrapper) Health() error {
	return nil
}
