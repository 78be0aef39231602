package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"puclima/config"
	"puclima/log"
	"puclima/observability"
	"puclima/services"

	"go.uber.org/zap"
)

const alertQueueSize = 64

var dryRun = flag.Bool("dry-run", false, "Keep device state in memory instead of Firebase")

func main() {
	flag.Parse()

	// Alert timestamps are shown in station local time
	if loc, err := time.LoadLocation("America/Sao_Paulo"); err == nil {
		time.Local = loc
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.GetInstance().Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize structured logger
	logger := log.Init(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	if !*dryRun {
		if err := cfg.Validate(); err != nil {
			logger.Fatal("Invalid configuration", zap.Error(err))
		}
	}

	// Process context: cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	// Initialize services
	var store services.DeviceStore
	if *dryRun {
		logger.Warn("Dry run: device state is kept in memory only")
		store = services.NewMemoryStore()
	} else {
		firebaseService, err := services.NewFirebaseService(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Firebase service", zap.Error(err))
		}
		defer firebaseService.Close()
		store = services.NewBreakerStore(firebaseService, cfg.StoreBreakerFailures, cfg.StoreBreakerTimeout, logger)
	}

	var telegramService *services.TelegramService
	if cfg.TelegramEnabled() {
		telegramService, err = services.NewTelegramService(cfg, logger)
		if err != nil {
			logger.Error("Telegram alerts disabled", zap.Error(err))
			telegramService = nil
		}
	}

	parser := services.NewParser(cfg.Devices)

	procCfg := services.ProcessorConfig{
		Store:             store,
		Parser:            parser,
		Logger:            logger,
		Metrics:           metrics,
		UpdatesPerSample:  cfg.UpdatesPerSample,
		HistMax:           cfg.HistMax,
		RainWindowMinutes: cfg.RainWindowMinutes,
		KeepRawMessage:    true,
		Anomalies:         services.NewAnomalyDetector(cfg),
	}

	// Alerts leave on their own goroutine so workers never wait on Telegram or webhooks
	alerts := services.NewAlertQueue(alertQueueSize, logger)
	alerts.Start()

	var notifiers services.MultiNotifier
	var alerter services.DeviceAlerter
	if telegramService != nil {
		notifiers = append(notifiers, telegramService)
		alerter = alerts.Alerter(telegramService)
	}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, services.NewWebhookService(logger, cfg.AlertWebhookURL))
		logger.Info("Webhook alerts enabled", zap.String("url", cfg.AlertWebhookURL))
	}
	if len(notifiers) > 0 {
		procCfg.Notifier = alerts.Notifier(notifiers)
	}
	healthCheck := services.NewHealthCheckService(time.Duration(cfg.DeviceTimeoutSeconds)*time.Second, alerter, nil, logger)
	procCfg.Activity = healthCheck

	processor := services.NewProcessor(procCfg)

	// Workers keep their own context so queued readings survive the signal
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	dispatcher := services.NewDispatcher(processor, cfg.WorkerCount, cfg.WorkerQueueLen, logger, metrics)
	dispatcher.Start(workerCtx)

	go healthCheck.Start(ctx)

	httpServer := services.NewHTTPServer(cfg.HTTPAddr, store, healthCheck, logger)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()


	var closeTransport func() error
	switch cfg.Transport {
	case "amqp":
		rabbitMQService, err := services.NewRabbitMQService(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize RabbitMQ service", zap.Error(err))
		}
		closeTransport = rabbitMQService.Close

		consumeDone := make(chan struct{})
		go func() {
			defer close(consumeDone)
			if err := rabbitMQService.Consume(ctx, func(payload []byte) { dispatcher.Submit(payload) }); err != nil {
				logger.Error("RabbitMQ consumer stopped", zap.Error(err))
				stop()
			}
		}()
		defer func() { <-consumeDone }()
	default:
		mqttService := services.NewMQTTService(cfg, logger)
		// paho delivers in order on one goroutine, so the callback must not block
		if err := mqttService.Subscribe(func(payload []byte) { dispatcher.TrySubmit(payload) }); err != nil {
			logger.Fatal("Failed to subscribe", zap.Error(err))
		}
		if err := mqttService.Connect(10 * time.Second); err != nil {
			logger.Fatal("Failed to initialize MQTT service", zap.Error(err))
		}
		closeTransport = mqttService.Close
	}

	// Send startup notification
	if telegramService != nil {
		if err := telegramService.SendStartupMessage(parser.Devices()); err != nil {
			logger.Warn("Failed to send startup message", zap.Error(err))
		}
	}

	logger.Info("PUCLIMA ingestion service started",
		zap.String("transport", cfg.Transport),
		zap.String("topic", cfg.Topic),
		zap.Int("devices", len(cfg.Devices)),
		zap.Int("updates_per_sample", cfg.UpdatesPerSample),
		zap.Int("hist_max", cfg.HistMax),
		zap.Int("rain_window_minutes", cfg.RainWindowMinutes),
		zap.Bool("dry_run", *dryRun),
		zap.Bool("telegram", telegramService != nil),
	)

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping services")

	// Stop intake first, then drain the workers
	if err := closeTransport(); err != nil {
		logger.Error("Error closing transport", zap.Error(err))
	}

	dispatcher.Stop()
	if dispatcher.WaitForShutdown(cfg.ShutdownTimeout) {
		logger.Info("Dispatcher drained")
	} else {
		logger.Warn("Dispatcher drain timeout, abandoning queued readings",
			zap.Int("queued", dispatcher.QueueDepth()))
		cancelWorkers()
	}

	alerts.Close(cfg.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", zap.Error(err))
	}

	logger.Info("PUCLIMA ingestion service stopped")
}
