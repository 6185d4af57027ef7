package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"homebase/internal/config"
	"homebase/internal/handler"
	"homebase/internal/httpserver"
	"homebase/internal/observer"
	"homebase/internal/repository"
	"homebase/internal/service/auth"
	"homebase/internal/service/invoice"
	"homebase/internal/service/notify"
	"homebase/internal/service/workflow"
	pkgconfig "homebase/pkg/config"
	"homebase/pkg/db"
	"homebase/pkg/logger"
	"homebase/pkg/mq"
	"homebase/pkg/otel"
	"homebase/pkg/outbox"
	"homebase/pkg/redis"
	"homebase/pkg/util"
)

func main() {
	cfg, err := config.Load(pkgconfig.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting homebase-api...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("mq_url", cfg.MQ.URL),
		zap.String("port", cfg.Server.Port),
	)

	shutdownOtel, err := otel.Init(otel.Config{
		ServiceName:    "homebase-api",
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.Otel.Endpoint,
		Enabled:        cfg.Otel.Enabled,
	}, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownOtel()

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()
	log.Info("Database connection established")

	// MQ Publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Redis
	rdb := redis.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	// Repositories
	workflowRepo := repository.NewWorkflowRepository(dbConn)
	referenceRepo := repository.NewReferenceRepository(dbConn)
	preferenceRepo := repository.NewPreferenceRepository(dbConn)
	notificationRepo := repository.NewNotificationRepository(dbConn)
	outboxRepo := repository.NewOutboxRepository(dbConn)
	invoiceRepo := repository.NewInvoiceRepository(dbConn)
	followUpRepo := repository.NewFollowUpRepository(dbConn)
	userRepo := repository.NewUserRepository(dbConn)
	eventRepo := outbox.NewRepository(dbConn)

	// Services
	dispatcher := notify.NewDispatcher(preferenceRepo, notificationRepo, outboxRepo, publisher, log)
	invoiceGen := invoice.NewGenerator(invoiceRepo, referenceRepo, log)
	txStore := workflow.NewTxStore(workflowRepo, eventRepo)
	machine := workflow.NewMachine(txStore, referenceRepo, dispatcher, invoiceGen, followUpRepo, log)
	authSvc := auth.NewService(userRepo, cfg.JWT.Secret)

	// Change-feed drain: workflow_events -> MQ topic exchange
	eventDispatcher := outbox.NewDispatcher(eventRepo, publisher, log)
	drainCtx, stopDrain := context.WithCancel(context.Background())
	defer stopDrain()
	go eventDispatcher.Start(drainCtx)

	// List cache with coarse invalidation on any workflow change
	subs := observer.NewAMQPSubscriberFactory(cfg.MQ.URL, log).
		WithRetryCounter(util.NewRetryCounter(rdb, time.Hour))
	listCache := observer.NewListCache(rdb, workflowRepo, subs, log)
	if err := listCache.StartInvalidation(); err != nil {
		log.Error("Failed to start list cache invalidation", zap.Error(err))
	}
	defer listCache.StopInvalidation()

	// Handlers
	authHandler := handler.NewAuthHandler(authSvc, log)
	workflowHandler := handler.NewWorkflowHandler(machine, workflowRepo, listCache, log)
	notificationHandler := handler.NewNotificationHandler(dispatcher, notificationRepo, preferenceRepo, log)

	router := httpserver.NewRouter(authHandler, workflowHandler, notificationHandler, cfg.JWT.Secret)
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("homebase-api is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down homebase-api gracefully...")
	stopDrain()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}
}
