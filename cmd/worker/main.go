package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	contractsmq "homebase/contracts/mq"
	"homebase/internal/config"
	"homebase/internal/model"
	"homebase/internal/mqhandler"
	"homebase/internal/repository"
	"homebase/internal/service/delivery"
	"homebase/internal/service/notify"
	pkgconfig "homebase/pkg/config"
	"homebase/pkg/db"
	"homebase/pkg/logger"
	"homebase/pkg/mq"
	"homebase/pkg/otel"
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

	log.Info("Starting homebase-worker...",
		zap.String("db_host", cfg.DB.Host),
		zap.String("mq_url", cfg.MQ.URL),
		zap.String("push_gateway", cfg.Delivery.PushGatewayURL),
		zap.String("email_gateway", cfg.Delivery.EmailGatewayURL),
	)

	shutdownOtel, err := otel.Init(otel.Config{
		ServiceName:    "homebase-worker",
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

	// MQ Publisher (死信 + 兜底通知)
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// 死信拓扑必须先声明；往不存在的 exchange 发布会直接关掉 channel
	if err := publisher.EnsureDLQ(contractsmq.RoutingKeyNotificationFailed); err != nil {
		log.Fatal("Failed to declare DLQ topology", zap.Error(err))
	}

	// Redis (立即路径与扫描路径之间去重)
	rdb := redis.NewRedisClient(cfg.Redis)
	defer rdb.Close()
	deduper := util.NewDeduper(rdb, 30*time.Second)

	// Repositories
	outboxRepo := repository.NewOutboxRepository(dbConn)
	notificationRepo := repository.NewNotificationRepository(dbConn)
	preferenceRepo := repository.NewPreferenceRepository(dbConn)
	followUpRepo := repository.NewFollowUpRepository(dbConn)

	// Delivery gateways
	senders := []delivery.Sender{
		delivery.NewGatewayClient(model.ChannelPush, cfg.Delivery.PushGatewayURL),
		delivery.NewGatewayClient(model.ChannelEmail, cfg.Delivery.EmailGatewayURL),
	}

	worker := delivery.NewWorker(outboxRepo, notificationRepo, senders, deduper, publisher, log).
		WithMaxRetries(cfg.Delivery.MaxRetries).
		WithScanInterval(time.Duration(cfg.Delivery.ScanIntervalSec) * time.Second).
		WithBatchSize(cfg.Delivery.BatchSize)

	// Follow-up scanner shares the dispatcher so review requests honor
	// the same preference and quiet-hours policy.
	dispatcher := notify.NewDispatcher(preferenceRepo, notificationRepo, outboxRepo, publisher, log)
	followUpScanner := delivery.NewFollowUpScanner(followUpRepo, dispatcher, log)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go worker.Start(workerCtx)
	go followUpScanner.Start(workerCtx)

	// notification.deliver consumer (立即投递)
	deliverHandler := mqhandler.NewDeliverHandler(worker, log)
	consumer, err := mq.NewConsumer(cfg.MQ.URL, "notification.deliver.q", contractsmq.RoutingKeyNotificationDeliver, log)
	if err != nil {
		log.Fatal("Failed to init deliver consumer", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(deliverHandler.Handle)
	consumer.WithRetryCounter(util.NewRetryCounter(rdb, time.Hour), 5)

	go func() {
		if err := consumer.StartConsuming(); err != nil {
			log.Fatal("Deliver consumer failed", zap.Error(err))
		}
	}()

	// Health + metrics endpoint
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + pkgconfig.GetEnv("WORKER_PORT", "8081"), Handler: mux}

	go func() {
		log.Info("Worker HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Worker HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("homebase-worker is fully initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down homebase-worker gracefully...")
	consumer.Stop()
	stopWorker()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Worker HTTP server shutdown error", zap.Error(err))
	}
}
