package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"homebase/contracts/mq"
	"homebase/internal/model"
	"homebase/pkg/logger"
	"homebase/pkg/metrics"
	"homebase/pkg/util"
)

// OutboxQueue 待投递队列
type OutboxQueue interface {
	GetPending(ctx context.Context, limit int) ([]*model.OutboxEntry, error)
	GetPendingForNotification(ctx context.Context, notificationID int64) ([]*model.OutboxEntry, error)
	MarkSent(ctx context.Context, entryID int64) error
	MarkFailed(ctx context.Context, entryID int64, maxRetries int, lastError string) error
}

// NotificationSource 通知内容读取与投递状态回写
type NotificationSource interface {
	GetByID(ctx context.Context, id int64) (*model.Notification, error)
	MarkDelivered(ctx context.Context, id int64, channel model.Channel) error
}

// Deduper keeps the immediate delivery path and the periodic scan from
// double-sending the same outbox entry.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler string, id int64) bool
	Release(ctx context.Context, handler string, id int64)
}

// DeadLetterPublisher 投递彻底失败后的死信出口
type DeadLetterPublisher interface {
	PublishToDLQ(routingKey string, payload []byte, originalError string) error
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

const dedupeHandler = "notification_outbox"

// Worker drains the notification outbox: it sends pending push/email
// entries through their gateways, records delivery, and escalates
// exhausted entries to the dead-letter queue.
type Worker struct {
	queue         OutboxQueue
	notifications NotificationSource
	senders       map[model.Channel]Sender
	deduper       Deduper
	publisher     DeadLetterPublisher
	logger        *zap.Logger

	maxRetries   int
	scanInterval time.Duration
	batchSize    int
}

func NewWorker(
	queue OutboxQueue,
	notifications NotificationSource,
	senders []Sender,
	deduper Deduper,
	publisher DeadLetterPublisher,
	log *zap.Logger,
) *Worker {
	byChannel := make(map[model.Channel]Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Channel()] = s
	}
	return &Worker{
		queue:         queue,
		notifications: notifications,
		senders:       byChannel,
		deduper:       deduper,
		publisher:     publisher,
		logger:        log,
		maxRetries:    5,
		scanInterval:  10 * time.Second,
		batchSize:     100,
	}
}

func (w *Worker) WithMaxRetries(n int) *Worker {
	w.maxRetries = n
	return w
}

func (w *Worker) WithScanInterval(d time.Duration) *Worker {
	w.scanInterval = d
	return w
}

func (w *Worker) WithBatchSize(n int) *Worker {
	w.batchSize = n
	return w
}

// Start 周期扫描 pending 行直到 ctx 取消
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Notification delivery worker started",
		zap.Duration("scan_interval", w.scanInterval),
		zap.Int("batch_size", w.batchSize),
	)

	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Notification delivery worker stopped")
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	entries, err := w.queue.GetPending(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("Failed to fetch pending outbox entries", zap.Error(err))
		return
	}
	for _, entry := range entries {
		w.processEntry(ctx, entry)
	}
}

// DeliverNotification 立即投递某条通知的全部 pending 行
// （notification.deliver 消息的处理入口）。
func (w *Worker) DeliverNotification(ctx context.Context, notificationID int64) error {
	entries, err := w.queue.GetPendingForNotification(ctx, notificationID)
	if err != nil {
		return fmt.Errorf("failed to load outbox entries for notification %d: %w", notificationID, err)
	}
	for _, entry := range entries {
		w.processEntry(ctx, entry)
	}
	return nil
}

func (w *Worker) processEntry(ctx context.Context, entry *model.OutboxEntry) {
	log := logger.WithTrace(ctx, w.logger).With(
		zap.Int64("entry_id", entry.ID),
		zap.Int64("notification_id", entry.NotificationID),
		zap.String("channel", string(entry.Channel)),
	)

	// 立即路径和扫描路径可能同时摸到同一行
	if !w.deduper.AcquireOnce(ctx, dedupeHandler, entry.ID) {
		return
	}
	defer w.deduper.Release(ctx, dedupeHandler, entry.ID)

	n, err := w.notifications.GetByID(ctx, entry.NotificationID)
	if err != nil {
		log.Error("Failed to load notification for outbox entry", zap.Error(err))
		w.fail(ctx, entry, n, err, log)
		return
	}

	sender, ok := w.senders[entry.Channel]
	if !ok {
		log.Error("No sender configured for channel")
		w.fail(ctx, entry, n, fmt.Errorf("no sender for channel %s", entry.Channel), log)
		return
	}

	start := time.Now()
	err = sender.Send(ctx, Message{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Title:          n.Title,
		Body:           n.Body,
		ActionURL:      n.ActionURL,
		Metadata:       n.Metadata,
	})
	if err != nil {
		metrics.RecordOutboxDelivery(string(entry.Channel), "failure", time.Since(start))
		w.fail(ctx, entry, n, err, log)
		return
	}
	metrics.RecordOutboxDelivery(string(entry.Channel), "success", time.Since(start))

	if err := w.queue.MarkSent(ctx, entry.ID); err != nil {
		log.Error("Failed to mark outbox entry sent", zap.Error(err))
		return
	}
	if err := w.notifications.MarkDelivered(ctx, n.ID, entry.Channel); err != nil {
		log.Warn("Failed to mark notification delivered", zap.Error(err))
	}
	log.Info("Notification delivered")
}

func (w *Worker) fail(ctx context.Context, entry *model.OutboxEntry, n *model.Notification, cause error, log *zap.Logger) {
	retryable, reason := util.IsRetryableError(cause)
	nextRetry := entry.RetryCount + 1
	exhausted := !retryable || nextRetry >= w.maxRetries

	log.Warn("Delivery attempt failed",
		zap.Int("retry_count", entry.RetryCount),
		zap.Bool("retryable", retryable),
		zap.String("reason", reason),
		zap.Error(cause),
	)

	// 不可重试的错误直接按打满处理，行立即转为 failed
	markMax := w.maxRetries
	if !retryable {
		markMax = nextRetry
	}
	if err := w.queue.MarkFailed(ctx, entry.ID, markMax, cause.Error()); err != nil {
		log.Error("Failed to mark outbox entry failed", zap.Error(err))
		return
	}

	if !exhausted {
		return
	}

	userID := int64(0)
	if n != nil {
		userID = n.UserID
	}
	payload := mq.NotificationFailedPayload{
		NotificationID: entry.NotificationID,
		UserID:         userID,
		Channel:        string(entry.Channel),
		Error:          cause.Error(),
		RetryCount:     nextRetry,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error("Failed to encode dead-letter payload", zap.Error(err))
		return
	}
	if err := w.publisher.PublishToDLQ(mq.RoutingKeyNotificationFailed, body, cause.Error()); err != nil {
		log.Error("Failed to publish to dead-letter queue", zap.Error(err))
	}
	if err := w.publisher.PublishWithContext(ctx, mq.RoutingKeyNotificationFailed, payload); err != nil {
		log.Warn("Failed to publish delivery-failure event", zap.Error(err))
	}
}
