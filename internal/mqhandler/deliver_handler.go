package mqhandler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	contractsmq "homebase/contracts/mq"
	"homebase/internal/service/delivery"
	"homebase/pkg/logger"
)

// DeliverHandler processes notification.deliver messages: the
// fire-and-forget nudge the dispatcher sends right after creating
// outbox entries, so users usually get push/email within seconds
// instead of waiting for the next scan.
type DeliverHandler struct {
	worker *delivery.Worker
	logger *zap.Logger
}

func NewDeliverHandler(worker *delivery.Worker, log *zap.Logger) *DeliverHandler {
	return &DeliverHandler{worker: worker, logger: log}
}

func (h *DeliverHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p contractsmq.NotificationDeliverPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal NotificationDeliverPayload", zap.Error(err))
		// 消息体坏了重试也没用，直接消费掉
		return nil
	}

	log := logger.WithTrace(ctx, h.logger)
	log.Info("Handling notification.deliver",
		zap.Int64("notification_id", p.NotificationID),
		zap.Bool("immediate", p.Immediate),
	)

	if err := h.worker.DeliverNotification(ctx, p.NotificationID); err != nil {
		log.Error("Immediate delivery failed", zap.Error(err))
		// Outbox 扫描会兜底重试；这里不让 MQ 重新入队
	}
	return nil
}
