package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"homebase/pkg/metrics"
	"homebase/pkg/trace"
)

// EventSource 待外发事件的读写入口
type EventSource interface {
	GetPendingEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkAsSent(ctx context.Context, eventID int64) error
	MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error
}

// Commander publishes drained events to the message bus.
type Commander interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// Dispatcher 把和业务写入同一事务落库的事件行外发到 MQ。
// 行在事务里提交，本循环保证事件最终可见（at-least-once）。
type Dispatcher struct {
	source     EventSource
	commander  Commander
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

func NewDispatcher(source EventSource, commander Commander, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		source:     source,
		commander:  commander,
		logger:     logger,
		maxRetries: 5,
		interval:   1 * time.Second,
		batchSize:  100,
	}
}

// WithMaxRetries 设置单个事件的最大重试次数，超过后标记为 failed
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	d.maxRetries = maxRetries
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

// WithBatchSize 设置每轮扫描的事件数上限
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// Start blocks until ctx is cancelled; run it in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting outbox dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")
			return
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce publishes one batch of pending events. Failed events keep
// their pending status until the retry count crosses maxRetries.
func (d *Dispatcher) DrainOnce(ctx context.Context) {
	events, err := d.source.GetPendingEvents(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("Failed to load pending events", zap.Error(err))
		return
	}

	for _, event := range events {
		if err := d.publish(ctx, event); err != nil {
			d.logger.Error("Failed to publish event",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)
			metrics.RecordEventDrained("failed")

			if err := d.source.MarkAsFailed(ctx, event.ID, d.maxRetries); err != nil {
				d.logger.Error("Failed to mark event as failed",
					zap.Int64("event_id", event.ID),
					zap.Error(err),
				)
			}
			continue
		}

		metrics.RecordEventDrained("sent")
		if err := d.source.MarkAsSent(ctx, event.ID); err != nil {
			// 发布成功但标记失败 → 下一轮会重发，消费端靠幂等兜底
			d.logger.Error("Failed to mark event as sent",
				zap.Int64("event_id", event.ID),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, event *Event) error {
	var payload interface{}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	// payload 里带 trace_id 时透传到消息头，保持端到端链路
	if traceID := traceIDFromPayload(event.Payload); traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}

	if err := d.commander.PublishWithContext(ctx, event.RoutingKey, payload); err != nil {
		return fmt.Errorf("failed to publish to MQ: %w", err)
	}

	return nil
}

func traceIDFromPayload(payload json.RawMessage) string {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	traceID, _ := fields["trace_id"].(string)
	return traceID
}
