package mq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"homebase/pkg/otel"
	"homebase/pkg/trace"
	"homebase/pkg/util"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	conn       *amqp091.Connection
	logger     *zap.Logger

	retries         *util.RetryCounter
	maxRedeliveries int64
}

// NewConsumer creates a consumer for a specific routing key.
// The routing key may contain topic wildcards ("workflow.changed.*").
func NewConsumer(url, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,
		routingKey,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// WithRetryCounter caps redeliveries per message. Without it, a message
// whose handler always fails would requeue forever.
func (c *Consumer) WithRetryCounter(rc *util.RetryCounter, maxRedeliveries int64) *Consumer {
	c.retries = rc
	c.maxRedeliveries = maxRedeliveries
	return c
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Stop closes the consumer; the StartConsuming loop exits when the channel closes.
func (c *Consumer) Stop() {
	c.Close()
}

// StartConsuming starts consuming messages. This method blocks and should be called in a goroutine.
func (c *Consumer) StartConsuming() error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	// 最安全的消费模型：保证每条消息都会被 ack 或 nack
	for msg := range deliveries {
		c.handleDelivery(msg)
	}

	return nil
}

func (c *Consumer) handleDelivery(msg amqp091.Delivery) {
	ctx := context.Background()
	if traceID, ok := msg.Headers["x-trace-id"].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	ctx, span := otel.MQConsumeSpan(ctx, msg.RoutingKey, c.queue.Name)
	defer span.End()

	c.logger.Debug("Received message",
		zap.String("routing_key", msg.RoutingKey),
		zap.String("queue", c.queue.Name),
		zap.Int("message_size", len(msg.Body)),
	)

	// Panic 恢复：确保即使 handler panic 也能正确处理消息
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", msg.RoutingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			if err := msg.Nack(false, true); err != nil {
				c.logger.Error("Failed to nack message after panic",
					zap.String("routing_key", msg.RoutingKey),
					zap.Error(err),
				)
			}
		}
	}()

	if err := c.handler(ctx, msg.Body); err != nil {
		c.logger.Error("Handler error",
			zap.String("routing_key", msg.RoutingKey),
			zap.String("queue", c.queue.Name),
			zap.Error(err),
		)
		// 业务失败 → 拒绝消息并重新入队，让 MQ 重试
		// 超过重投上限的毒消息直接丢弃，避免死循环
		if c.exhausted(ctx, msg) {
			c.logger.Error("Message dropped after max redeliveries",
				zap.String("routing_key", msg.RoutingKey),
				zap.String("message_id", msg.MessageId),
				zap.Int64("max_redeliveries", c.maxRedeliveries),
			)
			if err := msg.Ack(false); err != nil {
				c.logger.Error("Failed to ack dropped message",
					zap.String("routing_key", msg.RoutingKey),
					zap.Error(err),
				)
			}
			return
		}
		if err := msg.Nack(false, true); err != nil {
			c.logger.Error("Failed to nack message",
				zap.String("routing_key", msg.RoutingKey),
				zap.Error(err),
			)
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message",
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err),
		)
	}
}

// exhausted reports whether this message has used up its redelivery allowance.
// 没配计数器或消息没有 MessageId 时退化为无限重投（旧行为）
func (c *Consumer) exhausted(ctx context.Context, msg amqp091.Delivery) bool {
	if c.retries == nil || msg.MessageId == "" {
		return false
	}

	key := util.FormatRetryKey(c.queue.Name, msg.MessageId)
	count, err := c.retries.IncrementAndGet(ctx, key)
	if err != nil {
		c.logger.Warn("Redelivery counter unavailable, requeueing",
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err),
		)
		return false
	}

	if count < c.maxRedeliveries {
		return false
	}

	if err := c.retries.Reset(ctx, key); err != nil {
		c.logger.Warn("Failed to reset redelivery counter",
			zap.String("message_id", msg.MessageId),
			zap.Error(err),
		)
	}
	return true
}
