package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

const (
	DLQExchangeName = "notification.deliver.dlq"
)

// topologyDeclarer 声明 DLQ 拓扑需要的最小 channel 能力
type topologyDeclarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
}

// DeclareDLQExchange declares the dead letter exchange.
func DeclareDLQExchange(ch topologyDeclarer) error {
	return ch.ExchangeDeclare(
		DLQExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// DeclareDLQQueue declares and binds the dead letter queue for one routing key.
func DeclareDLQQueue(ch topologyDeclarer, routingKey string) (amqp091.Queue, error) {
	queueName := fmt.Sprintf("%s.dlq", routingKey)

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,
		routingKey,
		DLQExchangeName,
		false,
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind DLQ queue: %w", err)
	}

	return q, nil
}

// EnsureDLQ declares the dead letter exchange and a bound queue per
// routing key. Publishing to an undeclared exchange closes the channel
// with a 404, so call this before the first PublishToDLQ.
func (p *Publisher) EnsureDLQ(routingKeys ...string) error {
	return ensureDLQTopology(p.channel, routingKeys...)
}

func ensureDLQTopology(ch topologyDeclarer, routingKeys ...string) error {
	if err := DeclareDLQExchange(ch); err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}
	for _, rk := range routingKeys {
		if _, err := DeclareDLQQueue(ch, rk); err != nil {
			return fmt.Errorf("failed to declare DLQ queue for %s: %w", rk, err)
		}
	}
	return nil
}

// PublishToDLQ publishes an undeliverable message to the dead letter queue.
func (p *Publisher) PublishToDLQ(routingKey string, payload []byte, originalError string) error {
	headers := amqp091.Table{
		"x-original-error": originalError,
		"x-failed-at":      "worker",
	}

	return p.channel.Publish(
		DLQExchangeName,
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp091.Persistent,
			Headers:      headers,
		},
	)
}
