package mq

import (
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"
)

type declaredQueue struct {
	name    string
	durable bool
}

type boundQueue struct {
	queue      string
	routingKey string
	exchange   string
}

type fakeDeclarer struct {
	exchanges  []string
	queues     []declaredQueue
	bindings   []boundQueue
	declareErr error
}

func (f *fakeDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	if f.declareErr != nil {
		return f.declareErr
	}
	if kind != "topic" || !durable {
		return errors.New("dead letter exchange must be a durable topic")
	}
	f.exchanges = append(f.exchanges, name)
	return nil
}

func (f *fakeDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	f.queues = append(f.queues, declaredQueue{name: name, durable: durable})
	return amqp091.Queue{Name: name}, nil
}

func (f *fakeDeclarer) QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error {
	f.bindings = append(f.bindings, boundQueue{queue: name, routingKey: key, exchange: exchange})
	return nil
}

func TestEnsureDLQTopologyDeclaresExchangeAndBoundQueues(t *testing.T) {
	ch := &fakeDeclarer{}

	if err := ensureDLQTopology(ch, "notification.failed"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	if len(ch.exchanges) != 1 || ch.exchanges[0] != DLQExchangeName {
		t.Fatalf("expected DLQ exchange declared, got %v", ch.exchanges)
	}
	if len(ch.queues) != 1 || ch.queues[0].name != "notification.failed.dlq" {
		t.Fatalf("expected queue notification.failed.dlq, got %v", ch.queues)
	}
	if !ch.queues[0].durable {
		t.Fatalf("DLQ queue must be durable")
	}
	if len(ch.bindings) != 1 {
		t.Fatalf("expected one binding, got %v", ch.bindings)
	}
	b := ch.bindings[0]
	if b.queue != "notification.failed.dlq" || b.routingKey != "notification.failed" || b.exchange != DLQExchangeName {
		t.Fatalf("wrong binding: %+v", b)
	}
}

func TestEnsureDLQTopologyDeclareFailureSurfaces(t *testing.T) {
	ch := &fakeDeclarer{declareErr: errors.New("access refused")}

	if err := ensureDLQTopology(ch, "notification.failed"); err == nil {
		t.Fatalf("exchange declare failure must surface")
	}
	if len(ch.queues) != 0 {
		t.Fatalf("no queue may be declared when the exchange declare fails")
	}
}
