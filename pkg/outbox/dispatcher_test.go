package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"homebase/pkg/trace"
)

type fakeEventSource struct {
	pending []*Event
	loadErr error

	sent      []int64
	failed    []int64
	failedMax []int
}

func (f *fakeEventSource) GetPendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeEventSource) MarkAsSent(ctx context.Context, eventID int64) error {
	f.sent = append(f.sent, eventID)
	return nil
}

func (f *fakeEventSource) MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error {
	f.failed = append(f.failed, eventID)
	f.failedMax = append(f.failedMax, maxRetries)
	return nil
}

type published struct {
	routingKey string
	traceID    string
}

type fakeCommander struct {
	published []published
	failKeys  map[string]error
}

func (f *fakeCommander) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	if err, ok := f.failKeys[routingKey]; ok {
		return err
	}
	f.published = append(f.published, published{
		routingKey: routingKey,
		traceID:    trace.FromContext(ctx),
	})
	return nil
}

func event(id int64, routingKey, payload string) *Event {
	return &Event{
		ID:         id,
		RoutingKey: routingKey,
		Payload:    json.RawMessage(payload),
		Status:     "pending",
	}
}

func TestDrainOncePublishesAndMarksSent(t *testing.T) {
	source := &fakeEventSource{pending: []*Event{
		event(1, "workflow.changed.100", `{"service_request_id":100}`),
		event(2, "workflow.changed.101", `{"service_request_id":101}`),
	}}
	commander := &fakeCommander{}
	d := NewDispatcher(source, commander, zap.NewNop())

	d.DrainOnce(context.Background())

	if len(commander.published) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(commander.published))
	}
	if commander.published[0].routingKey != "workflow.changed.100" {
		t.Fatalf("unexpected routing key %q", commander.published[0].routingKey)
	}
	if len(source.sent) != 2 || source.sent[0] != 1 || source.sent[1] != 2 {
		t.Fatalf("expected events 1,2 marked sent, got %v", source.sent)
	}
	if len(source.failed) != 0 {
		t.Fatalf("no event should be marked failed, got %v", source.failed)
	}
}

func TestDrainOncePublishFailureMarksFailedAndContinues(t *testing.T) {
	source := &fakeEventSource{pending: []*Event{
		event(1, "workflow.changed.100", `{}`),
		event(2, "workflow.changed.101", `{}`),
	}}
	commander := &fakeCommander{failKeys: map[string]error{
		"workflow.changed.100": errors.New("broker unavailable"),
	}}
	d := NewDispatcher(source, commander, zap.NewNop()).WithMaxRetries(3)

	d.DrainOnce(context.Background())

	if len(source.failed) != 1 || source.failed[0] != 1 {
		t.Fatalf("expected event 1 marked failed, got %v", source.failed)
	}
	if source.failedMax[0] != 3 {
		t.Fatalf("expected configured retry ceiling 3, got %d", source.failedMax[0])
	}
	// 第一个失败不阻塞后面的事件
	if len(source.sent) != 1 || source.sent[0] != 2 {
		t.Fatalf("expected event 2 still sent, got %v", source.sent)
	}
}

func TestDrainOncePropagatesTraceID(t *testing.T) {
	source := &fakeEventSource{pending: []*Event{
		event(1, "workflow.changed.100", `{"service_request_id":100,"trace_id":"abc123"}`),
	}}
	commander := &fakeCommander{}
	d := NewDispatcher(source, commander, zap.NewNop())

	d.DrainOnce(context.Background())

	if len(commander.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(commander.published))
	}
	if commander.published[0].traceID != "abc123" {
		t.Fatalf("expected trace id from payload, got %q", commander.published[0].traceID)
	}
}

func TestDrainOnceMalformedPayloadMarksFailed(t *testing.T) {
	source := &fakeEventSource{pending: []*Event{
		event(1, "workflow.changed.100", `{not json`),
	}}
	commander := &fakeCommander{}
	d := NewDispatcher(source, commander, zap.NewNop())

	d.DrainOnce(context.Background())

	if len(commander.published) != 0 {
		t.Fatalf("malformed payload must not be published")
	}
	if len(source.failed) != 1 {
		t.Fatalf("expected malformed event marked failed, got %v", source.failed)
	}
}

func TestDrainOnceLoadFailurePublishesNothing(t *testing.T) {
	source := &fakeEventSource{loadErr: errors.New("connection refused")}
	commander := &fakeCommander{}
	d := NewDispatcher(source, commander, zap.NewNop())

	d.DrainOnce(context.Background())

	if len(commander.published) != 0 {
		t.Fatalf("expected no publishes on load failure")
	}
}

func TestDrainOnceRespectsBatchSize(t *testing.T) {
	source := &fakeEventSource{pending: []*Event{
		event(1, "workflow.changed.100", `{}`),
		event(2, "workflow.changed.101", `{}`),
		event(3, "workflow.changed.102", `{}`),
	}}
	commander := &fakeCommander{}
	d := NewDispatcher(source, commander, zap.NewNop()).WithBatchSize(2)

	d.DrainOnce(context.Background())

	if len(commander.published) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(commander.published))
	}
}
