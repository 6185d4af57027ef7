package observer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	contractsmq "homebase/contracts/mq"
	"homebase/internal/model"
	"homebase/pkg/mq"
)

type fakeSource struct {
	states map[int64]*model.WorkflowState
	loads  int
}

func (f *fakeSource) GetByServiceRequest(_ context.Context, serviceRequestID int64) (*model.WorkflowState, error) {
	f.loads++
	return f.states[serviceRequestID], nil
}

type fakeSubscription struct {
	stopped bool
}

func (f *fakeSubscription) Stop() { f.stopped = true }

type fakeSubscriberFactory struct {
	routingKeys []string
	handler     mq.MessageHandler
	sub         *fakeSubscription
}

func (f *fakeSubscriberFactory) Subscribe(routingKey string, handler mq.MessageHandler) (Subscription, error) {
	f.routingKeys = append(f.routingKeys, routingKey)
	f.handler = handler
	f.sub = &fakeSubscription{}
	return f.sub, nil
}

func changePayload(t *testing.T, stage model.Stage) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(contractsmq.WorkflowChangedPayload{
		WorkflowID:       5,
		ServiceRequestID: 100,
		HomeownerID:      7,
		Stage:            string(stage),
		LastAction:       "test",
		StageStartedAt:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		UpdatedAt:        time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func TestStageProgress(t *testing.T) {
	tests := []struct {
		stage          model.Stage
		wantCurrent    int
		wantPercentage int
	}{
		{model.StageRequestSubmitted, 1, 7},
		{model.StageQuoteSent, 4, 29},
		{model.StageJobCompleted, 10, 71},
		{model.StageWorkflowComplete, 14, 100},
	}

	for _, tt := range tests {
		srid := int64(100)
		source := &fakeSource{states: map[int64]*model.WorkflowState{
			srid: {ID: 5, ServiceRequestID: &srid, Stage: tt.stage},
		}}
		obs := New(source, &fakeSubscriberFactory{}, zap.NewNop())
		if _, err := obs.Load(context.Background(), srid); err != nil {
			t.Fatalf("load failed: %v", err)
		}

		current, total, percentage := obs.StageProgress()
		if current != tt.wantCurrent || total != 14 || percentage != tt.wantPercentage {
			t.Fatalf("StageProgress(%s) = (%d, %d, %d), want (%d, 14, %d)",
				tt.stage, current, total, percentage, tt.wantCurrent, tt.wantPercentage)
		}
	}
}

func TestStageProgressNoWorkflow(t *testing.T) {
	obs := New(&fakeSource{states: map[int64]*model.WorkflowState{}}, &fakeSubscriberFactory{}, zap.NewNop())

	current, total, percentage := obs.StageProgress()
	if current != 0 || total != 14 || percentage != 0 {
		t.Fatalf("expected (0, 14, 0), got (%d, %d, %d)", current, total, percentage)
	}
}

func TestStageLabelUnknownPassesThrough(t *testing.T) {
	obs := New(&fakeSource{}, &fakeSubscriberFactory{}, zap.NewNop())

	if got := obs.StageLabel(model.StageJobInProgress); got == string(model.StageJobInProgress) {
		t.Fatalf("expected a human label for a known stage, got raw value %q", got)
	}
	if got := obs.StageLabel(model.Stage("made_up_stage")); got != "made_up_stage" {
		t.Fatalf("unknown stage must pass through, got %q", got)
	}
}

func TestToastFiresOncePerStageChange(t *testing.T) {
	subs := &fakeSubscriberFactory{}
	obs := New(&fakeSource{}, subs, zap.NewNop())

	var toasts []string
	obs.OnToast(func(msg string) { toasts = append(toasts, msg) })

	if err := obs.Subscribe(100); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if subs.routingKeys[0] != "workflow.changed.100" {
		t.Fatalf("expected filtered routing key, got %q", subs.routingKeys[0])
	}

	ctx := context.Background()
	// feed 可能重复投递同一行
	if err := subs.handler(ctx, changePayload(t, model.StageJobInProgress)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if err := subs.handler(ctx, changePayload(t, model.StageJobInProgress)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if err := subs.handler(ctx, changePayload(t, model.StageJobCompleted)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if len(toasts) != 2 {
		t.Fatalf("expected 2 toasts (one per stage change), got %d: %v", len(toasts), toasts)
	}
	if toasts[1] != "Workflow Updated: "+model.StageLabel(model.StageJobCompleted) {
		t.Fatalf("unexpected toast text: %q", toasts[1])
	}
}

func TestUnsubscribeStopsSubscription(t *testing.T) {
	subs := &fakeSubscriberFactory{}
	obs := New(&fakeSource{}, subs, zap.NewNop())

	if err := obs.Subscribe(100); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := obs.Subscribe(100); err == nil {
		t.Fatalf("double subscribe must fail")
	}

	obs.Unsubscribe()
	if !subs.sub.stopped {
		t.Fatalf("subscription not stopped")
	}

	// 再次 Unsubscribe 应当安全
	obs.Unsubscribe()

	if err := obs.Subscribe(100); err != nil {
		t.Fatalf("resubscribe after unsubscribe failed: %v", err)
	}
}

func TestHandleChangeReplacesState(t *testing.T) {
	subs := &fakeSubscriberFactory{}
	srid := int64(100)
	source := &fakeSource{states: map[int64]*model.WorkflowState{
		srid: {ID: 5, ServiceRequestID: &srid, HomeownerID: 7, Stage: model.StageQuoteSent, Metadata: map[string]any{"k": "v"}},
	}}
	obs := New(source, subs, zap.NewNop())

	if _, err := obs.Load(context.Background(), srid); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := obs.Subscribe(srid); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := subs.handler(context.Background(), changePayload(t, model.StageJobScheduled)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	state := obs.State()
	if state.Stage != model.StageJobScheduled {
		t.Fatalf("state not replaced, stage %s", state.Stage)
	}
	// payload 没带的字段从上一个快照保留
	if state.Metadata["k"] != "v" {
		t.Fatalf("expected metadata preserved across sparse payloads")
	}
}

func TestIsActiveStage(t *testing.T) {
	active := []model.Stage{model.StageJobInProgress, model.StageAIAnalyzing, model.StageDiagnosticScheduled}
	for _, s := range active {
		if !IsActiveStage(s) {
			t.Fatalf("expected %s active", s)
		}
	}
	static := []model.Stage{model.StageQuoteSent, model.StagePaymentReceived, model.StageWorkflowComplete}
	for _, s := range static {
		if IsActiveStage(s) {
			t.Fatalf("expected %s static", s)
		}
	}
}
