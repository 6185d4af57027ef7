package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	contractsmq "homebase/contracts/mq"
	"homebase/internal/model"
	"homebase/pkg/mq"
	"homebase/pkg/trace"
	"homebase/pkg/util"
)

// WorkflowSource 工作流读取入口
type WorkflowSource interface {
	GetByServiceRequest(ctx context.Context, serviceRequestID int64) (*model.WorkflowState, error)
}

// Subscription change feed 订阅句柄；Stop 必须与 Subscribe 配对调用
type Subscription interface {
	Stop()
}

// SubscriberFactory opens a change-feed subscription for one routing key.
type SubscriberFactory interface {
	Subscribe(routingKey string, handler mq.MessageHandler) (Subscription, error)
}

// AMQPSubscriberFactory 基于 RabbitMQ topic exchange 的订阅实现。
// 每个订阅一个独立队列；队列名带上 trace 随机后缀避免互相抢消息。
type AMQPSubscriberFactory struct {
	url     string
	logger  *zap.Logger
	retries *util.RetryCounter
}

func NewAMQPSubscriberFactory(url string, logger *zap.Logger) *AMQPSubscriberFactory {
	return &AMQPSubscriberFactory{url: url, logger: logger}
}

// WithRetryCounter caps per-message redeliveries on every subscription
// this factory opens.
func (f *AMQPSubscriberFactory) WithRetryCounter(rc *util.RetryCounter) *AMQPSubscriberFactory {
	f.retries = rc
	return f
}

func (f *AMQPSubscriberFactory) Subscribe(routingKey string, handler mq.MessageHandler) (Subscription, error) {
	queueName := fmt.Sprintf("observer.%s.%s", routingKey, trace.GenerateTraceID()[:8])
	consumer, err := mq.NewConsumer(f.url, queueName, routingKey, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", routingKey, err)
	}
	consumer.SetHandler(handler)
	if f.retries != nil {
		consumer.WithRetryCounter(f.retries, 5)
	}
	go func() {
		if err := consumer.StartConsuming(); err != nil {
			f.logger.Error("Subscription consumer exited",
				zap.String("routing_key", routingKey),
				zap.Error(err),
			)
		}
	}()
	return consumer, nil
}

// Observer keeps one up-to-date view of a single workflow's stage and
// derived progress. It replaces its state on every change-feed message
// and surfaces a toast only when the stage actually changed; the feed
// may deliver the same row more than once.
type Observer struct {
	source WorkflowSource
	subs   SubscriberFactory
	logger *zap.Logger

	mu       sync.Mutex
	state    *model.WorkflowState
	loading  bool
	err      error
	sub      Subscription
	onToast  func(message string)
	onChange func(w *model.WorkflowState)
}

func New(source WorkflowSource, subs SubscriberFactory, log *zap.Logger) *Observer {
	return &Observer{source: source, subs: subs, logger: log}
}

// OnToast 设置阶段变化时的一次性提示回调
func (o *Observer) OnToast(fn func(message string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onToast = fn
}

// OnChange 设置每次收到新状态时的回调（含重复阶段）
func (o *Observer) OnChange(fn func(w *model.WorkflowState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onChange = fn
}

// Load fetches the current workflow row for a service request.
// 最多只应有一行；取最新一行，容忍历史数据里的重复。
func (o *Observer) Load(ctx context.Context, serviceRequestID int64) (*model.WorkflowState, error) {
	o.mu.Lock()
	o.loading = true
	o.mu.Unlock()

	w, err := o.source.GetByServiceRequest(ctx, serviceRequestID)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.loading = false
	o.err = err
	if err != nil {
		return nil, err
	}
	o.state = w
	return w, nil
}

// Subscribe opens a change-feed subscription filtered to one service
// request. Every Subscribe needs a matching Unsubscribe on teardown.
func (o *Observer) Subscribe(serviceRequestID int64) error {
	o.mu.Lock()
	if o.sub != nil {
		o.mu.Unlock()
		return fmt.Errorf("observer already subscribed")
	}
	o.mu.Unlock()

	sub, err := o.subs.Subscribe(
		contractsmq.RoutingKeyWorkflowChanged(serviceRequestID),
		o.handleChange,
	)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.sub = sub
	o.mu.Unlock()
	return nil
}

// Unsubscribe tears the subscription down. Safe to call when not subscribed.
func (o *Observer) Unsubscribe() {
	o.mu.Lock()
	sub := o.sub
	o.sub = nil
	o.mu.Unlock()
	if sub != nil {
		sub.Stop()
	}
}

func (o *Observer) handleChange(ctx context.Context, data json.RawMessage) error {
	var payload contractsmq.WorkflowChangedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("failed to decode workflow change: %w", err)
	}

	o.mu.Lock()
	var prevStage model.Stage
	if o.state != nil {
		prevStage = o.state.Stage
	}
	next := payloadToState(&payload, o.state)
	o.state = next
	o.err = nil
	toast := o.onToast
	changed := o.onChange
	o.mu.Unlock()

	if changed != nil {
		changed(next)
	}
	// 同一行可能被投递多次；只在阶段真正变化时弹提示
	if toast != nil && next.Stage != prevStage {
		toast("Workflow Updated: " + model.StageLabel(next.Stage))
	}
	return nil
}

// payloadToState merges a change event over the previous snapshot so
// fields the payload does not carry survive.
func payloadToState(p *contractsmq.WorkflowChangedPayload, prev *model.WorkflowState) *model.WorkflowState {
	var w model.WorkflowState
	if prev != nil {
		w = *prev
	}
	w.ID = p.WorkflowID
	w.ServiceRequestID = &p.ServiceRequestID
	w.HomeownerID = p.HomeownerID
	if p.ProviderOrgID != nil {
		w.ProviderOrgID = p.ProviderOrgID
	}
	w.Stage = model.Stage(p.Stage)
	w.StageStartedAt = p.StageStartedAt
	w.UpdatedAt = p.UpdatedAt
	if p.Metadata != nil {
		w.Metadata = p.Metadata
	}
	return &w
}

// State returns the current snapshot (nil before Load or first event).
func (o *Observer) State() *model.WorkflowState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// StageProgress returns (current, total, percentage) against the
// canonical stage list. With no workflow loaded, current and
// percentage are zero.
func (o *Observer) StageProgress() (current, total, percentage int) {
	total = len(model.StageOrder)

	o.mu.Lock()
	state := o.state
	o.mu.Unlock()

	if state == nil {
		return 0, total, 0
	}
	idx := model.StageIndex(state.Stage)
	if idx < 0 {
		return 0, total, 0
	}
	current = idx + 1
	percentage = int(math.Round(float64(current) / float64(total) * 100))
	return current, total, percentage
}

// StageLabel 阶段的人类可读标签；未知阶段原样返回
func (o *Observer) StageLabel(stage model.Stage) string {
	return model.StageLabel(stage)
}
