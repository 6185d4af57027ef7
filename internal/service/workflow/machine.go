package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"homebase/internal/model"
	"homebase/internal/repository"
	"homebase/internal/service/notify"
	"homebase/pkg/logger"
	"homebase/pkg/metrics"
)

// actionStages 动作到下一阶段的固定映射；不在表内的动作直接失败。
// 注意：映射故意没有覆盖全部 14 个阶段（ai_analyzing、providers_matched、
// diagnostic_* 等由上游流程直接写入），不要在这里补。
var actionStages = map[string]model.Stage{
	"quote_created":     model.StageQuoteSent,
	"quote_accepted":    model.StageJobScheduled,
	"booking_scheduled": model.StageJobScheduled,
	"job_started":       model.StageJobInProgress,
	"job_completed":     model.StageJobCompleted,
	"invoice_generated": model.StageInvoiceSent,
	"invoice_sent":      model.StageInvoiceSent,
	"payment_received":  model.StagePaymentReceived,
}

// NextStage returns the stage an action advances to, or false for
// actions outside the fixed map.
func NextStage(action string) (model.Stage, bool) {
	s, ok := actionStages[action]
	return s, ok
}

// Store 工作流持久化；Apply 负责把阶段写入和 change-feed 事件
// 放进同一个事务提交。
type Store interface {
	GetByServiceRequest(ctx context.Context, serviceRequestID int64) (*model.WorkflowState, error)
	Apply(ctx context.Context, w *model.WorkflowState, create bool, completedAt *time.Time, action string) error
	TouchNotified(ctx context.Context, workflowID int64, audience string) error
}

// Resolver 把 quote/booking 引用解析回 service request
type Resolver interface {
	ServiceRequestIDForQuote(ctx context.Context, quoteID int64) (int64, error)
	BookingByID(ctx context.Context, bookingID int64) (*repository.BookingRef, error)
	ProviderOwnerUserID(ctx context.Context, providerOrgID int64) (int64, error)
}

// Notifier 通知分发入口
type Notifier interface {
	Dispatch(ctx context.Context, ev notify.Event) (*notify.Result, error)
}

// InvoiceGenerator job_completed 后的自动开票
type InvoiceGenerator interface {
	EnsureInvoice(ctx context.Context, bookingID int64) (*model.Invoice, error)
}

// FollowUpScheduler payment_received 后的回访任务
type FollowUpScheduler interface {
	Schedule(ctx context.Context, f *model.FollowUpAction) error
}

// Refs 一次 advance 携带的引用；至少要能解析出 service request
type Refs struct {
	ServiceRequestID *int64
	QuoteID          *int64
	BookingID        *int64
	InvoiceID        *int64
	HomeownerID      int64
	ProviderOrgID    *int64
}

// Result advance 的结果
type Result struct {
	WorkflowID int64
	Stage      model.Stage
	Created    bool
}

// Machine owns the canonical per-service-request lifecycle stage.
// It maps a domain action to the next stage, locates or creates the
// workflow record, applies the transition, then fires the side effects
// bound to that action.
type Machine struct {
	store     Store
	resolver  Resolver
	notifier  Notifier
	invoices  InvoiceGenerator
	followups FollowUpScheduler
	logger    *zap.Logger
	now       func() time.Time
}

func NewMachine(
	store Store,
	resolver Resolver,
	notifier Notifier,
	invoices InvoiceGenerator,
	followups FollowUpScheduler,
	log *zap.Logger,
) *Machine {
	return &Machine{
		store:     store,
		resolver:  resolver,
		notifier:  notifier,
		invoices:  invoices,
		followups: followups,
		logger:    log,
		now:       time.Now,
	}
}

// WithClock 注入时钟（测试用）
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Advance applies one domain action. The stage write and its change-feed
// event commit together; the forced notification for quote actions must
// then succeed for the call to succeed. Later side effects (invoicing,
// follow-up scheduling) are logged on failure, never rolled back.
func (m *Machine) Advance(ctx context.Context, action string, refs Refs, metadata map[string]any) (*Result, error) {
	log := logger.WithTrace(ctx, m.logger)

	nextStage, ok := NextStage(action)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	resolved, err := m.resolveRefs(ctx, refs)
	if err != nil {
		return nil, err
	}

	w, err := m.store.GetByServiceRequest(ctx, *resolved.ServiceRequestID)
	if err != nil && !repository.IsNotFound(err) {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	created := w == nil
	var completedAt *time.Time
	now := m.now()
	if action == "payment_received" {
		completedAt = &now
	}

	// 同一阶段的重复动作不再给同一受众发第二次报价通知
	guard := repeatGuard{stageChanged: created}
	var prevStage model.Stage
	if !created {
		prevStage = w.Stage
		guard.homeownerNotified = w.HomeownerNotifiedAt != nil
		guard.providerNotified = w.ProviderNotifiedAt != nil
	}

	if created {
		w = &model.WorkflowState{
			ServiceRequestID: resolved.ServiceRequestID,
			QuoteID:          resolved.QuoteID,
			BookingID:        resolved.BookingID,
			InvoiceID:        resolved.InvoiceID,
			HomeownerID:      resolved.HomeownerID,
			ProviderOrgID:    resolved.ProviderOrgID,
			Stage:            nextStage,
			Metadata:         mergeMetadata(nil, metadata, action, completedAt != nil),
		}
	} else {
		// 阶段只前进不后退；乱序到达的动作保留当前阶段，元数据照常合并
		if curr, next := model.StageIndex(w.Stage), model.StageIndex(nextStage); curr > next && next >= 0 {
			log.Warn("Ignoring stage regression",
				zap.Int64("workflow_id", w.ID),
				zap.String("action", action),
				zap.String("current_stage", string(w.Stage)),
				zap.String("next_stage", string(nextStage)),
			)
		} else {
			w.Stage = nextStage
		}
		if w.QuoteID == nil {
			w.QuoteID = resolved.QuoteID
		}
		if w.BookingID == nil {
			w.BookingID = resolved.BookingID
		}
		if w.InvoiceID == nil {
			w.InvoiceID = resolved.InvoiceID
		}
		if w.ProviderOrgID == nil {
			w.ProviderOrgID = resolved.ProviderOrgID
		}
		w.Metadata = mergeMetadata(w.Metadata, metadata, action, completedAt != nil)
	}

	if !created && w.Stage != prevStage {
		guard.stageChanged = true
	}

	if err := m.store.Apply(ctx, w, created, completedAt, action); err != nil {
		return nil, fmt.Errorf("failed to apply workflow transition: %w", err)
	}
	metrics.RecordWorkflowTransition(action, string(w.Stage))

	log.Info("Workflow advanced",
		zap.Int64("workflow_id", w.ID),
		zap.Int64("service_request_id", *resolved.ServiceRequestID),
		zap.String("action", action),
		zap.String("stage", string(w.Stage)),
		zap.Bool("created", created),
	)

	// action 绑定的副作用；只有报价通知失败会让调用方看到错误
	if err := m.runSideEffects(ctx, action, w, resolved, guard); err != nil {
		return nil, err
	}

	return &Result{WorkflowID: w.ID, Stage: w.Stage, Created: created}, nil
}

type resolvedRefs struct {
	Refs
}

func (m *Machine) resolveRefs(ctx context.Context, refs Refs) (*resolvedRefs, error) {
	out := resolvedRefs{Refs: refs}

	if out.ServiceRequestID == nil && out.QuoteID != nil {
		id, err := m.resolver.ServiceRequestIDForQuote(ctx, *out.QuoteID)
		if err != nil {
			return nil, fmt.Errorf("%w: quote %d: %v", ErrReferenceResolution, *out.QuoteID, err)
		}
		out.ServiceRequestID = &id
	}

	if out.BookingID != nil && (out.ServiceRequestID == nil || out.HomeownerID == 0 || out.ProviderOrgID == nil) {
		b, err := m.resolver.BookingByID(ctx, *out.BookingID)
		if err != nil {
			return nil, fmt.Errorf("%w: booking %d: %v", ErrReferenceResolution, *out.BookingID, err)
		}
		if out.ServiceRequestID == nil {
			out.ServiceRequestID = &b.ServiceRequestID
		}
		if out.HomeownerID == 0 {
			out.HomeownerID = b.HomeownerID
		}
		if out.ProviderOrgID == nil {
			out.ProviderOrgID = b.ProviderOrgID
		}
	}

	if out.ServiceRequestID == nil {
		return nil, fmt.Errorf("%w: no service request reference", ErrReferenceResolution)
	}
	return &out, nil
}

// repeatGuard 记录本次 advance 之前的通知状态，用于同阶段去重
type repeatGuard struct {
	stageChanged      bool
	homeownerNotified bool
	providerNotified  bool
}

func (m *Machine) runSideEffects(ctx context.Context, action string, w *model.WorkflowState, refs *resolvedRefs, guard repeatGuard) error {
	log := logger.WithTrace(ctx, m.logger)

	switch action {
	case "quote_created":
		if guard.homeownerNotified && !guard.stageChanged {
			log.Info("Homeowner already notified at this stage, skipping quote notification",
				zap.Int64("workflow_id", w.ID),
			)
			return nil
		}
		actionURL := quoteURL(w.QuoteID)
		_, err := m.notifier.Dispatch(ctx, notify.Event{
			Type:      "quote.created",
			UserID:    w.HomeownerID,
			Role:      "homeowner",
			Title:     "New quote ready",
			Body:      "A provider sent you a quote for your service request.",
			ActionURL: actionURL,
			Metadata:  map[string]any{"workflow_id": w.ID, "quote_id": derefOrZero(w.QuoteID)},
			ForceChannels: map[model.Channel]bool{
				model.ChannelInApp: true,
				model.ChannelEmail: true,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to notify homeowner of quote: %w", err)
		}
		if err := m.store.TouchNotified(ctx, w.ID, "homeowner"); err != nil {
			log.Warn("Failed to record homeowner notification time", zap.Error(err))
		}

	case "quote_accepted":
		if guard.providerNotified && !guard.stageChanged {
			log.Info("Provider already notified at this stage, skipping acceptance notification",
				zap.Int64("workflow_id", w.ID),
			)
			return nil
		}
		if w.ProviderOrgID == nil {
			log.Warn("Quote accepted without provider org, skipping provider notification",
				zap.Int64("workflow_id", w.ID),
			)
			return nil
		}
		ownerID, err := m.resolver.ProviderOwnerUserID(ctx, *w.ProviderOrgID)
		if err != nil {
			return fmt.Errorf("%w: provider org %d: %v", ErrReferenceResolution, *w.ProviderOrgID, err)
		}
		_, err = m.notifier.Dispatch(ctx, notify.Event{
			Type:      "quote.accepted",
			UserID:    ownerID,
			ProfileID: w.ProviderOrgID,
			Role:      "provider",
			Title:     "Quote accepted",
			Body:      "The homeowner accepted your quote. Time to schedule the job.",
			Metadata:  map[string]any{"workflow_id": w.ID, "quote_id": derefOrZero(w.QuoteID)},
			ForceChannels: map[model.Channel]bool{
				model.ChannelInApp: true,
				model.ChannelPush:  true,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to notify provider of acceptance: %w", err)
		}
		if err := m.store.TouchNotified(ctx, w.ID, "provider"); err != nil {
			log.Warn("Failed to record provider notification time", zap.Error(err))
		}

	case "job_completed":
		if w.BookingID == nil {
			log.Warn("Job completed without booking, skipping invoice generation",
				zap.Int64("workflow_id", w.ID),
			)
			return nil
		}
		if _, err := m.invoices.EnsureInvoice(ctx, *w.BookingID); err != nil {
			// 阶段已经推进；开票失败只记日志，由补偿任务重试
			log.Error("Invoice generation failed",
				zap.Int64("workflow_id", w.ID),
				zap.Int64("booking_id", *w.BookingID),
				zap.Error(err),
			)
		}

	case "payment_received":
		f := &model.FollowUpAction{
			HomeownerID:   w.HomeownerID,
			ProviderOrgID: w.ProviderOrgID,
			BookingID:     w.BookingID,
			ActionType:    "review_request",
			ScheduledFor:  m.now().Add(24 * time.Hour),
			Status:        "pending",
		}
		if err := m.followups.Schedule(ctx, f); err != nil {
			log.Error("Failed to schedule review follow-up",
				zap.Int64("workflow_id", w.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// mergeMetadata shallow-merges new keys over old; last_action always wins.
func mergeMetadata(existing, incoming map[string]any, action string, completed bool) map[string]any {
	out := make(map[string]any, len(existing)+len(incoming)+2)
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	out["last_action"] = action
	if completed {
		out["completed"] = true
	}
	return out
}

func quoteURL(quoteID *int64) *string {
	if quoteID == nil {
		return nil
	}
	url := fmt.Sprintf("/quotes/%d", *quoteID)
	return &url
}

func derefOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
