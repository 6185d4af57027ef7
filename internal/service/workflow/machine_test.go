package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"homebase/internal/model"
	"homebase/internal/repository"
	"homebase/internal/service/notify"
)

type fakeStore struct {
	workflows map[int64]*model.WorkflowState
	nextID    int64
	applies   int
	touched   []string
	applyErr  error

	lastCompletedAt *time.Time
	lastAction      string
}

func newFakeStore() *fakeStore {
	return &fakeStore{workflows: map[int64]*model.WorkflowState{}, nextID: 1}
}

func (f *fakeStore) GetByServiceRequest(_ context.Context, serviceRequestID int64) (*model.WorkflowState, error) {
	w, ok := f.workflows[serviceRequestID]
	if !ok {
		return nil, nil
	}
	copied := *w
	return &copied, nil
}

func (f *fakeStore) Apply(_ context.Context, w *model.WorkflowState, create bool, completedAt *time.Time, action string) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applies++
	f.lastCompletedAt = completedAt
	f.lastAction = action
	if create {
		w.ID = f.nextID
		f.nextID++
	}
	w.StageCompletedAt = completedAt
	copied := *w
	f.workflows[*w.ServiceRequestID] = &copied
	return nil
}

func (f *fakeStore) TouchNotified(_ context.Context, workflowID int64, audience string) error {
	f.touched = append(f.touched, audience)
	now := time.Now()
	for _, w := range f.workflows {
		if w.ID != workflowID {
			continue
		}
		if audience == "homeowner" {
			w.HomeownerNotifiedAt = &now
		} else {
			w.ProviderNotifiedAt = &now
		}
	}
	return nil
}

type fakeResolver struct {
	quoteToRequest map[int64]int64
	bookings       map[int64]*repository.BookingRef
	providerOwners map[int64]int64
}

func (f *fakeResolver) ServiceRequestIDForQuote(_ context.Context, quoteID int64) (int64, error) {
	id, ok := f.quoteToRequest[quoteID]
	if !ok {
		return 0, fmt.Errorf("quote %d not found", quoteID)
	}
	return id, nil
}

func (f *fakeResolver) BookingByID(_ context.Context, bookingID int64) (*repository.BookingRef, error) {
	b, ok := f.bookings[bookingID]
	if !ok {
		return nil, fmt.Errorf("booking %d not found", bookingID)
	}
	return b, nil
}

func (f *fakeResolver) ProviderOwnerUserID(_ context.Context, providerOrgID int64) (int64, error) {
	id, ok := f.providerOwners[providerOrgID]
	if !ok {
		return 0, fmt.Errorf("provider org %d not found", providerOrgID)
	}
	return id, nil
}

type fakeNotifier struct {
	events []notify.Event
	err    error
}

func (f *fakeNotifier) Dispatch(_ context.Context, ev notify.Event) (*notify.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.events = append(f.events, ev)
	return &notify.Result{NotificationID: int64(len(f.events))}, nil
}

type fakeInvoices struct {
	bookings []int64
	err      error
}

func (f *fakeInvoices) EnsureInvoice(_ context.Context, bookingID int64) (*model.Invoice, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bookings = append(f.bookings, bookingID)
	return &model.Invoice{ID: 1, BookingID: bookingID}, nil
}

type fakeFollowUps struct {
	scheduled []*model.FollowUpAction
	err       error
}

func (f *fakeFollowUps) Schedule(_ context.Context, a *model.FollowUpAction) error {
	if f.err != nil {
		return f.err
	}
	f.scheduled = append(f.scheduled, a)
	return nil
}

type machineFixture struct {
	store     *fakeStore
	resolver  *fakeResolver
	notifier  *fakeNotifier
	invoices  *fakeInvoices
	followups *fakeFollowUps
	machine   *Machine
	now       time.Time
}

func newFixture() *machineFixture {
	f := &machineFixture{
		store: newFakeStore(),
		resolver: &fakeResolver{
			quoteToRequest: map[int64]int64{11: 100},
			bookings: map[int64]*repository.BookingRef{
				21: {ID: 21, ServiceRequestID: 100, HomeownerID: 7, ProviderOrgID: ptr(int64(3))},
			},
			providerOwners: map[int64]int64{3: 42},
		},
		notifier:  &fakeNotifier{},
		invoices:  &fakeInvoices{},
		followups: &fakeFollowUps{},
		now:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.machine = NewMachine(f.store, f.resolver, f.notifier, f.invoices, f.followups, zap.NewNop()).
		WithClock(func() time.Time { return f.now })
	return f
}

func ptr[T any](v T) *T { return &v }

func TestAdvanceCreatesWorkflowAndNotifiesHomeowner(t *testing.T) {
	f := newFixture()

	result, err := f.machine.Advance(context.Background(), "quote_created", Refs{
		QuoteID:       ptr(int64(11)),
		HomeownerID:   7,
		ProviderOrgID: ptr(int64(3)),
	}, nil)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected a new workflow")
	}
	if result.Stage != model.StageQuoteSent {
		t.Fatalf("expected stage quote_sent, got %s", result.Stage)
	}

	if len(f.notifier.events) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifier.events))
	}
	ev := f.notifier.events[0]
	if ev.UserID != 7 || ev.Type != "quote.created" {
		t.Fatalf("wrong notification target: %+v", ev)
	}
	if !ev.ForceChannels[model.ChannelInApp] || !ev.ForceChannels[model.ChannelEmail] {
		t.Fatalf("expected forced inapp+email, got %v", ev.ForceChannels)
	}
	if ev.ForceChannels[model.ChannelPush] {
		t.Fatalf("push must not be forced for quote_created")
	}
	if ev.ActionURL == nil || *ev.ActionURL != "/quotes/11" {
		t.Fatalf("expected quote link, got %v", ev.ActionURL)
	}
	if len(f.store.touched) != 1 || f.store.touched[0] != "homeowner" {
		t.Fatalf("expected homeowner notified-at touch, got %v", f.store.touched)
	}
}

func TestAdvancePaymentReceivedCompletesAndSchedulesFollowUp(t *testing.T) {
	f := newFixture()
	srid := int64(100)
	f.store.workflows[srid] = &model.WorkflowState{
		ID:               5,
		ServiceRequestID: &srid,
		BookingID:        ptr(int64(21)),
		HomeownerID:      7,
		ProviderOrgID:    ptr(int64(3)),
		Stage:            model.StageInvoiceSent,
		Metadata:         map[string]any{"source": "api"},
	}

	result, err := f.machine.Advance(context.Background(), "payment_received", Refs{
		BookingID:   ptr(int64(21)),
		HomeownerID: 7,
	}, map[string]any{"payment_ref": "pi_1"})
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if result.Stage != model.StagePaymentReceived {
		t.Fatalf("expected payment_received, got %s", result.Stage)
	}
	if f.store.lastCompletedAt == nil || !f.store.lastCompletedAt.Equal(f.now) {
		t.Fatalf("expected stage_completed_at = now, got %v", f.store.lastCompletedAt)
	}

	stored := f.store.workflows[srid]
	if stored.Metadata["completed"] != true {
		t.Fatalf("expected metadata.completed = true, got %v", stored.Metadata)
	}
	if stored.Metadata["last_action"] != "payment_received" {
		t.Fatalf("expected last_action merged, got %v", stored.Metadata)
	}
	if stored.Metadata["source"] != "api" || stored.Metadata["payment_ref"] != "pi_1" {
		t.Fatalf("shallow merge lost keys: %v", stored.Metadata)
	}

	if len(f.followups.scheduled) != 1 {
		t.Fatalf("expected one follow-up, got %d", len(f.followups.scheduled))
	}
	fu := f.followups.scheduled[0]
	if fu.ActionType != "review_request" || fu.Status != "pending" {
		t.Fatalf("wrong follow-up: %+v", fu)
	}
	if want := f.now.Add(24 * time.Hour); !fu.ScheduledFor.Equal(want) {
		t.Fatalf("expected scheduled_for %v, got %v", want, fu.ScheduledFor)
	}
}

func TestAdvanceUnknownActionFailsWithoutWrites(t *testing.T) {
	f := newFixture()

	_, err := f.machine.Advance(context.Background(), "unknown_action", Refs{
		ServiceRequestID: ptr(int64(100)),
		HomeownerID:      7,
	}, nil)
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	if f.store.applies != 0 {
		t.Fatalf("no workflow row may be created or modified")
	}
	if len(f.notifier.events) != 0 {
		t.Fatalf("no notification may be dispatched")
	}
}

func TestAdvanceReferenceResolutionFailure(t *testing.T) {
	f := newFixture()

	_, err := f.machine.Advance(context.Background(), "quote_created", Refs{
		QuoteID:     ptr(int64(999)),
		HomeownerID: 7,
	}, nil)
	if !errors.Is(err, ErrReferenceResolution) {
		t.Fatalf("expected ErrReferenceResolution, got %v", err)
	}

	_, err = f.machine.Advance(context.Background(), "job_started", Refs{HomeownerID: 7}, nil)
	if !errors.Is(err, ErrReferenceResolution) {
		t.Fatalf("expected ErrReferenceResolution without any reference, got %v", err)
	}
}

func TestAdvanceStageNeverRegresses(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	actions := []string{"quote_created", "quote_accepted", "job_started", "job_completed", "invoice_sent", "payment_received"}
	prevIdx := -1
	for _, action := range actions {
		result, err := f.machine.Advance(ctx, action, Refs{
			QuoteID:       ptr(int64(11)),
			BookingID:     ptr(int64(21)),
			HomeownerID:   7,
			ProviderOrgID: ptr(int64(3)),
		}, nil)
		if err != nil {
			t.Fatalf("advance(%s) failed: %v", action, err)
		}
		idx := model.StageIndex(result.Stage)
		if idx < prevIdx {
			t.Fatalf("stage regressed at %s: %d -> %d", action, prevIdx, idx)
		}
		prevIdx = idx
	}

	// 迟到的动作不把阶段往回拉
	result, err := f.machine.Advance(ctx, "quote_created", Refs{
		QuoteID:     ptr(int64(11)),
		HomeownerID: 7,
	}, nil)
	if err != nil {
		t.Fatalf("late advance failed: %v", err)
	}
	if result.Stage != model.StagePaymentReceived {
		t.Fatalf("expected stage held at payment_received, got %s", result.Stage)
	}
}

func TestAdvanceDuplicateQuoteCreatedNotifiesHomeownerOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	refs := Refs{QuoteID: ptr(int64(11)), HomeownerID: 7}

	if _, err := f.machine.Advance(ctx, "quote_created", refs, nil); err != nil {
		t.Fatalf("first advance failed: %v", err)
	}
	result, err := f.machine.Advance(ctx, "quote_created", refs, map[string]any{"revision": 2})
	if err != nil {
		t.Fatalf("repeated advance failed: %v", err)
	}
	if result.Stage != model.StageQuoteSent {
		t.Fatalf("expected stage quote_sent, got %s", result.Stage)
	}

	if len(f.notifier.events) != 1 {
		t.Fatalf("repeated action at the same stage must not re-notify, got %d events", len(f.notifier.events))
	}
	if len(f.store.touched) != 1 {
		t.Fatalf("expected one notified-at touch, got %v", f.store.touched)
	}
	// 去重只挡通知，元数据照常合并
	if f.store.applies != 2 {
		t.Fatalf("expected both writes applied, got %d", f.store.applies)
	}
	if f.store.workflows[100].Metadata["revision"] != 2 {
		t.Fatalf("metadata from the repeated action must still merge")
	}
}

func TestAdvanceDuplicateQuoteAcceptedNotifiesProviderOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	refs := Refs{
		QuoteID:       ptr(int64(11)),
		HomeownerID:   7,
		ProviderOrgID: ptr(int64(3)),
	}

	if _, err := f.machine.Advance(ctx, "quote_accepted", refs, nil); err != nil {
		t.Fatalf("first advance failed: %v", err)
	}
	if _, err := f.machine.Advance(ctx, "quote_accepted", refs, nil); err != nil {
		t.Fatalf("repeated advance failed: %v", err)
	}

	if len(f.notifier.events) != 1 {
		t.Fatalf("repeated acceptance must not re-notify the provider, got %d events", len(f.notifier.events))
	}
}

func TestAdvanceQuoteAcceptedNotifiesProviderOwner(t *testing.T) {
	f := newFixture()

	_, err := f.machine.Advance(context.Background(), "quote_accepted", Refs{
		QuoteID:       ptr(int64(11)),
		HomeownerID:   7,
		ProviderOrgID: ptr(int64(3)),
	}, nil)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	if len(f.notifier.events) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifier.events))
	}
	ev := f.notifier.events[0]
	if ev.UserID != 42 || ev.Role != "provider" {
		t.Fatalf("expected provider org owner 42, got %+v", ev)
	}
	if !ev.ForceChannels[model.ChannelInApp] || !ev.ForceChannels[model.ChannelPush] {
		t.Fatalf("expected forced inapp+push, got %v", ev.ForceChannels)
	}
}

func TestAdvanceJobCompletedInvoiceFailureIsNonFatal(t *testing.T) {
	f := newFixture()
	f.invoices.err = errors.New("invoice service down")

	result, err := f.machine.Advance(context.Background(), "job_completed", Refs{
		BookingID:   ptr(int64(21)),
		HomeownerID: 7,
	}, nil)
	if err != nil {
		t.Fatalf("invoice failure must not fail the transition: %v", err)
	}
	if result.Stage != model.StageJobCompleted {
		t.Fatalf("expected job_completed, got %s", result.Stage)
	}
}

func TestAdvanceJobCompletedGeneratesInvoice(t *testing.T) {
	f := newFixture()

	_, err := f.machine.Advance(context.Background(), "job_completed", Refs{
		BookingID:   ptr(int64(21)),
		HomeownerID: 7,
	}, nil)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if len(f.invoices.bookings) != 1 || f.invoices.bookings[0] != 21 {
		t.Fatalf("expected invoice for booking 21, got %v", f.invoices.bookings)
	}
}

func TestAdvanceQuoteNotificationFailureSurfaces(t *testing.T) {
	f := newFixture()
	f.notifier.err = errors.New("db down")

	_, err := f.machine.Advance(context.Background(), "quote_created", Refs{
		QuoteID:     ptr(int64(11)),
		HomeownerID: 7,
	}, nil)
	if err == nil {
		t.Fatalf("forced quote notification failure must surface")
	}
	// 阶段写入先于通知，失败不回滚
	if f.store.applies != 1 {
		t.Fatalf("stage write happens before the notification")
	}
}

func TestAdvanceBookingResolvesMissingRefs(t *testing.T) {
	f := newFixture()

	result, err := f.machine.Advance(context.Background(), "booking_scheduled", Refs{
		BookingID: ptr(int64(21)),
	}, nil)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	stored := f.store.workflows[100]
	if stored == nil {
		t.Fatalf("workflow not stored under resolved service request")
	}
	if stored.HomeownerID != 7 {
		t.Fatalf("homeowner id not filled from booking, got %d", stored.HomeownerID)
	}
	if stored.ProviderOrgID == nil || *stored.ProviderOrgID != 3 {
		t.Fatalf("provider org not filled from booking")
	}
	if result.Stage != model.StageJobScheduled {
		t.Fatalf("expected job_scheduled, got %s", result.Stage)
	}
}
