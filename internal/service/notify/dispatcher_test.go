package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"homebase/internal/model"
)

type fakePrefs struct {
	prefs *model.NotificationPreferences
	err   error
	calls int
}

func (f *fakePrefs) GetOrCreate(_ context.Context, userID int64, role string) (*model.NotificationPreferences, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.prefs != nil {
		return f.prefs, nil
	}
	return model.DefaultPreferences(userID, role), nil
}

type fakeStore struct {
	inserted []*model.Notification
	err      error
}

func (f *fakeStore) Insert(_ context.Context, n *model.Notification) error {
	if f.err != nil {
		return f.err
	}
	n.ID = int64(len(f.inserted) + 1)
	f.inserted = append(f.inserted, n)
	return nil
}

type fakeOutbox struct {
	channels [][]model.Channel
	err      error
}

func (f *fakeOutbox) InsertPending(_ context.Context, notificationID int64, channels []model.Channel) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.channels = append(f.channels, channels)
	ids := make([]int64, len(channels))
	for i := range channels {
		ids[i] = int64(i + 1)
	}
	return ids, nil
}

type fakeCommander struct {
	published []string
	err       error
}

func (f *fakeCommander) PublishWithContext(_ context.Context, routingKey string, _ any) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, routingKey)
	return nil
}

func daytime() time.Time {
	return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

func nighttime() time.Time {
	return time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
}

func newTestDispatcher(prefs *fakePrefs, store *fakeStore, outbox *fakeOutbox, cmd *fakeCommander, now func() time.Time) *Dispatcher {
	return NewDispatcher(prefs, store, outbox, cmd, zap.NewNop()).WithClock(now)
}

func TestDispatchUnmappedTypeUsesDefaults(t *testing.T) {
	prefs := &fakePrefs{}
	store := &fakeStore{}
	outbox := &fakeOutbox{}
	cmd := &fakeCommander{}
	d := newTestDispatcher(prefs, store, outbox, cmd, daytime)

	result, err := d.Dispatch(context.Background(), Event{
		Type:   "random.event",
		UserID: 7,
		Role:   "homeowner",
		Title:  "hello",
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if !result.Channels[model.ChannelInApp] {
		t.Fatalf("expected inapp enabled by default")
	}
	if result.Channels[model.ChannelPush] || result.Channels[model.ChannelEmail] {
		t.Fatalf("expected push/email disabled by default, got %v", result.Channels)
	}
	if len(outbox.channels) != 0 {
		t.Fatalf("expected no outbox entries, got %v", outbox.channels)
	}
	if len(cmd.published) != 0 {
		t.Fatalf("expected no delivery nudge, got %v", cmd.published)
	}
	if len(store.inserted) != 1 || !store.inserted[0].DeliveredInApp {
		t.Fatalf("expected one inapp-delivered notification")
	}
}

func TestDispatchQuietHoursSuppressesAsyncChannels(t *testing.T) {
	p := model.DefaultPreferences(7, "homeowner")
	p.ByCategory[model.CategoryPayment] = model.ChannelPrefs{InApp: true, Push: true, Email: true}

	prefs := &fakePrefs{prefs: p}
	store := &fakeStore{}
	outbox := &fakeOutbox{}
	cmd := &fakeCommander{}
	d := newTestDispatcher(prefs, store, outbox, cmd, nighttime)

	result, err := d.Dispatch(context.Background(), Event{
		Type:   "payment.succeeded",
		UserID: 7,
		Role:   "homeowner",
		Title:  "payment",
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result.Channels[model.ChannelPush] || result.Channels[model.ChannelEmail] {
		t.Fatalf("expected push/email suppressed in quiet hours, got %v", result.Channels)
	}
	if !result.Channels[model.ChannelInApp] {
		t.Fatalf("quiet hours must not touch inapp")
	}
	if len(result.Suppressed) != 2 {
		t.Fatalf("expected both async channels suppressed, got %v", result.Suppressed)
	}
	if len(outbox.channels) != 0 {
		t.Fatalf("suppressed channels must not reach the outbox")
	}
}

func TestDispatchForceChannelsOverridePreferences(t *testing.T) {
	prefs := &fakePrefs{}
	store := &fakeStore{}
	outbox := &fakeOutbox{}
	cmd := &fakeCommander{}
	d := newTestDispatcher(prefs, store, outbox, cmd, daytime)

	result, err := d.Dispatch(context.Background(), Event{
		Type:   "quote.created",
		UserID: 7,
		Role:   "homeowner",
		Title:  "quote",
		ForceChannels: map[model.Channel]bool{
			model.ChannelInApp: true,
			model.ChannelEmail: true,
		},
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if !result.Channels[model.ChannelEmail] {
		t.Fatalf("expected forced email enabled")
	}
	if result.Channels[model.ChannelPush] {
		t.Fatalf("push was not forced and defaults off")
	}
	if len(outbox.channels) != 1 || len(outbox.channels[0]) != 1 || outbox.channels[0][0] != model.ChannelEmail {
		t.Fatalf("expected one email outbox entry, got %v", outbox.channels)
	}
	if len(cmd.published) != 1 {
		t.Fatalf("expected one delivery nudge, got %v", cmd.published)
	}
}

func TestDispatchQuietHoursBeatForcedChannels(t *testing.T) {
	prefs := &fakePrefs{}
	store := &fakeStore{}
	outbox := &fakeOutbox{}
	cmd := &fakeCommander{}
	d := newTestDispatcher(prefs, store, outbox, cmd, nighttime)

	result, err := d.Dispatch(context.Background(), Event{
		Type:          "quote.created",
		UserID:        7,
		Role:          "homeowner",
		Title:         "quote",
		ForceChannels: map[model.Channel]bool{model.ChannelPush: true},
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result.Channels[model.ChannelPush] {
		t.Fatalf("quiet hours suppress even forced push")
	}
}

func TestDispatchStoreFailureSurfaces(t *testing.T) {
	prefs := &fakePrefs{}
	store := &fakeStore{err: errors.New("db down")}
	d := newTestDispatcher(prefs, store, &fakeOutbox{}, &fakeCommander{}, daytime)

	_, err := d.Dispatch(context.Background(), Event{Type: "quote.created", UserID: 7, Role: "homeowner"})
	if err == nil {
		t.Fatalf("expected persistence error to surface")
	}
}

func TestDispatchPreferenceFailureSurfaces(t *testing.T) {
	prefs := &fakePrefs{err: errors.New("db down")}
	d := newTestDispatcher(prefs, &fakeStore{}, &fakeOutbox{}, &fakeCommander{}, daytime)

	_, err := d.Dispatch(context.Background(), Event{Type: "quote.created", UserID: 7, Role: "homeowner"})
	if err == nil {
		t.Fatalf("expected preference error to surface")
	}
}

func TestDispatchCommanderFailureIsNonFatal(t *testing.T) {
	prefs := &fakePrefs{}
	store := &fakeStore{}
	outbox := &fakeOutbox{}
	cmd := &fakeCommander{err: errors.New("mq down")}
	d := newTestDispatcher(prefs, store, outbox, cmd, daytime)

	result, err := d.Dispatch(context.Background(), Event{
		Type:          "quote.created",
		UserID:        7,
		Role:          "homeowner",
		ForceChannels: map[model.Channel]bool{model.ChannelEmail: true},
	})
	if err != nil {
		t.Fatalf("nudge failure must not fail dispatch: %v", err)
	}
	if len(outbox.channels) != 1 {
		t.Fatalf("outbox entry must exist so the scan path retries")
	}
	if result.NotificationID == 0 {
		t.Fatalf("expected persisted notification id")
	}
}
