package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"homebase/contracts/mq"
	"homebase/internal/model"
	"homebase/pkg/logger"
	"homebase/pkg/metrics"
)

// PreferenceSource 偏好查询（首次分发时懒创建默认行）
type PreferenceSource interface {
	GetOrCreate(ctx context.Context, userID int64, role string) (*model.NotificationPreferences, error)
}

// NotificationStore 通知持久化
type NotificationStore interface {
	Insert(ctx context.Context, n *model.Notification) error
}

// OutboxStore 异步渠道的投递队列
type OutboxStore interface {
	InsertPending(ctx context.Context, notificationID int64, channels []model.Channel) ([]int64, error)
}

// Commander nudges the retry worker for an immediate best-effort attempt.
// Absence of this invocation never blocks dispatch.
type Commander interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// Event 一次通知分发请求
type Event struct {
	Type      string
	UserID    int64
	ProfileID *int64
	Role      string
	Title     string
	Body      string
	ActionURL *string
	Metadata  map[string]any

	// ForceChannels 显式覆盖存储偏好；只对出现的 key 生效
	ForceChannels map[model.Channel]bool
}

// Result 分发结果：通知 id、最终渠道决策、被静默时段压制的渠道
type Result struct {
	NotificationID int64
	Channels       map[model.Channel]bool
	Suppressed     []model.Channel
}

// Dispatcher turns a typed event into a persisted notification plus
// outbox entries, enforcing preference and quiet-hours policy.
type Dispatcher struct {
	prefs     PreferenceSource
	store     NotificationStore
	outbox    OutboxStore
	commander Commander
	logger    *zap.Logger
	now       func() time.Time
}

func NewDispatcher(
	prefs PreferenceSource,
	store NotificationStore,
	outbox OutboxStore,
	commander Commander,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		prefs:     prefs,
		store:     store,
		outbox:    outbox,
		commander: commander,
		logger:    log,
		now:       time.Now,
	}
}

// WithClock 注入时钟（测试用）
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch resolves channels, persists the notification, enqueues outbox
// entries for async channels and nudges the worker. Database failures
// surface to the caller; the worker nudge is fire-and-forget.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*Result, error) {
	log := logger.WithTrace(ctx, d.logger)

	prefs, err := d.prefs.GetOrCreate(ctx, ev.UserID, ev.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve preferences: %w", err)
	}

	category := CategoryForType(ev.Type)
	catPrefs, ok := prefs.ByCategory[category]
	if !ok {
		catPrefs = model.DefaultChannelPrefs()
	}

	enabled := map[model.Channel]bool{
		model.ChannelInApp: catPrefs.InApp,
		model.ChannelPush:  catPrefs.Push,
		model.ChannelEmail: catPrefs.Email,
	}
	for ch, forced := range ev.ForceChannels {
		enabled[ch] = forced
	}

	// 静默时段只压制异步渠道；站内通知不受影响
	var suppressed []model.Channel
	if InQuietHours(d.now(), prefs.QuietHoursStart, prefs.QuietHoursEnd) {
		for _, ch := range []model.Channel{model.ChannelPush, model.ChannelEmail} {
			if enabled[ch] {
				enabled[ch] = false
				suppressed = append(suppressed, ch)
				metrics.RecordDispatchDecision(string(ch), "quiet_hours")
			}
		}
	}

	for ch, on := range enabled {
		if on {
			metrics.RecordDispatchDecision(string(ch), "enabled")
		} else {
			metrics.RecordDispatchDecision(string(ch), "disabled")
		}
	}

	n := &model.Notification{
		UserID:       ev.UserID,
		ProfileID:    ev.ProfileID,
		Role:         ev.Role,
		Type:         ev.Type,
		Title:        ev.Title,
		Body:         ev.Body,
		ActionURL:    ev.ActionURL,
		Metadata:     ev.Metadata,
		ChannelInApp: enabled[model.ChannelInApp],
		ChannelPush:  enabled[model.ChannelPush],
		ChannelEmail: enabled[model.ChannelEmail],
		// 站内渠道没有异步投递，入库即送达
		DeliveredInApp: enabled[model.ChannelInApp],
	}

	if err := d.store.Insert(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}

	var asyncChannels []model.Channel
	if n.ChannelPush {
		asyncChannels = append(asyncChannels, model.ChannelPush)
	}
	if n.ChannelEmail {
		asyncChannels = append(asyncChannels, model.ChannelEmail)
	}

	if len(asyncChannels) > 0 {
		if _, err := d.outbox.InsertPending(ctx, n.ID, asyncChannels); err != nil {
			return nil, fmt.Errorf("failed to enqueue outbox entries: %w", err)
		}

		// 立即尝试投递（best-effort）；失败只记日志，outbox 保证最终重试
		if d.commander != nil {
			payload := mq.NotificationDeliverPayload{
				NotificationID: n.ID,
				Immediate:      true,
				EnqueuedAt:     d.now(),
			}
			if err := d.commander.PublishWithContext(ctx, mq.RoutingKeyNotificationDeliver, payload); err != nil {
				log.Warn("Failed to nudge delivery worker",
					zap.Int64("notification_id", n.ID),
					zap.Error(err),
				)
			}
		}
	}

	log.Info("Notification dispatched",
		zap.Int64("notification_id", n.ID),
		zap.Int64("user_id", ev.UserID),
		zap.String("type", ev.Type),
		zap.String("category", string(category)),
		zap.Bool("inapp", n.ChannelInApp),
		zap.Bool("push", n.ChannelPush),
		zap.Bool("email", n.ChannelEmail),
		zap.Int("quiet_suppressed", len(suppressed)),
	)

	return &Result{
		NotificationID: n.ID,
		Channels: map[model.Channel]bool{
			model.ChannelInApp: n.ChannelInApp,
			model.ChannelPush:  n.ChannelPush,
			model.ChannelEmail: n.ChannelEmail,
		},
		Suppressed: suppressed,
	}, nil
}
