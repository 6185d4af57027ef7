package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"homebase/internal/model"
	"homebase/internal/service/notify"
	"homebase/pkg/metrics"
)

// FollowUpSource 到期跟进动作的领取入口
type FollowUpSource interface {
	ClaimDue(ctx context.Context, limit int) ([]*model.FollowUpAction, error)
}

// Notifier 跟进动作触发的通知出口
type Notifier interface {
	Dispatch(ctx context.Context, ev notify.Event) (*notify.Result, error)
}

// FollowUpScanner turns due follow-up actions into notifications.
// payment_received schedules a review_request 24h out; this loop is
// what eventually fires it.
type FollowUpScanner struct {
	source   FollowUpSource
	notifier Notifier
	logger   *zap.Logger

	interval  time.Duration
	batchSize int
}

func NewFollowUpScanner(source FollowUpSource, notifier Notifier, log *zap.Logger) *FollowUpScanner {
	return &FollowUpScanner{
		source:    source,
		notifier:  notifier,
		logger:    log,
		interval:  time.Minute,
		batchSize: 50,
	}
}

func (s *FollowUpScanner) WithInterval(d time.Duration) *FollowUpScanner {
	s.interval = d
	return s
}

func (s *FollowUpScanner) Start(ctx context.Context) {
	s.logger.Info("Follow-up scanner started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Follow-up scanner stopped")
			return
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce 领取一批到期动作并逐条处理
func (s *FollowUpScanner) ScanOnce(ctx context.Context) {
	due, err := s.source.ClaimDue(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("Failed to claim due follow-ups", zap.Error(err))
		return
	}

	for _, f := range due {
		if err := s.process(ctx, f); err != nil {
			s.logger.Error("Failed to process follow-up",
				zap.Int64("follow_up_id", f.ID),
				zap.String("action_type", f.ActionType),
				zap.Error(err),
			)
			metrics.IncrementFollowUpProcessed(f.ActionType, "error")
			continue
		}
		metrics.IncrementFollowUpProcessed(f.ActionType, "success")
	}
}

func (s *FollowUpScanner) process(ctx context.Context, f *model.FollowUpAction) error {
	switch f.ActionType {
	case "review_request":
		_, err := s.notifier.Dispatch(ctx, notify.Event{
			Type:   "review.requested",
			UserID: f.HomeownerID,
			Role:   "homeowner",
			Title:  "How did it go?",
			Body:   "Your job is complete. Leave a review for your provider.",
			Metadata: map[string]any{
				"follow_up_id": f.ID,
				"booking_id":   derefOrZero(f.BookingID),
			},
		})
		return err
	default:
		// 未知类型照常消费，不让队列卡死
		s.logger.Warn("Unknown follow-up action type",
			zap.Int64("follow_up_id", f.ID),
			zap.String("action_type", f.ActionType),
		)
		return nil
	}
}

func derefOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
