package mq

import "time"

// 立即投递命令的 payload（best-effort，fire-and-forget）
// Routing key: notification.deliver
type NotificationDeliverPayload struct {
	NotificationID int64     `json:"notification_id"`
	Immediate      bool      `json:"immediate"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	TraceID        string    `json:"trace_id,omitempty"`
}

type NotificationDeliveredPayload struct {
	NotificationID int64     `json:"notification_id"`
	UserID         int64     `json:"user_id"`
	Channel        string    `json:"channel"` // push / email
	DeliveredAt    time.Time `json:"delivered_at"`
}

type NotificationFailedPayload struct {
	NotificationID int64  `json:"notification_id"`
	UserID         int64  `json:"user_id"`
	Channel        string `json:"channel"`
	Error          string `json:"error"`
	RetryCount     int    `json:"retry_count"`
}

const (
	RoutingKeyNotificationDeliver = "notification.deliver"
	RoutingKeyNotificationFailed  = "notification.failed"
)
