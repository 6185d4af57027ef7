package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 工作流阶段推进计数
	WorkflowTransitionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_transition_count",
			Help: "Total number of workflow stage transitions",
		},
		[]string{"action", "stage"},
	)

	// 通知分发决策计数
	NotificationDispatchCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_dispatch_count",
			Help: "Total number of notification dispatch decisions per channel",
		},
		[]string{"channel", "decision"}, // decision: enabled, disabled, quiet_hours
	)

	// Outbox 投递延迟（毫秒）
	OutboxDeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_delivery_latency_ms",
			Help:    "Notification outbox delivery latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"channel", "status"},
	)

	// 网关调用延迟（毫秒）
	GatewayCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_latency_ms",
			Help:    "Delivery gateway call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"gateway", "status"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// change feed 事件外发计数
	EventsDrainedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_events_drained_count",
			Help: "Total number of workflow change events drained from the outbox",
		},
		[]string{"status"}, // status: sent, failed
	)

	// 跟进动作处理计数
	FollowUpProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "follow_up_processed_count",
			Help: "Total number of follow-up actions processed",
		},
		[]string{"action_type", "status"},
	)
)

// RecordWorkflowTransition 记录工作流阶段推进
func RecordWorkflowTransition(action, stage string) {
	WorkflowTransitionCount.WithLabelValues(action, stage).Inc()
}

// RecordDispatchDecision 记录通知渠道决策
func RecordDispatchDecision(channel, decision string) {
	NotificationDispatchCount.WithLabelValues(channel, decision).Inc()
}

// RecordOutboxDelivery 记录 outbox 投递延迟
func RecordOutboxDelivery(channel, status string, duration time.Duration) {
	OutboxDeliveryLatency.WithLabelValues(channel, status).Observe(float64(duration.Milliseconds()))
}

// RecordGatewayCallLatency 记录网关调用延迟
func RecordGatewayCallLatency(gateway, status string, duration time.Duration) {
	GatewayCallLatency.WithLabelValues(gateway, status).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordEventDrained 记录 change feed 事件外发结果
func RecordEventDrained(status string) {
	EventsDrainedCount.WithLabelValues(status).Inc()
}

// IncrementFollowUpProcessed 增加跟进动作处理计数
func IncrementFollowUpProcessed(actionType, status string) {
	FollowUpProcessedCount.WithLabelValues(actionType, status).Inc()
}
