package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"homebase/internal/model"
	"homebase/pkg/circuitbreaker"
	"homebase/pkg/metrics"
	"homebase/pkg/trace"
)

// Message 发给投递网关的请求体（push 和 email 网关共用）
type Message struct {
	NotificationID int64          `json:"notification_id"`
	UserID         int64          `json:"user_id"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	ActionURL      *string        `json:"action_url,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Sender 单渠道投递出口
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Channel() model.Channel
}

// GatewayClient posts notifications to an external delivery gateway
// (push provider or email relay) behind a circuit breaker.
type GatewayClient struct {
	channel    model.Channel
	baseURL    string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker // 熔断器
}

func NewGatewayClient(channel model.Channel, baseURL string) *GatewayClient {
	// 更严格的阈值，保证快速失败
	cbConfig := circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 2,
	}

	return &GatewayClient{
		channel: channel,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second, // 避免 worker 卡死
		},
		cb: circuitbreaker.NewCircuitBreaker(cbConfig),
	}
}

func (c *GatewayClient) Channel() model.Channel {
	return c.channel
}

// Send 调用网关投递一条通知，带熔断器和 trace 传播
func (c *GatewayClient) Send(ctx context.Context, msg Message) error {
	return c.cb.Execute(func() error {
		start := time.Now()
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(b))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if traceID := trace.FromContext(ctx); traceID != "" {
			req.Header.Set(trace.HeaderName(), traceID)
		}

		resp, err := c.httpClient.Do(req)
		latency := time.Since(start)
		gateway := string(c.channel)

		if err != nil {
			metrics.RecordGatewayCallLatency(gateway, "error", latency)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			metrics.RecordGatewayCallLatency(gateway, "5xx", latency)
			// 可重试
			return fmt.Errorf("gateway 5xx: %d", resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			metrics.RecordGatewayCallLatency(gateway, fmt.Sprintf("%d", resp.StatusCode), latency)
			// 网关明确拒绝，不重试
			return fmt.Errorf("gateway rejected: %d", resp.StatusCode)
		}

		metrics.RecordGatewayCallLatency(gateway, "success", latency)
		return nil
	})
}
