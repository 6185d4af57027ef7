package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func passing() error { return nil }

func testConfig() Config {
	return Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             20 * time.Millisecond,
		HalfOpenMaxRequests: 2,
	}
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	for i := 0; i < 3; i++ {
		if err := cb.Execute(failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected underlying error, got %v", i, err)
		}
	}

	// 下一次调用触发状态检查并直接拒绝
	if err := cb.Execute(passing); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open state, got %v", cb.GetState())
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	for i := 0; i < 4; i++ {
		_ = cb.Execute(failing)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open state")
	}

	time.Sleep(30 * time.Millisecond)

	// 半开窗口里的成功逐步恢复
	if err := cb.Execute(passing); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", cb.GetState())
	}
	if err := cb.Execute(passing); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if err := cb.Execute(passing); err != nil {
		t.Fatalf("post-recovery call failed: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after recovery, got %v", cb.GetState())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	for i := 0; i < 4; i++ {
		_ = cb.Execute(failing)
	}
	time.Sleep(30 * time.Millisecond)

	if err := cb.Execute(failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected probe to run, got %v", err)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("half-open failure must reopen, got %v", cb.GetState())
	}
}

func TestReset(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	for i := 0; i < 4; i++ {
		_ = cb.Execute(failing)
	}
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after reset")
	}
	if err := cb.Execute(passing); err != nil {
		t.Fatalf("expected call to pass after reset: %v", err)
	}
}
