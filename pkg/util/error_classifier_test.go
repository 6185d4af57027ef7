package util

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantRetryable bool
		wantType      string
	}{
		{"nil error", nil, false, ""},
		{"row not found", pgx.ErrNoRows, false, "row_not_found"},
		{"wrapped row not found", fmt.Errorf("load: %w", pgx.ErrNoRows), false, "row_not_found"},
		{"duplicate key", errors.New(`duplicate key value violates unique constraint`), false, "duplicate_key"},
		{"db connection", errors.New("connection refused"), true, "db_connection_error"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"gateway 5xx", errors.New("gateway 5xx: 503"), true, "gateway_error"},
		{"gateway rejected", errors.New("gateway rejected: 400"), false, "gateway_rejected"},
		{"circuit open", errors.New("circuit breaker is open"), true, "circuit_open"},
		{"unknown", errors.New("something odd"), false, "unknown_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, errType := IsRetryableError(tt.err)
			if retryable != tt.wantRetryable || errType != tt.wantType {
				t.Fatalf("IsRetryableError(%v) = (%v, %q), want (%v, %q)",
					tt.err, retryable, errType, tt.wantRetryable, tt.wantType)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	if ShouldRetry(1, 5, false) {
		t.Fatalf("non-retryable errors never retry")
	}
	if !ShouldRetry(5, 5, true) {
		t.Fatalf("retry allowed at the boundary")
	}
	if ShouldRetry(6, 5, true) {
		t.Fatalf("retry denied past the budget")
	}
}
