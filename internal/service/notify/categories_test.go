package notify

import (
	"testing"

	"homebase/internal/model"
)

func TestCategoryForType(t *testing.T) {
	tests := []struct {
		eventType string
		want      model.Category
	}{
		{"payment.succeeded", model.CategoryPayment},
		{"invoice.sent", model.CategoryPayment},
		{"quote.created", model.CategoryQuote},
		{"quote.accepted", model.CategoryQuote},
		{"message.received", model.CategoryMessage},
		{"job.completed", model.CategoryJob},
		{"review.requested", model.CategoryReview},
		{"booking.scheduled", model.CategoryBooking},
		{"announce.general", model.CategoryAnnounce},
		// 未知类型永远落到 announce，dispatch 不会因此失败
		{"random.event", model.CategoryAnnounce},
		{"", model.CategoryAnnounce},
	}

	for _, tt := range tests {
		if got := CategoryForType(tt.eventType); got != tt.want {
			t.Fatalf("CategoryForType(%q) = %q, want %q", tt.eventType, got, tt.want)
		}
	}
}
