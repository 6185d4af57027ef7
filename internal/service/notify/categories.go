package notify

import "homebase/internal/model"

// typeCategories maps event types to preference categories. The map is
// intentionally total: anything unlisted falls back to announce, so
// dispatch never fails on an unrecognized type.
var typeCategories = map[string]model.Category{
	"payment.succeeded": model.CategoryPayment,
	"payment.received":  model.CategoryPayment,
	"payment.failed":    model.CategoryPayment,
	"invoice.sent":      model.CategoryPayment,

	"quote.ready":    model.CategoryQuote,
	"quote.created":  model.CategoryQuote,
	"quote.accepted": model.CategoryQuote,

	"message.received": model.CategoryMessage,

	"job.scheduled": model.CategoryJob,
	"job.started":   model.CategoryJob,
	"job.completed": model.CategoryJob,

	"booking.scheduled": model.CategoryBooking,
	"booking.confirmed": model.CategoryBooking,
	"booking.cancelled": model.CategoryBooking,

	"review.requested": model.CategoryReview,
	"review.received":  model.CategoryReview,

	"announce.general": model.CategoryAnnounce,
}

// CategoryForType resolves an event type to its preference category,
// defaulting to announce.
func CategoryForType(eventType string) model.Category {
	if c, ok := typeCategories[eventType]; ok {
		return c
	}
	return model.CategoryAnnounce
}
