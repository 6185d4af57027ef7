package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ReferenceRepository resolves the service_request_id a quote or booking
// belongs to. This is how workflows keyed by different artifacts converge
// onto one record.
type ReferenceRepository struct {
	db *pgxpool.Pool
}

func NewReferenceRepository(db *pgxpool.Pool) *ReferenceRepository {
	return &ReferenceRepository{db: db}
}

func (r *ReferenceRepository) ServiceRequestIDForQuote(ctx context.Context, quoteID int64) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`SELECT service_request_id FROM quotes WHERE id = $1`, quoteID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve quote %d: %w", quoteID, err)
	}
	return id, nil
}

// BookingRef 预约行中核心需要的引用字段
type BookingRef struct {
	ID               int64
	ServiceRequestID int64
	HomeownerID      int64
	ProviderOrgID    *int64
}

func (r *ReferenceRepository) BookingByID(ctx context.Context, bookingID int64) (*BookingRef, error) {
	var b BookingRef
	err := r.db.QueryRow(ctx,
		`SELECT id, service_request_id, homeowner_id, provider_org_id FROM bookings WHERE id = $1`,
		bookingID,
	).Scan(&b.ID, &b.ServiceRequestID, &b.HomeownerID, &b.ProviderOrgID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve booking %d: %w", bookingID, err)
	}
	return &b, nil
}

// ProviderOwnerUserID returns the owning user of a provider org
// (the audience for provider-facing notifications).
func (r *ReferenceRepository) ProviderOwnerUserID(ctx context.Context, providerOrgID int64) (int64, error) {
	var userID int64
	err := r.db.QueryRow(ctx,
		`SELECT owner_user_id FROM provider_orgs WHERE id = $1`, providerOrgID,
	).Scan(&userID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve provider org %d owner: %w", providerOrgID, err)
	}
	return userID, nil
}

// AcceptedQuoteAmountForBooking returns the accepted quote amount (cents)
// for a booking, or 0 when no accepted quote exists yet.
func (r *ReferenceRepository) AcceptedQuoteAmountForBooking(ctx context.Context, bookingID int64) (int64, error) {
	var amount int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(q.amount_cents, 0)
		FROM bookings b
		LEFT JOIN quotes q ON q.id = b.quote_id AND q.status = 'accepted'
		WHERE b.id = $1
	`, bookingID).Scan(&amount)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve quote amount for booking %d: %w", bookingID, err)
	}
	return amount, nil
}
