package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"homebase/internal/model"
)

type InvoiceRepository struct {
	db *pgxpool.Pool
}

func NewInvoiceRepository(db *pgxpool.Pool) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// GetByBooking returns the invoice for a booking, or nil when none exists.
func (r *InvoiceRepository) GetByBooking(ctx context.Context, bookingID int64) (*model.Invoice, error) {
	var inv model.Invoice
	err := r.db.QueryRow(ctx, `
		SELECT id, booking_id, amount_cents, status, created_at
		FROM invoices
		WHERE booking_id = $1
	`, bookingID).Scan(&inv.ID, &inv.BookingID, &inv.AmountCents, &inv.Status, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice for booking %d: %w", bookingID, err)
	}
	return &inv, nil
}

// Create inserts an invoice; the unique index on booking_id makes the
// operation race-safe (a concurrent insert wins and this one no-ops).
func (r *InvoiceRepository) Create(ctx context.Context, inv *model.Invoice) (bool, error) {
	err := r.db.QueryRow(ctx, `
		INSERT INTO invoices (booking_id, amount_cents, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (booking_id) DO NOTHING
		RETURNING id, created_at
	`, inv.BookingID, inv.AmountCents, inv.Status).Scan(&inv.ID, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// 已存在（并发创建）
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert invoice: %w", err)
	}
	return true, nil
}
