package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"homebase/internal/model"
)

type FollowUpRepository struct {
	db *pgxpool.Pool
}

func NewFollowUpRepository(db *pgxpool.Pool) *FollowUpRepository {
	return &FollowUpRepository{db: db}
}

// Schedule inserts a pending follow-up action.
func (r *FollowUpRepository) Schedule(ctx context.Context, f *model.FollowUpAction) error {
	query := `
		INSERT INTO follow_up_actions (homeowner_id, provider_org_id, booking_id, action_type, scheduled_for, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		f.HomeownerID, f.ProviderOrgID, f.BookingID, f.ActionType, f.ScheduledFor,
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to schedule follow-up: %w", err)
	}
	f.Status = "pending"
	return nil
}

// ClaimDue atomically claims pending actions whose time has come.
// SKIP LOCKED keeps concurrent worker replicas from double-claiming.
func (r *FollowUpRepository) ClaimDue(ctx context.Context, limit int) ([]*model.FollowUpAction, error) {
	query := `
		UPDATE follow_up_actions
		SET status = 'completed'
		WHERE id IN (
			SELECT id FROM follow_up_actions
			WHERE status = 'pending' AND scheduled_for <= NOW()
			ORDER BY scheduled_for ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, homeowner_id, provider_org_id, booking_id, action_type, scheduled_for, status, created_at
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due follow-ups: %w", err)
	}
	defer rows.Close()

	var out []*model.FollowUpAction
	for rows.Next() {
		var f model.FollowUpAction
		err := rows.Scan(
			&f.ID, &f.HomeownerID, &f.ProviderOrgID, &f.BookingID,
			&f.ActionType, &f.ScheduledFor, &f.Status, &f.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan follow-up: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
