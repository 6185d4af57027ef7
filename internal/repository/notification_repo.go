package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"homebase/internal/model"
)

type NotificationRepository struct {
	db *pgxpool.Pool
}

func NewNotificationRepository(db *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Insert persists a notification with its channel decisions.
// delivered_inapp is set at insert time when the in-app channel is
// enabled: in-app delivery is synchronous (observed via the change feed).
func (r *NotificationRepository) Insert(ctx context.Context, n *model.Notification) error {
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode notification metadata: %w", err)
	}

	n.DeliveredInApp = n.ChannelInApp

	query := `
		INSERT INTO notifications (
			user_id, profile_id, role, type, title, body, action_url, metadata,
			channel_inapp, channel_push, channel_email,
			delivered_inapp, delivered_push, delivered_email
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, FALSE, FALSE)
		RETURNING id, created_at
	`

	err = r.db.QueryRow(ctx, query,
		n.UserID, n.ProfileID, n.Role, n.Type, n.Title, n.Body, n.ActionURL, metadata,
		n.ChannelInApp, n.ChannelPush, n.ChannelEmail,
		n.DeliveredInApp,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (r *NotificationRepository) GetByID(ctx context.Context, id int64) (*model.Notification, error) {
	query := `
		SELECT id, user_id, profile_id, role, type, title, body, action_url, metadata,
		       channel_inapp, channel_push, channel_email,
		       delivered_inapp, delivered_push, delivered_email, created_at
		FROM notifications
		WHERE id = $1
	`

	var n model.Notification
	var metadata []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&n.ID, &n.UserID, &n.ProfileID, &n.Role, &n.Type, &n.Title, &n.Body, &n.ActionURL, &metadata,
		&n.ChannelInApp, &n.ChannelPush, &n.ChannelEmail,
		&n.DeliveredInApp, &n.DeliveredPush, &n.DeliveredEmail, &n.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get notification %d: %w", id, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode notification metadata: %w", err)
		}
	}
	return &n, nil
}

// MarkDelivered records delivery completion for an async channel.
// The guard keeps the "delivered implies enabled" invariant even if a
// stray worker retries an entry whose decision was later rewritten.
func (r *NotificationRepository) MarkDelivered(ctx context.Context, id int64, channel model.Channel) error {
	var query string
	switch channel {
	case model.ChannelPush:
		query = `UPDATE notifications SET delivered_push = TRUE WHERE id = $1 AND channel_push = TRUE`
	case model.ChannelEmail:
		query = `UPDATE notifications SET delivered_email = TRUE WHERE id = $1 AND channel_email = TRUE`
	default:
		return fmt.Errorf("channel %q has no async delivery", channel)
	}

	if _, err := r.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark %s delivered: %w", channel, err)
	}
	return nil
}

// ListByUser returns a user's notifications, newest first.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, profile_id, role, type, title, body, action_url, metadata,
		       channel_inapp, channel_push, channel_email,
		       delivered_inapp, delivered_push, delivered_email, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []*model.Notification
	for rows.Next() {
		var n model.Notification
		var metadata []byte
		err := rows.Scan(
			&n.ID, &n.UserID, &n.ProfileID, &n.Role, &n.Type, &n.Title, &n.Body, &n.ActionURL, &metadata,
			&n.ChannelInApp, &n.ChannelPush, &n.ChannelEmail,
			&n.DeliveredInApp, &n.DeliveredPush, &n.DeliveredEmail, &n.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode notification metadata: %w", err)
			}
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}
