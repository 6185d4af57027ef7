package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"homebase/internal/model"
)

// OutboxRepository 管理 notification_outbox 表：push/email 的异步投递队列。
// 核心（Dispatcher）只插入 pending 行；状态转移归 Retry Worker。
type OutboxRepository struct {
	db *pgxpool.Pool
}

func NewOutboxRepository(db *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertPending creates one pending entry per async channel.
func (r *OutboxRepository) InsertPending(ctx context.Context, notificationID int64, channels []model.Channel) ([]int64, error) {
	ids := make([]int64, 0, len(channels))
	for _, ch := range channels {
		var id int64
		err := r.db.QueryRow(ctx, `
			INSERT INTO notification_outbox (notification_id, channel, status)
			VALUES ($1, $2, 'pending')
			RETURNING id
		`, notificationID, ch).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to insert outbox entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetPending returns due entries for the retry scan loop.
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*model.OutboxEntry, error) {
	query := `
		SELECT id, notification_id, channel, status, retry_count, next_retry_at, last_error, created_at, updated_at
		FROM notification_outbox
		WHERE status = 'pending'
		AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		err := rows.Scan(
			&e.ID, &e.NotificationID, &e.Channel, &e.Status,
			&e.RetryCount, &e.NextRetryAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// GetPendingForNotification returns the pending entries of one notification
// (used by the immediate best-effort delivery path).
func (r *OutboxRepository) GetPendingForNotification(ctx context.Context, notificationID int64) ([]*model.OutboxEntry, error) {
	query := `
		SELECT id, notification_id, channel, status, retry_count, next_retry_at, last_error, created_at, updated_at
		FROM notification_outbox
		WHERE notification_id = $1 AND status = 'pending'
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox entries for notification %d: %w", notificationID, err)
	}
	defer rows.Close()

	var entries []*model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		err := rows.Scan(
			&e.ID, &e.NotificationID, &e.Channel, &e.Status,
			&e.RetryCount, &e.NextRetryAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MarkSent 标记投递成功
func (r *OutboxRepository) MarkSent(ctx context.Context, entryID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'sent', updated_at = NOW()
		WHERE id = $1
	`, entryID)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry as sent: %w", err)
	}
	return nil
}

// MarkFailed 失败后设置退避重试时间；超过 maxRetries 标记为 failed
func (r *OutboxRepository) MarkFailed(ctx context.Context, entryID int64, maxRetries int, lastError string) error {
	var retryCount int
	err := r.db.QueryRow(ctx,
		`SELECT retry_count FROM notification_outbox WHERE id = $1`, entryID,
	).Scan(&retryCount)
	if err != nil {
		return fmt.Errorf("failed to get retry count: %w", err)
	}

	retryCount++

	var status string
	var nextRetryAt *time.Time
	if retryCount >= maxRetries {
		status = "failed"
		nextRetryAt = nil
	} else {
		status = "pending"
		nextRetry := time.Now().Add(time.Duration(retryCount) * 5 * time.Second) // 线性退避：5s, 10s, 15s...
		nextRetryAt = &nextRetry
	}

	_, err = r.db.Exec(ctx, `
		UPDATE notification_outbox
		SET status = $1, retry_count = $2, next_retry_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $5
	`, status, retryCount, nextRetryAt, lastError, entryID)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry as failed: %w", err)
	}
	return nil
}
