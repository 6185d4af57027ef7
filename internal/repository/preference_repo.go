package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"homebase/internal/model"
)

type PreferenceRepository struct {
	db *pgxpool.Pool
}

func NewPreferenceRepository(db *pgxpool.Pool) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

// prefColumns 按 Categories 的固定顺序展开 {category}_{channel} 列名
func prefColumns() []string {
	cols := make([]string, 0, len(model.Categories)*3)
	for _, c := range model.Categories {
		cols = append(cols,
			fmt.Sprintf("%s_inapp", c),
			fmt.Sprintf("%s_push", c),
			fmt.Sprintf("%s_email", c),
		)
	}
	return cols
}

// Get returns the preference row for (userID, role), or pgx.ErrNoRows.
func (r *PreferenceRepository) Get(ctx context.Context, userID int64, role string) (*model.NotificationPreferences, error) {
	cols := prefColumns()
	query := fmt.Sprintf(`
		SELECT id, user_id, role, %s, quiet_hours_start, quiet_hours_end, created_at, updated_at
		FROM notification_preferences
		WHERE user_id = $1 AND role = $2
	`, strings.Join(cols, ", "))

	p := &model.NotificationPreferences{}
	vals := make([]bool, len(cols))

	targets := []any{&p.ID, &p.UserID, &p.Role}
	for i := range vals {
		targets = append(targets, &vals[i])
	}
	targets = append(targets, &p.QuietHoursStart, &p.QuietHoursEnd, &p.CreatedAt, &p.UpdatedAt)

	if err := r.db.QueryRow(ctx, query, userID, role).Scan(targets...); err != nil {
		return nil, err
	}

	p.ByCategory = make(map[model.Category]model.ChannelPrefs, len(model.Categories))
	for i, c := range model.Categories {
		p.ByCategory[c] = model.ChannelPrefs{
			InApp: vals[i*3],
			Push:  vals[i*3+1],
			Email: vals[i*3+2],
		}
	}
	return p, nil
}

// GetOrCreate returns the preference row for (userID, role), lazily
// inserting the defaults when none exists yet.
func (r *PreferenceRepository) GetOrCreate(ctx context.Context, userID int64, role string) (*model.NotificationPreferences, error) {
	p, err := r.Get(ctx, userID, role)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	defaults := model.DefaultPreferences(userID, role)
	if err := r.Upsert(ctx, defaults); err != nil {
		return nil, fmt.Errorf("failed to create default preferences: %w", err)
	}
	// 并发首次分发时可能撞唯一键，重新读一次拿权威行
	return r.Get(ctx, userID, role)
}

// Upsert writes the full preference row for (user_id, role).
func (r *PreferenceRepository) Upsert(ctx context.Context, p *model.NotificationPreferences) error {
	cols := prefColumns()

	placeholders := make([]string, 0, len(cols))
	args := []any{p.UserID, p.Role}
	for _, c := range model.Categories {
		cp, ok := p.ByCategory[c]
		if !ok {
			cp = model.DefaultChannelPrefs()
		}
		for _, v := range []bool{cp.InApp, cp.Push, cp.Email} {
			args = append(args, v)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
	}
	args = append(args, p.QuietHoursStart, p.QuietHoursEnd)

	updates := make([]string, 0, len(cols)+3)
	for _, col := range cols {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	updates = append(updates,
		"quiet_hours_start = EXCLUDED.quiet_hours_start",
		"quiet_hours_end = EXCLUDED.quiet_hours_end",
		"updated_at = NOW()",
	)

	query := fmt.Sprintf(`
		INSERT INTO notification_preferences (user_id, role, %s, quiet_hours_start, quiet_hours_end)
		VALUES ($1, $2, %s, $%d, $%d)
		ON CONFLICT (user_id, role) DO UPDATE SET %s
	`,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		len(args)-1, len(args),
		strings.Join(updates, ", "),
	)

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}
