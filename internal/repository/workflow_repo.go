package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"homebase/internal/model"
)

type WorkflowRepository struct {
	db *pgxpool.Pool
}

func NewWorkflowRepository(db *pgxpool.Pool) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

func (r *WorkflowRepository) Pool() *pgxpool.Pool {
	return r.db
}

const workflowColumns = `
	id, service_request_id, service_call_id, quote_id, booking_id, invoice_id, payment_id,
	homeowner_id, provider_org_id, workflow_stage, stage_started_at, stage_completed_at,
	homeowner_notified_at, provider_notified_at, metadata, created_at, updated_at
`

func scanWorkflow(row pgx.Row) (*model.WorkflowState, error) {
	var w model.WorkflowState
	var metadata []byte
	err := row.Scan(
		&w.ID, &w.ServiceRequestID, &w.ServiceCallID, &w.QuoteID, &w.BookingID, &w.InvoiceID, &w.PaymentID,
		&w.HomeownerID, &w.ProviderOrgID, &w.Stage, &w.StageStartedAt, &w.StageCompletedAt,
		&w.HomeownerNotifiedAt, &w.ProviderNotifiedAt, &metadata, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &w.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode workflow metadata: %w", err)
		}
	}
	return &w, nil
}

// GetByServiceRequest returns the most recent workflow for a service request.
// There is at most one by design; ordering newest-first defends against
// duplicates produced by a data-integrity slip.
func (r *WorkflowRepository) GetByServiceRequest(ctx context.Context, serviceRequestID int64) (*model.WorkflowState, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflow_states
		WHERE service_request_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanWorkflow(r.db.QueryRow(ctx, query, serviceRequestID))
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id int64) (*model.WorkflowState, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflow_states
		WHERE id = $1
	`
	return scanWorkflow(r.db.QueryRow(ctx, query, id))
}

// CreateInTx inserts a new workflow at the given stage.
// 必须在事务中调用，与 outbox 事件行一起提交。
func (r *WorkflowRepository) CreateInTx(ctx context.Context, tx pgx.Tx, w *model.WorkflowState) error {
	metadata, err := json.Marshal(w.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode workflow metadata: %w", err)
	}

	query := `
		INSERT INTO workflow_states (
			service_request_id, service_call_id, quote_id, booking_id, invoice_id, payment_id,
			homeowner_id, provider_org_id, workflow_stage, stage_started_at, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), $10)
		RETURNING id, stage_started_at, created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		w.ServiceRequestID, w.ServiceCallID, w.QuoteID, w.BookingID, w.InvoiceID, w.PaymentID,
		w.HomeownerID, w.ProviderOrgID, w.Stage, metadata,
	).Scan(&w.ID, &w.StageStartedAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// UpdateStageInTx advances a workflow to the given stage, resetting
// stage_started_at and replacing metadata with the merged bag.
// stage_completed_at is cleared unless completedAt is provided.
func (r *WorkflowRepository) UpdateStageInTx(ctx context.Context, tx pgx.Tx, w *model.WorkflowState, completedAt *time.Time) error {
	metadata, err := json.Marshal(w.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode workflow metadata: %w", err)
	}

	query := `
		UPDATE workflow_states
		SET workflow_stage = $1,
		    stage_started_at = NOW(),
		    stage_completed_at = $2,
		    quote_id = COALESCE($3, quote_id),
		    booking_id = COALESCE($4, booking_id),
		    invoice_id = COALESCE($5, invoice_id),
		    provider_org_id = COALESCE($6, provider_org_id),
		    metadata = $7,
		    updated_at = NOW()
		WHERE id = $8
		RETURNING stage_started_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		w.Stage, completedAt, w.QuoteID, w.BookingID, w.InvoiceID, w.ProviderOrgID, metadata, w.ID,
	).Scan(&w.StageStartedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update workflow stage: %w", err)
	}
	w.StageCompletedAt = completedAt
	return nil
}

// TouchNotified records the last-notification timestamp for one audience,
// used to avoid re-notifying the same stage.
func (r *WorkflowRepository) TouchNotified(ctx context.Context, workflowID int64, audience string) error {
	var column string
	switch audience {
	case "homeowner":
		column = "homeowner_notified_at"
	case "provider":
		column = "provider_notified_at"
	default:
		return fmt.Errorf("unknown audience: %s", audience)
	}

	query := fmt.Sprintf(`UPDATE workflow_states SET %s = NOW(), updated_at = NOW() WHERE id = $1`, column)
	_, err := r.db.Exec(ctx, query, workflowID)
	if err != nil {
		return fmt.Errorf("failed to touch %s: %w", column, err)
	}
	return nil
}

// ListFilter 列表查询条件（全部可选）
type ListFilter struct {
	HomeownerID   *int64
	ProviderOrgID *int64
	Stage         *model.Stage
	Limit         int
}

// List returns workflows matching the filter, newest first.
func (r *WorkflowRepository) List(ctx context.Context, f ListFilter) ([]*model.WorkflowState, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflow_states WHERE 1=1`
	args := []any{}

	if f.HomeownerID != nil {
		args = append(args, *f.HomeownerID)
		query += fmt.Sprintf(" AND homeowner_id = $%d", len(args))
	}
	if f.ProviderOrgID != nil {
		args = append(args, *f.ProviderOrgID)
		query += fmt.Sprintf(" AND provider_org_id = $%d", len(args))
	}
	if f.Stage != nil {
		args = append(args, *f.Stage)
		query += fmt.Sprintf(" AND workflow_stage = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkflowState
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
