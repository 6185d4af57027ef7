package workflow

import (
	"context"
	"fmt"
	"time"

	"homebase/contracts/mq"
	"homebase/internal/model"
	"homebase/internal/repository"
	"homebase/pkg/outbox"
	"homebase/pkg/trace"
)

// TxStore persists workflow transitions. The stage write and the
// workflow.changed outbox event commit in one transaction, so the
// change feed never announces a state that was rolled back.
type TxStore struct {
	workflows *repository.WorkflowRepository
	events    *outbox.Repository
}

func NewTxStore(workflows *repository.WorkflowRepository, events *outbox.Repository) *TxStore {
	return &TxStore{workflows: workflows, events: events}
}

func (s *TxStore) GetByServiceRequest(ctx context.Context, serviceRequestID int64) (*model.WorkflowState, error) {
	w, err := s.workflows.GetByServiceRequest(ctx, serviceRequestID)
	if repository.IsNotFound(err) {
		return nil, nil
	}
	return w, err
}

func (s *TxStore) TouchNotified(ctx context.Context, workflowID int64, audience string) error {
	return s.workflows.TouchNotified(ctx, workflowID, audience)
}

// Apply 在一个事务里写入阶段变更并插入 change-feed outbox 事件
func (s *TxStore) Apply(ctx context.Context, w *model.WorkflowState, create bool, completedAt *time.Time, action string) error {
	tx, err := s.workflows.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if create {
		if err := s.workflows.CreateInTx(ctx, tx, w); err != nil {
			return err
		}
	} else {
		if err := s.workflows.UpdateStageInTx(ctx, tx, w, completedAt); err != nil {
			return err
		}
	}

	payload := mq.WorkflowChangedPayload{
		WorkflowID:       w.ID,
		ServiceRequestID: derefOrZero(w.ServiceRequestID),
		HomeownerID:      w.HomeownerID,
		ProviderOrgID:    w.ProviderOrgID,
		Stage:            string(w.Stage),
		LastAction:       action,
		StageStartedAt:   w.StageStartedAt,
		UpdatedAt:        w.UpdatedAt,
		Metadata:         w.Metadata,
		TraceID:          trace.FromContext(ctx),
	}

	err = outbox.InsertEventInTx(ctx, tx, s.events,
		"workflow", &w.ID,
		mq.RoutingKeyWorkflowChanged(payload.ServiceRequestID),
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue workflow change event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit workflow transition: %w", err)
	}
	return nil
}
