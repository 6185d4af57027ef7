package mq

import (
	"strconv"
	"time"
)

// 工作流阶段变更事件的 payload（change feed）
// Routing key: workflow.changed.<service_request_id>
type WorkflowChangedPayload struct {
	WorkflowID       int64          `json:"workflow_id"`
	ServiceRequestID int64          `json:"service_request_id"`
	HomeownerID      int64          `json:"homeowner_id"`
	ProviderOrgID    *int64         `json:"provider_org_id,omitempty"`
	Stage            string         `json:"stage"`
	LastAction       string         `json:"last_action"`
	StageStartedAt   time.Time      `json:"stage_started_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	TraceID          string         `json:"trace_id,omitempty"`
}

// RoutingKeyWorkflowChanged builds the per-request routing key for the change feed.
func RoutingKeyWorkflowChanged(serviceRequestID int64) string {
	return "workflow.changed." + strconv.FormatInt(serviceRequestID, 10)
}

// RoutingKeyWorkflowChangedAll matches change events for every service request
// (used by list views for coarse cache invalidation).
const RoutingKeyWorkflowChangedAll = "workflow.changed.*"
