package model

import "time"

// Stage 是服务请求生命周期中的一个阶段
type Stage string

const (
	StageRequestSubmitted    Stage = "request_submitted"
	StageAIAnalyzing         Stage = "ai_analyzing"
	StageProvidersMatched    Stage = "providers_matched"
	StageQuoteSent           Stage = "quote_sent"
	StageDiagnosticScheduled Stage = "diagnostic_scheduled"
	StageDiagnosticCompleted Stage = "diagnostic_completed"
	StageQuoteApproved       Stage = "quote_approved"
	StageJobScheduled        Stage = "job_scheduled"
	StageJobInProgress       Stage = "job_in_progress"
	StageJobCompleted        Stage = "job_completed"
	StageInvoiceSent         Stage = "invoice_sent"
	StagePaymentReceived     Stage = "payment_received"
	StageReviewRequested     Stage = "review_requested"
	StageWorkflowComplete    Stage = "workflow_complete"
)

// StageOrder is the canonical lifecycle ordering. The index drives
// progress-percentage math; stages only ever move toward the end of
// this list.
var StageOrder = []Stage{
	StageRequestSubmitted,
	StageAIAnalyzing,
	StageProvidersMatched,
	StageQuoteSent,
	StageDiagnosticScheduled,
	StageDiagnosticCompleted,
	StageQuoteApproved,
	StageJobScheduled,
	StageJobInProgress,
	StageJobCompleted,
	StageInvoiceSent,
	StagePaymentReceived,
	StageReviewRequested,
	StageWorkflowComplete,
}

var stageIndex = func() map[Stage]int {
	m := make(map[Stage]int, len(StageOrder))
	for i, s := range StageOrder {
		m[s] = i
	}
	return m
}()

// StageIndex returns the 0-based position of a stage in the canonical
// ordering, or -1 for values outside the lifecycle.
func StageIndex(s Stage) int {
	if i, ok := stageIndex[s]; ok {
		return i
	}
	return -1
}

var stageLabels = map[Stage]string{
	StageRequestSubmitted:    "Request Submitted",
	StageAIAnalyzing:         "Analyzing Request",
	StageProvidersMatched:    "Providers Matched",
	StageQuoteSent:           "Quote Sent",
	StageDiagnosticScheduled: "Diagnostic Scheduled",
	StageDiagnosticCompleted: "Diagnostic Completed",
	StageQuoteApproved:       "Quote Approved",
	StageJobScheduled:        "Job Scheduled",
	StageJobInProgress:       "Job In Progress",
	StageJobCompleted:        "Job Completed",
	StageInvoiceSent:         "Invoice Sent",
	StagePaymentReceived:     "Payment Received",
	StageReviewRequested:     "Review Requested",
	StageWorkflowComplete:    "Complete",
}

// StageLabel returns the human-readable label for a stage.
// Unknown values pass through unchanged.
func StageLabel(s Stage) string {
	if label, ok := stageLabels[s]; ok {
		return label
	}
	return string(s)
}

// WorkflowState 是一个服务请求的权威生命周期记录
type WorkflowState struct {
	ID               int64
	ServiceRequestID *int64
	ServiceCallID    *int64
	QuoteID          *int64
	BookingID        *int64
	InvoiceID        *int64
	PaymentID        *int64

	HomeownerID   int64
	ProviderOrgID *int64

	Stage               Stage
	StageStartedAt      time.Time
	StageCompletedAt    *time.Time
	HomeownerNotifiedAt *time.Time
	ProviderNotifiedAt  *time.Time

	Metadata map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}
