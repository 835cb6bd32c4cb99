package model

import (
	"slices"
	"time"
)

// ApprovalStatus is the state of one approval request.
type ApprovalStatus string

// Approval states. Every state except pending is terminal.
const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalDelegated ApprovalStatus = "delegated"
)

// Terminal reports whether the request can no longer transition.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// Decision is the human verdict on an approval request.
type Decision string

// Decisions.
const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is approved or rejected.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ApprovalRequest is a pending or resolved approval step for one (run, node)
// pair. Resolution is the edge label the engine follows once the request
// resolves the node; it stays empty for delegated and escalated requests,
// which hand the node over to a successor request.
type ApprovalRequest struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	RunID           string         `json:"run_id"`
	NodeID          string         `json:"node_id"`
	ApproverRole    string         `json:"approver_role"`
	ApproverID      string         `json:"approver_id,omitempty"`
	Status          ApprovalStatus `json:"status"`
	Resolution      string         `json:"resolution,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	DueAt           time.Time      `json:"due_at"`
	DecidedBy       string         `json:"decided_by,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	DecisionReason  string         `json:"decision_reason,omitempty"`
	EscalationLevel int            `json:"escalation_level"`
	PreviousID      string         `json:"previous_id,omitempty"`
	Version         int            `json:"version"`
}

// Eligible reports whether actor may decide or delegate the request: the
// named approver when one is set, otherwise any holder of the approver role.
func (r ApprovalRequest) Eligible(actor Actor) bool {
	if r.ApproverID != "" {
		return actor.ID == r.ApproverID
	}
	return r.ApproverRole != "" && slices.Contains(actor.Roles, r.ApproverRole)
}

// ApprovalFilters are optional filters for listing approval requests.
type ApprovalFilters struct {
	RunID      string
	Status     ApprovalStatus
	ApproverID string
	Role       string
}
