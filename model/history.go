package model

import "time"

// HistoryKind classifies a history entry.
type HistoryKind string

// Frontier transitions. Each moves a token off NodeID onto Targets. A branch
// arriving at a merge_join that is still waiting for other branches has no
// targets; the arrival that releases the join targets the join itself.
const (
	HistoryTriggered        HistoryKind = "triggered"
	HistoryBranchSelected   HistoryKind = "branch_selected"
	HistoryApprovalDecided  HistoryKind = "approval_decided"
	HistoryApprovalExpired  HistoryKind = "approval_expired"
	HistoryActionCompleted  HistoryKind = "action_completed"
	HistoryActionFailed     HistoryKind = "action_failed"
	HistorySplit            HistoryKind = "split"
	HistoryJoinReleased     HistoryKind = "join_released"
	HistoryEvaluationFailed HistoryKind = "evaluation_failed"
	HistoryRunCancelled     HistoryKind = "run_cancelled"
)

// Annotations. They record decisions that do not move the frontier.
const (
	HistoryApprovalDelegated HistoryKind = "approval_delegated"
	HistoryApprovalEscalated HistoryKind = "approval_escalated"
)

// Transition reports whether the kind moves the frontier.
func (k HistoryKind) Transition() bool {
	return k != HistoryApprovalDelegated && k != HistoryApprovalEscalated
}

// HistoryEntry is one append-only audit record. Seq orders entries within
// a run. FromStatus and ToStatus are run statuses, except for approval
// entries where they are the request's statuses.
type HistoryEntry struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Seq        int            `json:"seq"`
	NodeID     string         `json:"node_id,omitempty"`
	Kind       HistoryKind    `json:"kind"`
	Targets    []string       `json:"targets,omitempty"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	Actor      string         `json:"actor"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     string         `json:"detail,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}
