package model

import (
	"slices"
	"strconv"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run states.
const (
	RunRunning         RunStatus = "running"
	RunWaitingApproval RunStatus = "waiting_approval"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
)

// Terminal reports whether no further advancement can happen.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Run is one execution of a definition version, from trigger to terminal
// state. Frontier is a sorted set of active node ids.
type Run struct {
	ID                string                `json:"id"`
	TenantID          string                `json:"tenant_id"`
	DefinitionID      string                `json:"definition_id"`
	DefinitionKey     string                `json:"definition_key"`
	DefinitionVersion int                   `json:"definition_version"`
	TriggerNode       string                `json:"trigger_node"`
	EventType         string                `json:"event_type"`
	Context           map[string]any        `json:"context"`
	Frontier          []string              `json:"frontier"`
	Scopes            map[string][]string   `json:"scopes,omitempty"`
	Awaiting          []string              `json:"awaiting,omitempty"`
	Joins             map[string]*JoinState `json:"joins,omitempty"`
	Status            RunStatus             `json:"status"`
	FailureReason     string                `json:"failure_reason,omitempty"`
	TriggeredBy       string                `json:"triggered_by"`
	HistoryLen        int                   `json:"history_len"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	Version           int                   `json:"version"`
}

// OnFrontier reports whether node is active.
func (r *Run) OnFrontier(node string) bool {
	_, ok := slices.BinarySearch(r.Frontier, node)
	return ok
}

// AddFrontier inserts node into the frontier set.
func (r *Run) AddFrontier(node string) bool {
	i, ok := slices.BinarySearch(r.Frontier, node)
	if ok {
		return false
	}
	r.Frontier = slices.Insert(r.Frontier, i, node)
	return true
}

// RemoveFrontier removes node from the frontier set.
func (r *Run) RemoveFrontier(node string) bool {
	i, ok := slices.BinarySearch(r.Frontier, node)
	if !ok {
		return false
	}
	r.Frontier = slices.Delete(r.Frontier, i, i+1)
	return true
}

// IsAwaiting reports whether an approval request is open for node.
func (r *Run) IsAwaiting(node string) bool {
	return slices.Contains(r.Awaiting, node)
}

// WaitingJoins returns the joins that have seen arrivals but are not released.
func (r *Run) WaitingJoins() []string {
	var out []string
	for id, js := range r.Joins {
		if !js.Released {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Clone returns a deep copy so an advancement step can be discarded on
// failure without touching the caller's value.
func (r Run) Clone() Run {
	c := r
	c.Frontier = slices.Clone(r.Frontier)
	c.Awaiting = slices.Clone(r.Awaiting)
	if r.Context != nil {
		c.Context = make(map[string]any, len(r.Context))
		for k, v := range r.Context {
			c.Context[k] = v
		}
	}
	if r.Scopes != nil {
		c.Scopes = make(map[string][]string, len(r.Scopes))
		for k, v := range r.Scopes {
			c.Scopes[k] = slices.Clone(v)
		}
	}
	if r.Joins != nil {
		c.Joins = make(map[string]*JoinState, len(r.Joins))
		for k, v := range r.Joins {
			js := *v
			js.Outcomes = make(map[string]string, len(v.Outcomes))
			for from, o := range v.Outcomes {
				js.Outcomes[from] = o
			}
			c.Joins[k] = &js
		}
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Branch outcomes recorded on join arrival.
const (
	OutcomeArrived   = "arrived"
	OutcomeEnded     = "ended"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// JoinState counts arrivals at a merge join for the branches spawned by its
// paired split.
type JoinState struct {
	Split    string            `json:"split"`
	Expected int               `json:"expected"`
	Arrived  int               `json:"arrived"`
	Outcomes map[string]string `json:"outcomes"`
	Released bool              `json:"released"`
}

// Arrive records one branch arrival and reports whether this arrival
// completed the join. It is the single increment-and-compare for the join:
// only the arrival that reaches Expected returns true.
func (j *JoinState) Arrive(from, outcome string) bool {
	if j.Released {
		return false
	}
	if j.Outcomes == nil {
		j.Outcomes = make(map[string]string)
	}
	j.Arrived++
	key := from
	for n := 2; ; n++ {
		if _, dup := j.Outcomes[key]; !dup {
			break
		}
		key = from + "#" + strconv.Itoa(n)
	}
	j.Outcomes[key] = outcome
	if j.Arrived == j.Expected {
		j.Released = true
		return true
	}
	return false
}

// Failed reports whether any branch arrived failed.
func (j *JoinState) Failed() bool {
	for _, o := range j.Outcomes {
		if o == OutcomeFailed {
			return true
		}
	}
	return false
}

// RunFilters are optional filters for listing runs.
type RunFilters struct {
	DefinitionKey string
	Status        RunStatus
	Page          int
	PageSize      int
}
