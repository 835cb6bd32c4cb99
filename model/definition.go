package model

import (
	"fmt"
	"time"
)

// DefinitionStatus is the lifecycle state of a workflow definition version.
type DefinitionStatus string

// Definition lifecycle states.
const (
	DefinitionDraft    DefinitionStatus = "draft"
	DefinitionActive   DefinitionStatus = "active"
	DefinitionArchived DefinitionStatus = "archived"
)

// NodeType is the closed set of graph node kinds.
type NodeType string

// Node types.
const (
	NodeTrigger       NodeType = "trigger"
	NodeCondition     NodeType = "condition"
	NodeApproval      NodeType = "approval"
	NodeAction        NodeType = "action"
	NodeParallelSplit NodeType = "parallel_split"
	NodeMergeJoin     NodeType = "merge_join"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTrigger, NodeCondition, NodeApproval, NodeAction, NodeParallelSplit, NodeMergeJoin:
		return true
	}
	return false
}

// Reserved edge labels.
const (
	LabelTrue      = "true"
	LabelFalse     = "false"
	LabelApproved  = "approved"
	LabelRejected  = "rejected"
	LabelOnError   = "on_error"
	LabelOnFailure = "on_failure"
	LabelFailed    = "failed"
)

// WorkflowDefinition is one immutable version of a workflow graph. Key is
// stable across versions; ID identifies a single version.
type WorkflowDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Key         string           `json:"key" yaml:"key"`
	Version     int              `json:"version" yaml:"version"`
	TenantID    string           `json:"tenant_id" yaml:"tenant_id"`
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string           `json:"category,omitempty" yaml:"category,omitempty"`
	Status      DefinitionStatus `json:"status" yaml:"status"`
	Nodes       []Node           `json:"nodes" yaml:"nodes"`
	Edges       []Edge           `json:"edges" yaml:"edges"`
	CreatedBy   string           `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at" yaml:"-"`
	PublishedAt *time.Time       `json:"published_at,omitempty" yaml:"-"`
	Stats       ExecutionStats   `json:"stats" yaml:"-"`
}

// VersionID returns the canonical identifier of a definition version.
func VersionID(key string, version int) string {
	return fmt.Sprintf("%s@%d", key, version)
}

// ExecutionStats counts terminal runs of a definition version.
type ExecutionStats struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Node is a vertex of the workflow graph as authored. Config is the wire
// form; it is decoded into a NodeConfig when the definition is compiled.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   NodeType       `json:"type" yaml:"type"`
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge is a directed connection between two nodes. Label selects the edge
// when the source node produces a branch.
type Edge struct {
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// NodeConfig is the typed configuration of a node. Exactly the field matching
// the node's type is set; split and join nodes carry none.
type NodeConfig struct {
	Trigger   *TriggerConfig
	Condition *ConditionConfig
	Approval  *ApprovalConfig
	Action    *ActionConfig
}

// TriggerConfig configures an entry point.
type TriggerConfig struct {
	Event string `mapstructure:"event"`
}

// Operator is the closed set of comparison operators.
type Operator string

// Comparison operators.
const (
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpGreaterThan, OpLessThan, OpEquals, OpContains:
		return true
	}
	return false
}

// Ordinal reports whether op compares numerically.
func (op Operator) Ordinal() bool {
	return op == OpGreaterThan || op == OpLessThan
}

// Logic combines several predicates on a logic condition node.
type Logic string

// Logic combinators.
const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Predicate compares the context value at Field against Operand.
type Predicate struct {
	Field    string   `mapstructure:"field"`
	Operator Operator `mapstructure:"operator"`
	Operand  any      `mapstructure:"operand"`
}

// ConditionConfig is either a single predicate (Logic empty) or an and/or
// combination of predicates. Both produce the "true" or "false" label.
type ConditionConfig struct {
	Logic      Logic
	Predicates []Predicate
}

// TimeoutPolicy decides what happens when an approval is not decided in time.
type TimeoutPolicy string

// Timeout policies.
const (
	TimeoutAutoReject  TimeoutPolicy = "auto_reject"
	TimeoutAutoApprove TimeoutPolicy = "auto_approve"
	TimeoutEscalate    TimeoutPolicy = "escalate"
)

// ApprovalConfig configures an approval node.
type ApprovalConfig struct {
	ApproverRole   string        `mapstructure:"approverRole"`
	ApproverID     string        `mapstructure:"approverId"`
	TimeoutHours   float64       `mapstructure:"timeoutHours"`
	OnTimeout      TimeoutPolicy `mapstructure:"onTimeout"`
	EscalateTo     string        `mapstructure:"escalateTo"`
	EscalateRole   string        `mapstructure:"escalateRole"`
	MaxEscalations int           `mapstructure:"maxEscalations"`
}

// Timeout returns the configured decision window.
func (c ApprovalConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutHours * float64(time.Hour))
}

// ActionType is the closed set of side effects an action node performs.
type ActionType string

// Action types.
const (
	ActionNotify      ActionType = "notify"
	ActionReassign    ActionType = "reassign"
	ActionEscalate    ActionType = "escalate"
	ActionWebhook     ActionType = "webhook"
	ActionUpdateField ActionType = "update_field"
	ActionAddComment  ActionType = "add_comment"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionNotify, ActionReassign, ActionEscalate, ActionWebhook, ActionUpdateField, ActionAddComment:
		return true
	}
	return false
}

// ActionConfig configures an action node. Which optional keys are required
// depends on ActionType.
type ActionConfig struct {
	ActionType ActionType     `mapstructure:"actionType"`
	Critical   bool           `mapstructure:"critical"`
	Terminal   bool           `mapstructure:"terminal"`
	RetryCount int            `mapstructure:"retryCount"`
	Channel    string         `mapstructure:"channel"`
	Template   string         `mapstructure:"template"`
	Recipients []string       `mapstructure:"recipients"`
	Assignee   string         `mapstructure:"assignee"`
	URL        string         `mapstructure:"url"`
	Method     string         `mapstructure:"method"`
	Payload    map[string]any `mapstructure:"payload"`
	Fields     map[string]any `mapstructure:"fields"`
	Comment    string         `mapstructure:"comment"`
	Visibility string         `mapstructure:"visibility"`
}
