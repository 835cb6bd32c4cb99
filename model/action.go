package model

// ActionOutcome is the recorded result of dispatching an action node.
type ActionOutcome struct {
	Success  bool           `json:"success"`
	Detail   string         `json:"detail,omitempty"`
	Attempts int            `json:"attempts"`
	Output   map[string]any `json:"output,omitempty"`
}

// Succeeded returns a successful outcome.
func Succeeded(detail string) ActionOutcome {
	return ActionOutcome{Success: true, Detail: detail, Attempts: 1}
}

// Failed returns a failed outcome.
func Failed(detail string) ActionOutcome {
	return ActionOutcome{Success: false, Detail: detail, Attempts: 1}
}
