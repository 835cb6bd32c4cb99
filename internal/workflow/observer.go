package workflow

import "github.com/pitabwire/flowdesk/model"

// Observer receives engine events for metrics.
type Observer interface {
	RunStarted(definitionKey string)
	RunFinished(definitionKey string, status model.RunStatus)
	NodeAdvanced(nodeType model.NodeType)
	ApprovalOpened()
	ApprovalResolved(outcome string)
	ActionDispatched(actionType model.ActionType, success bool)
	LockContended()
	TimerFired()
}

type nopObserver struct{}

func (nopObserver) RunStarted(string) {}
func (nopObserver) RunFinished(string, model.RunStatus) {}
func (nopObserver) NodeAdvanced(model.NodeType) {}
func (nopObserver) ApprovalOpened() {}
func (nopObserver) ApprovalResolved(string) {}
func (nopObserver) ActionDispatched(model.ActionType, bool) {}
func (nopObserver) LockContended() {}
func (nopObserver) TimerFired() {}
