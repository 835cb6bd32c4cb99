package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/model"
)

func TestDryRun_StopsAtUndecidedApproval(t *testing.T) {
	report, err := DryRun(context.Background(), DryRunRequest{
		Definition: highValue(nil),
		EventType:  "ticket-created",
		Context:    map[string]any{"amount": 5000},
	}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, model.RunWaitingApproval, report.Status)
	assert.Equal(t, []string{"approve"}, report.Frontier)
	require.Len(t, report.PendingApprovals, 1)
	assert.Equal(t, "manager", report.PendingApprovals[0].ApproverRole)
	assert.Empty(t, report.Actions)
	assert.Equal(t, []model.HistoryKind{model.HistoryTriggered, model.HistoryBranchSelected}, kinds(report.Path))
}

func TestDryRun_AppliesDecisions(t *testing.T) {
	tests := []struct {
		name     string
		decision model.Decision
		action   string
	}{
		{"approved", model.DecisionApproved, "notify"},
		{"rejected", model.DecisionRejected, "rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := DryRun(context.Background(), DryRunRequest{
				Definition: highValue(nil),
				Context:    map[string]any{"amount": 5000},
				Decisions:  map[string]model.Decision{"approve": tt.decision},
			}, zap.NewNop())
			require.NoError(t, err)

			assert.Equal(t, model.RunCompleted, report.Status)
			assert.Empty(t, report.Frontier)
			assert.Empty(t, report.PendingApprovals)
			require.Len(t, report.Actions, 1)
			assert.Equal(t, tt.action, report.Actions[0].NodeID)
			assert.Equal(t, model.ActionNotify, report.Actions[0].ActionType)
			assert.Equal(t, []model.HistoryKind{
				model.HistoryTriggered,
				model.HistoryBranchSelected,
				model.HistoryApprovalDecided,
				model.HistoryActionCompleted,
			}, kinds(report.Path))
		})
	}
}

func TestDryRun_ParallelDecisions(t *testing.T) {
	report, err := DryRun(context.Background(), DryRunRequest{
		Definition: parallelApprovals(2),
		Decisions: map[string]model.Decision{
			"a1": model.DecisionApproved,
			"a2": model.DecisionRejected,
		},
	}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, model.RunCompleted, report.Status)
	assert.Equal(t, map[string]string{"fork": "merge"}, report.Pairs)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, "done", report.Actions[0].NodeID)
}

func TestDryRun_InvalidDefinition(t *testing.T) {
	def := highValue(nil)
	def.Edges = def.Edges[1:]

	_, err := DryRun(context.Background(), DryRunRequest{Definition: def}, zap.NewNop())
	requireCode(t, err, model.ErrValidationError)
}
