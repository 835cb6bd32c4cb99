package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/flowdesk/model"
)

// AnyRole keys the capabilities granted to every authenticated subject.
const AnyRole = "*"

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// DefaultPolicy lets every authenticated subject trigger runs and work
// approvals, and reserves definition publishing and cancellation for
// workflow_admin.
func DefaultPolicy() map[string][]string {
	return map[string][]string{
		AnyRole: {
			model.CapDefinitionsView,
			model.CapRunsTrigger,
			model.CapRunsView,
			model.CapApprovalsView,
			model.CapApprovalsDecide,
		},
		"workflow_admin": {"workflow:*"},
	}
}

// StaticPolicyEvaluator resolves capabilities from a role to capability
// mapping, loaded from YAML or supplied in code.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator loads policies from path. An empty path selects
// DefaultPolicy.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	if path == "" {
		return NewStaticPolicy(DefaultPolicy()), nil
	}
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewStaticPolicy creates an evaluator over an in-memory role mapping.
func NewStaticPolicy(roles map[string][]string) *StaticPolicyEvaluator {
	return &StaticPolicyEvaluator{policy: policyFile{Roles: roles}}
}

// ResolveCapabilities returns the union of the AnyRole capabilities and those
// of every role in the request context.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, c := range e.policy.Roles[AnyRole] {
		caps[c] = true
	}
	for _, role := range rctx.Roles {
		if role == AnyRole {
			continue
		}
		for _, c := range e.policy.Roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Sync reloads the policy file from disk. In-memory policies have nothing to
// reload.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}
	if len(p.Roles) == 0 {
		return fmt.Errorf("capability: policy file %s defines no roles", e.path)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
