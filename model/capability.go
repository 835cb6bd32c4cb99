package model

import "strings"

// Capabilities guarding the engine API.
const (
	CapDefinitionsView    = "workflow:definitions:view"
	CapDefinitionsPublish = "workflow:definitions:publish"
	CapRunsTrigger        = "workflow:runs:trigger"
	CapRunsView           = "workflow:runs:view"
	CapRunsCancel         = "workflow:runs:cancel"
	CapApprovalsView      = "workflow:approvals:view"
	CapApprovalsDecide    = "workflow:approvals:decide"
)

// CapabilitySet is a set of capabilities granted to a user. Each key is a
// capability string (e.g. "workflow:runs:view") and may include wildcards
// (e.g. "workflow:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"                   matches anything
//	"workflow:*"          matches "workflow:runs:view"
//	"workflow:runs:*"     matches "workflow:runs:cancel"
//	"workflow:runs"       does NOT match "workflow:runs:view"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
	Invalidate(subjectID, tenantID string)
}

// PolicyEvaluator resolves capabilities from roles.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from its source.
	Sync() error
}
