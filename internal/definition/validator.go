package definition

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pitabwire/flowdesk/model"
)

// Validation error codes.
const (
	CodeRequired           = "REQUIRED"
	CodeDuplicateNode      = "DUPLICATE_NODE"
	CodeUnknownNodeType    = "UNKNOWN_NODE_TYPE"
	CodeMissingConfig      = "MISSING_CONFIG"
	CodeUnknownConfigKey   = "UNKNOWN_CONFIG_KEY"
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeDanglingEdge       = "DANGLING_EDGE"
	CodeDuplicateEdge      = "DUPLICATE_EDGE"
	CodeNoTrigger          = "NO_TRIGGER"
	CodeTriggerInbound     = "TRIGGER_INBOUND"
	CodeNoInboundEdge      = "NO_INBOUND_EDGE"
	CodeUnreachableNode    = "UNREACHABLE_NODE"
	CodeCycle              = "CYCLE"
	CodeUnbalancedParallel = "UNBALANCED_PARALLEL"
	CodeBranchCoverage     = "BRANCH_COVERAGE"
	CodeInvalidEdgeLabel   = "INVALID_EDGE_LABEL"
	CodeEdgeArity          = "EDGE_ARITY"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// FieldErrors converts validation errors into API error details.
func FieldErrors(errs []VError) []model.FieldError {
	out := make([]model.FieldError, len(errs))
	for i, e := range errs {
		out[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return out
}

// Validator checks workflow definitions structurally. It performs no I/O.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns every problem found in def. An empty result means the
// definition may be activated.
func (v *Validator) Validate(def model.WorkflowDefinition) []VError {
	_, errs := v.Compile(def)
	return errs
}

// Compile validates def and, when it is valid, returns the execution graph
// including the split to join pairing.
func (v *Validator) Compile(def model.WorkflowDefinition) (*Graph, []VError) {
	c := &compiler{
		def:      def,
		vertices: make(map[string]*Vertex, len(def.Nodes)),
		index:    make(map[string]int, len(def.Nodes)),
		inbound:  make(map[string]int, len(def.Nodes)),
		joinOf:   make(map[string]string),
	}

	c.header()
	c.nodes()
	c.edges()
	c.entryPoints()
	for _, id := range c.order {
		c.outgoing(c.vertices[id])
	}
	c.reachability()
	if !c.cycles() && c.pairing() {
		c.scopes()
	}

	if len(c.errs) > 0 {
		return nil, c.errs
	}

	triggers := slices.Clone(c.triggers)
	sort.Strings(triggers)
	return &Graph{def: def, vertices: c.vertices, triggers: triggers, joinOf: c.joinOf}, nil
}

type compiler struct {
	def      model.WorkflowDefinition
	vertices map[string]*Vertex
	order    []string
	index    map[string]int
	inbound  map[string]int
	triggers []string
	joinOf   map[string]string
	errs     []VError
}

func (c *compiler) fail(path, code, format string, args ...any) {
	c.errs = append(c.errs, VError{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (c *compiler) nodePath(id string) string {
	return fmt.Sprintf("nodes[%d]", c.index[id])
}

func (c *compiler) header() {
	if c.def.Key == "" {
		c.fail("key", CodeRequired, "key is required")
	}
	if c.def.Name == "" {
		c.fail("name", CodeRequired, "name is required")
	}
	if len(c.def.Nodes) == 0 {
		c.fail("nodes", CodeRequired, "at least one node is required")
	}
}

func (c *compiler) nodes() {
	for i, n := range c.def.Nodes {
		prefix := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			c.fail(prefix+".id", CodeRequired, "node id is required")
			continue
		}
		if _, dup := c.vertices[n.ID]; dup {
			c.fail(prefix+".id", CodeDuplicateNode, "node id %q is already used by nodes[%d]", n.ID, c.index[n.ID])
			continue
		}
		if !n.Type.Valid() {
			c.fail(prefix+".type", CodeUnknownNodeType, "unknown node type %q", n.Type)
			continue
		}

		cfg, cerrs := DecodeConfig(prefix+".config", n)
		c.errs = append(c.errs, cerrs...)

		c.vertices[n.ID] = &Vertex{ID: n.ID, Type: n.Type, Name: n.Name, Config: cfg}
		c.index[n.ID] = i
		c.order = append(c.order, n.ID)
		if n.Type == model.NodeTrigger {
			c.triggers = append(c.triggers, n.ID)
		}
	}
}

func (c *compiler) edges() {
	type edgeKey struct{ from, to, label string }
	seen := make(map[edgeKey]int)

	for i, e := range c.def.Edges {
		prefix := fmt.Sprintf("edges[%d]", i)
		from, fromOK := c.vertices[e.From]
		to, toOK := c.vertices[e.To]
		if !fromOK {
			c.fail(prefix+".from", CodeDanglingEdge, "edge source %q is not a node", e.From)
		}
		if !toOK {
			c.fail(prefix+".to", CodeDanglingEdge, "edge target %q is not a node", e.To)
		}
		if !fromOK || !toOK {
			continue
		}
		if to.Type == model.NodeTrigger {
			c.fail(prefix+".to", CodeTriggerInbound, "trigger %q cannot be the target of an edge", e.To)
			continue
		}
		k := edgeKey{e.From, e.To, e.Label}
		if prev, dup := seen[k]; dup {
			c.fail(prefix, CodeDuplicateEdge, "edge duplicates edges[%d]", prev)
			continue
		}
		seen[k] = i

		from.Out = append(from.Out, e)
		c.inbound[e.To]++
	}
}

func (c *compiler) entryPoints() {
	if len(c.triggers) == 0 && len(c.def.Nodes) > 0 {
		c.fail("nodes", CodeNoTrigger, "definition has no trigger node")
	}
	for _, id := range c.order {
		if c.vertices[id].Type != model.NodeTrigger && c.inbound[id] == 0 {
			c.fail(c.nodePath(id), CodeNoInboundEdge, "node %q has no inbound edge", id)
		}
	}
}

var branchLabels = map[model.NodeType][]string{
	model.NodeCondition: {model.LabelTrue, model.LabelFalse, model.LabelOnError},
	model.NodeApproval:  {model.LabelApproved, model.LabelRejected},
	model.NodeAction:    {"", model.LabelOnFailure, model.LabelFailed},
}

// outgoing checks edge labels and arity for the node's type.
func (c *compiler) outgoing(v *Vertex) {
	path := c.nodePath(v.ID)
	labels := make(map[string]int)
	for _, e := range v.Out {
		labels[e.Label]++
	}

	switch v.Type {
	case model.NodeTrigger:
		if len(v.Out) != 1 {
			c.fail(path, CodeEdgeArity, "trigger %q must have exactly one outgoing edge, has %d", v.ID, len(v.Out))
		}
		c.unlabeled(path, v)

	case model.NodeParallelSplit:
		if len(v.Out) < 2 {
			c.fail(path, CodeEdgeArity, "parallel_split %q must have at least two outgoing edges, has %d", v.ID, len(v.Out))
		}
		c.unlabeled(path, v)

	case model.NodeMergeJoin:
		if len(v.Out) > 1 {
			c.fail(path, CodeEdgeArity, "merge_join %q may have at most one outgoing edge, has %d", v.ID, len(v.Out))
		}
		c.unlabeled(path, v)

	case model.NodeCondition:
		c.allowedLabels(path, v, labels)
		for _, want := range []string{model.LabelTrue, model.LabelFalse} {
			if labels[want] == 0 {
				c.fail(path, CodeBranchCoverage, "condition %q has no %q edge", v.ID, want)
			}
		}

	case model.NodeApproval:
		c.allowedLabels(path, v, labels)

	case model.NodeAction:
		c.allowedLabels(path, v, labels)
		if labels[model.LabelOnFailure]+labels[model.LabelFailed] > 1 {
			c.fail(path, CodeEdgeArity, "action %q may have at most one failure edge", v.ID)
		}
		if v.Config.Action != nil && v.Config.Action.Terminal && labels[""] > 0 {
			c.fail(path, CodeEdgeArity, "terminal action %q cannot have a success edge", v.ID)
		}
	}
}

func (c *compiler) unlabeled(path string, v *Vertex) {
	for _, e := range v.Out {
		if e.Label != "" {
			c.fail(path, CodeInvalidEdgeLabel, "%s %q edges are unlabeled, got %q", v.Type, v.ID, e.Label)
		}
	}
}

func (c *compiler) allowedLabels(path string, v *Vertex, labels map[string]int) {
	allowed := branchLabels[v.Type]
	keys := make([]string, 0, len(labels))
	for l := range labels {
		keys = append(keys, l)
	}
	sort.Strings(keys)
	for _, l := range keys {
		if !slices.Contains(allowed, l) {
			c.fail(path, CodeInvalidEdgeLabel, "%s %q cannot have an edge labeled %q", v.Type, v.ID, l)
			continue
		}
		if labels[l] > 1 {
			c.fail(path, CodeInvalidEdgeLabel, "%s %q has %d edges labeled %q", v.Type, v.ID, labels[l], l)
		}
	}
}

func (c *compiler) reachability() {
	reached := make(map[string]bool, len(c.vertices))
	queue := slices.Clone(c.triggers)
	for _, t := range c.triggers {
		reached[t] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range c.vertices[id].Out {
			if !reached[e.To] {
				reached[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	for _, id := range c.order {
		// Nodes without inbound edges are already reported.
		if !reached[id] && c.inbound[id] > 0 {
			c.fail(c.nodePath(id), CodeUnreachableNode, "node %q is not reachable from any trigger", id)
		}
	}
}

// cycles reports every back edge and returns whether any was found.
func (c *compiler) cycles() bool {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(c.vertices))
	found := false

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		for _, e := range c.vertices[id].Out {
			switch color[e.To] {
			case grey:
				found = true
				c.fail(c.nodePath(id), CodeCycle, "edge %s -> %s closes a cycle", id, e.To)
			case white:
				visit(e.To)
			}
		}
		color[id] = black
	}
	for _, id := range c.order {
		if color[id] == white {
			visit(id)
		}
	}
	return found
}

// region walks a parallel branch from start. It returns the nodes the branch
// can visit before closing, and the merge_joins at nesting depth zero that
// close it.
func (c *compiler) region(start string) (nodes map[string]bool, joins map[string]bool) {
	nodes = make(map[string]bool)
	joins = make(map[string]bool)
	type state struct {
		id    string
		depth int
	}
	seen := make(map[state]bool)

	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		s := state{id, depth}
		if seen[s] {
			return
		}
		seen[s] = true

		v := c.vertices[id]
		switch v.Type {
		case model.NodeMergeJoin:
			if depth == 0 {
				joins[id] = true
				return
			}
			depth--
		case model.NodeParallelSplit:
			depth++
		}
		nodes[id] = true
		for _, e := range v.Out {
			walk(e.To, depth)
		}
	}
	walk(start, 0)
	return nodes, joins
}

func (c *compiler) descendants(id string) map[string]bool {
	out := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range c.vertices[cur].Out {
			if !out[e.To] {
				out[e.To] = true
				stack = append(stack, e.To)
			}
		}
	}
	return out
}

// pairing matches each parallel_split with the single merge_join that closes
// all of its branches, and rejects branches that converge anywhere else. It
// reports whether every split and join was paired cleanly.
func (c *compiler) pairing() bool {
	before := len(c.errs)
	owner := make(map[string]string)

	for _, id := range c.order {
		v := c.vertices[id]
		if v.Type != model.NodeParallelSplit {
			continue
		}
		path := c.nodePath(id)

		closing := make(map[string]bool)
		regions := make([]map[string]bool, 0, len(v.Out))
		for _, e := range v.Out {
			nodes, joins := c.region(e.To)
			regions = append(regions, nodes)
			for j := range joins {
				closing[j] = true
			}
		}

		switch len(closing) {
		case 0:
			c.fail(path, CodeUnbalancedParallel, "parallel_split %q has no merge_join closing its branches", id)
			continue
		case 1:
		default:
			c.fail(path, CodeUnbalancedParallel, "branches of parallel_split %q close at different merge_joins %v", id, sortedKeys(closing))
			continue
		}
		join := sortedKeys(closing)[0]

		for i := 0; i < len(regions); i++ {
			for j := i + 1; j < len(regions); j++ {
				for _, n := range sortedKeys(regions[i]) {
					if regions[j][n] {
						c.fail(path, CodeUnbalancedParallel, "branches of parallel_split %q converge at %q before merge_join %q", id, n, join)
						break
					}
				}
			}
		}

		after := c.descendants(join)
		for _, r := range regions {
			for _, n := range sortedKeys(r) {
				if after[n] {
					c.fail(path, CodeUnbalancedParallel, "node %q inside parallel_split %q is also reachable after merge_join %q", n, id, join)
				}
			}
		}

		if prev, taken := owner[join]; taken {
			c.fail(c.nodePath(join), CodeUnbalancedParallel, "merge_join %q closes both %q and %q", join, prev, id)
			continue
		}
		owner[join] = id
		c.joinOf[id] = join
	}

	for _, id := range c.order {
		if c.vertices[id].Type == model.NodeMergeJoin && owner[id] == "" {
			c.fail(c.nodePath(id), CodeUnbalancedParallel, "merge_join %q is not paired with a parallel_split", id)
		}
	}
	return len(c.errs) == before
}

// scopes walks every path from every trigger with the stack of open joins
// the engine will carry, and reports merge_joins reached outside their scope.
func (c *compiler) scopes() {
	seen := make(map[string]bool)
	reported := make(map[string]bool)

	var walk func(id string, scope []string)
	walk = func(id string, scope []string) {
		key := id + "|" + strings.Join(scope, ",")
		if seen[key] {
			return
		}
		seen[key] = true

		v := c.vertices[id]
		next := scope
		switch v.Type {
		case model.NodeParallelSplit:
			join, ok := c.joinOf[id]
			if !ok {
				return
			}
			next = append(slices.Clone(scope), join)
		case model.NodeMergeJoin:
			if len(scope) == 0 || scope[len(scope)-1] != id {
				if !reported[id] {
					reported[id] = true
					c.fail(c.nodePath(id), CodeUnbalancedParallel, "merge_join %q is reachable outside the parallel section it closes", id)
				}
				return
			}
			next = scope[:len(scope)-1]
		}
		for _, e := range v.Out {
			walk(e.To, next)
		}
	}
	for _, t := range c.triggers {
		walk(t, nil)
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
