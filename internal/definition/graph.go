package definition

import (
	"slices"

	"github.com/pitabwire/flowdesk/model"
)

// Vertex is a node of a compiled graph with its decoded config and its
// outgoing edges in document order.
type Vertex struct {
	ID     string
	Type   model.NodeType
	Name   string
	Config model.NodeConfig
	Out    []model.Edge
}

// Follow returns the target of the edge carrying label.
func (v *Vertex) Follow(label string) (string, bool) {
	for _, e := range v.Out {
		if e.Label == label {
			return e.To, true
		}
	}
	return "", false
}

// Next returns the targets of the unlabeled outgoing edges.
func (v *Vertex) Next() []string {
	var out []string
	for _, e := range v.Out {
		if e.Label == "" {
			out = append(out, e.To)
		}
	}
	return out
}

// Graph is a validated definition compiled for execution. It is immutable
// and safe for concurrent readers.
type Graph struct {
	def      model.WorkflowDefinition
	vertices map[string]*Vertex
	triggers []string
	joinOf   map[string]string
}

// Definition returns the definition the graph was compiled from.
func (g *Graph) Definition() model.WorkflowDefinition {
	return g.def
}

// ID returns the definition version id.
func (g *Graph) ID() string {
	return g.def.ID
}

// Vertex returns the node with the given id.
func (g *Graph) Vertex(id string) (*Vertex, bool) {
	v, ok := g.vertices[id]
	return v, ok
}

// Triggers returns the ids of all trigger nodes, sorted.
func (g *Graph) Triggers() []string {
	return slices.Clone(g.triggers)
}

// TriggersFor returns the trigger nodes listening for eventType.
func (g *Graph) TriggersFor(eventType string) []string {
	var out []string
	for _, id := range g.triggers {
		if g.vertices[id].Config.Trigger.Event == eventType {
			out = append(out, id)
		}
	}
	return out
}

// JoinFor returns the merge_join paired with a parallel_split.
func (g *Graph) JoinFor(split string) (string, bool) {
	j, ok := g.joinOf[split]
	return j, ok
}

// Pairs returns a copy of the split to join pairing.
func (g *Graph) Pairs() map[string]string {
	out := make(map[string]string, len(g.joinOf))
	for k, v := range g.joinOf {
		out[k] = v
	}
	return out
}
