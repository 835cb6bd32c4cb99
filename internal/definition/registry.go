package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// TriggerRef is one entry point matched by an incoming event.
type TriggerRef struct {
	Graph *Graph
	Node  string
}

// versionKey identifies a definition version. Version ids are unique only
// within a tenant.
type versionKey struct {
	tenant string
	id     string
}

func keyOf(g *Graph) versionKey {
	return versionKey{tenant: g.Definition().TenantID, id: g.ID()}
}

// snapshot is an immutable view of the active definitions.
type snapshot struct {
	graphs   map[versionKey]*Graph
	byTenant map[string][]*Graph // sorted by id
	checksum string
}

// Registry is a read-optimized, thread-safe index of active definitions.
// It uses atomic pointer swap for lock-free concurrent reads; writers build a
// new snapshot.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry holding the given graphs.
func NewRegistry(graphs []*Graph) *Registry {
	r := &Registry{}
	r.Replace(graphs)
	return r
}

// Replace atomically swaps the registry contents for the given graphs.
func (r *Registry) Replace(graphs []*Graph) {
	m := make(map[versionKey]*Graph, len(graphs))
	for _, g := range graphs {
		m[keyOf(g)] = g
	}
	r.snap.Store(build(m))
}

// Put adds or replaces one active graph and drops the versions of the same
// tenant listed in retired, in a single swap.
func (r *Registry) Put(g *Graph, retired ...string) {
	r.swap(g.Definition().TenantID, g, retired)
}

// Remove drops a tenant's graph, e.g. after archival.
func (r *Registry) Remove(tenantID, id string) {
	r.swap(tenantID, nil, []string{id})
}

func (r *Registry) swap(tenantID string, g *Graph, retired []string) {
	for {
		old := r.snap.Load()
		m := make(map[versionKey]*Graph, len(old.graphs)+1)
		for k, existing := range old.graphs {
			m[k] = existing
		}
		for _, id := range retired {
			delete(m, versionKey{tenant: tenantID, id: id})
		}
		if g != nil {
			m[keyOf(g)] = g
		}
		if r.snap.CompareAndSwap(old, build(m)) {
			return
		}
	}
}

func build(graphs map[versionKey]*Graph) *snapshot {
	s := &snapshot{graphs: graphs, byTenant: make(map[string][]*Graph)}
	ids := make([]string, 0, len(graphs))
	for k, g := range graphs {
		ids = append(ids, k.tenant+"/"+k.id)
		s.byTenant[k.tenant] = append(s.byTenant[k.tenant], g)
	}
	for _, list := range s.byTenant {
		sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	}
	sort.Strings(ids)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(ids, ":"))))
	return s
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the tenant's active graph with the given definition id.
func (r *Registry) Get(tenantID, id string) (*Graph, bool) {
	g, ok := r.current().graphs[versionKey{tenant: tenantID, id: id}]
	return g, ok
}

// Active returns the active graphs of a tenant, sorted by id.
func (r *Registry) Active(tenantID string) []*Graph {
	list := r.current().byTenant[tenantID]
	out := make([]*Graph, len(list))
	copy(out, list)
	return out
}

// Match returns every trigger node of the tenant's active graphs whose event
// equals eventType. Each match starts an independent run.
func (r *Registry) Match(tenantID, eventType string) []TriggerRef {
	var refs []TriggerRef
	for _, g := range r.current().byTenant[tenantID] {
		for _, node := range g.TriggersFor(eventType) {
			refs = append(refs, TriggerRef{Graph: g, Node: node})
		}
	}
	return refs
}

// Len returns the number of active graphs.
func (r *Registry) Len() int {
	return len(r.current().graphs)
}

// Checksum identifies the set of active definition versions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
