// Package history builds and replays the append-only audit log of a run.
//
// Every frontier transition of a run is recorded as exactly one entry: the
// token leaves NodeID and enters Targets. Replaying the transitions of a run
// in sequence order from its trigger node reconstructs the persisted
// frontier.
package history

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/flowdesk/model"
)

// Reader returns the history of a run in sequence order.
type Reader interface {
	History(ctx context.Context, tenantID, runID string) ([]model.HistoryEntry, error)
}

// Step describes one entry before it is sequenced.
type Step struct {
	Kind    model.HistoryKind
	NodeID  string
	Targets []string
	From    string
	To      string
	Actor   string
	Detail  string
	Data    map[string]any
}

// Builder sequences the entries written by one advancement step. Entries are
// only durable once the caller commits them together with the run.
type Builder struct {
	runID   string
	next    int
	now     time.Time
	entries []model.HistoryEntry
}

// NewBuilder starts sequencing after the run's existing entries.
func NewBuilder(run model.Run, now time.Time) *Builder {
	return &Builder{runID: run.ID, next: run.HistoryLen + 1, now: now}
}

// Add appends one entry and returns it.
func (b *Builder) Add(s Step) model.HistoryEntry {
	actor := s.Actor
	if actor == "" {
		actor = model.SystemActor
	}
	e := model.HistoryEntry{
		ID:         uuid.New().String(),
		RunID:      b.runID,
		Seq:        b.next,
		NodeID:     s.NodeID,
		Kind:       s.Kind,
		Targets:    slices.Clone(s.Targets),
		FromStatus: s.From,
		ToStatus:   s.To,
		Actor:      actor,
		Timestamp:  b.now,
		Detail:     s.Detail,
		Data:       s.Data,
	}
	b.next++
	b.entries = append(b.entries, e)
	return e
}

// Entries returns the entries added so far.
func (b *Builder) Entries() []model.HistoryEntry {
	return b.entries
}

// Len returns the sequence number of the last entry added.
func (b *Builder) Len() int {
	return b.next - 1
}

// Replay reconstructs a frontier from trigger by applying the transitions in
// entries. Entries must be in sequence order.
func Replay(trigger string, entries []model.HistoryEntry) []string {
	frontier := []string{trigger}
	for _, e := range entries {
		if !e.Kind.Transition() {
			continue
		}
		if e.Kind == model.HistoryRunCancelled {
			frontier = frontier[:0]
			continue
		}
		if i := slices.Index(frontier, e.NodeID); i >= 0 {
			frontier = slices.Delete(frontier, i, i+1)
		}
		for _, t := range e.Targets {
			if !slices.Contains(frontier, t) {
				frontier = append(frontier, t)
			}
		}
	}
	slices.Sort(frontier)
	return frontier
}

// Verify checks that entries are densely sequenced and replay to the run's
// frontier.
func Verify(run model.Run, entries []model.HistoryEntry) error {
	for i, e := range entries {
		if e.Seq != i+1 {
			return fmt.Errorf("run %s: entry %d has seq %d", run.ID, i, e.Seq)
		}
	}
	if len(entries) != run.HistoryLen {
		return fmt.Errorf("run %s: %d entries, run records %d", run.ID, len(entries), run.HistoryLen)
	}
	got := Replay(run.TriggerNode, entries)
	if !slices.Equal(got, run.Frontier) {
		return fmt.Errorf("run %s: replayed frontier %v, persisted %v", run.ID, got, run.Frontier)
	}
	return nil
}

// Transitions counts the frontier transitions in entries.
func Transitions(entries []model.HistoryEntry) int {
	n := 0
	for _, e := range entries {
		if e.Kind.Transition() {
			n++
		}
	}
	return n
}
