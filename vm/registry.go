package vm

import (
	"slices"
	"sync"
	"time"
	"weak"
)

// ---------------------------------------------------------------------------
// CallTargetRegistry: weak aggregation of live call targets
// ---------------------------------------------------------------------------

// TargetStats is one registry entry as seen by a snapshot.
type TargetStats struct {
	ID                uint64
	Name              string
	CallCount         int64
	NodeCount         int
	Compiled          bool
	InvalidationCount int64
	NodeReplaceCount  int64
	State             TargetState
	InlinedSites      int // NodeInlined nodes in the current tree
	CallSites         int // Call sites still not inlined
	Created           time.Time

	// CallsSinceReport is filled in by Report only: calls made since the
	// previous report. Snapshot leaves it zero.
	CallsSinceReport int64
}

// registryEntry refers to its target weakly; the registry never keeps a
// target alive.
type registryEntry struct {
	ref          weak.Pointer[CallTarget]
	id           uint64
	name         string
	lastReported int64
}

// CallTargetRegistry holds weak references to all live call targets of a
// Runtime for statistics. Entries whose target has been collected are pruned
// lazily by Snapshot, Report and Prune.
type CallTargetRegistry struct {
	mu      sync.Mutex
	entries map[uint64]*registryEntry
	tree    TreeAccessor
}

// NewCallTargetRegistry creates an empty registry.
func NewCallTargetRegistry(tree TreeAccessor) *CallTargetRegistry {
	if tree == nil {
		tree = NodeTree{}
	}
	return &CallTargetRegistry{
		entries: make(map[uint64]*registryEntry),
		tree:    tree,
	}
}

// Register adds a target.
func (r *CallTargetRegistry) Register(t *CallTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.id] = &registryEntry{
		ref:  weak.Make(t),
		id:   t.id,
		name: t.name,
	}
}

// Unregister removes a target, for hosts that discard targets explicitly.
func (r *CallTargetRegistry) Unregister(t *CallTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, t.id)
}

// Len returns the number of entries, including ones not yet pruned.
func (r *CallTargetRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Prune drops entries whose target has been collected and returns how many
// were dropped.
func (r *CallTargetRegistry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id, e := range r.entries {
		if e.ref.Value() == nil {
			delete(r.entries, id)
			pruned++
		}
	}
	if pruned > 0 {
		registryLog.Debugf("pruned %d collected call targets", pruned)
	}
	return pruned
}

// Snapshot returns statistics for every live target, ordered by ID. Two
// snapshots with no calls in between return identical counts.
func (r *CallTargetRegistry) Snapshot() []TargetStats {
	return r.collect(false)
}

// Report is like Snapshot but also fills CallsSinceReport and remembers the
// counts for the next report.
func (r *CallTargetRegistry) Report() []TargetStats {
	return r.collect(true)
}

func (r *CallTargetRegistry) collect(report bool) []TargetStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]TargetStats, 0, len(r.entries))
	for id, e := range r.entries {
		t := e.ref.Value()
		if t == nil {
			delete(r.entries, id)
			continue
		}
		s := r.statsFor(t)
		if report {
			s.CallsSinceReport = s.CallCount - e.lastReported
			e.lastReported = s.CallCount
		}
		stats = append(stats, s)
	}
	slices.SortFunc(stats, func(a, b TargetStats) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return stats
}

func (r *CallTargetRegistry) statsFor(t *CallTarget) TargetStats {
	root := t.Root()
	inlined := 0
	root.Walk(func(n *Node) bool {
		if n.Kind == NodeInlined {
			inlined++
		}
		return true
	})
	return TargetStats{
		ID:                t.id,
		Name:              t.name,
		CallCount:         t.CallCount(),
		NodeCount:         r.tree.CountNodes(root),
		Compiled:          t.Artifact().Valid(),
		InvalidationCount: t.profile.InvalidationCount(),
		NodeReplaceCount:  t.profile.NodeReplaceCount(),
		State:             t.State(),
		InlinedSites:      inlined,
		CallSites:         len(r.tree.FindCallSites(root)),
		Created:           t.created,
	}
}
