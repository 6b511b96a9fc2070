package engine

import (
	"github.com/turbotask-dev/turbotask/pkg/taskstate"
)

// dirtyData is the fold carried by the dirty-descendant aggregation tree:
// the count of currently-Dirty tasks reachable from this node through the
// call tree (itself included). It backs the strong-consistency read barrier
// described alongside invalidation: rather than walking the full transitive
// closure on every Read, the barrier asks a single node "is your fold zero".
type dirtyData struct{ count int }

// dirtyChange is the signed delta applied when a task enters or leaves the
// Dirty cell state.
type dirtyChange int

type dirtyOps struct{}

func (dirtyOps) ApplyChange(data *dirtyData, change dirtyChange) {
	data.count += int(change)
}

func (dirtyOps) DataToAddChange(data *dirtyData) (dirtyChange, bool) {
	if data.count == 0 {
		return 0, false
	}
	return dirtyChange(data.count), true
}

func (dirtyOps) DataToRemoveChange(data *dirtyData) (dirtyChange, bool) {
	if data.count == 0 {
		return 0, false
	}
	return dirtyChange(-data.count), true
}

// dirtyLeafSource answers the aggregation tree's LeafSource questions for
// the dirty tree. In practice every node in this tree is marked a permanent
// root at creation (see Engine.Call), so a node is never actually a Leaf by
// the time AddUpper runs against it; these methods exist to satisfy the
// interface and stay correct if that ever changes.
type dirtyLeafSource struct {
	arena *taskstate.Arena
}

func (s *dirtyLeafSource) LeafAddChange(node TaskId) (dirtyChange, bool) {
	if s.arena.CellState(node) == taskstate.Dirty {
		return 1, true
	}
	return 0, false
}

func (s *dirtyLeafSource) LeafRemoveChange(node TaskId) (dirtyChange, bool) {
	if s.arena.CellState(node) == taskstate.Dirty {
		return -1, true
	}
	return 0, false
}

func (s *dirtyLeafSource) Children(node TaskId) []TaskId {
	return s.arena.Children(node)
}
