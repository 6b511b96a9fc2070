// Package aggregation implements the hierarchical aggregation tree that lets
// the engine answer "what does this subtree emit / is this subtree still
// dirty" in O(log N) amortized time instead of walking the full transitive
// closure on every change.
//
// Every task in the graph owns exactly one Node. A Node starts as a Leaf,
// tracking only its counted multiset of direct parents ("uppers"). Once a
// Leaf's aggregation number reaches the configured leaf threshold it is
// promoted to an Aggregating node, which additionally tracks a counted
// multiset of descendants it summarizes ("followers") and a folded
// AggregatedData value. Node state updates follow a strict two-phase
// protocol — collect the required work under one node's lock, release it,
// then acquire the next node's lock to apply — so that no code path ever
// holds two node locks at once; this is the deadlock-avoidance design, not
// an incidental optimization, and it must not be restructured away.
package aggregation

import (
	"math/bits"
	"sync"

	"github.com/sasha-s/go-deadlock"

	"github.com/turbotask-dev/turbotask/pkg/automap"
	"github.com/turbotask-dev/turbotask/pkg/taskid"
)

// NodeRef aliases the task identifier used to address aggregation nodes.
type NodeRef = taskid.TaskId

// MaxUint32Aggregation marks a node as a permanent root: its aggregation
// number can never be exceeded, so it is excluded from the min-of-uppers
// computation during cap-and-promote.
const MaxUint32Aggregation uint32 = ^uint32(0)

// DataOps is supplied by the host (e.g. the collectible layer) to fold
// per-task contributions into the aggregated data type D, carried as change
// values of type C.
type DataOps[D any, C any] interface {
	// ApplyChange folds change into data in place.
	ApplyChange(data *D, change C)
	// DataToAddChange derives the "add" contribution an Aggregating node's
	// current data represents, for propagation to its own uppers. Returns
	// ok=false if there is nothing to propagate (a zero change).
	DataToAddChange(data *D) (change C, ok bool)
	// DataToRemoveChange derives the inverse of DataToAddChange, used when a
	// node is unlinked from an upper.
	DataToRemoveChange(data *D) (change C, ok bool)
}

// LeafSource answers questions about nodes that are still Leaves: their own
// direct contribution (independent of any fold), and the children recorded
// for them elsewhere (by the task-state arena). These are consulted only at
// the moment a Leaf gains or loses an upper edge, or is promoted.
type LeafSource[C any] interface {
	LeafAddChange(node NodeRef) (change C, ok bool)
	LeafRemoveChange(node NodeRef) (change C, ok bool)
	Children(node NodeRef) []NodeRef
}

// Tree is the aggregation tree over a task graph. D is the per-node folded
// aggregate type (e.g. a collectible multiset); C is the change type applied
// to and derived from D.
type Tree[D any, C any] struct {
	ops  DataOps[D, C]
	leaf LeafSource[C]

	leafNumber uint32
	maxUppers  int

	mu    sync.RWMutex
	nodes map[NodeRef]*node[D]
}

type node[D any] struct {
	mu deadlock.Mutex

	aggregationNumber uint32
	aggregating       bool

	uppers    *automap.CountHashSet[NodeRef]
	followers *automap.CountHashSet[NodeRef]
	data      D
}

func newNode[D any]() *node[D] {
	return &node[D]{uppers: automap.NewCountHashSet[NodeRef]()}
}

// Config tunes the tree's leaf threshold and upper-edge fan-in cap. Zero
// values fall back to the reference implementation's defaults.
type Config struct {
	// LeafNumber is the aggregation number at which a node is promoted from
	// Leaf to Aggregating.
	LeafNumber uint32
	// MaxUppers bounds the steady-state upper fan-in before a node is
	// promoted to collapse it. This is a performance tuning knob, not part
	// of the observable contract: changing it changes wall-clock cost, not
	// correctness.
	MaxUppers int
}

// DefaultConfig matches the reference implementation's measured constants.
func DefaultConfig() Config {
	return Config{LeafNumber: 16, MaxUppers: 4}
}

// New constructs an empty Tree.
func New[D any, C any](ops DataOps[D, C], leaf LeafSource[C], cfg Config) *Tree[D, C] {
	if cfg.LeafNumber == 0 {
		cfg.LeafNumber = DefaultConfig().LeafNumber
	}
	if cfg.MaxUppers == 0 {
		cfg.MaxUppers = DefaultConfig().MaxUppers
	}
	return &Tree[D, C]{
		ops:        ops,
		leaf:       leaf,
		leafNumber: cfg.LeafNumber,
		maxUppers:  cfg.MaxUppers,
		nodes:      make(map[NodeRef]*node[D]),
	}
}

// EnsureNode registers id with the tree if it is not already known, as a
// fresh Leaf with aggregation number zero.
func (t *Tree[D, C]) EnsureNode(id NodeRef) {
	t.mu.RLock()
	_, ok := t.nodes[id]
	t.mu.RUnlock()
	if ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[id]; !ok {
		t.nodes[id] = newNode[D]()
	}
}

// MarkRoot promotes id directly to a permanent root (aggregation number =
// MaxUint32Aggregation, Aggregating). Used for the top-level scope node(s)
// that must always summarize everything below them.
func (t *Tree[D, C]) MarkRoot(id NodeRef) {
	t.EnsureNode(id)
	n := t.getNode(id)
	n.mu.Lock()
	n.aggregationNumber = MaxUint32Aggregation
	if !n.aggregating {
		n.aggregating = true
		n.followers = automap.NewCountHashSet[NodeRef]()
	}
	n.mu.Unlock()
}

func (t *Tree[D, C]) getNode(id NodeRef) *node[D] {
	t.mu.RLock()
	n, ok := t.nodes[id]
	t.mu.RUnlock()
	if ok {
		return n
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[id]; ok {
		return n
	}
	n = newNode[D]()
	t.nodes[id] = n
	return n
}

// AggregationNumber returns id's current aggregation number (zero if id is
// unknown).
func (t *Tree[D, C]) AggregationNumber(id NodeRef) uint32 {
	n := t.getNode(id)
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.aggregationNumber
}

// IsAggregating reports whether id has been promoted to an Aggregating node.
func (t *Tree[D, C]) IsAggregating(id NodeRef) bool {
	n := t.getNode(id)
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.aggregating
}

// UpperCount returns id's current reference count toward upper (zero if no
// edge exists).
func (t *Tree[D, C]) UpperCount(id, upper NodeRef) int {
	n := t.getNode(id)
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.uppers.Count(upper)
}

// Data returns a copy of id's folded aggregate. Only meaningful once id is
// Aggregating; returns the zero value otherwise.
func (t *Tree[D, C]) Data(id NodeRef) D {
	n := t.getNode(id)
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.data
}

func isPowerOfTwoBoundaryCrossed(lenBeforeCap int) bool {
	return bits.OnesCount(uint(lenBeforeCap)) == 1
}
