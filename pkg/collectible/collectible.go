// Package collectible implements the typed side-band values tasks emit
// during execution (Collectibles), folded upward through the aggregation
// tree so that a caller anywhere in the subtree can cheaply ask "what did
// everything beneath me emit of type T" without walking the full transitive
// closure of dependencies.
package collectible

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/turbotask-dev/turbotask/pkg/aggregation"
	"github.com/turbotask-dev/turbotask/pkg/registry"
	"github.com/turbotask-dev/turbotask/pkg/taskid"
)

// Value is the dynamic payload of a collectible. Host values must be
// comparable (structs of comparable fields, strings, ints, pointers) since
// they are deduplicated by equality in both the internal folded multiset and
// the public PeekCollectibles result set.
type Value = any

// Key identifies one distinct emitted value within a type namespace.
type Key struct {
	TypeID registry.ValueTypeId
	Value  Value
}

// Data is the per-node folded multiset an Aggregating node carries: the
// reference count of each distinct (type, value) pair emitted by every task
// in its followers closure plus itself.
type Data map[Key]int

// Change is a sparse delta applied to a Data, or derived from one when its
// whole content needs to be re-expressed as a contribution to a further
// ancestor.
type Change map[Key]int

type dataOps struct{}

func (dataOps) ApplyChange(data *Data, change Change) {
	if *data == nil {
		*data = Data{}
	}
	for k, delta := range change {
		(*data)[k] += delta
		if (*data)[k] <= 0 {
			delete(*data, k)
		}
	}
}

func (dataOps) DataToAddChange(data *Data) (Change, bool) {
	if len(*data) == 0 {
		return nil, false
	}
	out := make(Change, len(*data))
	for k, count := range *data {
		out[k] = count
	}
	return out, true
}

func (dataOps) DataToRemoveChange(data *Data) (Change, bool) {
	if len(*data) == 0 {
		return nil, false
	}
	out := make(Change, len(*data))
	for k, count := range *data {
		out[k] = -count
	}
	return out, true
}

// ChildLister supplies the children recorded for a task, consulted only the
// moment a Leaf gains its first upper edge or is promoted to Aggregating.
// The task-state arena implements this.
type ChildLister interface {
	Children(id taskid.TaskId) []taskid.TaskId
}

type leafSource struct {
	mu       sync.RWMutex
	emitted  map[taskid.TaskId]Change
	children ChildLister
}

func newLeafSource(children ChildLister) *leafSource {
	return &leafSource{emitted: make(map[taskid.TaskId]Change), children: children}
}

func (l *leafSource) LeafAddChange(node taskid.TaskId) (Change, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	own, ok := l.emitted[node]
	if !ok || len(own) == 0 {
		return nil, false
	}
	out := make(Change, len(own))
	for k, v := range own {
		out[k] = v
	}
	return out, true
}

func (l *leafSource) LeafRemoveChange(node taskid.TaskId) (Change, bool) {
	add, ok := l.LeafAddChange(node)
	if !ok {
		return nil, false
	}
	out := make(Change, len(add))
	for k, v := range add {
		out[k] = -v
	}
	return out, true
}

func (l *leafSource) Children(node taskid.TaskId) []taskid.TaskId {
	return l.children.Children(node)
}

func (l *leafSource) record(node taskid.TaskId, key Key, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.emitted[node] == nil {
		l.emitted[node] = Change{}
	}
	l.emitted[node][key] += delta
	if l.emitted[node][key] == 0 {
		delete(l.emitted[node], key)
	}
}

// Store is the engine-wide collectible layer: an aggregation.Tree specialized
// to Data/Change, plus the per-task raw emission multisets it folds from.
type Store struct {
	leaf *leafSource
	tree *aggregation.Tree[Data, Change]
}

// NewStore constructs a Store. children resolves a task's recorded
// dependency children, used by the aggregation tree at promotion time.
func NewStore(children ChildLister, cfg aggregation.Config) *Store {
	leaf := newLeafSource(children)
	return &Store{
		leaf: leaf,
		tree: aggregation.New[Data, Change](dataOps{}, leaf, cfg),
	}
}

// Tree exposes the underlying aggregation tree so the engine can wire the
// same node set used for dirty-descendant tracking (§4.F) onto the identical
// NodeRef space.
func (s *Store) Tree() *aggregation.Tree[Data, Change] { return s.tree }

// Emit records that task id produced value of typeID, folding the change
// into id's own emission multiset and propagating it upward through every
// current ancestor immediately — it does not wait for an edge to change.
func (s *Store) Emit(id taskid.TaskId, typeID registry.ValueTypeId, value Value) {
	key := Key{TypeID: typeID, Value: value}
	s.leaf.record(id, key, 1)
	s.tree.PropagateLeafChange(id, Change{key: 1})
}

// Unemit is the inverse of Emit, used when a task re-executes and no longer
// produces a value it previously did.
func (s *Store) Unemit(id taskid.TaskId, typeID registry.ValueTypeId, value Value) {
	key := Key{TypeID: typeID, Value: value}
	s.leaf.record(id, key, -1)
	s.tree.PropagateLeafChange(id, Change{key: -1})
}

// Peek walks the aggregation tree upward from id until it finds the nearest
// Aggregating ancestor, then returns every value of typeID folded into that
// ancestor's data as a deduplicated set. Depth of the walk is O(log N).
func (s *Store) Peek(id taskid.TaskId, typeID registry.ValueTypeId) mapset.Set[Value] {
	result := mapset.NewThreadUnsafeSet[Value]()
	_, data, ok := s.tree.FindAggregatingAncestor(id)
	if !ok {
		return result
	}
	for key, count := range data {
		if key.TypeID == typeID && count > 0 {
			result.Add(key.Value)
		}
	}
	return result
}
