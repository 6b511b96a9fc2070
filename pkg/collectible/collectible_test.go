package collectible

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbotask-dev/turbotask/pkg/aggregation"
	"github.com/turbotask-dev/turbotask/pkg/registry"
	"github.com/turbotask-dev/turbotask/pkg/taskid"
)

type fakeChildren struct {
	mu sync.Mutex
	m  map[taskid.TaskId][]taskid.TaskId
}

func newFakeChildren() *fakeChildren {
	return &fakeChildren{m: make(map[taskid.TaskId][]taskid.TaskId)}
}

func (f *fakeChildren) set(id taskid.TaskId, kids []taskid.TaskId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[id] = kids
}

func (f *fakeChildren) Children(id taskid.TaskId) []taskid.TaskId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[id]
}

func TestStore_EmitPeekBasic(t *testing.T) {
	reg := registry.New()
	typeID, err := reg.RegisterValueType("example.Warning")
	require.NoError(t, err)

	children := newFakeChildren()
	store := NewStore(children, aggregation.Config{LeafNumber: 2, MaxUppers: 2})

	leaf := taskid.TaskId(1)
	root := taskid.TaskId(2)
	store.Tree().MarkRoot(root)
	store.Tree().AddUpper(leaf, root)

	store.Emit(leaf, typeID, "disk full")

	got := store.Peek(leaf, typeID)
	assert.True(t, got.Contains("disk full"))
	assert.Equal(t, 1, got.Cardinality())
}

// TestStore_AggregationFoldOverBinaryTree mirrors scenario S4 directly at
// the collectible layer: 100 leaves each emit one distinct value of the same
// type; every internal node is pre-marked Aggregating (as in the aggregation
// package's own fold test) so PeekCollectibles from a leaf summarizes that
// leaf's immediate parent, and the root's data (reached once every leaf's
// change has propagated) equals the full set of 100 values. After one leaf's
// edge is removed, that leaf's value is gone from the root's fold.
func TestStore_AggregationFoldOverBinaryTree(t *testing.T) {
	reg := registry.New()
	typeID, err := reg.RegisterValueType("example.LeafValue")
	require.NoError(t, err)

	children := newFakeChildren()
	store := NewStore(children, aggregation.Config{LeafNumber: 4, MaxUppers: 4})
	tree := store.Tree()

	const numLeaves = 100
	leaves := make([]taskid.TaskId, numLeaves)
	for i := 0; i < numLeaves; i++ {
		leaves[i] = taskid.TaskId(1000 + i)
	}

	level := leaves
	nextID := taskid.TaskId(5000)
	var parentOf = map[taskid.TaskId]taskid.TaskId{}
	for len(level) > 1 {
		var parents []taskid.TaskId
		for i := 0; i < len(level); i += 2 {
			parent := nextID
			nextID++
			tree.MarkRoot(parent)
			group := level[i:min(i+2, len(level))]
			children.set(parent, group)
			for _, c := range group {
				parentOf[c] = parent
			}
			tree.AddUpper(level[i], parent)
			if i+1 < len(level) {
				tree.AddUpper(level[i+1], parent)
			}
			parents = append(parents, parent)
		}
		level = parents
	}
	root := level[0]

	for i, leafID := range leaves {
		store.Emit(leafID, typeID, i)
	}

	rootData := tree.Data(root)
	assert.Len(t, rootData, numLeaves)
	for i := 0; i < numLeaves; i++ {
		assert.Equal(t, 1, rootData[Key{TypeID: typeID, Value: i}])
	}

	removedLeaf := leaves[0]
	parent := parentOf[removedLeaf]
	tree.RemoveUpperCount(removedLeaf, parent, 1)

	rootData = tree.Data(root)
	_, stillThere := rootData[Key{TypeID: typeID, Value: 0}]
	assert.False(t, stillThere, "removed leaf's value must no longer be folded into the root")
	assert.Equal(t, 1, rootData[Key{TypeID: typeID, Value: 1}])
}

func TestStore_UnemitRemovesValue(t *testing.T) {
	reg := registry.New()
	typeID, err := reg.RegisterValueType("example.Flag")
	require.NoError(t, err)

	children := newFakeChildren()
	store := NewStore(children, aggregation.Config{LeafNumber: 2, MaxUppers: 2})

	leaf := taskid.TaskId(1)
	root := taskid.TaskId(2)
	store.Tree().MarkRoot(root)
	store.Tree().AddUpper(leaf, root)

	store.Emit(leaf, typeID, "pending")
	require.True(t, store.Peek(leaf, typeID).Contains("pending"))

	store.Unemit(leaf, typeID, "pending")
	assert.False(t, store.Peek(leaf, typeID).Contains("pending"))
}

func TestStore_PeekUnknownTaskReturnsEmptySet(t *testing.T) {
	reg := registry.New()
	typeID, err := reg.RegisterValueType("example.Unused")
	require.NoError(t, err)

	children := newFakeChildren()
	store := NewStore(children, aggregation.Config{})

	got := store.Peek(taskid.TaskId(999), typeID)
	assert.Equal(t, 0, got.Cardinality())
}
