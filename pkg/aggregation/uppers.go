package aggregation

// AddUpper records a single new parent edge: upper gains child as a summand.
// Equivalent to AddUpperCount(child, upper, 1).
func (t *Tree[D, C]) AddUpper(child, upper NodeRef) int {
	return t.AddUpperCount(child, upper, 1)
}

// AddUpperCount increments child's reference count toward upper by count,
// returning the resulting count. If this is the first such edge (count went
// 0->1), child's own contribution (or, if child is already Aggregating, its
// whole folded data) is propagated to upper, and upper is asked to adopt
// child's existing followers (or, for a Leaf child, its children) as its own
// followers. Crossing the upper-fan-in cap afterward may promote child.
func (t *Tree[D, C]) AddUpperCount(child, upper NodeRef, count int) int {
	n := t.getNode(child)

	n.mu.Lock()
	fresh := n.uppers.AddClonableCount(upper, count)
	resultCount := n.uppers.Count(upper)

	var (
		doOptimize   bool
		optimizeLeaf bool
		uppersSnap   []NodeRef
		change       C
		hasChange    bool
		propagate    []NodeRef
	)
	if fresh {
		uppersLen := n.uppers.Len()
		if uppersLen > t.maxUppers && isPowerOfTwoBoundaryCrossed(uppersLen-t.maxUppers) {
			doOptimize = true
			optimizeLeaf = !n.aggregating
			uppersSnap = n.uppers.Keys()
		}
		if n.aggregating {
			change, hasChange = t.ops.DataToAddChange(&n.data)
			propagate = n.followers.Keys()
		} else {
			change, hasChange = t.leaf.LeafAddChange(child)
			propagate = t.leaf.Children(child)
		}
	}
	n.mu.Unlock()

	if fresh {
		if hasChange {
			t.applyChangeRecursive(upper, change)
		}
		for _, k := range propagate {
			t.notifyNewFollower(upper, k)
		}
	}

	if doOptimize {
		t.optimize(child, uppersSnap, optimizeLeaf)
	}

	return resultCount
}

// RemoveUpperCount decrements child's reference count toward upper by count.
// Once the count reaches zero the edge is fully removed and the reverse
// (remove_change) propagation to upper fires.
func (t *Tree[D, C]) RemoveUpperCount(child, upper NodeRef, count int) {
	n := t.getNode(child)
	n.mu.Lock()
	removed := n.uppers.RemoveClonableCount(upper, count)
	n.mu.Unlock()
	if removed {
		t.onUpperRemoved(child, upper)
	}
}

// RemovePositiveUpperCountResult reports the outcome of
// RemovePositiveUpperCount, mirroring automap.RemovePositiveCountResult for
// the uppers edge specifically.
type RemovePositiveUpperCountResult struct {
	// Removed is true if the edge existed before this call and the removal
	// deleted it; removing from an absent edge reports false.
	Removed        bool
	RemovedCount   int
	RemainingCount int
}

// RemovePositiveUpperCount is RemoveUpperCount but also reports whether the
// removal went negative (more removals than additions ever recorded), which
// callers should treat as an invariant violation.
func (t *Tree[D, C]) RemovePositiveUpperCount(child, upper NodeRef, count int) RemovePositiveUpperCountResult {
	n := t.getNode(child)
	n.mu.Lock()
	res := n.uppers.RemovePositiveClonableCount(upper, count)
	n.mu.Unlock()
	removed := res.Removed && res.Count+res.RemovedCount > 0
	if removed {
		t.onUpperRemoved(child, upper)
	}
	return RemovePositiveUpperCountResult{Removed: removed, RemovedCount: res.RemovedCount, RemainingCount: res.Count}
}

// onUpperRemoved performs the collect-then-apply removal propagation,
// symmetric to the fresh-insertion branch of AddUpperCount.
func (t *Tree[D, C]) onUpperRemoved(child, upper NodeRef) {
	n := t.getNode(child)
	n.mu.Lock()
	var (
		change    C
		hasChange bool
		propagate []NodeRef
	)
	if n.aggregating {
		change, hasChange = t.ops.DataToRemoveChange(&n.data)
		propagate = n.followers.Keys()
	} else {
		change, hasChange = t.leaf.LeafRemoveChange(child)
		propagate = t.leaf.Children(child)
	}
	n.mu.Unlock()

	if hasChange {
		t.applyChangeRecursive(upper, change)
	}
	for _, k := range propagate {
		t.notifyLostFollower(upper, k)
	}
}
