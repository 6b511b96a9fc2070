package aggregation

import "github.com/turbotask-dev/turbotask/pkg/automap"

// optimize runs the cap-and-promote heuristic once a node's upper count
// crosses a power-of-two boundary past maxUppers. A Leaf is unconditionally
// promoted (raised past the minimum aggregation number among its uppers); an
// already-Aggregating node is only promoted further if the fan-in among its
// uppers' own uppers suggests real benefit. Permanent roots (aggregation
// number == MaxUint32Aggregation) are excluded from the minimum computation
// and from the average, matching the reference heuristic's root carve-out.
func (t *Tree[D, C]) optimize(id NodeRef, uppers []NodeRef, leaf bool) {
	count := len(uppers)
	rootCount := 0
	min := MaxUint32Aggregation
	uppersUppers := 0

	for _, upperID := range uppers {
		un := t.getNode(upperID)
		un.mu.Lock()
		aggNum := un.aggregationNumber
		upperUppersLen := un.uppers.Len()
		un.mu.Unlock()

		if aggNum == MaxUint32Aggregation {
			rootCount++
			continue
		}
		uppersUppers += upperUppersLen
		if aggNum < min {
			min = aggNum
		}
	}
	if min == MaxUint32Aggregation {
		min = t.leafNumber - 1
	}

	if leaf {
		t.increaseAggregationNumber(id, min+1)
		return
	}

	normalCount := count - rootCount
	if normalCount <= 0 {
		return
	}
	avgUppersUppers := uppersUppers / normalCount
	if count > avgUppersUppers && rootCount*2 < count {
		t.increaseAggregationNumber(id, min+1)
	}
}

// increaseAggregationNumber raises id's aggregation number to at least
// newNumber (it is monotonically non-decreasing; lower requests are
// ignored). Crossing the leaf threshold for the first time promotes id from
// Leaf to Aggregating: id folds its own contribution into its new data, then
// re-establishes itself as a follower of its own existing uppers for every
// one of its children, exactly as a fresh add_upper edge would have done had
// id been Aggregating from the start.
func (t *Tree[D, C]) increaseAggregationNumber(id NodeRef, newNumber uint32) {
	n := t.getNode(id)
	n.mu.Lock()
	if n.aggregationNumber >= newNumber {
		n.mu.Unlock()
		return
	}
	n.aggregationNumber = newNumber

	if n.aggregating || newNumber < t.leafNumber {
		n.mu.Unlock()
		return
	}

	n.aggregating = true
	n.followers = automap.NewCountHashSet[NodeRef]()
	change, hasOwnChange := t.leaf.LeafAddChange(id)
	if hasOwnChange {
		t.opsApplyChangeLocked(n, change)
	}
	children := t.leaf.Children(id)
	uppers := n.uppers.Keys()
	n.mu.Unlock()

	n.mu.Lock()
	for _, childID := range children {
		n.followers.Add(childID)
	}
	n.mu.Unlock()

	if hasOwnChange {
		for _, u := range uppers {
			t.applyChangeRecursive(u, change)
		}
	}
	for _, u := range uppers {
		for _, childID := range children {
			t.notifyNewFollower(u, childID)
		}
	}
}

func (t *Tree[D, C]) opsApplyChangeLocked(n *node[D], change C) {
	t.ops.ApplyChange(&n.data, change)
}
