package aggregation

// Uppers returns a snapshot of id's current upper set (direct parents).
func (t *Tree[D, C]) Uppers(id NodeRef) []NodeRef {
	n := t.getNode(id)
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.uppers.Keys()
}

// Followers returns a snapshot of id's current follower set. Empty if id has
// not been promoted to Aggregating.
func (t *Tree[D, C]) Followers(id NodeRef) []NodeRef {
	n := t.getNode(id)
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.aggregating {
		return nil
	}
	return n.followers.Keys()
}

// FindAggregatingAncestor walks upward from start (following an arbitrary
// upper edge at each step) until it reaches a node that is Aggregating,
// returning that node's id and its folded data. Because aggregation tree
// depth is bounded by O(log N), this touches O(log N) nodes rather than the
// full transitive closure. Returns ok=false if the walk reaches a
// non-Aggregating node with no uppers (start itself included) or returns to
// a node it already visited.
func (t *Tree[D, C]) FindAggregatingAncestor(start NodeRef) (id NodeRef, data D, ok bool) {
	current := start
	visited := map[NodeRef]bool{}
	for {
		if visited[current] {
			var zero D
			return 0, zero, false
		}
		visited[current] = true

		n := t.getNode(current)
		n.mu.Lock()
		aggregating := n.aggregating
		var d D
		if aggregating {
			d = n.data
		}
		uppers := n.uppers.Keys()
		n.mu.Unlock()

		if aggregating {
			return current, d, true
		}
		if len(uppers) == 0 {
			var zero D
			return 0, zero, false
		}
		current = uppers[0]
	}
}
