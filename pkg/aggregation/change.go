package aggregation

// PropagateLeafChange folds change into id's own data (if id is Aggregating)
// and pushes it to every one of id's current uppers, recursively. Unlike the
// edge-add/edge-remove protocols, this does not touch the uppers/followers
// sets at all — it is how a node's own contribution changing (e.g. a task
// emitting a new collectible) reaches every Aggregating ancestor without
// waiting for an edge to be added or removed.
func (t *Tree[D, C]) PropagateLeafChange(id NodeRef, change C) {
	n := t.getNode(id)
	n.mu.Lock()
	if n.aggregating {
		t.ops.ApplyChange(&n.data, change)
	}
	uppers := n.uppers.Keys()
	n.mu.Unlock()

	for _, u := range uppers {
		t.applyChangeRecursive(u, change)
	}
}
