package aggregation

// applyChangeRecursive folds change into id's data (a no-op if id has not
// been promoted to Aggregating yet — a plain Leaf has nothing to fold into)
// and, if it did fold, keeps propagating the same change to id's own uppers.
// This is what keeps the fold correct at every Aggregating ancestor without
// re-deriving it from scratch: a Leaf chain below the first Aggregating
// ancestor costs nothing, and the recursion only continues through nodes
// that are themselves accumulating.
func (t *Tree[D, C]) applyChangeRecursive(id NodeRef, change C) {
	n := t.getNode(id)
	n.mu.Lock()
	if !n.aggregating {
		n.mu.Unlock()
		return
	}
	t.ops.ApplyChange(&n.data, change)
	uppers := n.uppers.Keys()
	n.mu.Unlock()

	for _, u := range uppers {
		t.applyChangeRecursive(u, change)
	}
}

// notifyNewFollower tells Aggregating node a that it now (transitively)
// summarizes k. A no-op if a is not Aggregating (a Leaf has no followers to
// adopt — anything below it simply isn't summarized until a is itself
// promoted, at which point Optimize re-establishes the relationship). If
// this is the first time a summarizes k, k's current folded contribution is
// pulled and folded into a.data, then propagated to a's own uppers.
func (t *Tree[D, C]) notifyNewFollower(a, k NodeRef) {
	an := t.getNode(a)
	an.mu.Lock()
	if !an.aggregating {
		an.mu.Unlock()
		return
	}
	fresh := an.followers.Add(k)
	an.mu.Unlock()
	if !fresh {
		return
	}

	change, ok := t.aggregatedAddChange(k)
	if !ok {
		return
	}

	an.mu.Lock()
	t.ops.ApplyChange(&an.data, change)
	uppers := an.uppers.Keys()
	an.mu.Unlock()

	for _, u := range uppers {
		t.applyChangeRecursive(u, change)
	}
}

// notifyLostFollower is the inverse of notifyNewFollower: a no longer
// (transitively) summarizes k.
func (t *Tree[D, C]) notifyLostFollower(a, k NodeRef) {
	an := t.getNode(a)
	an.mu.Lock()
	if !an.aggregating {
		an.mu.Unlock()
		return
	}
	removed := an.followers.Remove(k)
	an.mu.Unlock()
	if !removed {
		return
	}

	change, ok := t.aggregatedRemoveChange(k)
	if !ok {
		return
	}

	an.mu.Lock()
	t.ops.ApplyChange(&an.data, change)
	uppers := an.uppers.Keys()
	an.mu.Unlock()

	for _, u := range uppers {
		t.applyChangeRecursive(u, change)
	}
}

// aggregatedAddChange returns k's current contribution: its own add_change
// if k is a Leaf, or the fold of its whole data if k is Aggregating.
func (t *Tree[D, C]) aggregatedAddChange(k NodeRef) (C, bool) {
	kn := t.getNode(k)
	kn.mu.Lock()
	defer kn.mu.Unlock()
	if kn.aggregating {
		return t.ops.DataToAddChange(&kn.data)
	}
	return t.leaf.LeafAddChange(k)
}

func (t *Tree[D, C]) aggregatedRemoveChange(k NodeRef) (C, bool) {
	kn := t.getNode(k)
	kn.mu.Lock()
	defer kn.mu.Unlock()
	if kn.aggregating {
		return t.ops.DataToRemoveChange(&kn.data)
	}
	return t.leaf.LeafRemoveChange(k)
}
