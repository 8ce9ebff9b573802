// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package btree

import (
	"github.com/gaissmai/bptree/bnode"
	"github.com/gaissmai/bptree/oid"
)

// Remove deletes key. Returns ErrKeyDoesNotExist if absent. Like
// Insert, a successful removal also runs one eviction pass.
//
// Descent mirrors Insert's write-latch coupling, but the dual safety
// test is CanTriggerMerge: a node that cannot underflow even if one of
// its children is merged away is a safe ancestor, and everything above
// it is released. After the leaf removal, propagateRemoveFixup walks
// the retained path upward, borrowing from or merging with a sibling
// at every underflowed level, and collapses the root if it becomes an
// internal node with no pivots left.
func (t *Tree[K, V]) Remove(key K) error {
	t.rootAnchor.Lock()
	rootHeld := true
	releaseRoot := func() {
		if rootHeld {
			t.rootAnchor.Unlock()
			rootHeld = false
		}
	}
	defer releaseRoot()

	var fullPath []oid.OID
	var retained []frame[K, V]

	release := func(f frame[K, V]) {
		_ = t.cache.WUnlatch(f.oid)
		_ = t.cache.Unpin(f.oid)
	}

	unwind := func() {
		for i := len(retained) - 1; i >= 0; i-- {
			release(retained[i])
		}
		retained = nil
	}

	cur := t.rootOID

	for {
		tag, data, pivot, resolved, rewritten, err := t.cache.Get(cur)
		if err != nil {
			unwind()
			return err
		}

		if rewritten {
			if len(retained) == 0 {
				t.rootOID = resolved
			} else {
				parent := retained[len(retained)-1]
				parent.pivot.RewriteChildOID(cur, resolved)
				_ = t.cache.MarkDirty(parent.oid)
			}
		}
		cur = resolved

		if err := t.cache.WLatch(cur); err != nil {
			_ = t.cache.Unpin(cur)
			unwind()
			return err
		}

		f := frame[K, V]{oid: cur, tag: tag, data: data, pivot: pivot}
		retained = append(retained, f)
		fullPath = append(fullPath, cur)

		var safe bool
		switch tag {
		case oid.Data:
			safe = !data.CanTriggerMerge(t.degree)
		case oid.Pivot:
			safe = !pivot.CanTriggerMerge(t.degree)
		}

		if safe {
			for i := 0; i < len(retained)-1; i++ {
				release(retained[i])
			}
			retained = retained[len(retained)-1:]
			releaseRoot()
		}

		if tag == oid.Data {
			break
		}

		cur = pivot.Child(key)
	}

	leaf := retained[len(retained)-1]

	if !leaf.data.Remove(key) {
		unwind()
		return ErrKeyDoesNotExist
	}
	_ = t.cache.MarkDirty(leaf.oid)

	t.propagateRemoveFixup(retained)

	_ = t.cache.Reorder(fullPath, false)
	unwind()

	return t.cache.Evict()
}

// propagateRemoveFixup walks retained from the leaf upward, fixing an
// underflow at each level by borrowing from a sibling (which always
// stops the cascade) or merging with one (which may force the level
// above to rebalance too). It finishes by collapsing the root if it is
// now an internal node with zero pivots.
func (t *Tree[K, V]) propagateRemoveFixup(retained []frame[K, V]) {
	idx := len(retained) - 1

	for idx > 0 {
		child := retained[idx]
		parent := retained[idx-1]

		var underflow bool
		switch child.tag {
		case oid.Data:
			underflow = child.data.RequiresMerge(t.degree)
		case oid.Pivot:
			underflow = child.pivot.RequiresMerge(t.degree)
		}
		if !underflow {
			return
		}

		ci := -1
		for i, c := range parent.pivot.Children {
			if c == child.oid {
				ci = i
				break
			}
		}
		if ci < 0 {
			return
		}

		hasLeft := ci > 0
		hasRight := ci < len(parent.pivot.Children)-1

		var (
			leftData, rightData         *bnode.Data[K, V]
			leftPivot, rightPivot       *bnode.Pivot[K, V]
			leftLen, rightLen           int
			leftResolved, rightResolved oid.OID
		)

		if hasLeft {
			tag, data, pivot, resolved, rewritten, err := t.cache.Get(parent.pivot.Children[ci-1])
			if err != nil {
				return
			}
			if rewritten {
				parent.pivot.RewriteChildOID(parent.pivot.Children[ci-1], resolved)
				_ = t.cache.MarkDirty(parent.oid)
			}
			if err := t.cache.WLatch(resolved); err != nil {
				_ = t.cache.Unpin(resolved)
				return
			}
			leftData, leftPivot, leftResolved = data, pivot, resolved
			if tag == oid.Data {
				leftLen = data.Len()
			} else {
				leftLen = pivot.Len()
			}
		}

		if hasRight {
			tag, data, pivot, resolved, rewritten, err := t.cache.Get(parent.pivot.Children[ci+1])
			if err != nil {
				if hasLeft {
					_ = t.cache.WUnlatch(leftResolved)
					_ = t.cache.Unpin(leftResolved)
				}
				return
			}
			if rewritten {
				parent.pivot.RewriteChildOID(parent.pivot.Children[ci+1], resolved)
				_ = t.cache.MarkDirty(parent.oid)
			}
			if err := t.cache.WLatch(resolved); err != nil {
				_ = t.cache.Unpin(resolved)
				if hasLeft {
					_ = t.cache.WUnlatch(leftResolved)
					_ = t.cache.Unpin(leftResolved)
				}
				return
			}
			rightData, rightPivot, rightResolved = data, pivot, resolved
			if tag == oid.Data {
				rightLen = data.Len()
			} else {
				rightLen = pivot.Len()
			}
		}

		releaseLeft := func() {
			if hasLeft {
				_ = t.cache.WUnlatch(leftResolved)
				_ = t.cache.Unpin(leftResolved)
			}
		}
		releaseRight := func() {
			if hasRight {
				_ = t.cache.WUnlatch(rightResolved)
				_ = t.cache.Unpin(rightResolved)
			}
		}

		_, action, _ := parent.pivot.RebalanceChoice(child.oid, leftLen, rightLen, hasLeft, hasRight, t.degree)

		switch action {
		case bnode.ActionBorrowLeft:
			sep := parent.pivot.Pivots[ci-1]
			if child.tag == oid.Data {
				parent.pivot.Pivots[ci-1] = child.data.BorrowFromLeft(leftData)
			} else {
				parent.pivot.Pivots[ci-1] = child.pivot.BorrowFromLeft(leftPivot, sep)
			}
			_ = t.cache.MarkDirty(parent.oid)
			_ = t.cache.MarkDirty(leftResolved)
			_ = t.cache.MarkDirty(child.oid)
			releaseLeft()
			releaseRight()
			return

		case bnode.ActionBorrowRight:
			sep := parent.pivot.Pivots[ci]
			if child.tag == oid.Data {
				parent.pivot.Pivots[ci] = child.data.BorrowFromRight(rightData)
			} else {
				parent.pivot.Pivots[ci] = child.pivot.BorrowFromRight(rightPivot, sep)
			}
			_ = t.cache.MarkDirty(parent.oid)
			_ = t.cache.MarkDirty(rightResolved)
			_ = t.cache.MarkDirty(child.oid)
			releaseLeft()
			releaseRight()
			return

		case bnode.ActionMergeLeft:
			sep := parent.pivot.Pivots[ci-1]
			if child.tag == oid.Data {
				leftData.Merge(child.data)
			} else {
				leftPivot.Merge(child.pivot, sep)
			}
			parent.pivot.Pivots = removeAt(parent.pivot.Pivots, ci-1)
			parent.pivot.Children = removeAt(parent.pivot.Children, ci)
			_ = t.cache.MarkDirty(parent.oid)
			_ = t.cache.MarkDirty(leftResolved)
			t.cache.Remove(child.oid)
			releaseLeft()
			releaseRight()

		case bnode.ActionMergeRight:
			sep := parent.pivot.Pivots[ci]
			if child.tag == oid.Data {
				child.data.Merge(rightData)
			} else {
				child.pivot.Merge(rightPivot, sep)
			}
			parent.pivot.Pivots = removeAt(parent.pivot.Pivots, ci)
			parent.pivot.Children = removeAt(parent.pivot.Children, ci+1)
			_ = t.cache.MarkDirty(parent.oid)
			_ = t.cache.MarkDirty(child.oid)
			t.cache.Remove(rightResolved)
			releaseLeft()
			releaseRight()

		default:
			releaseLeft()
			releaseRight()
			return
		}

		idx--
	}

	top := retained[0]
	if top.oid != t.rootOID || top.tag != oid.Pivot || top.pivot.Len() != 0 {
		return
	}

	newRootOID := top.pivot.Children[0]
	t.rootOID = newRootOID
	t.cache.Remove(top.oid)
}
