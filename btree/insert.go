// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package btree

import (
	"cmp"

	"github.com/gaissmai/bptree/bnode"
	"github.com/gaissmai/bptree/oid"
)

type frame[K cmp.Ordered, V any] struct {
	oid   oid.OID
	tag   oid.TypeTag
	data  *bnode.Data[K, V]
	pivot *bnode.Pivot[K, V]
}

// Insert places (key, value) in the tree. Returns ErrInsertFailed if
// key is already present. After a successful insert it also runs one
// eviction pass, so a write against an over-capacity cache makes
// forward progress on its own instead of depending solely on the
// background eviction task to catch up.
//
// Descends with write-latch coupling, tracking a "retained path": the
// suffix of the descent, from the deepest ancestor known safe (it
// cannot itself be forced to split by this insert) down to the leaf.
// Ancestors above the last safe node are released as soon as that
// node is identified, since a split can never propagate past it. If
// no ancestor is ever found safe, the whole path stays retained and
// the root anchor stays write-locked, since the root itself might
// need to split.
func (t *Tree[K, V]) Insert(key K, value V) error {
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
			safe = !data.CanTriggerSplit(t.degree)
		case oid.Pivot:
			safe = !pivot.CanTriggerSplit(t.degree)
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

	if !leaf.data.Insert(key, value) {
		unwind()
		return ErrInsertFailed
	}
	_ = t.cache.MarkDirty(leaf.oid)

	if leaf.data.RequiresSplit(t.degree) {
		lifted, siblingOID := leaf.data.Split(t.cache)
		fullPath = t.propagateInsertSplit(retained, lifted, siblingOID, fullPath)
	}

	_ = t.cache.Reorder(fullPath, false)
	unwind()

	return t.cache.Evict()
}

// propagateInsertSplit walks retained from the leaf's parent upward,
// absorbing the lifted pivot at each level and splitting further when
// that overflows the level above. It returns fullPath, extended with
// a freshly allocated root if the cascade reached the top of retained
// and that node is still the tree's actual root.
//
// The retained-path safety invariant guarantees this cascade cannot
// go past retained[0] unless retained[0] is the root: every other
// node in retained was only kept because a split could still reach
// it, which the cache.Get rewrite-patch above never changes.
func (t *Tree[K, V]) propagateInsertSplit(retained []frame[K, V], lifted K, siblingOID oid.OID, fullPath []oid.OID) []oid.OID {
	for i := len(retained) - 2; i >= 0; i-- {
		parent := retained[i]
		parent.pivot.Insert(lifted, siblingOID)
		_ = t.cache.Unpin(siblingOID) // drop the pin the split's Create* took
		_ = t.cache.MarkDirty(parent.oid)

		if !parent.pivot.RequiresSplit(t.degree) {
			return fullPath
		}

		lifted, siblingOID = parent.pivot.Split(t.cache)
	}

	top := retained[0]
	if top.oid != t.rootOID {
		return fullPath
	}

	newRoot := bnode.NewPivot[K, V](lifted, top.oid, siblingOID)
	_ = t.cache.Unpin(siblingOID)
	newRootOID := t.cache.CreatePivotFrom(newRoot)
	t.rootOID = newRootOID
	_ = t.cache.Unpin(newRootOID)

	return append([]oid.OID{newRootOID}, fullPath...)
}
