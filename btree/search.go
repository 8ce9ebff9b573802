// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package btree

import (
	"github.com/gaissmai/bptree/bnode"
	"github.com/gaissmai/bptree/oid"
)

// Search returns the value stored for key, or ErrKeyDoesNotExist if
// absent. Descends with read-latch coupling: a child is read-latched
// before its parent is released, so a concurrent structural change
// never leaves the descent looking at a half-modified node.
func (t *Tree[K, V]) Search(key K) (V, error) {
	var zero V

	cur := t.currentRoot()

	var (
		parentOID   oid.OID
		parentPivot *bnode.Pivot[K, V]
		hasParent   bool
	)

	for {
		tag, data, pivot, resolved, rewritten, err := t.cache.Get(cur)
		if err != nil {
			if hasParent {
				_ = t.cache.RUnlatch(parentOID)
				_ = t.cache.Unpin(parentOID)
			}
			return zero, err
		}

		if rewritten {
			if hasParent {
				t.patchChild(parentOID, parentPivot, cur, resolved, false)
			} else {
				t.updateRootOID(cur, resolved)
			}
		}

		if err := t.cache.RLatch(resolved); err != nil {
			_ = t.cache.Unpin(resolved)
			if hasParent {
				_ = t.cache.RUnlatch(parentOID)
				_ = t.cache.Unpin(parentOID)
			}
			return zero, err
		}

		if hasParent {
			_ = t.cache.RUnlatch(parentOID)
			_ = t.cache.Unpin(parentOID)
		}

		if tag == oid.Data {
			val, ok := data.Lookup(key)
			_ = t.cache.RUnlatch(resolved)
			_ = t.cache.Unpin(resolved)
			if !ok {
				return zero, ErrKeyDoesNotExist
			}
			return val, nil
		}

		next := pivot.Child(key)
		parentOID, parentPivot, hasParent = resolved, pivot, true
		cur = next
	}
}
