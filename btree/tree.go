// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package btree implements the tree layer: it owns the root OID,
// drives latch-coupled descents for insert/search/remove, and is the
// only component that reacts to a rewritten child OID surfacing from
// the cache by patching the referencing parent.
package btree

import (
	"cmp"
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gaissmai/bptree/bcache"
	"github.com/gaissmai/bptree/bnode"
	"github.com/gaissmai/bptree/bstore"
	"github.com/gaissmai/bptree/internal/blog"
	"github.com/gaissmai/bptree/oid"
)

// Tree is an embedded B+tree index over keys K with values V, backed
// by a bounded node cache and an append-only block store.
type Tree[K cmp.Ordered, V any] struct {
	degree int

	// rootAnchor guards rootOID itself, not the root node's content.
	// Insert/Remove hold it in write mode from the start of a descent
	// and release it once the descent has passed a safe ancestor (an
	// internal node that provably cannot propagate a split/merge up to
	// the root this operation). Search only needs it long enough to
	// snapshot rootOID.
	rootAnchor sync.RWMutex
	rootOID    oid.OID

	cache *bcache.Cache[K, V]
	store bstore.Store

	log *zap.Logger

	// evictCancel stops the background eviction task started by Open;
	// evictGroup is waited on by Close so a fatal eviction error
	// surfaces there instead of being silently dropped.
	evictCancel context.CancelFunc
	evictGroup  *errgroup.Group
}

// Open builds a Tree per opts, creating an empty root leaf.
func Open[K cmp.Ordered, V any](opts Options[K, V]) (*Tree[K, V], error) {
	if opts.Degree < 2 {
		return nil, errors.Errorf("btree: degree must be >= 2, got %d", opts.Degree)
	}

	store, err := opts.buildStore()
	if err != nil {
		return nil, err
	}

	cache := bcache.New(bcache.Options[K, V]{
		Capacity: opts.CacheCapacity,
		Store:    store,
		KeyCodec: opts.KeyCodec,
		ValCodec: opts.ValCodec,
		Logger:   opts.Logger,
	})

	rootOID, _ := cache.CreateData()
	if err := cache.Unpin(rootOID); err != nil {
		return nil, err
	}

	interval := opts.EvictionInterval
	if interval <= 0 {
		interval = defaultEvictionInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &Tree[K, V]{
		degree:      opts.Degree,
		rootOID:     rootOID,
		cache:       cache,
		store:       store,
		log:         blog.New(opts.Logger, "btree"),
		evictCancel: cancel,
		evictGroup:  cache.RunEvictionLoop(ctx, interval),
	}
	return t, nil
}

// currentRoot snapshots rootOID under a brief read lock.
func (t *Tree[K, V]) currentRoot() oid.OID {
	t.rootAnchor.RLock()
	o := t.rootOID
	t.rootAnchor.RUnlock()
	return o
}

// updateRootOID installs new as the root, but only if old still
// matches: a concurrent operation may have already applied the same
// rewrite (rewrites are idempotent, so losing this race is harmless).
func (t *Tree[K, V]) updateRootOID(old, new oid.OID) {
	t.rootAnchor.Lock()
	if t.rootOID == old {
		t.rootOID = new
	}
	t.rootAnchor.Unlock()
}

// patchChild installs new in place of old in parent's child array. If
// the caller only holds parent under a read latch, it is briefly
// upgraded to write and handed back in read mode, since rewrite
// propagation mutates structure even on a read-only descent. The
// upgrade is safe because a losing racer's patch is a no-op: whichever
// goroutine observes the rewrite first applies the same (old, new)
// pair.
func (t *Tree[K, V]) patchChild(parentOID oid.OID, parentPivot *bnode.Pivot[K, V], old, new oid.OID, heldForWrite bool) {
	if heldForWrite {
		parentPivot.RewriteChildOID(old, new)
		_ = t.cache.MarkDirty(parentOID)
		return
	}
	_ = t.cache.RUnlatch(parentOID)
	_ = t.cache.WLatch(parentOID)
	parentPivot.RewriteChildOID(old, new)
	_ = t.cache.MarkDirty(parentOID)
	_ = t.cache.WUnlatch(parentOID)
	_ = t.cache.RLatch(parentOID)
}

// Flush drains dirty leaves to the backing store without disturbing
// the tree's in-memory structure. Safe to call concurrently with
// readers and writers.
func (t *Tree[K, V]) Flush() error {
	return t.cache.Flush()
}

// CacheState reports the resident cache's (lru_len, map_len), which
// must agree once every in-flight operation has completed.
func (t *Tree[K, V]) CacheState() (lruLen, mapLen int) {
	return t.cache.CacheState()
}

// Close stops the background eviction task, drains every resident
// node to the backing store, and releases store resources. With the
// volatile medium there is no backing store to drain into, so the
// drain is skipped.
func (t *Tree[K, V]) Close() error {
	t.evictCancel()
	if err := t.evictGroup.Wait(); err != nil {
		return errors.Wrap(err, "btree: background eviction task")
	}

	if t.store.StorageType() != oid.Volatile {
		if err := t.cache.FullDrain(); err != nil {
			return err
		}
	}
	return t.store.Close()
}

// Height reports the number of levels from the root to a leaf
// inclusive (a tree with only a root leaf has height 1). It descends
// the leftmost child at each level, pinning each node only while it
// reads it and taking no latches, for diagnostics and testing rather
// than for the hot insert/search path.
func (t *Tree[K, V]) Height() (int, error) {
	cur := t.currentRoot()
	height := 0

	for {
		tag, _, pivot, resolved, _, err := t.cache.Get(cur)
		if err != nil {
			return 0, err
		}
		height++

		if tag == oid.Data {
			_ = t.cache.Unpin(resolved)
			return height, nil
		}

		next := pivot.Children[0]
		_ = t.cache.Unpin(resolved)
		cur = next
	}
}
