// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bcache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gaissmai/bptree/bnode"
	"github.com/gaissmai/bptree/bstore"
	"github.com/gaissmai/bptree/oid"
)

// selectEvictable walks from the LRU tail collecting a contiguous
// prefix of items with no outstanding pins whose latch can be
// acquired and immediately released — i.e. nothing is currently
// mutating them. It stops at the first non-evictable item so a later
// eviction never has to skip past an item still in use, which would
// let a parent be persisted before a child it references.
//
// dataOnly restricts the scan to leaf entries. max bounds how many
// items are collected; zero means no bound. Evict passes the number of
// entries over capacity; FullDrain passes zero.
func (c *Cache[K, V]) selectEvictable(dataOnly bool, max int) []*item[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*item[K, V]
	for it := c.tail; it != nil; it = it.prev {
		if max > 0 && len(out) >= max {
			break
		}
		if dataOnly && it.node.tag != oid.Data {
			continue
		}
		if it.pinCount.Load() != 0 {
			break
		}
		if !it.latch.TryLock() {
			break
		}
		it.latch.Unlock()
		out = append(out, it)
	}
	return out
}

// evictBatch performs steps 2-5 of the eviction protocol for the
// given items: rewrite any already-resolved child OIDs, assign fresh
// File/PMem OIDs based on the store's append offset, publish
// placeholders, write the batch with the cache mutex released, then
// publish the resolved OIDs. It does not touch the resident map or
// LRU list; callers decide whether the batch's items should be
// dropped from residency (eviction) or kept resident under their new
// OID (flush).
func (c *Cache[K, V]) evictBatch(items []*item[K, V]) (map[oid.OID]oid.OID, error) {
	if len(items) == 0 {
		return nil, nil
	}

	batchID := uuid.NewString()
	log := c.log.With(zap.String("batch_id", batchID), zap.Int("count", len(items)))

	c.mu.Lock()

	sizes := make([]uint32, len(items))
	payloads := make([][]byte, len(items))

	for i, it := range items {
		if it.node.tag == oid.Pivot {
			c.applyExistingChildRewritesLocked(it.node.pivot)
		}
		raw, err := c.serialize(it.node)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		payloads[i] = raw
		sizes[i] = uint32(len(raw))
	}

	offsets, newOffset := bstore.PrepareOffsets(c.store.BlockSize(), c.store.NextBlockOffset(), sizes)

	storeItems := make([]bstore.Item, len(items))
	placeholders := make([]*pendingRewrite[K, V], len(items))
	medium := c.store.StorageType()

	// TODO: a pending[it.oid] entry is never removed once published, so
	// an item evicted a second time under its first rewritten OID
	// leaves the original OID's entry pointing at a now-stale
	// intermediate node instead of chasing through to the latest
	// rewrite. Harmless as long as every OID is rewritten at most once
	// before its last referencing parent is patched, which holds for
	// the access patterns exercised today but is not yet enforced.
	for i, it := range items {
		newOID := newOIDFor(medium, it.node.tag, offsets[i], sizes[i])
		pr := &pendingRewrite[K, V]{node: it.node, ready: make(chan struct{})}
		c.pending[it.oid] = pr
		placeholders[i] = pr
		storeItems[i] = bstore.Item{OID: newOID, Payload: payloads[i]}
	}

	c.mu.Unlock()

	log.Debug("writing eviction batch")
	if err := c.store.WriteBatch(storeItems, newOffset); err != nil {
		c.mu.Lock()
		c.poisoned = true
		c.mu.Unlock()
		log.Error("eviction batch write failed, cache poisoned", zap.Error(err))
		return nil, errors.Wrap(err, "bcache: write eviction batch")
	}

	rewrites := make(map[oid.OID]oid.OID, len(items))

	c.mu.Lock()
	for i, it := range items {
		pr := placeholders[i]
		pr.newOID = storeItems[i].OID
		close(pr.ready)
		rewrites[it.oid] = pr.newOID
	}
	c.mu.Unlock()

	return rewrites, nil
}

// applyExistingChildRewritesLocked rewrites any of p's child OIDs that
// already have a resolved pending rewrite, so an internal node never
// gets persisted pointing at an OID the store has already superseded.
// Caller must hold c.mu.
func (c *Cache[K, V]) applyExistingChildRewritesLocked(p *bnode.Pivot[K, V]) {
	for i, child := range p.Children {
		pr, ok := c.pending[child]
		if !ok {
			continue
		}
		select {
		case <-pr.ready:
			p.Children[i] = pr.newOID
		default:
			// still in flight; the next eviction pass will catch it
			// once this batch's own write completes.
		}
	}
}

func newOIDFor(medium oid.Medium, tag oid.TypeTag, offset uint64, size uint32) oid.OID {
	switch medium {
	case oid.File:
		return oid.FromFile(tag, uint32(offset), size)
	case oid.PMem:
		return oid.FromPMem(tag, uint32(offset), size)
	default:
		panic(errors.Errorf("bcache: fatal: cannot assign a %s OID during eviction", medium))
	}
}

// Evict runs one pass of the eviction protocol if footprint exceeds
// capacity. Capacity zero disables eviction entirely (an unbounded,
// pass-through cache).
func (c *Cache[K, V]) Evict() error {
	if err := c.checkPoisoned(); err != nil {
		return err
	}
	if c.capacity <= 0 {
		return nil
	}

	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	c.mu.Lock()
	over := c.footprint - c.capacity
	c.mu.Unlock()
	if over <= 0 {
		return nil
	}

	items := c.selectEvictable(false, over)
	if len(items) == 0 {
		return nil
	}

	if _, err := c.evictBatch(items); err != nil {
		return err
	}

	c.mu.Lock()
	for _, it := range items {
		c.unlinkLocked(it)
		delete(c.byOID, it.oid)
		c.footprint--
		c.decrLiveLocked(it.node.tag)
	}
	c.mu.Unlock()

	return nil
}

// Flush drains every dirty, evictable leaf to the backing store while
// leaving internal nodes resident, exposing a consistent persistent
// snapshot without tearing down the tree's in-memory structure.
// Flushed leaves remain resident, re-keyed under their new File/PMem
// OID and marked clean; their parent's child pointer is corrected the
// next time the tree visits it, by the same lazy rewrite-propagation
// mechanism eviction uses.
func (c *Cache[K, V]) Flush() error {
	if err := c.checkPoisoned(); err != nil {
		return err
	}

	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	items := c.selectEvictableDirty(true, 0)
	if len(items) == 0 {
		return nil
	}

	rewrites, err := c.evictBatch(items)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, it := range items {
		newOID := rewrites[it.oid]
		c.unlinkLocked(it)
		delete(c.byOID, it.oid)

		it.oid = newOID
		it.dirty = false
		c.byOID[newOID] = it
		c.pushFrontLocked(it)
	}
	c.mu.Unlock()

	return nil
}

// selectEvictableDirty is selectEvictable restricted to dirty items,
// except that it skips past clean, pinned or latched items instead of
// stopping at the first one it cannot take.
func (c *Cache[K, V]) selectEvictableDirty(dataOnly bool, max int) []*item[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*item[K, V]
	for it := c.tail; it != nil; it = it.prev {
		if max > 0 && len(out) >= max {
			break
		}
		if dataOnly && it.node.tag != oid.Data {
			continue
		}
		if !it.dirty {
			continue
		}
		if it.pinCount.Load() != 0 {
			continue
		}
		if !it.latch.TryLock() {
			continue
		}
		it.latch.Unlock()
		out = append(out, it)
	}
	return out
}

// FullDrain evicts every resident entry, used at shutdown. It repeats
// tail passes, each stopping at the first non-evictable item, until
// the cache is empty. Shutdown assumes no concurrent callers remain,
// so a pass that selects nothing while residents remain (a pinned or
// latched item at the tail) returns a fatal error.
func (c *Cache[K, V]) FullDrain() error {
	if err := c.checkPoisoned(); err != nil {
		return err
	}

	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	for {
		items := c.selectEvictable(false, 0)
		if len(items) == 0 {
			c.mu.Lock()
			remaining := len(c.byOID)
			c.mu.Unlock()
			if remaining > 0 {
				return errors.Errorf("bcache: fatal: FullDrain stalled with %d residents still pinned or latched", remaining)
			}
			return nil
		}

		if _, err := c.evictBatch(items); err != nil {
			return err
		}

		c.mu.Lock()
		for _, it := range items {
			c.unlinkLocked(it)
			delete(c.byOID, it.oid)
			c.footprint--
			c.decrLiveLocked(it.node.tag)
		}
		c.mu.Unlock()
	}
}

// RunEvictionLoop runs the background eviction task at interval until
// ctx is cancelled, mirroring the one-per-cache eviction goroutine
// the concurrency model calls for. A fatal write failure poisons the
// cache and is returned from the errgroup's Wait.
func (c *Cache[K, V]) RunEvictionLoop(ctx context.Context, interval time.Duration) *errgroup.Group {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := c.Evict(); err != nil {
					return err
				}
			}
		}
	})
	return g
}
