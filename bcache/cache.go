// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package bcache implements the bounded LRU cache of resident nodes:
// the producer of rewritten OIDs on eviction and the arbiter between
// the tree and the backing store.
//
// A single mutex guards both the resident map/LRU list and the
// pending-rewrite map. The source this index is modeled on splits
// these into a "cache latch" and a "store latch" to reduce contention
// between pure bookkeeping and store I/O; here the two are collapsed
// into one mutex for clarity, while the actual blocking store I/O
// (ReadObject, WriteBatch) is still always performed with the mutex
// released, which is what gives concurrent callers their non-blocking
// window. See DESIGN.md for the reasoning.
package bcache

import (
	"cmp"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gaissmai/bptree/bnode"
	"github.com/gaissmai/bptree/bstore"
	"github.com/gaissmai/bptree/internal/blog"
	"github.com/gaissmai/bptree/internal/marshal"
	"github.com/gaissmai/bptree/oid"
)

// Cache is a bounded LRU cache of resident nodes, keyed by OID.
type Cache[K cmp.Ordered, V any] struct {
	capacity  int
	footprint int

	// Per-type-tag allocation/residency counters, kept the way a node
	// pool tracks totalAllocated/currentLive, for PoolStats diagnostics
	// rather than for correctness.
	dataAllocated, pivotAllocated atomic.Int64
	dataLive, pivotLive           atomic.Int64

	mu      sync.Mutex
	evictMu sync.Mutex // serializes Evict/Flush/FullDrain passes
	byOID   map[oid.OID]*item[K, V]
	head    *item[K, V] // MRU
	tail    *item[K, V] // LRU

	pending map[oid.OID]*pendingRewrite[K, V]

	store bstore.Store
	kc    bnode.Codec[K]
	vc    bnode.Codec[V]

	log *zap.Logger

	poisoned bool
}

// Options configures a new Cache.
type Options[K cmp.Ordered, V any] struct {
	// Capacity bounds the number of resident entries. Zero means
	// unbounded (a pass-through cache that never evicts — useful for
	// tests and for scenarios with no eviction pressure).
	Capacity int
	Store    bstore.Store
	KeyCodec bnode.Codec[K]
	ValCodec bnode.Codec[V]
	Logger   *zap.Logger
}

// New builds a Cache per opts.
func New[K cmp.Ordered, V any](opts Options[K, V]) *Cache[K, V] {
	return &Cache[K, V]{
		capacity: opts.Capacity,
		byOID:    make(map[oid.OID]*item[K, V]),
		pending:  make(map[oid.OID]*pendingRewrite[K, V]),
		store:    opts.Store,
		kc:       opts.KeyCodec,
		vc:       opts.ValCodec,
		log:      blog.New(opts.Logger, "bcache"),
	}
}

// NewNoOpCache builds a Cache that never evicts: Evict is always a
// no-op, so every created node stays resident until it is removed or
// drained explicitly. This is Capacity: 0 under a name that says what it's for —
// benchmarking and the no-eviction-pressure test scenarios, where a
// volatile store is never actually read from or written to.
func NewNoOpCache[K cmp.Ordered, V any](opts Options[K, V]) *Cache[K, V] {
	opts.Capacity = 0
	return New[K, V](opts)
}

// ErrPoisoned is returned by Get, GetData, GetPivot, Evict, Flush and
// FullDrain once a fatal eviction failure has left pending_rewrites in
// a state no longer trustworthy. The other Cache methods do not check
// it.
var ErrPoisoned = errors.New("bcache: cache poisoned by a prior fatal eviction failure")

func (c *Cache[K, V]) checkPoisoned() error {
	if c.poisoned {
		return ErrPoisoned
	}
	return nil
}

// CacheState reports the LRU list length and resident-map length,
// which must always agree at quiescence.
func (c *Cache[K, V]) CacheState() (lruLen, mapLen int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for it := c.head; it != nil; it = it.next {
		n++
	}
	return n, len(c.byOID)
}

// ---- LRU list helpers (caller must hold c.mu) ----

func (c *Cache[K, V]) unlinkLocked(it *item[K, V]) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *Cache[K, V]) pushFrontLocked(it *item[K, V]) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *Cache[K, V]) moveToFrontLocked(it *item[K, V]) {
	if c.head == it {
		return
	}
	c.unlinkLocked(it)
	c.pushFrontLocked(it)
}

// ---- lookups & latching ----

func (c *Cache[K, V]) lookup(o oid.OID) (*item[K, V], bool) {
	c.mu.Lock()
	it, ok := c.byOID[o]
	c.mu.Unlock()
	return it, ok
}

// RLatch / RUnlatch / WLatch / WUnlatch operate on the per-item
// reader/writer latch the tree holds across mutations and across the
// window where a child's latch is being acquired (latch coupling). A
// latch request for an OID the cache no longer considers resident is
// a fatal invariant violation: the caller must already hold a pin
// obtained from Get/Create, and a pinned resident is never evicted.
func (c *Cache[K, V]) RLatch(o oid.OID) error {
	it, ok := c.lookup(o)
	if !ok {
		return errors.Errorf("bcache: fatal: RLatch on non-resident %s", o)
	}
	it.latch.RLock()
	return nil
}

func (c *Cache[K, V]) RUnlatch(o oid.OID) error {
	it, ok := c.lookup(o)
	if !ok {
		return errors.Errorf("bcache: fatal: RUnlatch on non-resident %s", o)
	}
	it.latch.RUnlock()
	return nil
}

func (c *Cache[K, V]) WLatch(o oid.OID) error {
	it, ok := c.lookup(o)
	if !ok {
		return errors.Errorf("bcache: fatal: WLatch on non-resident %s", o)
	}
	it.latch.Lock()
	return nil
}

func (c *Cache[K, V]) WUnlatch(o oid.OID) error {
	it, ok := c.lookup(o)
	if !ok {
		return errors.Errorf("bcache: fatal: WUnlatch on non-resident %s", o)
	}
	it.latch.Unlock()
	return nil
}

// Pin increments o's reference count, preventing eviction until a
// matching Unpin. Get and Create both implicitly pin their result.
func (c *Cache[K, V]) Pin(o oid.OID) error {
	it, ok := c.lookup(o)
	if !ok {
		return errors.Errorf("bcache: fatal: Pin on non-resident %s", o)
	}
	it.pinCount.Add(1)
	return nil
}

// Unpin releases a reference obtained from Get, Create, or Pin. Once
// every holder has unpinned an item (ref_count back to the cache's own
// baseline of zero extra holders), it becomes eligible for eviction.
func (c *Cache[K, V]) Unpin(o oid.OID) error {
	it, ok := c.lookup(o)
	if !ok {
		return errors.Errorf("bcache: fatal: Unpin on non-resident %s", o)
	}
	if it.pinCount.Add(-1) < 0 {
		return errors.Errorf("bcache: fatal: Unpin without matching Pin on %s", o)
	}
	return nil
}

// MarkDirty flags o's resident as differing from the backing store's
// copy. Call after any mutation, including a parent's child-OID patch.
func (c *Cache[K, V]) MarkDirty(o oid.OID) error {
	it, ok := c.lookup(o)
	if !ok {
		return errors.Errorf("bcache: fatal: MarkDirty on non-resident %s", o)
	}
	c.mu.Lock()
	it.dirty = true
	c.mu.Unlock()
	return nil
}

// Remove detaches o's resident entirely, used when a merge absorbs a
// sibling that must no longer be reachable.
func (c *Cache[K, V]) Remove(o oid.OID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.byOID[o]
	if !ok {
		return
	}
	c.unlinkLocked(it)
	delete(c.byOID, o)
	c.footprint--
	c.decrLiveLocked(it.node.tag)
}

// Reorder bulk-promotes the listed OIDs toward the MRU end, processed
// in reverse so that for every pair (a, b) consecutive in path, a ends
// up at least as recent as b — i.e. path is given root-first,
// leaf-last, and after Reorder the root is the most-recently-used of
// the set and the leaf the least. That ordering is what lets plain
// tail eviction always retire a dirty child before its parent.
//
// Strict mode requires every OID to still be resident; non-strict
// silently skips misses (a path element may have been concurrently
// evicted and rewritten between being visited and being reordered).
func (c *Cache[K, V]) Reorder(path []oid.OID, strict bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(path) - 1; i >= 0; i-- {
		it, ok := c.byOID[path[i]]
		if !ok {
			if strict {
				return errors.Errorf("bcache: fatal: Reorder strict miss on %s", path[i])
			}
			continue
		}
		c.moveToFrontLocked(it)
	}
	return nil
}

// ---- creation ----

// CreateData synthesizes a fresh Volatile OID for a brand-new leaf,
// installs it at MRU with an initial pin of 1, and returns both. The
// caller must Unpin once done referencing it. Satisfies
// bnode.Creator[K, V].
func (c *Cache[K, V]) CreateData() (oid.OID, *bnode.Data[K, V]) {
	n := bnode.NewData[K, V]()
	o := oid.FromVolatile(oid.Data, uintptr(unsafe.Pointer(n)))

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byOID[o]; exists {
		blog.Fatal(c.log, "duplicate volatile OID on CreateData", errors.Errorf("bcache: fatal: duplicate volatile OID %s", o))
	}

	it := &item[K, V]{oid: o, node: resident[K, V]{tag: oid.Data, data: n}, dirty: true}
	it.pinCount.Store(1)
	c.pushFrontLocked(it)
	c.byOID[o] = it
	c.footprint++
	c.dataAllocated.Add(1)
	c.dataLive.Add(1)

	return o, n
}

// CreatePivot is CreateData's internal-node counterpart.
func (c *Cache[K, V]) CreatePivot() (oid.OID, *bnode.Pivot[K, V]) {
	n := &bnode.Pivot[K, V]{}
	o := oid.FromVolatile(oid.Pivot, uintptr(unsafe.Pointer(n)))

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byOID[o]; exists {
		blog.Fatal(c.log, "duplicate volatile OID on CreatePivot", errors.Errorf("bcache: fatal: duplicate volatile OID %s", o))
	}

	it := &item[K, V]{oid: o, node: resident[K, V]{tag: oid.Pivot, pivot: n}, dirty: true}
	it.pinCount.Store(1)
	c.pushFrontLocked(it)
	c.byOID[o] = it
	c.footprint++
	c.pivotAllocated.Add(1)
	c.pivotLive.Add(1)

	return o, n
}

// CreatePivotFrom installs an already-built pivot (used when the tree
// allocates a brand new root with a pivot and two children already
// set).
func (c *Cache[K, V]) CreatePivotFrom(n *bnode.Pivot[K, V]) oid.OID {
	o := oid.FromVolatile(oid.Pivot, uintptr(unsafe.Pointer(n)))

	c.mu.Lock()
	defer c.mu.Unlock()

	it := &item[K, V]{oid: o, node: resident[K, V]{tag: oid.Pivot, pivot: n}, dirty: true}
	it.pinCount.Store(1)
	c.pushFrontLocked(it)
	c.byOID[o] = it
	c.footprint++
	c.pivotAllocated.Add(1)
	c.pivotLive.Add(1)

	return o
}

// decrLiveLocked records that a resident of the given tag has left
// residency entirely (not merely been re-keyed by a flush). Caller
// must hold c.mu.
func (c *Cache[K, V]) decrLiveLocked(tag oid.TypeTag) {
	switch tag {
	case oid.Data:
		c.dataLive.Add(-1)
	case oid.Pivot:
		c.pivotLive.Add(-1)
	}
}

// incrLiveLocked records that an existing node of the given tag has
// come back into residency (a store read or a resolved rewrite).
// Caller must hold c.mu.
func (c *Cache[K, V]) incrLiveLocked(tag oid.TypeTag) {
	switch tag {
	case oid.Data:
		c.dataLive.Add(1)
	case oid.Pivot:
		c.pivotLive.Add(1)
	}
}

// PoolStats reports allocation/residency counters per node shape:
// Allocated counts every node ever created, Live counts those still
// resident in the cache right now.
type PoolStats struct {
	DataAllocated, DataLive   int64
	PivotAllocated, PivotLive int64
}

func (c *Cache[K, V]) PoolStats() PoolStats {
	return PoolStats{
		DataAllocated:  c.dataAllocated.Load(),
		DataLive:       c.dataLive.Load(),
		PivotAllocated: c.pivotAllocated.Load(),
		PivotLive:      c.pivotLive.Load(),
	}
}

// ---- get ----

// GetData fetches the leaf at o. If the cache has learned o was
// rewritten to a new OID (via a prior eviction this caller hasn't
// observed yet), rewritten is true and resolved is the new OID the
// caller must patch its parent's child pointer with.
func (c *Cache[K, V]) GetData(o oid.OID) (node *bnode.Data[K, V], resolved oid.OID, rewritten bool, err error) {
	res, resolved, rewritten, err := c.get(o)
	if err != nil {
		return nil, o, false, err
	}
	if res.tag != oid.Data {
		return nil, o, false, errors.Errorf("bcache: fatal: type-tag mismatch at %s, want Data got %s", resolved, res.tag)
	}
	return res.data, resolved, rewritten, nil
}

// GetPivot is GetData's internal-node counterpart.
func (c *Cache[K, V]) GetPivot(o oid.OID) (node *bnode.Pivot[K, V], resolved oid.OID, rewritten bool, err error) {
	res, resolved, rewritten, err := c.get(o)
	if err != nil {
		return nil, o, false, err
	}
	if res.tag != oid.Pivot {
		return nil, o, false, errors.Errorf("bcache: fatal: type-tag mismatch at %s, want Pivot got %s", resolved, res.tag)
	}
	return res.pivot, resolved, rewritten, nil
}

// Get fetches o without assuming its shape in advance, used by a
// descent that does not yet know whether it has reached a leaf. Tag
// reports which of data/pivot is populated.
func (c *Cache[K, V]) Get(o oid.OID) (tag oid.TypeTag, data *bnode.Data[K, V], pivot *bnode.Pivot[K, V], resolved oid.OID, rewritten bool, err error) {
	res, resolved, rewritten, err := c.get(o)
	if err != nil {
		return 0, nil, nil, o, false, err
	}
	return res.tag, res.data, res.pivot, resolved, rewritten, nil
}

func (c *Cache[K, V]) get(o oid.OID) (resident[K, V], oid.OID, bool, error) {
	if err := c.checkPoisoned(); err != nil {
		return resident[K, V]{}, o, false, err
	}

	c.mu.Lock()
	if it, ok := c.byOID[o]; ok {
		it.pinCount.Add(1)
		c.moveToFrontLocked(it)
		node := it.node
		c.mu.Unlock()
		return node, o, false, nil
	}
	pr, pending := c.pending[o]
	c.mu.Unlock()

	if pending {
		<-pr.ready
		return c.installRewritten(o, pr)
	}

	if o.Medium() == oid.Volatile {
		return resident[K, V]{}, o, false, errors.Errorf("bcache: fatal: volatile OID %s is neither resident nor pending", o)
	}

	raw, err := c.store.ReadObject(o)
	if err != nil {
		return resident[K, V]{}, o, false, errors.Wrapf(err, "bcache: read %s from backing store", o)
	}

	node, err := c.decode(o.Tag(), raw)
	if err != nil {
		return resident[K, V]{}, o, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.byOID[o]; ok {
		// another goroutine's fresh read (or a resolved rewrite) won
		// the race; discard ours and use theirs.
		it.pinCount.Add(1)
		c.moveToFrontLocked(it)
		return it.node, o, false, nil
	}

	it := &item[K, V]{oid: o, node: node}
	it.pinCount.Store(1)
	c.pushFrontLocked(it)
	c.byOID[o] = it
	c.footprint++
	c.incrLiveLocked(node.tag)

	return node, o, false, nil
}

func (c *Cache[K, V]) installRewritten(oldOID oid.OID, pr *pendingRewrite[K, V]) (resident[K, V], oid.OID, bool, error) {
	newOID := pr.newOID

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.byOID[newOID]; ok {
		it.pinCount.Add(1)
		c.moveToFrontLocked(it)
		return it.node, newOID, true, nil
	}

	it := &item[K, V]{oid: newOID, node: pr.node}
	it.pinCount.Store(1)
	c.pushFrontLocked(it)
	c.byOID[newOID] = it
	c.footprint++
	c.incrLiveLocked(pr.node.tag)

	return pr.node, newOID, true, nil
}

func (c *Cache[K, V]) decode(tag oid.TypeTag, raw []byte) (resident[K, V], error) {
	d, p, err := marshal.Decode[K, V](tag, raw, c.kc, c.vc)
	if err != nil {
		return resident[K, V]{}, err
	}
	return resident[K, V]{tag: tag, data: d, pivot: p}, nil
}

func (c *Cache[K, V]) serialize(res resident[K, V]) ([]byte, error) {
	return marshal.Encode(res.tag, res.data, res.pivot, c.kc, c.vc)
}
