// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bcache

import (
	"cmp"
	"sync"
	"sync/atomic"

	"github.com/gaissmai/bptree/bnode"
	"github.com/gaissmai/bptree/oid"
)

// resident is the tagged union of node shapes a cache entry can hold.
// Exactly one of data/pivot is non-nil, selected by tag.
type resident[K cmp.Ordered, V any] struct {
	tag   oid.TypeTag
	data  *bnode.Data[K, V]
	pivot *bnode.Pivot[K, V]
}

// item is one resident, linked into the cache's LRU list.
type item[K cmp.Ordered, V any] struct {
	oid   oid.OID
	node  resident[K, V]
	dirty bool

	pinCount atomic.Int32
	latch    sync.RWMutex

	prev, next *item[K, V]
}

// pendingRewrite is the window between deciding to persist a node
// under a new OID and making that new OID visible to concurrent
// readers. ready is closed exactly once, when newOID and node are
// final; readers that observe the entry before it is ready block on
// receiving from ready rather than spinning on a condition variable.
type pendingRewrite[K cmp.Ordered, V any] struct {
	newOID oid.OID
	node   resident[K, V]
	ready  chan struct{}
}
