// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package bstore implements the uniform backing-store interface the
// cache evicts dirty nodes through, plus its three implementations:
// a volatile identity store, an append-only block file, and an
// append-only persistent-memory mapping.
package bstore

import (
	"github.com/pkg/errors"

	"github.com/gaissmai/bptree/oid"
)

// Item is one object the cache asks a store to persist: its assigned
// OID (already carrying the final offset/size the cache computed) and
// its serialized bytes.
type Item struct {
	OID     oid.OID
	Payload []byte
}

// Store is the uniform backing-store contract. The volatile, file,
// and pmem implementations all satisfy it; the cache and tree never
// branch on concrete store type.
type Store interface {
	// BlockSize reports the allocator's block granularity.
	BlockSize() uint16
	// StorageType reports which medium this store backs.
	StorageType() oid.Medium
	// NextBlockOffset reports the append pointer's current position.
	NextBlockOffset() uint64
	// ReadObject synchronously fetches and returns the raw serialized
	// bytes named by o.
	ReadObject(o oid.OID) ([]byte, error)
	// WriteBatch appends each item's payload at the offset the caller
	// pre-computed via PrepareOffsets, then advances the append
	// pointer to newOffset.
	WriteBatch(items []Item, newOffset uint64) error
	// Remove is best-effort; the append-only stores treat it as a
	// no-op since there is no free list to reclaim into.
	Remove(o oid.OID) error
	// Close releases any OS resources (file descriptors, mappings).
	Close() error
}

// ErrNotFound names the condition of reading a byte range the store
// has never written. None of the stores in this package returns it:
// an out-of-range read fails with its own error, and an in-range read
// of never-written bytes returns whatever bytes are there.
var ErrNotFound = errors.New("bstore: object not found")

// PrepareOffsets computes, for a batch of items already assigned
// sequential sizes, the starting file offset of each item given the
// store's current append pointer and block size, and the resulting
// new append pointer. It does not mutate the store; callers write the
// computed offsets into each item's OID before calling WriteBatch.
func PrepareOffsets(blockSize uint16, startOffset uint64, sizes []uint32) (offsets []uint64, newOffset uint64) {
	offsets = make([]uint64, len(sizes))
	cur := startOffset
	bs := uint64(blockSize)

	for i, sz := range sizes {
		offsets[i] = cur
		blocks := (uint64(sz) + bs - 1) / bs
		if blocks == 0 {
			blocks = 1
		}
		cur += blocks * bs
	}

	return offsets, cur
}
