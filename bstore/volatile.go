// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bstore

import (
	"github.com/pkg/errors"

	"github.com/gaissmai/bptree/oid"
)

// VolatileStore is the identity backing store: every object it would
// ever be asked to read is, by construction, still resident in the
// cache (a Volatile OID is only ever handed out by the cache's Create*
// methods and
// never survives an eviction). ReadObject and WriteBatch existing at
// all is just the price of a uniform Store interface; being asked to
// actually perform I/O against the volatile medium means a resident
// was evicted from the cache's map without a corresponding rewrite,
// which is a programmer error, not a recoverable condition.
type VolatileStore struct{}

// NewVolatileStore returns the (stateless) volatile store.
func NewVolatileStore() *VolatileStore { return &VolatileStore{} }

func (*VolatileStore) BlockSize() uint16       { return 0 }
func (*VolatileStore) StorageType() oid.Medium { return oid.Volatile }
func (*VolatileStore) NextBlockOffset() uint64 { return 0 }
func (*VolatileStore) Close() error            { return nil }
func (*VolatileStore) Remove(oid.OID) error    { return nil }

func (*VolatileStore) ReadObject(o oid.OID) ([]byte, error) {
	return nil, errors.Errorf("bstore: volatile store cannot read %s; its resident left the cache without a rewrite", o)
}

func (*VolatileStore) WriteBatch(items []Item, newOffset uint64) error {
	if len(items) != 0 {
		return errors.New("bstore: volatile store cannot persist a non-empty batch")
	}
	return nil
}
