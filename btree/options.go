// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package btree

import (
	"cmp"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gaissmai/bptree/bnode"
	"github.com/gaissmai/bptree/bstore"
	"github.com/gaissmai/bptree/oid"
)

// defaultEvictionInterval paces the background eviction task started
// by Open when Options.EvictionInterval is left zero.
const defaultEvictionInterval = 100 * time.Millisecond

// Options configures Open. Degree, KeyCodec, and ValCodec must always
// be set. Medium selects which of BackingPath/BlockSize/
// StorageSizeBytes apply: Volatile ignores all three.
type Options[K cmp.Ordered, V any] struct {
	// Degree bounds the number of entries a Data leaf or pivots a
	// Pivot node may hold before it must split.
	Degree int

	// CacheCapacity bounds the number of resident nodes. Zero disables
	// eviction entirely, giving an unbounded pass-through cache.
	CacheCapacity int

	// EvictionInterval paces the background eviction task Open starts
	// for the cache's lifetime. Zero uses defaultEvictionInterval.
	EvictionInterval time.Duration

	Medium           oid.Medium
	BackingPath      string
	BlockSize        uint16
	StorageSizeBytes int64

	KeyCodec bnode.Codec[K]
	ValCodec bnode.Codec[V]

	Logger *zap.Logger
}

func (o Options[K, V]) buildStore() (bstore.Store, error) {
	switch o.Medium {
	case oid.Volatile:
		return bstore.NewVolatileStore(), nil
	case oid.File:
		return bstore.OpenFileStore(o.BackingPath, o.BlockSize, o.StorageSizeBytes)
	case oid.PMem:
		return bstore.OpenPMemStore(o.BackingPath, o.BlockSize, o.StorageSizeBytes)
	default:
		return nil, errors.Errorf("btree: unknown storage medium %s", o.Medium)
	}
}
