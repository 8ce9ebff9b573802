// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaissmai/bptree/oid"
)

func TestVolatileStoreRejectsRead(t *testing.T) {
	s := NewVolatileStore()
	require.Equal(t, oid.Volatile, s.StorageType())
	require.Equal(t, uint16(0), s.BlockSize())
	require.Equal(t, uint64(0), s.NextBlockOffset())

	_, err := s.ReadObject(oid.FromVolatile(oid.Data, 1))
	require.Error(t, err)
}

func TestVolatileStoreAcceptsOnlyEmptyBatch(t *testing.T) {
	s := NewVolatileStore()
	require.NoError(t, s.WriteBatch(nil, 0))
	err := s.WriteBatch([]Item{{OID: oid.FromVolatile(oid.Data, 1), Payload: []byte("x")}}, 0)
	require.Error(t, err)
}

func TestVolatileStoreCloseAndRemoveAreNoops(t *testing.T) {
	s := NewVolatileStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Remove(oid.FromVolatile(oid.Pivot, 1)))
}
