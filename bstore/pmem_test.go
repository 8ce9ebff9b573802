// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaissmai/bptree/oid"
)

func TestPMemStoreWriteThenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem.db")
	s, err := OpenPMemStore(path, 64, 1<<16)
	require.NoError(t, err)
	defer s.Close()

	payload := []byte("a leaf node's serialized bytes")
	offsets, newOffset := PrepareOffsets(s.BlockSize(), s.NextBlockOffset(), []uint32{uint32(len(payload))})

	o := oid.FromPMem(oid.Data, uint32(offsets[0]), uint32(len(payload)))
	require.NoError(t, s.WriteBatch([]Item{{OID: o, Payload: payload}}, newOffset))
	require.Equal(t, newOffset, s.NextBlockOffset())

	got, err := s.ReadObject(o)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPMemStoreRejectsOutOfRangeObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem.db")
	s, err := OpenPMemStore(path, 64, 1024)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadObject(oid.FromPMem(oid.Data, 2000, 8))
	require.Error(t, err)
}

func TestPMemStoreRejectsNonPositiveSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem2.db")
	_, err := OpenPMemStore(path, 64, 0)
	require.Error(t, err)
}

func TestPMemStoreRejectsWrongMediumOID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem3.db")
	s, err := OpenPMemStore(path, 64, 1024)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadObject(oid.FromFile(oid.Data, 0, 8))
	require.Error(t, err)

	err = s.WriteBatch([]Item{{OID: oid.FromVolatile(oid.Data, 1), Payload: []byte("x")}}, 64)
	require.Error(t, err)
}
