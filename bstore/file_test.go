// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaissmai/bptree/oid"
)

func TestFileStoreWriteThenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")
	s, err := OpenFileStore(path, 64, 1<<16)
	require.NoError(t, err)
	defer s.Close()

	payload := []byte("a pivot node's serialized bytes")
	offsets, newOffset := PrepareOffsets(s.BlockSize(), s.NextBlockOffset(), []uint32{uint32(len(payload))})
	require.Len(t, offsets, 1)

	o := oid.FromFile(oid.Pivot, uint32(offsets[0]), uint32(len(payload)))
	require.NoError(t, s.WriteBatch([]Item{{OID: o, Payload: payload}}, newOffset))
	require.Equal(t, newOffset, s.NextBlockOffset())

	got, err := s.ReadObject(o)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFileStoreRejectsWrongMediumOID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")
	s, err := OpenFileStore(path, 64, 0)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadObject(oid.FromPMem(oid.Data, 0, 8))
	require.Error(t, err)

	err = s.WriteBatch([]Item{{OID: oid.FromVolatile(oid.Data, 1), Payload: []byte("x")}}, 64)
	require.Error(t, err)
}

func TestFileStoreWriteBatchRejectsSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")
	s, err := OpenFileStore(path, 64, 0)
	require.NoError(t, err)
	defer s.Close()

	o := oid.FromFile(oid.Data, 0, 99)
	err = s.WriteBatch([]Item{{OID: o, Payload: []byte("short")}}, 64)
	require.Error(t, err)
}

func TestPrepareOffsetsRoundsUpToBlockBoundary(t *testing.T) {
	offsets, newOffset := PrepareOffsets(64, 0, []uint32{10, 65, 64})
	require.Equal(t, []uint64{0, 64, 192}, offsets)
	require.Equal(t, uint64(256), newOffset)
}

func TestPrepareOffsetsZeroSizedItemStillConsumesABlock(t *testing.T) {
	offsets, newOffset := PrepareOffsets(32, 100, []uint32{0})
	require.Equal(t, []uint64{100}, offsets)
	require.Equal(t, uint64(132), newOffset)
}
