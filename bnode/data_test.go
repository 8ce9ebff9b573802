// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bnode

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaissmai/bptree/oid"
)

func TestDataInsertRejectsDuplicate(t *testing.T) {
	d := NewData[uint64, uint64]()
	require.True(t, d.Insert(5, 50))
	require.False(t, d.Insert(5, 99))

	v, ok := d.Lookup(5)
	require.True(t, ok)
	require.Equal(t, uint64(50), v)
}

func TestDataInsertKeepsSortedOrder(t *testing.T) {
	d := NewData[uint64, uint64]()
	for _, k := range []uint64{5, 1, 3, 4, 2} {
		require.True(t, d.Insert(k, k*10))
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, d.Keys)
	require.Equal(t, []uint64{10, 20, 30, 40, 50}, d.Values)
}

func TestDataRemove(t *testing.T) {
	d := NewData[uint64, uint64]()
	d.Insert(1, 10)
	d.Insert(2, 20)

	require.True(t, d.Remove(1))
	require.False(t, d.Remove(1))

	_, ok := d.Lookup(1)
	require.False(t, ok)

	v, ok := d.Lookup(2)
	require.True(t, ok)
	require.Equal(t, uint64(20), v)
}

func TestDataSplitBalancesHalves(t *testing.T) {
	d := NewData[uint64, uint64]()
	for k := uint64(1); k <= 6; k++ {
		d.Insert(k, k)
	}

	c := newRecordingCreator()
	pivot, siblingOID := d.Split(c)

	require.Equal(t, uint64(4), pivot)
	require.Equal(t, 3, d.Len())
	require.Equal(t, []uint64{1, 2, 3}, d.Keys)

	sibling := c.dataByOID[siblingOID]
	require.Equal(t, []uint64{4, 5, 6}, sibling.Keys)
}

func TestDataBorrowFromLeftAndRight(t *testing.T) {
	left := NewData[uint64, uint64]()
	left.Insert(1, 1)
	left.Insert(2, 2)
	left.Insert(3, 3)

	right := NewData[uint64, uint64]()
	right.Insert(10, 10)

	newSep := right.BorrowFromLeft(left)
	require.Equal(t, uint64(3), newSep)
	require.Equal(t, []uint64{1, 2}, left.Keys)
	require.Equal(t, []uint64{3, 10}, right.Keys)

	newSep = left.BorrowFromRight(right)
	require.Equal(t, uint64(10), newSep)
	require.Equal(t, []uint64{1, 2, 3}, left.Keys)
	require.Equal(t, []uint64{10}, right.Keys)
}

func TestDataMerge(t *testing.T) {
	left := NewData[uint64, uint64]()
	left.Insert(1, 1)
	right := NewData[uint64, uint64]()
	right.Insert(2, 2)

	left.Merge(right)
	require.Equal(t, []uint64{1, 2}, left.Keys)
	require.Equal(t, []uint64{1, 2}, left.Values)
}

func TestDataSerializeRoundTrip(t *testing.T) {
	d := NewData[uint64, uint64]()
	d.Insert(1, 100)
	d.Insert(2, 200)
	d.Insert(3, 300)

	kc, vc := Uint64Codec{}, Uint64Codec{}

	var buf bytes.Buffer
	require.NoError(t, d.Serialize(&buf, kc, vc))
	require.Equal(t, d.SerializedSize(kc, vc), buf.Len())

	got, err := DecodeData[uint64, uint64](buf.Bytes(), kc, vc)
	require.NoError(t, err)
	require.Equal(t, d.Keys, got.Keys)
	require.Equal(t, d.Values, got.Values)
}

func TestDecodeDataRejectsWrongTag(t *testing.T) {
	buf := []byte{byte(oid.Pivot), 0, 0}
	_, err := DecodeData[uint64, uint64](buf, Uint64Codec{}, Uint64Codec{})
	require.Error(t, err)
}

func TestCanTriggerSplitAndMerge(t *testing.T) {
	d := NewData[uint64, uint64]()
	for k := uint64(1); k <= 4; k++ {
		d.Insert(k, k)
	}
	require.True(t, d.RequiresSplit(3))
	require.False(t, d.RequiresSplit(4))
	require.True(t, d.CanTriggerSplit(4))
	require.False(t, d.CanTriggerSplit(8))

	require.True(t, d.RequiresMerge(8))
	require.True(t, d.CanTriggerMerge(8))
}

// recordingCreator is a minimal Creator[K, V] used to test Split in
// isolation, without pulling in bcache.
type recordingCreator struct {
	dataByOID map[oid.OID]*Data[uint64, uint64]
	n         uintptr
}

func newRecordingCreator() *recordingCreator {
	return &recordingCreator{dataByOID: make(map[oid.OID]*Data[uint64, uint64])}
}

func (c *recordingCreator) CreateData() (oid.OID, *Data[uint64, uint64]) {
	c.n++
	d := NewData[uint64, uint64]()
	o := oid.FromVolatile(oid.Data, c.n)
	c.dataByOID[o] = d
	return o, d
}

func (c *recordingCreator) CreatePivot() (oid.OID, *Pivot[uint64, uint64]) {
	c.n++
	p := &Pivot[uint64, uint64]{}
	return oid.FromVolatile(oid.Pivot, c.n), p
}
