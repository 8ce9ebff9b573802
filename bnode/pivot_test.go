// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bnode

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaissmai/bptree/oid"
)

func dummyOID(n uintptr) oid.OID {
	return oid.FromVolatile(oid.Data, n)
}

func TestPivotChildSelection(t *testing.T) {
	p := NewPivot[uint64, uint64](10, dummyOID(1), dummyOID(2))
	p.Insert(20, dummyOID(3))

	require.Equal(t, dummyOID(1), p.Child(5))
	require.Equal(t, dummyOID(2), p.Child(10))
	require.Equal(t, dummyOID(2), p.Child(15))
	require.Equal(t, dummyOID(3), p.Child(20))
	require.Equal(t, dummyOID(3), p.Child(100))
}

func TestPivotSplit(t *testing.T) {
	p := NewPivot[uint64, uint64](10, dummyOID(1), dummyOID(2))
	p.Insert(20, dummyOID(3))
	p.Insert(30, dummyOID(4))
	p.Insert(40, dummyOID(5))

	c := newRecordingPivotCreator()
	lifted, siblingOID := p.Split(c)

	require.Equal(t, uint64(30), lifted)
	require.Equal(t, []uint64{10, 20}, p.Pivots)
	require.Equal(t, []oid.OID{dummyOID(1), dummyOID(2), dummyOID(3)}, p.Children)

	sibling := c.byOID[siblingOID]
	require.Equal(t, []uint64{40}, sibling.Pivots)
	require.Equal(t, []oid.OID{dummyOID(4), dummyOID(5)}, sibling.Children)
}

func TestPivotBorrowFromLeft(t *testing.T) {
	left := NewPivot[uint64, uint64](10, dummyOID(1), dummyOID(2))
	left.Insert(20, dummyOID(3))

	right := NewPivot[uint64, uint64](100, dummyOID(10), dummyOID(11))

	newSep := right.BorrowFromLeft(left, 50)

	require.Equal(t, uint64(20), newSep)
	require.Equal(t, []uint64{10}, left.Pivots)
	require.Equal(t, []oid.OID{dummyOID(1), dummyOID(2)}, left.Children)
	require.Equal(t, []uint64{50, 100}, right.Pivots)
	require.Equal(t, []oid.OID{dummyOID(3), dummyOID(10), dummyOID(11)}, right.Children)
}

func TestPivotBorrowFromRight(t *testing.T) {
	left := NewPivot[uint64, uint64](10, dummyOID(1), dummyOID(2))

	right := NewPivot[uint64, uint64](100, dummyOID(10), dummyOID(11))
	right.Insert(200, dummyOID(12))

	newSep := left.BorrowFromRight(right, 50)

	require.Equal(t, uint64(100), newSep)
	require.Equal(t, []uint64{10, 50}, left.Pivots)
	require.Equal(t, []oid.OID{dummyOID(1), dummyOID(2), dummyOID(10)}, left.Children)
	require.Equal(t, []uint64{200}, right.Pivots)
	require.Equal(t, []oid.OID{dummyOID(11), dummyOID(12)}, right.Children)
}

func TestPivotMerge(t *testing.T) {
	left := NewPivot[uint64, uint64](10, dummyOID(1), dummyOID(2))
	right := NewPivot[uint64, uint64](100, dummyOID(10), dummyOID(11))

	left.Merge(right, 50)

	require.Equal(t, []uint64{10, 50, 100}, left.Pivots)
	require.Equal(t, []oid.OID{dummyOID(1), dummyOID(2), dummyOID(10), dummyOID(11)}, left.Children)
}

func TestPivotRewriteChildOID(t *testing.T) {
	p := NewPivot[uint64, uint64](10, dummyOID(1), dummyOID(2))

	require.True(t, p.RewriteChildOID(dummyOID(2), dummyOID(99)))
	require.Equal(t, dummyOID(99), p.Children[1])

	require.False(t, p.RewriteChildOID(dummyOID(2), dummyOID(100)))
}

func TestPivotRebalanceChoicePrefersLeftBorrow(t *testing.T) {
	p := NewPivot[uint64, uint64](10, dummyOID(1), dummyOID(2))
	p.Insert(20, dummyOID(3))

	// degree=4, minLen=2: left has 3 (borrowable), right has 2 (at minimum).
	_, action, siblingIdx := p.RebalanceChoice(dummyOID(2), 3, 2, true, true, 4)
	require.Equal(t, ActionBorrowLeft, action)
	require.Equal(t, 0, siblingIdx)
}

func TestPivotRebalanceChoiceMergesWhenNeitherSiblingSpare(t *testing.T) {
	p := NewPivot[uint64, uint64](10, dummyOID(1), dummyOID(2))
	p.Insert(20, dummyOID(3))

	_, action, _ := p.RebalanceChoice(dummyOID(2), 2, 2, true, true, 4)
	require.Equal(t, ActionMergeLeft, action)
}

func TestPivotSerializeRoundTrip(t *testing.T) {
	p := NewPivot[uint64, uint64](10, dummyOID(1), dummyOID(2))
	p.Insert(20, dummyOID(3))

	kc := Uint64Codec{}

	var buf bytes.Buffer
	require.NoError(t, p.Serialize(&buf, kc))
	require.Equal(t, p.SerializedSize(kc), buf.Len())

	got, err := DecodePivot[uint64, uint64](buf.Bytes(), kc)
	require.NoError(t, err)
	require.Equal(t, p.Pivots, got.Pivots)
	require.Equal(t, p.Children, got.Children)
}

type recordingPivotCreator struct {
	byOID map[oid.OID]*Pivot[uint64, uint64]
	n     uintptr
}

func newRecordingPivotCreator() *recordingPivotCreator {
	return &recordingPivotCreator{byOID: make(map[oid.OID]*Pivot[uint64, uint64])}
}

func (c *recordingPivotCreator) CreateData() (oid.OID, *Data[uint64, uint64]) {
	c.n++
	return oid.FromVolatile(oid.Data, c.n), NewData[uint64, uint64]()
}

func (c *recordingPivotCreator) CreatePivot() (oid.OID, *Pivot[uint64, uint64]) {
	c.n++
	p := &Pivot[uint64, uint64]{}
	o := oid.FromVolatile(oid.Pivot, c.n)
	c.byOID[o] = p
	return o, p
}
