// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package marshal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaissmai/bptree/bnode"
	"github.com/gaissmai/bptree/oid"
)

func TestEncodeDecodeDataRoundTrip(t *testing.T) {
	d := bnode.NewData[uint64, uint64]()
	d.Insert(1, 100)
	d.Insert(2, 200)

	raw, err := Encode[uint64, uint64](oid.Data, d, nil, bnode.Uint64Codec{}, bnode.Uint64Codec{})
	require.NoError(t, err)

	gotData, gotPivot, err := Decode[uint64, uint64](oid.Data, raw, bnode.Uint64Codec{}, bnode.Uint64Codec{})
	require.NoError(t, err)
	require.Nil(t, gotPivot)
	require.Equal(t, d, gotData)
}

func TestEncodeDecodePivotRoundTrip(t *testing.T) {
	left := oid.FromVolatile(oid.Data, 1)
	right := oid.FromVolatile(oid.Data, 2)
	p := bnode.NewPivot[uint64, uint64](5, left, right)

	raw, err := Encode[uint64, uint64](oid.Pivot, nil, p, bnode.Uint64Codec{}, bnode.Uint64Codec{})
	require.NoError(t, err)

	gotData, gotPivot, err := Decode[uint64, uint64](oid.Pivot, raw, bnode.Uint64Codec{}, bnode.Uint64Codec{})
	require.NoError(t, err)
	require.Nil(t, gotData)
	require.Equal(t, p, gotPivot)
}

func TestDecodeUnknownTagFails(t *testing.T) {
	_, _, err := Decode[uint64, uint64](oid.TypeTag(99), []byte{99, 0, 0}, bnode.Uint64Codec{}, bnode.Uint64Codec{})
	require.Error(t, err)
}

func TestEncodeUnknownTagFails(t *testing.T) {
	_, err := Encode[uint64, uint64](oid.TypeTag(99), nil, nil, bnode.Uint64Codec{}, bnode.Uint64Codec{})
	require.Error(t, err)
}
