// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package marshal dispatches node (de)serialization by type tag, the
// one place that needs to know both node shapes at once. bcache calls
// through here rather than switching on oid.TypeTag itself, keeping
// that switch in a single spot shared by every reader of the format.
package marshal

import (
	"bytes"
	"cmp"

	"github.com/pkg/errors"

	"github.com/gaissmai/bptree/bnode"
	"github.com/gaissmai/bptree/oid"
)

// Decode reads a node previously written by Encode. tag selects which
// of the two shapes raw holds; it normally comes from the OID the
// bytes were read for, not from raw itself, since a backing store
// read has no other way to know what it fetched.
func Decode[K cmp.Ordered, V any](tag oid.TypeTag, raw []byte, kc bnode.Codec[K], vc bnode.Codec[V]) (data *bnode.Data[K, V], pivot *bnode.Pivot[K, V], err error) {
	switch tag {
	case oid.Data:
		data, err = bnode.DecodeData[K, V](raw, kc, vc)
		return data, nil, err
	case oid.Pivot:
		pivot, err = bnode.DecodePivot[K, V](raw, kc)
		return nil, pivot, err
	default:
		return nil, nil, errors.Errorf("marshal: unknown type tag %s on decode", tag)
	}
}

// Encode writes exactly one of data/pivot, selected by tag, to its
// wire form.
func Encode[K cmp.Ordered, V any](tag oid.TypeTag, data *bnode.Data[K, V], pivot *bnode.Pivot[K, V], kc bnode.Codec[K], vc bnode.Codec[V]) ([]byte, error) {
	var buf bytes.Buffer
	switch tag {
	case oid.Data:
		if err := data.Serialize(&buf, kc, vc); err != nil {
			return nil, err
		}
	case oid.Pivot:
		if err := pivot.Serialize(&buf, kc); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("marshal: unknown type tag %s on encode", tag)
	}
	return buf.Bytes(), nil
}
