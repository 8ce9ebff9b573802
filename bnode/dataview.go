// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bnode

import (
	"cmp"
	"sort"

	"github.com/pkg/errors"

	"github.com/gaissmai/bptree/oid"
)

// DataView is a read-optimized leaf: it keeps the raw serialized bytes
// a store handed back and decodes individual keys/values directly out
// of that buffer on demand, instead of eagerly materializing Keys and
// Values slices the way DecodeData does. A leaf that is only ever
// searched after being loaded from disk never pays for those
// allocations at all; the first call that needs to mutate the leaf
// promotes it to an owned *Data[K, V] and every view method delegates
// to that from then on.
type DataView[K cmp.Ordered, V any] struct {
	raw []byte
	kc  Codec[K]
	vc  Codec[V]
	n   int

	owned *Data[K, V]
}

// NewDataView wraps src, a buffer previously written by
// (*Data).Serialize, validating only the header and overall length.
// Individual keys and values are decoded lazily, on demand, so a view
// that is only ever searched never touches most of the buffer.
func NewDataView[K cmp.Ordered, V any](src []byte, kc Codec[K], vc Codec[V]) (*DataView[K, V], error) {
	if len(src) < 3 {
		return nil, errors.New("bnode: truncated data node header")
	}
	if oid.TypeTag(src[0]) != oid.Data {
		return nil, errors.Errorf("bnode: type-tag mismatch, want Data got %s", oid.TypeTag(src[0]))
	}

	n := int(src[1])<<8 | int(src[2])
	want := 3 + n*kc.Size() + n*vc.Size()
	if len(src) < want {
		return nil, errors.Errorf("bnode: truncated data node body, want %d bytes got %d", want, len(src))
	}

	return &DataView[K, V]{raw: src, kc: kc, vc: vc, n: n}, nil
}

// Len reports the number of entries, without decoding any of them.
func (v *DataView[K, V]) Len() int {
	if v.owned != nil {
		return v.owned.Len()
	}
	return v.n
}

func (v *DataView[K, V]) keyAt(i int) K {
	off := 3 + i*v.kc.Size()
	return v.kc.Decode(v.raw[off : off+v.kc.Size()])
}

func (v *DataView[K, V]) valAt(i int) V {
	off := 3 + v.n*v.kc.Size() + i*v.vc.Size()
	return v.vc.Decode(v.raw[off : off+v.vc.Size()])
}

// Lookup searches for k without decoding entries outside the binary
// search path, and without ever materializing Keys/Values if the view
// hasn't already been promoted by a prior mutation.
func (v *DataView[K, V]) Lookup(k K) (val V, ok bool) {
	if v.owned != nil {
		return v.owned.Lookup(k)
	}

	i := sort.Search(v.n, func(i int) bool { return v.keyAt(i) >= k })
	if i < v.n && v.keyAt(i) == k {
		return v.valAt(i), true
	}
	var zero V
	return zero, false
}

// Promote materializes Keys/Values into an owned *Data[K, V] if this
// view hasn't already been promoted, and returns it. Every mutating
// operation (Insert, Remove, Split, ...) goes through this, since
// DataView itself never exposes Keys/Values for direct editing.
func (v *DataView[K, V]) Promote() *Data[K, V] {
	if v.owned != nil {
		return v.owned
	}

	d := &Data[K, V]{
		Keys:   make([]K, v.n),
		Values: make([]V, v.n),
	}
	for i := 0; i < v.n; i++ {
		d.Keys[i] = v.keyAt(i)
		d.Values[i] = v.valAt(i)
	}
	v.owned = d
	v.raw = nil
	return d
}

// Promoted reports whether Promote has already been called. Lookup and
// Len never promote the view; they only delegate to the owned copy
// once it exists.
func (v *DataView[K, V]) Promoted() bool { return v.owned != nil }

// Serialize re-derives the raw wire form: if the view was never
// promoted it hands back its untouched buffer verbatim (including its
// leading oid.Data tag byte written by the original Serialize call);
// otherwise it re-serializes the owned copy.
func (v *DataView[K, V]) Serialize() ([]byte, error) {
	if v.owned == nil {
		out := make([]byte, len(v.raw))
		copy(out, v.raw)
		return out, nil
	}

	var buf sizedBuffer
	if err := v.owned.Serialize(&buf, v.kc, v.vc); err != nil {
		return nil, err
	}
	return buf.b, nil
}

// sizedBuffer is an io.Writer collecting bytes in place, used instead
// of bytes.Buffer to keep this file's imports limited to what the
// view itself needs.
type sizedBuffer struct{ b []byte }

func (s *sizedBuffer) Write(p []byte) (int, error) {
	s.b = append(s.b, p...)
	return len(p), nil
}
