// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package bnode implements the two node shapes of the B+tree: Data
// (leaf) nodes holding sorted key/value pairs, and Pivot (internal)
// nodes holding sorted separator keys and child OIDs. Both shapes
// support the split/merge/redistribute operations the tree layer
// drives during structural modification.
package bnode

import (
	"cmp"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/gaissmai/bptree/oid"
)

// Creator is the allocation surface a node needs from the cache to
// create new siblings during a split. It is declared here, not in the
// cache package, so bnode never imports its own caller — the cache
// implements it.
type Creator[K cmp.Ordered, V any] interface {
	CreateData() (oid.OID, *Data[K, V])
	CreatePivot() (oid.OID, *Pivot[K, V])
}

// Data is a leaf node: a sorted sequence of (key, value) pairs of
// length at most degree. Keys strictly ascend; Keys and Values are
// always the same length.
type Data[K cmp.Ordered, V any] struct {
	Keys   []K
	Values []V
}

// NewData returns an empty leaf.
func NewData[K cmp.Ordered, V any]() *Data[K, V] {
	return &Data[K, V]{}
}

// Len reports the number of entries currently held.
func (d *Data[K, V]) Len() int { return len(d.Keys) }

// Lookup returns the value for k, or ok=false if k is absent. Uses a
// lower-bound binary search since Keys is sorted ascending.
func (d *Data[K, V]) Lookup(k K) (val V, ok bool) {
	i, found := d.search(k)
	if !found {
		return val, false
	}
	return d.Values[i], true
}

// search returns the index of k if present (found=true), or the
// insertion index (first i with Keys[i] > k) otherwise.
func (d *Data[K, V]) search(k K) (idx int, found bool) {
	i := sort.Search(len(d.Keys), func(i int) bool { return d.Keys[i] >= k })
	if i < len(d.Keys) && d.Keys[i] == k {
		return i, true
	}
	return i, false
}

// Insert places (k, v) at its sorted position. Reports false
// (InsertFailed) if k is already present; duplicates are rejected
// rather than silently overwritten.
func (d *Data[K, V]) Insert(k K, v V) (ok bool) {
	i, found := d.search(k)
	if found {
		return false
	}

	d.Keys = insertAt(d.Keys, i, k)
	d.Values = insertAt(d.Values, i, v)
	return true
}

// Remove deletes the entry for k. Reports whether k was present.
func (d *Data[K, V]) Remove(k K) (existed bool) {
	i, found := d.search(k)
	if !found {
		return false
	}

	d.Keys = removeAt(d.Keys, i)
	d.Values = removeAt(d.Values, i)
	return true
}

// RequiresSplit reports whether this leaf has outgrown degree.
func (d *Data[K, V]) RequiresSplit(degree int) bool { return d.Len() > degree }

// CanTriggerSplit reports whether one more insertion could outgrow
// degree; used by the descent to decide whether a node is a safe
// ancestor.
func (d *Data[K, V]) CanTriggerSplit(degree int) bool { return d.Len()+1 > degree }

// RequiresMerge reports whether this leaf has underflowed.
func (d *Data[K, V]) RequiresMerge(degree int) bool { return d.Len() <= (degree+1)/2 }

// CanTriggerMerge reports whether losing one more entry would
// underflow this leaf; used by the descent's dual safety test for
// removal.
func (d *Data[K, V]) CanTriggerMerge(degree int) bool { return d.Len()-1 <= (degree+1)/2 }

// Split moves the upper half of this leaf into a freshly created
// right sibling, truncates this leaf to the lower half, and returns
// the lifted pivot (the first key of the right sibling) and the
// sibling's OID.
func (d *Data[K, V]) Split(creator Creator[K, V]) (pivot K, siblingOID oid.OID) {
	m := d.Len() / 2

	siblingOID, sibling := creator.CreateData()
	sibling.Keys = append(sibling.Keys, d.Keys[m:]...)
	sibling.Values = append(sibling.Values, d.Values[m:]...)

	pivot = d.Keys[m]

	d.Keys = d.Keys[:m:m]
	d.Values = d.Values[:m:m]

	return pivot, siblingOID
}

// BorrowFromLeft pops the last entry of lhs and prepends it to d,
// returning the new separator (the key that now fronts d).
func (d *Data[K, V]) BorrowFromLeft(lhs *Data[K, V]) (newPivot K) {
	n := lhs.Len() - 1
	k, v := lhs.Keys[n], lhs.Values[n]

	lhs.Keys = lhs.Keys[:n]
	lhs.Values = lhs.Values[:n]

	d.Keys = insertAt(d.Keys, 0, k)
	d.Values = insertAt(d.Values, 0, v)

	return d.Keys[0]
}

// BorrowFromRight shifts the first entry of rhs onto the end of d,
// returning the new front key of rhs (the new separator).
func (d *Data[K, V]) BorrowFromRight(rhs *Data[K, V]) (newPivot K) {
	k, v := rhs.Keys[0], rhs.Values[0]

	rhs.Keys = removeAt(rhs.Keys, 0)
	rhs.Values = removeAt(rhs.Values, 0)

	d.Keys = append(d.Keys, k)
	d.Values = append(d.Values, v)

	return rhs.Keys[0]
}

// Merge appends rhs's entries onto d. The caller is responsible for
// removing rhs from the cache afterwards.
func (d *Data[K, V]) Merge(rhs *Data[K, V]) {
	d.Keys = append(d.Keys, rhs.Keys...)
	d.Values = append(d.Values, rhs.Values...)
}

// SerializedSize returns the exact byte count Serialize will write,
// given fixed-width codecs for K and V. The cache's eviction path does
// not call it; it measures the serialized bytes directly.
func (d *Data[K, V]) SerializedSize(kc Codec[K], vc Codec[V]) int {
	return 1 + 2 + d.Len()*kc.Size() + d.Len()*vc.Size()
}

// Serialize writes { type_tag, count, keys[count], values[count] } to w.
func (d *Data[K, V]) Serialize(w io.Writer, kc Codec[K], vc Codec[V]) error {
	n := d.Len()
	if n > 0xFFFF {
		return errors.Errorf("bnode: leaf count %d exceeds uint16 range", n)
	}

	buf := make([]byte, 1+2+n*kc.Size()+n*vc.Size())
	buf[0] = byte(oid.Data)
	binary.BigEndian.PutUint16(buf[1:3], uint16(n))

	off := 3
	for _, k := range d.Keys {
		kc.Encode(k, buf[off:off+kc.Size()])
		off += kc.Size()
	}
	for _, v := range d.Values {
		vc.Encode(v, buf[off:off+vc.Size()])
		off += vc.Size()
	}

	_, err := w.Write(buf)
	return errors.Wrap(err, "bnode: serialize data node")
}

// DecodeData reads a leaf previously written by Serialize. The leading
// type_tag byte is expected to already be oid.Data; a mismatch is a
// fatal deserialization error.
func DecodeData[K cmp.Ordered, V any](src []byte, kc Codec[K], vc Codec[V]) (*Data[K, V], error) {
	if len(src) < 3 {
		return nil, errors.New("bnode: truncated data node header")
	}
	if oid.TypeTag(src[0]) != oid.Data {
		return nil, errors.Errorf("bnode: type-tag mismatch, want Data got %s", oid.TypeTag(src[0]))
	}

	n := int(binary.BigEndian.Uint16(src[1:3]))
	off := 3
	d := &Data[K, V]{
		Keys:   make([]K, n),
		Values: make([]V, n),
	}

	for i := 0; i < n; i++ {
		if off+kc.Size() > len(src) {
			return nil, errors.New("bnode: truncated data node keys")
		}
		d.Keys[i] = kc.Decode(src[off : off+kc.Size()])
		off += kc.Size()
	}
	for i := 0; i < n; i++ {
		if off+vc.Size() > len(src) {
			return nil, errors.New("bnode: truncated data node values")
		}
		d.Values[i] = vc.Decode(src[off : off+vc.Size()])
		off += vc.Size()
	}

	return d, nil
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	copy(s[i:], s[i+1:])
	var zero T
	s[len(s)-1] = zero
	return s[:len(s)-1]
}
