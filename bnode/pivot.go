// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bnode

import (
	"cmp"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/gaissmai/bptree/oid"
)

// Pivot is an internal node: sorted separator keys ("pivots") with a
// children array one longer. For every i, every key in the subtree
// rooted at Children[i] is < Pivots[i], and every key in
// Children[i+1] is >= Pivots[i].
type Pivot[K cmp.Ordered, V any] struct {
	Pivots   []K
	Children []oid.OID
}

// NewPivot returns an internal node with a single separator and the
// two children produced by a leaf or internal split.
func NewPivot[K cmp.Ordered, V any](pivot K, left, right oid.OID) *Pivot[K, V] {
	return &Pivot[K, V]{
		Pivots:   []K{pivot},
		Children: []oid.OID{left, right},
	}
}

// Len reports the number of pivots (children = Len()+1).
func (p *Pivot[K, V]) Len() int { return len(p.Pivots) }

// ChildIndex returns the index of the child subtree responsible for
// k: the first index i such that Pivots[i] > k, i.e. an upper bound.
func (p *Pivot[K, V]) ChildIndex(k K) int {
	return sort.Search(len(p.Pivots), func(i int) bool { return p.Pivots[i] > k })
}

// Child returns the child OID responsible for k.
func (p *Pivot[K, V]) Child(k K) oid.OID {
	return p.Children[p.ChildIndex(k)]
}

// Insert places pivot at its sorted position i and rightChild at
// Children[i+1].
func (p *Pivot[K, V]) Insert(pivot K, rightChild oid.OID) {
	i := sort.Search(len(p.Pivots), func(i int) bool { return p.Pivots[i] > pivot })
	p.Pivots = insertAt(p.Pivots, i, pivot)
	p.Children = insertAt(p.Children, i+1, rightChild)
}

// RequiresSplit reports whether this node has outgrown degree pivots.
func (p *Pivot[K, V]) RequiresSplit(degree int) bool { return p.Len() > degree }

// CanTriggerSplit reports whether one more pivot could outgrow degree.
func (p *Pivot[K, V]) CanTriggerSplit(degree int) bool { return p.Len()+1 > degree }

// RequiresMerge reports whether this node has underflowed.
func (p *Pivot[K, V]) RequiresMerge(degree int) bool { return p.Len() <= (degree+1)/2 }

// CanTriggerMerge reports whether losing one more pivot would
// underflow this node; used by the descent's dual safety test for
// removal.
func (p *Pivot[K, V]) CanTriggerMerge(degree int) bool { return p.Len()-1 <= (degree+1)/2 }

// Split moves the upper half of pivots/children into a freshly
// created right sibling and returns the pivot lifted to the parent.
//
// mid = p/2; the right sibling takes Pivots[mid+1:] and
// Children[mid+1:]; this node truncates Pivots to mid and Children to
// mid+1; the lifted pivot is Pivots[mid].
func (p *Pivot[K, V]) Split(creator Creator[K, V]) (liftedPivot K, siblingOID oid.OID) {
	m := p.Len() / 2
	liftedPivot = p.Pivots[m]

	siblingOID, sibling := creator.CreatePivot()
	sibling.Pivots = append(sibling.Pivots, p.Pivots[m+1:]...)
	sibling.Children = append(sibling.Children, p.Children[m+1:]...)

	p.Pivots = p.Pivots[:m:m]
	p.Children = p.Children[:m+1 : m+1]

	return liftedPivot, siblingOID
}

// BorrowFromLeft rotates the last (pivot, child) of lhs through the
// separator key sep (the parent's pivot between lhs and p), placing
// lhs's last child at the front of p and returning the new separator.
func (p *Pivot[K, V]) BorrowFromLeft(lhs *Pivot[K, V], sep K) (newSep K) {
	n := lhs.Len() - 1
	movedChild := lhs.Children[n+1]
	newSep = lhs.Pivots[n]

	lhs.Pivots = lhs.Pivots[:n]
	lhs.Children = lhs.Children[:n+1]

	p.Pivots = insertAt(p.Pivots, 0, sep)
	p.Children = insertAt(p.Children, 0, movedChild)

	return newSep
}

// BorrowFromRight rotates the first (pivot, child) of rhs through the
// separator key sep, placing rhs's first child at the end of p and
// returning the new separator.
func (p *Pivot[K, V]) BorrowFromRight(rhs *Pivot[K, V], sep K) (newSep K) {
	movedChild := rhs.Children[0]
	newSep = rhs.Pivots[0]

	rhs.Pivots = removeAt(rhs.Pivots, 0)
	rhs.Children = removeAt(rhs.Children, 0)

	p.Pivots = append(p.Pivots, sep)
	p.Children = append(p.Children, movedChild)

	return newSep
}

// Merge absorbs rhs into p, reuniting them through the separator
// pulled down from their shared parent.
func (p *Pivot[K, V]) Merge(rhs *Pivot[K, V], separator K) {
	p.Pivots = append(p.Pivots, separator)
	p.Pivots = append(p.Pivots, rhs.Pivots...)
	p.Children = append(p.Children, rhs.Children...)
}

// RewriteChildOID finds old in Children and replaces it with new. It
// reports whether old was found; a false return on a path the cache
// claims to have rewritten indicates the parent's view of the child
// array has drifted from the cache's, a fatal condition.
func (p *Pivot[K, V]) RewriteChildOID(old, new oid.OID) bool {
	for i, c := range p.Children {
		if c == old {
			p.Children[i] = new
			return true
		}
	}
	return false
}

// RebalanceChoice locates childOID's index and decides how to fix an
// underflow there: borrow from a sibling with more than ceil(degree/2)
// entries if one exists, preferring the left sibling when both
// qualify; otherwise merge with the lower-indexed sibling if present,
// else the higher-indexed one.
//
// This method only computes which action to take and which sibling is
// involved; the tree performs the actual Data/Pivot borrow or merge
// call since Pivot does not know the concrete child shape (Data vs
// Pivot) below it.
func (p *Pivot[K, V]) RebalanceChoice(childOID oid.OID, leftLen, rightLen int, hasLeft, hasRight bool, degree int) (idx int, action RebalanceAction, siblingIdx int) {
	idx = -1
	for i, c := range p.Children {
		if c == childOID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return idx, ActionNone, -1
	}

	minLen := (degree + 1) / 2

	if hasLeft && leftLen > minLen {
		return idx, ActionBorrowLeft, idx - 1
	}
	if hasRight && rightLen > minLen {
		return idx, ActionBorrowRight, idx + 1
	}
	if hasLeft {
		return idx, ActionMergeLeft, idx - 1
	}
	return idx, ActionMergeRight, idx + 1
}

// ActionNone/ActionBorrowLeft/... enumerate RebalanceChoice outcomes.
type RebalanceAction int

const (
	ActionNone RebalanceAction = iota
	ActionBorrowLeft
	ActionBorrowRight
	ActionMergeLeft
	ActionMergeRight
)

// SerializedSize returns the exact byte count Serialize will write.
func (p *Pivot[K, V]) SerializedSize(kc Codec[K]) int {
	return 1 + 2 + p.Len()*kc.Size() + (p.Len()+1)*oidEncodedSize
}

const oidEncodedSize = 10 // 1 byte medium, 1 byte tag, 8 byte payload

// Serialize writes { type_tag, pivot_count, pivots[pivot_count],
// children[pivot_count+1] } to w. Children length is always
// pivots+1 by structural invariant, so no redundant count is stored.
func (p *Pivot[K, V]) Serialize(w io.Writer, kc Codec[K]) error {
	n := p.Len()
	if n > 0xFFFF {
		return errors.Errorf("bnode: pivot count %d exceeds uint16 range", n)
	}

	buf := make([]byte, p.SerializedSize(kc))
	buf[0] = byte(oid.Pivot)
	binary.BigEndian.PutUint16(buf[1:3], uint16(n))

	off := 3
	for _, k := range p.Pivots {
		kc.Encode(k, buf[off:off+kc.Size()])
		off += kc.Size()
	}
	for _, c := range p.Children {
		encodeOID(c, buf[off:off+oidEncodedSize])
		off += oidEncodedSize
	}

	_, err := w.Write(buf)
	return errors.Wrap(err, "bnode: serialize pivot node")
}

// DecodePivot reads an internal node previously written by Serialize.
func DecodePivot[K cmp.Ordered, V any](src []byte, kc Codec[K]) (*Pivot[K, V], error) {
	if len(src) < 3 {
		return nil, errors.New("bnode: truncated pivot node header")
	}
	if oid.TypeTag(src[0]) != oid.Pivot {
		return nil, errors.Errorf("bnode: type-tag mismatch, want Pivot got %s", oid.TypeTag(src[0]))
	}

	n := int(binary.BigEndian.Uint16(src[1:3]))
	off := 3
	p := &Pivot[K, V]{
		Pivots:   make([]K, n),
		Children: make([]oid.OID, n+1),
	}

	for i := 0; i < n; i++ {
		if off+kc.Size() > len(src) {
			return nil, errors.New("bnode: truncated pivot node keys")
		}
		p.Pivots[i] = kc.Decode(src[off : off+kc.Size()])
		off += kc.Size()
	}
	for i := 0; i < n+1; i++ {
		if off+oidEncodedSize > len(src) {
			return nil, errors.New("bnode: truncated pivot node children")
		}
		c, err := decodeOID(src[off : off+oidEncodedSize])
		if err != nil {
			return nil, err
		}
		p.Children[i] = c
		off += oidEncodedSize
	}

	return p, nil
}

func encodeOID(o oid.OID, dst []byte) {
	dst[0] = byte(o.Medium())
	dst[1] = byte(o.Tag())
	switch o.Medium() {
	case oid.Volatile:
		binary.BigEndian.PutUint64(dst[2:10], uint64(o.VolatilePointer()))
	default:
		off, size := o.OffsetSize()
		binary.BigEndian.PutUint32(dst[2:6], off)
		binary.BigEndian.PutUint32(dst[6:10], size)
	}
}

func decodeOID(src []byte) (oid.OID, error) {
	medium := oid.Medium(src[0])
	tag := oid.TypeTag(src[1])
	switch medium {
	case oid.Volatile:
		return oid.FromVolatile(tag, uintptr(binary.BigEndian.Uint64(src[2:10]))), nil
	case oid.File:
		return oid.FromFile(tag, binary.BigEndian.Uint32(src[2:6]), binary.BigEndian.Uint32(src[6:10])), nil
	case oid.PMem:
		return oid.FromPMem(tag, binary.BigEndian.Uint32(src[2:6]), binary.BigEndian.Uint32(src[6:10])), nil
	default:
		return oid.OID{}, errors.Errorf("bnode: unknown OID medium %d", src[0])
	}
}
