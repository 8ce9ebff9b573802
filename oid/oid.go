// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package oid implements the Object Identifier, a tagged address that
// refers to a node either by its volatile heap pointer or by a
// (offset, size) byte range in a file or persistent-memory backing
// store.
//
// An OID carries enough information for the cache to fetch the object
// it names without any further metadata: the medium selects which
// payload field is meaningful, the type tag selects how the payload
// should be deserialized.
package oid

import "fmt"

// Medium discriminates where the object an OID names actually lives.
type Medium uint8

const (
	// Volatile OIDs name an object that only ever exists in this
	// process's heap; they are never durable.
	Volatile Medium = iota
	// File OIDs name a byte range inside an append-only block file.
	File
	// PMem OIDs name a byte range inside an mmap'd persistent-memory
	// region.
	PMem
)

func (m Medium) String() string {
	switch m {
	case Volatile:
		return "volatile"
	case File:
		return "file"
	case PMem:
		return "pmem"
	default:
		return fmt.Sprintf("medium(%d)", uint8(m))
	}
}

// TypeTag identifies the node shape an OID's payload deserializes to.
// It is authoritative for dispatch at deserialization time: a mismatch
// between the tag recorded here and the tag found in the serialized
// bytes is a fatal, not a recoverable, condition.
type TypeTag uint8

const (
	// Data identifies a leaf node.
	Data TypeTag = iota
	// Pivot identifies an internal node.
	Pivot
)

func (t TypeTag) String() string {
	switch t {
	case Data:
		return "data"
	case Pivot:
		return "pivot"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// OID is a value type: copyable, comparable with ==, and usable
// directly as a map key. Two OIDs are equal iff their medium, type
// tag, and medium-specific payload all match; comparing OIDs across
// media always yields inequality even if the numeric payloads happen
// to coincide.
type OID struct {
	medium Medium
	tag    TypeTag

	// volatilePtr is meaningful only when medium == Volatile. It is an
	// explicit integer field rather than an unsafe.Pointer: the OID is
	// a plain, comparable value and must never be the sole owner of a
	// live pointer the garbage collector needs to track.
	volatilePtr uintptr

	// offset/size are meaningful only when medium == File or PMem.
	offset uint32
	size   uint32
}

// FromVolatile builds an OID addressing an in-memory-only resident,
// identified by the heap address of the node and its type tag.
func FromVolatile(tag TypeTag, ptr uintptr) OID {
	return OID{medium: Volatile, tag: tag, volatilePtr: ptr}
}

// FromFile builds an OID addressing a byte range in the block file
// backing store.
func FromFile(tag TypeTag, offset, size uint32) OID {
	return OID{medium: File, tag: tag, offset: offset, size: size}
}

// FromPMem builds an OID addressing a byte range in the persistent
// memory mapping.
func FromPMem(tag TypeTag, offset, size uint32) OID {
	return OID{medium: PMem, tag: tag, offset: offset, size: size}
}

// Medium reports which backing medium this OID refers to.
func (o OID) Medium() Medium { return o.medium }

// Tag reports the node shape this OID's payload deserializes to.
func (o OID) Tag() TypeTag { return o.tag }

// VolatilePointer returns the raw heap address. Only meaningful when
// Medium() == Volatile.
func (o OID) VolatilePointer() uintptr { return o.volatilePtr }

// OffsetSize returns the byte range this OID names. Only meaningful
// when Medium() is File or PMem.
func (o OID) OffsetSize() (offset, size uint32) { return o.offset, o.size }

// IsZero reports whether o is the zero value (no node created yet).
func (o OID) IsZero() bool { return o == OID{} }

// String renders a short, debug-friendly form: "V:<hexptr>/<tag>",
// "F:<off>:<size>/<tag>", "P:<off>:<size>/<tag>".
func (o OID) String() string {
	switch o.medium {
	case Volatile:
		return fmt.Sprintf("V:%x/%s", o.volatilePtr, o.tag)
	case File:
		return fmt.Sprintf("F:%d:%d/%s", o.offset, o.size, o.tag)
	case PMem:
		return fmt.Sprintf("P:%d:%d/%s", o.offset, o.size, o.tag)
	default:
		return fmt.Sprintf("?:%d/%s", o.medium, o.tag)
	}
}
