// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bnode

import "encoding/binary"

// Codec encodes and decodes a fixed-width, trivially-copyable value of
// type T to and from a byte slice. The node layer is generic over any
// key or value type as long as a Codec for it exists; this keeps
// bnode free of reflection or unsafe pointer tricks while still
// supporting arbitrary totally-ordered, fixed-width, trivially-copyable
// key/value domains.
//
// No third-party library in the example pack offers generic
// fixed-width codecs for arbitrary user POD types (encoding/binary
// covers fixed-size numeric types but not user structs without
// reflection); Codec is a small stdlib-only abstraction for exactly
// that gap.
type Codec[T any] interface {
	// Size is the fixed number of bytes Encode writes and Decode reads.
	Size() int
	Encode(v T, dst []byte)
	Decode(src []byte) T
}

// Uint64Codec encodes a uint64 key or value in big-endian form.
type Uint64Codec struct{}

func (Uint64Codec) Size() int { return 8 }
func (Uint64Codec) Encode(v uint64, dst []byte) {
	binary.BigEndian.PutUint64(dst, v)
}
func (Uint64Codec) Decode(src []byte) uint64 {
	return binary.BigEndian.Uint64(src)
}

// Int64Codec encodes an int64 key or value, offsetting by the sign bit
// so the big-endian byte order preserves numeric ordering.
type Int64Codec struct{}

func (Int64Codec) Size() int { return 8 }
func (Int64Codec) Encode(v int64, dst []byte) {
	binary.BigEndian.PutUint64(dst, uint64(v)^(1<<63))
}
func (Int64Codec) Decode(src []byte) int64 {
	return int64(binary.BigEndian.Uint64(src) ^ (1 << 63))
}

// Int32Codec encodes an int32 key or value.
type Int32Codec struct{}

func (Int32Codec) Size() int { return 4 }
func (Int32Codec) Encode(v int32, dst []byte) {
	binary.BigEndian.PutUint32(dst, uint32(v)^(1<<31))
}
func (Int32Codec) Decode(src []byte) int32 {
	return int32(binary.BigEndian.Uint32(src) ^ (1 << 31))
}

// FixedBytesCodec encodes an opaque fixed-width byte slice verbatim,
// for POD values the caller has already reinterpreted as bytes.
type FixedBytesCodec struct{ Width int }

func (c FixedBytesCodec) Size() int { return c.Width }

func (c FixedBytesCodec) Encode(v []byte, dst []byte) {
	copy(dst, v)
}

func (c FixedBytesCodec) Decode(src []byte) []byte {
	out := make([]byte, c.Width)
	copy(out, src)
	return out
}
