// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package sharedmem implements the shared memory block used to synchronize
// multiple agents, with atomic, ordering-aware access to its integer
// elements.
//
// A [Buffer] is the Go analogue of a shared array buffer: a fixed-length
// block of bytes, guaranteed to be 8-byte aligned, that several OS threads
// read and write concurrently. All element access goes through the atomic
// accessors in this package ([Load], [Store], [Add], ...), which provide
// sequentially consistent ordering. Plain (non-atomic) access is only safe
// before the buffer has been shared.
//
// Sub-word (8- and 16-bit) operations are implemented as compare-and-swap
// loops on the containing aligned 32-bit word, so they are atomic with
// respect to every other accessor in this package, and never disturb
// neighbouring lanes. The lane arithmetic assumes a little-endian host.
package sharedmem

import (
	"fmt"
	"unsafe"
)

// Buffer is a fixed-length block of shared memory.
//
// The backing allocation is 8-byte aligned, which makes every naturally
// aligned element offset valid for atomic access. A Buffer must be shared
// by reference; copying the struct aliases the same memory.
type Buffer struct {
	// words is the backing allocation. It exists to force 8-byte alignment
	// and to keep the block reachable; all access goes through data.
	words []uint64
	data  []byte
}

// New allocates a zeroed shared buffer of byteLen bytes.
func New(byteLen int) *Buffer {
	if byteLen < 0 {
		panic(fmt.Sprintf("sharedmem: negative buffer length %d", byteLen))
	}
	words := make([]uint64, (byteLen+7)/8)
	b := &Buffer{words: words}
	if byteLen > 0 {
		b.data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), byteLen)
	}
	return b
}

// Len returns the length of the buffer in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the raw backing bytes.
//
// Access through the returned slice is not atomic. It is only safe before
// the buffer is visible to other threads (e.g. test setup), or at points
// where the caller has otherwise established exclusive access.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Addr returns the address of the byte at offset, used as the identity key
// for wait queues. The buffer must be kept reachable (referenced) for as
// long as the returned address is in use.
func (b *Buffer) Addr(offset int) uintptr {
	if offset < 0 || offset >= len(b.data) {
		panic(fmt.Sprintf("sharedmem: address offset %d out of range [0, %d)", offset, len(b.data)))
	}
	return uintptr(unsafe.Pointer(&b.data[offset]))
}

// index validates offset for an element of the given size and returns a
// pointer to its first byte. Violations are programming errors in the
// caller (bounds and alignment are validated at the API boundary above
// this package), so they fail fast.
func (b *Buffer) index(offset, size int) unsafe.Pointer {
	if offset < 0 || size <= 0 || offset+size > len(b.data) {
		panic(fmt.Sprintf("sharedmem: element [%d, %d) out of range [0, %d)", offset, offset+size, len(b.data)))
	}
	if offset%size != 0 {
		panic(fmt.Sprintf("sharedmem: offset %d not aligned to element size %d", offset, size))
	}
	return unsafe.Pointer(&b.data[offset])
}

// narrow returns a pointer to the aligned 32-bit word containing the
// sub-word element at offset, along with the little-endian bit shift of
// the element's lane within that word.
func (b *Buffer) narrow(offset int) (p *uint32, shift uint) {
	word := offset &^ 3
	return (*uint32)(unsafe.Pointer(&b.data[word])), uint(offset&3) * 8
}
