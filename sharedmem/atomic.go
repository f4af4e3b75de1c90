// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package sharedmem

import (
	"sync/atomic"
	"unsafe"
)

// Element is the set of integer element types a shared buffer can be
// viewed as. Floating point and clamped views do not support atomic
// operations.
type Element interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64
}

// IsLockFree reports whether atomic operations on elements of the given
// byte size are lock-free. Every supported size is implemented on top of
// native 32- or 64-bit compare-and-swap, without locks.
func IsLockFree(size int) bool {
	switch size {
	case 1, 2, 4, 8:
		return true
	default:
		return false
	}
}

// Load atomically loads the element at the given byte offset, with
// sequentially consistent ordering. Safe to call concurrently with
// writers.
func Load[E Element](b *Buffer, offset int) E {
	size := int(unsafe.Sizeof(E(0)))
	p := b.index(offset, size)
	switch size {
	case 8:
		return E(atomic.LoadUint64((*uint64)(p)))
	case 4:
		return E(atomic.LoadUint32((*uint32)(p)))
	default:
		wp, shift := b.narrow(offset)
		mask := uint32(1)<<(size*8) - 1
		return E((atomic.LoadUint32(wp) >> shift) & mask)
	}
}

// Store atomically stores v at the given byte offset, with sequentially
// consistent ordering.
func Store[E Element](b *Buffer, offset int, v E) {
	size := int(unsafe.Sizeof(E(0)))
	p := b.index(offset, size)
	switch size {
	case 8:
		atomic.StoreUint64((*uint64)(p), uint64(v))
	case 4:
		atomic.StoreUint32((*uint32)(p), uint32(v))
	default:
		// A sub-word store must not disturb the neighbouring lanes, so it
		// round-trips through a CAS on the containing word.
		update[E](b, offset, func(uint64) uint64 { return uint64(v) })
	}
}

// Add atomically adds v to the element at offset and returns the previous
// value.
func Add[E Element](b *Buffer, offset int, v E) E {
	return update[E](b, offset, func(old uint64) uint64 { return old + uint64(v) })
}

// Sub atomically subtracts v from the element at offset and returns the
// previous value.
func Sub[E Element](b *Buffer, offset int, v E) E {
	return update[E](b, offset, func(old uint64) uint64 { return old - uint64(v) })
}

// And atomically ANDs v into the element at offset and returns the
// previous value.
func And[E Element](b *Buffer, offset int, v E) E {
	return update[E](b, offset, func(old uint64) uint64 { return old & uint64(v) })
}

// Or atomically ORs v into the element at offset and returns the previous
// value.
func Or[E Element](b *Buffer, offset int, v E) E {
	return update[E](b, offset, func(old uint64) uint64 { return old | uint64(v) })
}

// Xor atomically XORs v into the element at offset and returns the
// previous value.
func Xor[E Element](b *Buffer, offset int, v E) E {
	return update[E](b, offset, func(old uint64) uint64 { return old ^ uint64(v) })
}

// Exchange atomically replaces the element at offset with v and returns
// the previous value.
func Exchange[E Element](b *Buffer, offset int, v E) E {
	return update[E](b, offset, func(uint64) uint64 { return uint64(v) })
}

// CompareExchange atomically replaces the element at offset with
// replacement if it currently equals expected. It returns the previous
// value in either case.
func CompareExchange[E Element](b *Buffer, offset int, expected, replacement E) E {
	size := int(unsafe.Sizeof(E(0)))
	p := b.index(offset, size)
	switch size {
	case 8:
		pp := (*uint64)(p)
		for {
			old := atomic.LoadUint64(pp)
			if E(old) != expected {
				return E(old)
			}
			if atomic.CompareAndSwapUint64(pp, old, uint64(replacement)) {
				return E(old)
			}
		}
	case 4:
		pp := (*uint32)(p)
		for {
			old := atomic.LoadUint32(pp)
			if E(old) != expected {
				return E(old)
			}
			if atomic.CompareAndSwapUint32(pp, old, uint32(replacement)) {
				return E(old)
			}
		}
	default:
		wp, shift := b.narrow(offset)
		mask := uint32(1)<<(size*8) - 1
		for {
			w := atomic.LoadUint32(wp)
			lane := (w >> shift) & mask
			if E(lane) != expected {
				return E(lane)
			}
			nw := (w &^ (mask << shift)) | (uint32(replacement)&mask)<<shift
			if atomic.CompareAndSwapUint32(wp, w, nw) {
				return E(lane)
			}
		}
	}
}

// update applies f to the element at offset in a CAS loop and returns the
// previous value. f receives and returns the element's bits widened to
// uint64; excess high bits are discarded.
func update[E Element](b *Buffer, offset int, f func(old uint64) uint64) E {
	size := int(unsafe.Sizeof(E(0)))
	p := b.index(offset, size)
	switch size {
	case 8:
		pp := (*uint64)(p)
		for {
			old := atomic.LoadUint64(pp)
			if atomic.CompareAndSwapUint64(pp, old, f(old)) {
				return E(old)
			}
		}
	case 4:
		pp := (*uint32)(p)
		for {
			old := atomic.LoadUint32(pp)
			if atomic.CompareAndSwapUint32(pp, old, uint32(f(uint64(old)))) {
				return E(old)
			}
		}
	default:
		wp, shift := b.narrow(offset)
		mask := uint64(1)<<(size*8) - 1
		for {
			w := atomic.LoadUint32(wp)
			lane := (uint64(w) >> shift) & mask
			nw := uint32((uint64(w) &^ (mask << shift)) | (f(lane)&mask)<<shift)
			if atomic.CompareAndSwapUint32(wp, w, nw) {
				return E(lane)
			}
		}
	}
}
