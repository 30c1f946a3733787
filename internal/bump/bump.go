// Package bump implements a monotonic region allocator over a fixed byte
// buffer. It backs the earliest allocations in the kernel, before the page
// allocator or the heap exist. Nothing allocated from it is ever freed.
package bump

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrExhausted is returned when the region cannot satisfy a request.
	ErrExhausted = errors.New("bump: region exhausted")

	// ErrBadAlign is returned when the requested alignment exceeds the
	// region's configured maximum, or is not a power of two.
	ErrBadAlign = errors.New("bump: unsupported alignment")
)

// Block describes an owned region of memory by address and length, the
// allocator's analogue of a mutable byte slice.
type Block struct {
	ptr unsafe.Pointer
	len uintptr
}

// BlockFromSlice builds a Block over the bytes of b.
func BlockFromSlice(b []byte) Block {
	if len(b) == 0 {
		return Block{}
	}
	return Block{ptr: unsafe.Pointer(&b[0]), len: uintptr(len(b))}
}

// Ptr returns the address of the first byte of the block.
func (b Block) Ptr() unsafe.Pointer { return b.ptr }

// Addr returns the block's address as an integer.
func (b Block) Addr() uintptr { return uintptr(b.ptr) }

// Len returns the length of the block in bytes.
func (b Block) Len() uintptr { return b.len }

// SplitAt splits the block into [0, offset) and [offset, len).
func (b Block) SplitAt(offset uintptr) (Block, Block, bool) {
	if offset > b.len {
		return Block{}, Block{}, false
	}
	lo := Block{ptr: b.ptr, len: offset}
	hi := Block{ptr: unsafe.Add(b.ptr, offset), len: b.len - offset}
	return lo, hi, true
}

// Bump owns an arena and a cursor separating allocated from unallocated
// bytes. The cursor only ever advances; Deallocate panics.
type Bump struct {
	arena    Block
	maxAlign uintptr
	cursor   atomic.Uintptr
}

// New creates a bump allocator over the given arena. maxAlign bounds the
// alignment a request may ask for and must be a power of two. The arena
// itself should be aligned at least that strongly; the allocator only
// guarantees alignments it can derive from the arena's own address.
func New(arena Block, maxAlign uintptr) *Bump {
	if maxAlign == 0 || maxAlign&(maxAlign-1) != 0 {
		panic("bump: maxAlign is not a power of two")
	}
	return &Bump{arena: arena, maxAlign: maxAlign}
}

// Remaining returns the number of unallocated bytes left in the arena.
func (b *Bump) Remaining() uintptr {
	return b.arena.len - b.cursor.Load()
}

// Alloc reserves size bytes at the next cursor position aligned to align.
// It returns the alignment prefix (the skipped bytes between the old cursor
// and the aligned block, possibly empty) and the block itself. The prefix is
// returned rather than discarded so a caller with free lists can recycle it.
func (b *Bump) Alloc(size, align uintptr) (prefix, block Block, err error) {
	if align == 0 || align&(align-1) != 0 || align > b.maxAlign {
		return Block{}, Block{}, ErrBadAlign
	}

	var first unsafe.Pointer
	var adjust uintptr
	for {
		current := b.cursor.Load()
		first = unsafe.Add(b.arena.ptr, current)
		adjust = (align - uintptr(first)%align) % align

		next := current + adjust + size
		if next > b.arena.len {
			return Block{}, Block{}, ErrExhausted
		}
		if b.cursor.CompareAndSwap(current, next) {
			break
		}
	}

	prefix = Block{ptr: first, len: adjust}
	block = Block{ptr: unsafe.Add(first, adjust), len: size}
	return prefix, block, nil
}

// Deallocate is unsupported: the region is single-phase. Callers hand the
// arena over to a real allocator instead of freeing.
func (b *Bump) Deallocate(Block) {
	panic("bump: deallocate from a bump region")
}
