// Package quickfit implements the QuickFit allocator for small objects over
// a bump region. It is the kernel's heap: power-of-two free lists for the
// common sizes, a first-fit misc list for everything else, and the bump
// region as the tail from which fresh memory is carved.
//
// Reference:
//
// Charles B. Weinstock and William A. Wulf. 1988. Quick Fit: An Efficient
// Algorithm for Heap Storage Allocation. ACM SIGPLAN Notices 23, 10
// (Oct. 1988), 141-148. https://doi.org/10.1145/51607.51619
package quickfit

import (
	"math/bits"
	"unsafe"

	"github.com/r9os/r9/internal/bump"
)

const (
	allocUnitShift = 6

	// MinAlloc is the smallest block size the heap hands out. Anything
	// smaller is rounded up, which guarantees every block can hold a
	// header when it is freed.
	MinAlloc = 1 << allocUnitShift

	maxQuickShift = 14

	// MaxQuick is the largest size served from the quick lists. Larger
	// requests take the misc path.
	MaxQuick = 1 << maxQuickShift

	numQLists      = maxQuickShift - allocUnitShift + 1
	numHashBuckets = 31 // Prime.
)

// header links a block into one of the free lists and records its layout.
// For misc blocks the header lives outside the block it describes and is
// found through the allocated-misc hash; for quick blocks it is written into
// the free block itself, where size and alignment are redundant but
// convenient. Links are block addresses, not Go pointers: every block lives
// inside the pinned bump arena.
type header struct {
	next  uintptr // next header in the list, or 0
	addr  uintptr // address of the block this header describes
	size  uintptr
	align uintptr
}

func headerAt(addr uintptr) *header {
	return (*header)(unsafe.Pointer(addr))
}

// QuickFit is the allocator: the bump tail, the quick lists, the misc free
// list, and the hash of headers for currently-allocated misc blocks.
type QuickFit struct {
	tail          *bump.Bump
	qlists        [numQLists]uintptr
	misc          uintptr
	allocatedMisc [numHashBuckets]uintptr
}

// New constructs a QuickFit drawing fresh memory from tail.
func New(tail *bump.Bump) *QuickFit {
	return &QuickFit{tail: tail}
}

// adjust rounds a request so that quick-list blocks are appropriately sized
// and aligned: sizes up to MaxQuick become the next power of two at least
// MinAlloc, with the alignment raised to match. Larger requests pass
// through unchanged.
func adjust(size, align uintptr) (uintptr, uintptr) {
	if size > MaxQuick {
		return size, align
	}
	if size < MinAlloc {
		size = MinAlloc
	} else {
		size = uintptr(1) << uintptr(bits.Len64(uint64(size-1)))
	}
	if align < size {
		align = size
	}
	return size, align
}

// Malloc allocates a block of the requested size and alignment, or returns
// nil if the heap is exhausted.
func (q *QuickFit) Malloc(size, align uintptr) unsafe.Pointer {
	size, align = adjust(size, align)
	if p := q.allocQuick(size, align); p != 0 {
		return unsafe.Pointer(p)
	}
	if p := q.allocTail(size, align); p != 0 {
		return unsafe.Pointer(p)
	}
	return nil
}

// allocQuick serves a request from an existing list: the quick list for the
// size if it qualifies, the misc list otherwise.
func (q *QuickFit) allocQuick(size, align uintptr) uintptr {
	if size <= MaxQuick && align == size {
		k := qlistIndex(size)
		node, list := unlink(q.qlists[k], func(*header) bool { return true })
		q.qlists[k] = list
		if node == 0 {
			return 0
		}
		return headerAt(node).addr
	}
	return q.allocMisc(size, align)
}

// allocMisc first-fit scans the misc list. A successful allocation moves the
// block's header onto its hash chain so Free can recover the layout later.
func (q *QuickFit) allocMisc(size, align uintptr) uintptr {
	node, list := unlink(q.misc, func(h *header) bool {
		return size <= h.size && align <= h.align
	})
	q.misc = list
	if node == 0 {
		return 0
	}
	h := headerAt(node)
	k := hash(h.addr)
	h.next = q.allocatedMisc[k]
	q.allocatedMisc[k] = node
	return h.addr
}

// allocTail carves an aligned block from the bump region. The alignment
// prefix is not wasted: it is broken into power-of-two pieces and pushed
// onto the quick lists.
func (q *QuickFit) allocTail(size, align uintptr) uintptr {
	prefix, block, err := q.tail.Alloc(size, align)
	if err != nil {
		return 0
	}
	q.freePrefix(prefix)
	return block.Addr()
}

// freePrefix recycles a tail-allocation prefix into the quick lists.
func (q *QuickFit) freePrefix(prefix bump.Block) {
	prefix = alignPrefix(prefix)
	for {
		rest, ok := q.tryFreePrefix(prefix)
		if !ok {
			return
		}
		prefix = rest
	}
}

// alignPrefix discards the bytes before the first MinAlloc boundary; blocks
// below that size cannot be linked into any list.
func alignPrefix(prefix bump.Block) bump.Block {
	offset := (MinAlloc - prefix.Addr()%MinAlloc) % MinAlloc
	if offset > prefix.Len() {
		offset = prefix.Len()
	}
	_, rest, _ := prefix.SplitAt(offset)
	return rest
}

// tryFreePrefix frees the largest suitably-aligned power-of-two piece at the
// front of the prefix and returns the remainder, if that remainder is still
// usable.
func (q *QuickFit) tryFreePrefix(prefix bump.Block) (bump.Block, bool) {
	for k := numQLists - 1; k >= 0; k-- {
		size := uintptr(1) << (k + allocUnitShift)
		if prefix.Len() >= size && prefix.Addr()%size == 0 {
			_, rest, ok := prefix.SplitAt(size)
			if !ok {
				return bump.Block{}, false
			}
			q.Free(prefix.Ptr(), size, size)
			if rest.Len() >= MinAlloc {
				return rest, true
			}
			return bump.Block{}, false
		}
	}
	return bump.Block{}, false
}

// Realloc resizes a block. If the rounded size and alignment are unchanged
// the existing pointer is returned; otherwise a new block is allocated, the
// contents copied, and the old block freed. A shrink below the rounded size
// still reallocates, because the layout is what finds the right quick list
// again on free.
func (q *QuickFit) Realloc(block unsafe.Pointer, size, align, newSize uintptr) unsafe.Pointer {
	if block == nil {
		return q.Malloc(newSize, align)
	}
	adjSize, adjAlign := adjust(newSize, align)
	oldSize, oldAlign := adjust(size, align)
	if adjSize == oldSize && adjAlign == oldAlign {
		return block
	}
	np := q.Malloc(newSize, align)
	if np != nil {
		n := size
		if newSize < n {
			n = newSize
		}
		copy(unsafe.Slice((*byte)(np), n), unsafe.Slice((*byte)(block), n))
		q.Free(block, size, align)
	}
	return np
}

// Free returns a block of the given layout to the heap: to its quick list
// when the layout qualifies, to the misc list otherwise. Double-freeing a
// misc block is not detected.
func (q *QuickFit) Free(block unsafe.Pointer, size, align uintptr) {
	if block == nil {
		return
	}
	size, align = adjust(size, align)
	if size <= MaxQuick && align == size {
		k := qlistIndex(size)
		addr := uintptr(block)
		*headerAt(addr) = header{next: q.qlists[k], addr: addr, size: size, align: align}
		q.qlists[k] = addr
		return
	}
	q.freeMisc(uintptr(block), size, align)
}

// freeMisc links a block onto the misc free list. If no header exists yet
// (the first free of a block carved straight from the tail), one is
// allocated; if even that fails, the header is carved out of the block being
// freed, which is guaranteed large enough because tiny requests never reach
// the misc path.
func (q *QuickFit) freeMisc(block, size, align uintptr) {
	node := q.unlinkAllocatedMisc(block)
	if node == 0 {
		hblock := uintptr(q.Malloc(unsafe.Sizeof(header{}), MinAlloc))
		if hblock == 0 {
			offset := (MinAlloc - block%MinAlloc) % MinAlloc
			hblock = block + offset
			block = hblock + MinAlloc
			size -= offset + MinAlloc
			align = MinAlloc
		}
		*headerAt(hblock) = header{addr: block, size: size, align: align}
		node = hblock
	}
	h := headerAt(node)
	h.next = q.misc
	q.misc = node
}

// unlinkAllocatedMisc removes and returns the header for block from its hash
// chain, or 0 if the block has never been freed before.
func (q *QuickFit) unlinkAllocatedMisc(block uintptr) uintptr {
	k := hash(block)
	node, list := unlink(q.allocatedMisc[k], func(h *header) bool {
		return h.addr == block
	})
	q.allocatedMisc[k] = list
	return node
}

// unlink removes the first node matching the predicate from the list,
// returning the node (or 0) and the new list head.
func unlink(list uintptr, predicate func(*header) bool) (uintptr, uintptr) {
	var prev uintptr
	for node := list; node != 0; {
		h := headerAt(node)
		if predicate(h) {
			next := h.next
			h.next = 0
			if prev != 0 {
				headerAt(prev).next = next
			} else {
				list = next
			}
			return node, list
		}
		prev = node
		node = h.next
	}
	return 0, list
}

func qlistIndex(size uintptr) int {
	return bits.Len64(uint64(size)) - 1 - allocUnitShift
}

// hash mixes a block address into a bucket index. This is the bit-mixing
// step from Murmur3.
func hash(addr uintptr) int {
	k := uint64(addr)
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	return int((k >> 33) % numHashBuckets)
}
