package kernel

// heap.go is the kernel heap: a bump region for the earliest allocations,
// handed over to the QuickFit allocator once bring-up is far enough along
// for frees to matter. The handoff keeps the same backing arena, so early
// bump allocations stay valid forever (they are permanent anyway).

import (
	"unsafe"

	"github.com/r9os/r9/internal/bump"
	"github.com/r9os/r9/internal/mcs"
	"github.com/r9os/r9/internal/quickfit"
)

// heapSize is the fixed size of the kernel heap arena.
const heapSize = 4 << 20

// heapState is what the heap lock protects: the tail region and, once
// enabled, the QuickFit over it.
type heapState struct {
	tail  *bump.Bump
	quick *quickfit.QuickFit
}

// Heap is the process-wide kernel allocator.
type Heap struct {
	arena   []byte
	guarded *mcs.Guarded[heapState]
}

// NewHeap creates a heap in bump mode over a fresh arena.
func NewHeap() *Heap {
	arena := make([]byte, heapSize+quickfit.MaxQuick)
	off := 0
	for uintptr(unsafe.Pointer(&arena[off]))%quickfit.MaxQuick != 0 {
		off++
	}
	tail := bump.New(bump.BlockFromSlice(arena[off:off+heapSize]), quickfit.MaxQuick)

	return &Heap{
		arena:   arena,
		guarded: mcs.NewGuarded("heap", heapState{tail: tail}),
	}
}

// EnableQuickFit switches the heap from the bump region to QuickFit.
// Deallocation becomes available from this point on.
func (h *Heap) EnableQuickFit() {
	var node mcs.LockNode
	state := h.guarded.Lock(&node)
	defer h.guarded.Unlock(&node)

	if state.quick == nil {
		state.quick = quickfit.New(state.tail)
	}
}

// Alloc allocates size bytes at the given alignment, or returns nil when
// the heap is exhausted.
func (h *Heap) Alloc(size, align uintptr) unsafe.Pointer {
	var node mcs.LockNode
	state := h.guarded.Lock(&node)
	defer h.guarded.Unlock(&node)

	if state.quick != nil {
		return state.quick.Malloc(size, align)
	}

	_, block, err := state.tail.Alloc(size, align)
	if err != nil {
		return nil
	}
	return block.Ptr()
}

// Free returns a block of the given layout. Freeing a bump-mode allocation
// is a fatal error, as it always was.
func (h *Heap) Free(p unsafe.Pointer, size, align uintptr) {
	var node mcs.LockNode
	state := h.guarded.Lock(&node)
	defer h.guarded.Unlock(&node)

	if state.quick == nil {
		panic("kernel: free before the heap supports it")
	}
	state.quick.Free(p, size, align)
}

// Realloc resizes a block under the standard realloc contract.
func (h *Heap) Realloc(p unsafe.Pointer, size, align, newSize uintptr) unsafe.Pointer {
	var node mcs.LockNode
	state := h.guarded.Lock(&node)
	defer h.guarded.Unlock(&node)

	if state.quick == nil {
		panic("kernel: realloc before the heap supports it")
	}
	return state.quick.Realloc(p, size, align, newSize)
}
