package kernel

// vmalloc.go stands up the vmem arena hierarchy over the kernel heap
// virtual range. The bottommost heap arena lives off a static page of
// boundary tags, because it is created before the heap can allocate; the
// arenas above it import spans from below and draw fresh tags from the
// heap.

import (
	"unsafe"

	"github.com/r9os/r9/internal/mcs"
	"github.com/r9os/r9/internal/mem"
	"github.com/r9os/r9/internal/vmem"
)

// earlyTagCount is the number of boundary tags in the static pool that
// seeds the heap arena.
const earlyTagCount = 102

// lockedArena is an arena behind its own MCS lock, usable as an import
// parent by the arena above it.
type lockedArena struct {
	guarded *mcs.Guarded[*vmem.Arena]
}

func newLockedArena(name string, arena *vmem.Arena) *lockedArena {
	return &lockedArena{guarded: mcs.NewGuarded(name, arena)}
}

// Alloc allocates from the arena under its lock.
func (l *lockedArena) Alloc(size uint64) (uint64, error) {
	var node mcs.LockNode
	arena := *l.guarded.Lock(&node)
	defer l.guarded.Unlock(&node)

	return arena.Alloc(size)
}

// Free frees to the arena under its lock.
func (l *lockedArena) Free(addr uint64) error {
	var node mcs.LockNode
	arena := *l.guarded.Lock(&node)
	defer l.guarded.Unlock(&node)

	return arena.Free(addr)
}

// VmAlloc is the kernel's virtual-address allocator: the heap arena at the
// bottom, a va arena importing from it, and the default arena most
// consumers allocate from.
type VmAlloc struct {
	earlyTags [earlyTagCount]vmem.TagItem

	heapArena *lockedArena
	vaArena   *lockedArena
	kmemArena *lockedArena
}

// NewVmAlloc builds the hierarchy over heapRange, drawing dynamic tag
// storage from heap.
func NewVmAlloc(heapRange mem.VirtRange, heap *Heap) *VmAlloc {
	v := &VmAlloc{}

	tagSource := func(n int) []vmem.TagItem {
		var item vmem.TagItem
		p := heap.Alloc(uintptr(n)*unsafe.Sizeof(item), unsafe.Alignof(item))
		if p == nil {
			return nil
		}
		return unsafe.Slice((*vmem.TagItem)(p), n)
	}

	// The heap arena is the bottom of the hierarchy: static tags, since
	// nothing can allocate yet when it is created.
	v.heapArena = newLockedArena("heap_arena", vmem.NewArena("heap", mem.PageSize4K,
		vmem.WithTagPool(v.earlyTags[:]),
		vmem.WithInitialSpan(vmem.BoundaryFromRange(heapRange.Start, heapRange.End)),
	))

	// The va arena imports from the heap arena, so it can use heap
	// allocations to build its own structures.
	v.vaArena = newLockedArena("kmem_va", vmem.NewArena("kmem_va", mem.PageSize4K,
		vmem.WithParent(v.heapArena),
		vmem.WithTagSource(tagSource),
	))

	// The default arena backs most object allocations.
	v.kmemArena = newLockedArena("kmem_default", vmem.NewArena("kmem_default", mem.PageSize4K,
		vmem.WithParent(v.vaArena),
		vmem.WithTagSource(tagSource),
		vmem.WithQuantumCaches(2),
	))

	return v
}

// Alloc allocates size bytes of kernel virtual address space.
func (v *VmAlloc) Alloc(size uint64) (uint64, error) {
	return v.kmemArena.Alloc(size)
}

// Free returns an allocation made with Alloc.
func (v *VmAlloc) Free(addr uint64) error {
	return v.kmemArena.Free(addr)
}
