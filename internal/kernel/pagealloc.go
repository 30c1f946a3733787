package kernel

// pagealloc.go is the interface between the portable bitmap allocator and
// the rest of the kernel.
//
// The allocator is finalized in phases: it is created with every page
// allocated, InitEarly frees only the statically reserved early pages so
// the first page tables can be built, and FreeUnusedRanges opens up the
// rest of RAM once the memory map is final. One allocator serves the whole
// lifetime of the system.

import (
	"github.com/r9os/r9/internal/bitmapalloc"
	"github.com/r9os/r9/internal/hw"
	"github.com/r9os/r9/internal/mcs"
	"github.com/r9os/r9/internal/mem"
	"github.com/r9os/r9/internal/vm"
)

// Bitmap coverage: enough rows for 4GiB of physical memory in 4KiB pages.
const (
	numBitmaps  = 32
	bitmapBytes = 4096
)

// PageAllocator is the process-wide physical page allocator, one bitmap
// behind one lock.
type PageAllocator struct {
	mach    *hw.Machine
	guarded *mcs.Guarded[*bitmapalloc.BitmapPageAlloc]
}

// NewPageAllocator creates the allocator with every page marked allocated.
func NewPageAllocator(mach *hw.Machine) *PageAllocator {
	return &PageAllocator{
		mach:    mach,
		guarded: mcs.NewGuarded("pagealloc", bitmapalloc.New(numBitmaps, bitmapBytes, mem.PageSize4K)),
	}
}

// InitEarly frees only the early-pages pool, leaving everything else
// allocated until the memory map is known.
func (p *PageAllocator) InitEarly(earlyPages mem.PhysRange) error {
	var node mcs.LockNode
	alloc := *p.guarded.Lock(&node)
	defer p.guarded.Unlock(&node)

	return alloc.MarkFree(earlyPages)
}

// FreeUnusedRanges frees every page of available not covered by a used
// range, then re-reserves the early pages: they hold live page tables.
func (p *PageAllocator) FreeUnusedRanges(available mem.PhysRange, used []mem.PhysRange, earlyPages mem.PhysRange) error {
	var node mcs.LockNode
	alloc := *p.guarded.Lock(&node)
	defer p.guarded.Unlock(&node)

	if err := alloc.FreeUnusedRanges(available, used); err != nil {
		return err
	}
	return alloc.MarkAllocated(earlyPages)
}

// AllocPhysPage allocates one physical page. The page is not mapped.
func (p *PageAllocator) AllocPhysPage() (mem.PhysAddr, error) {
	var node mcs.LockNode
	alloc := *p.guarded.Lock(&node)
	defer p.guarded.Unlock(&node)

	return alloc.Allocate()
}

// AllocVirtPage allocates a physical page and maps it into the given tree
// at its KZERO address with the caller's entry template.
func (p *PageAllocator) AllocVirtPage(v *vm.VM, root vm.Table, template vm.Entry) (uint64, error) {
	pa, err := p.AllocPhysPage()
	if err != nil {
		return 0, err
	}

	r := mem.PhysRange{Start: pa, End: pa.Add(mem.PageSize4K)}
	va, err := v.MapPhysRange(root, r, template, vm.Page4K)
	if err != nil {
		// The mapping failed; the page goes straight back.
		p.FreePages([]mem.PhysAddr{pa})
		return 0, err
	}
	return va.Start, nil
}

// FreePages returns pages to the allocator, scribbling each so stale reads
// through a forgotten mapping are recognizable.
func (p *PageAllocator) FreePages(pages []mem.PhysAddr) error {
	var node mcs.LockNode
	alloc := *p.guarded.Lock(&node)
	defer p.guarded.Unlock(&node)

	for _, pa := range pages {
		r := mem.PhysRange{Start: pa, End: pa.Add(mem.PageSize4K)}
		if err := p.mach.ScribbleRange(r); err != nil {
			return err
		}
		if err := alloc.Deallocate(pa); err != nil {
			return err
		}
	}
	return nil
}

// UsageBytes returns (bytes used, total bytes available).
func (p *PageAllocator) UsageBytes() (used, total uint64) {
	var node mcs.LockNode
	alloc := *p.guarded.Lock(&node)
	defer p.guarded.Unlock(&node)

	return alloc.UsageBytes()
}
