package kernel

// kmem.go describes where the kernel image and its statically reserved
// regions sit in physical memory. On hardware these bounds come from the
// linker script; here they are fixed constants of the machine image the
// boot loader stages.

import (
	"github.com/r9os/r9/internal/mem"
	"github.com/r9os/r9/internal/vm"
)

const (
	// kernelBase is the physical load address of the kernel image. It
	// sits on a 2MiB boundary so the block mappings of the image never
	// reach down to the first page, which stays unmapped as the null
	// guard.
	kernelBase = 0x20_0000

	textSize   = 0x20_0000
	rodataSize = 0x20_0000
	bssSize    = 0x1c_0000

	// earlyPageCount is the number of statically reserved pages available
	// for page tables before the allocator covers all of RAM.
	earlyPageCount = 64

	// heapVirtOffset and heapVirtSize place the kernel heap arena in the
	// higher half, clear of the KZERO direct map of RAM.
	heapVirtOffset = 0x4000_0000
	heapVirtSize   = 0x100_0000
)

// Layout is the physical footprint the bootstrap reserves before the page
// allocator knows about anything else.
type Layout struct {
	Text       mem.PhysRange
	Rodata     mem.PhysRange
	Bss        mem.PhysRange
	EarlyPages mem.PhysRange
	DTB        mem.PhysRange
	MMIO       mem.PhysRange
}

// NewLayout computes the layout for a DTB staged at dtb.
func NewLayout(dtb mem.PhysRange, mmio mem.PhysRange) Layout {
	textStart := mem.PhysAddr(kernelBase)
	textEnd := textStart.Add(textSize)
	rodataEnd := textEnd.Add(rodataSize)
	bssEnd := rodataEnd.Add(bssSize)
	earlyEnd := bssEnd.Add(earlyPageCount * mem.PageSize4K)

	return Layout{
		Text:       mem.PhysRange{Start: textStart, End: textEnd},
		Rodata:     mem.PhysRange{Start: textEnd, End: rodataEnd},
		Bss:        mem.PhysRange{Start: rodataEnd, End: bssEnd},
		EarlyPages: mem.PhysRange{Start: bssEnd, End: earlyEnd},
		DTB:        dtb.Round(mem.PageSize4K),
		MMIO:       mmio,
	}
}

// Image returns the whole kernel image extent, early pages included.
func (l Layout) Image() mem.PhysRange {
	return l.Text.Union(l.Bss).Union(l.EarlyPages)
}

// UsedRanges returns the physical ranges the page allocator must treat as
// occupied once the memory map is final, sorted by start. The first page of
// memory stays reserved as the null guard.
func (l Layout) UsedRanges() []mem.PhysRange {
	used := []mem.PhysRange{
		mem.PhysRangeWithLen(0, mem.PageSize4K),
		l.DTB,
		l.Image(),
	}
	// The DTB is staged below the kernel by the loader; keep the list
	// sorted by start either way.
	for i := 1; i < len(used); i++ {
		for j := i; j > 0 && used[j].Start < used[j-1].Start; j-- {
			used[j], used[j-1] = used[j-1], used[j]
		}
	}
	return used
}

// HeapVirtRange returns the virtual extent the vmem heap arena manages.
func HeapVirtRange(arch vm.Arch) mem.VirtRange {
	return mem.VirtRangeWithLen(arch.KZero()+heapVirtOffset, heapVirtSize)
}
