// Package kernel sequences bring-up: it takes a machine whose loader has
// staged a device-tree blob in memory, and walks it from identity-ish boot
// state to a fully configured virtual-memory environment with working
// allocators.
//
// The ordering in Boot is a contract. Each step depends on everything
// before it: the FDT tells the console and the memory map where to live,
// the page allocator must cover the early pages before the first table is
// built, the kernel map must be active before the rest of RAM is freed,
// and the heap must work before the vmem hierarchy can draw tags from it.
package kernel

import (
	"errors"
	"fmt"

	"github.com/r9os/r9/internal/console"
	"github.com/r9os/r9/internal/fdt"
	"github.com/r9os/r9/internal/hw"
	"github.com/r9os/r9/internal/log"
	"github.com/r9os/r9/internal/mem"
	"github.com/r9os/r9/internal/vm"
)

var (
	// ErrNoMemoryNode is returned when the device tree describes no
	// memory.
	ErrNoMemoryNode = errors.New("kernel: no memory node in device tree")

	// ErrNullGuardMapped is returned when the freshly built kernel map
	// covers the null guard page.
	ErrNullGuardMapped = errors.New("kernel: null guard page is mapped")
)

// Config is what the boot trampoline hands the kernel: the machine, the
// entry format to drive it with, the console UART, and the physical
// address of the device-tree blob.
type Config struct {
	Arch    vm.Arch
	Mach    *hw.Machine
	UART    console.Uart
	DTBAddr mem.PhysAddr
}

// Kernel is the booted core: every subsystem the bring-up produced, ready
// for the rest of the system to use.
type Kernel struct {
	Arch    vm.Arch
	Mach    *hw.Machine
	Cons    *console.Console
	DT      *fdt.DeviceTree
	VM      *vm.VM
	Root    vm.Table
	Pages   *PageAllocator
	Heap    *Heap
	VmAlloc *VmAlloc
	Layout  Layout

	log *log.Logger
}

// Boot runs the bring-up sequence and returns the live kernel. Errors here
// are fatal: there is nothing sensible a caller can do but report them and
// stop.
func Boot(cfg Config) (*Kernel, error) {
	// Exception vectors are installed by the trampoline before Boot
	// runs; the core starts at the device tree.
	dt, dtbRange, err := parseDTB(cfg.Mach, cfg.DTBAddr)
	if err != nil {
		return nil, err
	}

	// Console first, so everything after it can log.
	cons := console.New(cfg.UART)
	logger := log.NewConsoleLogger(cons)

	k := &Kernel{
		Arch: cfg.Arch,
		Mach: cfg.Mach,
		Cons: cons,
		DT:   dt,
		log:  logger,
	}

	cons.PutString("r9 from the Internet\n")
	logger.Info("dtb", "addr", cfg.DTBAddr.String(), "size", dt.Size())

	available, err := k.memoryRange()
	if err != nil {
		return nil, err
	}

	k.Layout = NewLayout(dtbRange, k.mmioWindow())
	k.reportLayout(available)

	// Page allocator, with only the early pages usable.
	k.Pages = NewPageAllocator(cfg.Mach)
	if err := k.Pages.InitEarly(k.Layout.EarlyPages); err != nil {
		return nil, fmt.Errorf("kernel: early pages: %w", err)
	}

	// Kernel page tables, built from early pages, then activated.
	k.VM = vm.New(cfg.Arch, cfg.Mach, k.Pages.AllocPhysPage)
	k.VM.WithLogger(logger)
	if err := k.buildKernelMap(); err != nil {
		return nil, err
	}
	k.VM.Switch(k.Root)

	// With the map active, open up the rest of RAM.
	err = k.Pages.FreeUnusedRanges(available, k.Layout.UsedRanges(), k.Layout.EarlyPages)
	if err != nil {
		return nil, fmt.Errorf("kernel: freeing unused ranges: %w", err)
	}

	// Heap: bump first, then QuickFit takes over the same arena.
	k.Heap = NewHeap()
	k.Heap.EnableQuickFit()

	// Vmem arenas over the kernel heap range, seeded from the static
	// tag page.
	k.VmAlloc = NewVmAlloc(HeapVirtRange(cfg.Arch), k.Heap)

	k.reportUsage()
	return k, nil
}

// parseDTB probes the blob's header in RAM, then parses the full extent.
func parseDTB(mach *hw.Machine, addr mem.PhysAddr) (*fdt.DeviceTree, mem.PhysRange, error) {
	header, err := mach.Bytes(mem.PhysRange{Start: addr, End: addr.Add(fdt.HeaderSize)})
	if err != nil {
		return nil, mem.PhysRange{}, fmt.Errorf("kernel: dtb header: %w", err)
	}

	size, err := fdt.Probe(header)
	if err != nil {
		return nil, mem.PhysRange{}, fmt.Errorf("kernel: dtb probe: %w", err)
	}

	blob, err := mach.Bytes(mem.PhysRange{Start: addr, End: addr.Add(uint64(size))})
	if err != nil {
		return nil, mem.PhysRange{}, fmt.Errorf("kernel: dtb blob: %w", err)
	}

	dt, err := fdt.New(blob)
	if err != nil {
		return nil, mem.PhysRange{}, fmt.Errorf("kernel: dtb parse: %w", err)
	}

	return dt, mem.PhysRangeWithLen(uint64(addr), uint64(size)), nil
}

// memoryRange unions the reg entries of every memory node, clamped to the
// RAM the machine actually has.
func (k *Kernel) memoryRange() (mem.PhysRange, error) {
	var total mem.PhysRange
	found := false

	nodes := k.DT.Nodes()
	for {
		n, ok := nodes.Next()
		if !ok {
			break
		}
		p, ok := k.DT.Property(n, "device_type")
		if !ok {
			continue
		}
		if value, ok := k.DT.PropertyValueBytes(p); !ok || string(value) != "memory\x00" {
			continue
		}

		regs := k.DT.RegIter(n)
		for {
			r, ok := regs.Next()
			if !ok {
				break
			}
			if !r.HasLen {
				continue
			}
			pr := mem.PhysRangeWithLen(r.Addr, r.Len)
			if !found {
				total = pr
				found = true
			} else {
				total = total.Union(pr)
			}
		}
	}

	if !found {
		return mem.PhysRange{}, ErrNoMemoryNode
	}

	// The machine cannot hand out pages it does not have, whatever the
	// tree claims.
	ram := k.Mach.RAM()
	if total.End > ram.End {
		total.End = ram.End
	}
	if total.Start < ram.Start {
		total.Start = ram.Start
	}
	return total, nil
}

// mmioWindow unions the parent-bus windows of the soc bus ranges. A tree
// without a soc bus gets no MMIO mapping.
func (k *Kernel) mmioWindow() mem.PhysRange {
	soc, ok := k.DT.FindByPath("/soc")
	if !ok {
		return mem.PhysRange{}
	}

	var window mem.PhysRange
	found := false

	ranges := k.DT.RangeIter(soc)
	for {
		r, ok := ranges.Next()
		if !ok {
			break
		}
		if r.Identity {
			continue
		}
		pr := mem.PhysRangeWithLen(r.Mapping.ParentBusAddr, r.Mapping.Len)
		if !found {
			window = pr
			found = true
		} else {
			window = window.Union(pr)
		}
	}
	return window
}

// buildKernelMap constructs and populates the kernel root table: the DTB
// read-only in 4KiB pages, the image sections in 2MiB blocks, and the MMIO
// window as device memory. Entries are mapped in ascending physical order.
// The page below the kernel half's first mapping stays unmapped to catch
// null dereferences through a stray KZERO pointer.
func (k *Kernel) buildKernelMap() error {
	root, err := k.VM.NewTable()
	if err != nil {
		return fmt.Errorf("kernel: root table: %w", err)
	}
	k.Root = root
	k.VM.SetRecursiveEntry(root)

	type region struct {
		name  string
		r     mem.PhysRange
		entry vm.Entry
		ps    vm.PageSize
	}

	regions := []region{
		{"dtb", k.Layout.DTB, vm.ROKernelData(k.Arch), vm.Page4K},
		{"text", k.Layout.Text, vm.ROKernelText(k.Arch), vm.Page2M},
		{"rodata", k.Layout.Rodata, vm.ROKernelData(k.Arch), vm.Page2M},
		{"data", k.Layout.Bss.Union(k.Layout.EarlyPages), vm.RWKernelData(k.Arch), vm.Page2M},
		{"mmio", k.Layout.MMIO, vm.ROKernelDevice(k.Arch), vm.Page2M},
	}

	// Sort by ascending physical start.
	for i := 1; i < len(regions); i++ {
		for j := i; j > 0 && regions[j].r.Start < regions[j-1].r.Start; j-- {
			regions[j], regions[j-1] = regions[j-1], regions[j]
		}
	}

	k.log.Info("memory map")
	for _, reg := range regions {
		if reg.r.Size() == 0 {
			continue
		}
		va, err := k.VM.MapPhysRange(root, reg.r, reg.entry, reg.ps)
		if err != nil {
			return fmt.Errorf("kernel: mapping %s %s: %w", reg.name, reg.r, err)
		}
		k.log.Info("mapped",
			"region", reg.name,
			"phys", reg.r.String(),
			"virt", va.String(),
			"pagesize", reg.ps.String(),
		)
	}

	// The null guard: a KZERO-relative null pointer must fault.
	if _, err := k.VM.Translate(root, k.Arch.KZero()); err == nil {
		return ErrNullGuardMapped
	}

	return nil
}

func (k *Kernel) reportLayout(available mem.PhysRange) {
	k.log.Info("binary sections")
	k.log.Info("section", "name", "text", "range", k.Layout.Text.String())
	k.log.Info("section", "name", "rodata", "range", k.Layout.Rodata.String())
	k.log.Info("section", "name", "bss", "range", k.Layout.Bss.String())
	k.log.Info("section", "name", "earlypages", "range", k.Layout.EarlyPages.String())
	k.log.Info("physical memory", "available", available.String(), "mmio", k.Layout.MMIO.String())
}

func (k *Kernel) reportUsage() {
	used, total := k.Pages.UsageBytes()
	k.log.Info("memory usage",
		"used", fmt.Sprintf("%#x", used),
		"total", fmt.Sprintf("%#x", total),
	)
}

// DumpPageTables logs the active tree, for inspection from the front end.
func (k *Kernel) DumpPageTables() {
	k.VM.DumpTables(k.Root)
}
