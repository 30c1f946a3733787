package vm

// vm.go has the engine itself: tables, the map operations, activation and
// the software walker. See doc.go for the package overview.

import (
	"errors"
	"fmt"

	"github.com/r9os/r9/internal/hw"
	"github.com/r9os/r9/internal/log"
	"github.com/r9os/r9/internal/mcs"
	"github.com/r9os/r9/internal/mem"
)

var (
	// ErrEntryIsNotTable is returned when a walk expects to descend but
	// finds a large-page mapping.
	ErrEntryIsNotTable = errors.New("vm: entry is not a table")

	// ErrPhysRangeIsZero is returned for a request to map an empty range.
	ErrPhysRangeIsZero = errors.New("vm: physical range is empty")

	// ErrUnableToMap is returned when a mapping cannot be established,
	// usually because a table allocation failed.
	ErrUnableToMap = errors.New("vm: unable to map")

	// ErrNotMapped is returned by Translate for an unmapped address.
	ErrNotMapped = errors.New("vm: address not mapped")
)

// FrameAllocFn allocates one physical frame for a page table. The engine
// zeroes the frame itself, so scribbled pages are fine.
type FrameAllocFn func() (mem.PhysAddr, error)

// Table is one 512-entry translation table resident in physical memory.
type Table struct {
	mach *hw.Machine
	pa   mem.PhysAddr
}

// TableAt returns a handle to the table at pa.
func TableAt(mach *hw.Machine, pa mem.PhysAddr) Table {
	return Table{mach: mach, pa: pa}
}

// Phys returns the table's physical address.
func (t Table) Phys() mem.PhysAddr { return t.pa }

// Entry reads the entry at index i.
func (t Table) Entry(i int) Entry {
	v, err := t.mach.ReadWord(t.pa.Add(uint64(i) * 8))
	if err != nil {
		panic(fmt.Sprintf("vm: table %s walked off RAM: %v", t.pa, err))
	}
	return Entry(v)
}

// SetEntry installs the entry at index i with a single store.
func (t Table) SetEntry(i int, e Entry) {
	if err := t.mach.WriteWord(t.pa.Add(uint64(i)*8), uint64(e)); err != nil {
		panic(fmt.Sprintf("vm: table %s walked off RAM: %v", t.pa, err))
	}
}

// VM drives the translation tables of one machine under one architecture's
// entry format. Table mutation serializes on the engine's lock with
// interrupts masked, since the temporary recursive install below is a
// process-wide modification.
type VM struct {
	arch  Arch
	mach  *hw.Machine
	alloc FrameAllocFn
	lock  *mcs.MCSLock
	log   *log.Logger
}

// New returns an engine for mach using arch's entry format, allocating
// page-table frames with alloc.
func New(arch Arch, mach *hw.Machine, alloc FrameAllocFn) *VM {
	return &VM{
		arch:  arch,
		mach:  mach,
		alloc: alloc,
		lock:  mcs.NewMCSLock("pagetables"),
		log:   log.DefaultLogger(),
	}
}

// Arch returns the architecture the engine encodes entries for.
func (v *VM) Arch() Arch { return v.arch }

// WithLogger routes the engine's diagnostics through the given logger.
func (v *VM) WithLogger(logger *log.Logger) {
	v.log = logger
}

// PhysToVirt returns the kernel-half virtual address of pa under the fixed
// KZERO mapping.
func (v *VM) PhysToVirt(pa mem.PhysAddr) uint64 {
	return uint64(pa) + v.arch.KZero()
}

// VirtToPhys is the inverse of PhysToVirt.
func (v *VM) VirtToPhys(va uint64) mem.PhysAddr {
	return mem.PhysAddr(va - v.arch.KZero())
}

// NewTable allocates and zeroes a table.
func (v *VM) NewTable() (Table, error) {
	pa, err := v.alloc()
	if err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrUnableToMap, err)
	}
	if err := v.mach.ZeroRange(mem.PhysRange{Start: pa, End: pa.Add(Page4K.Size())}); err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrUnableToMap, err)
	}
	return TableAt(v.mach, pa), nil
}

// SetRecursiveEntry installs the root's self-reference in its last slot.
// Every root must carry it before its first map operation.
func (v *VM) SetRecursiveEntry(root Table) {
	root.SetEntry(RecursiveIndex, tableEntry(v.arch, root.pa))
}

// KernelRoot returns the active kernel root table, read back from the
// translation-table base register.
func (v *VM) KernelRoot() Table {
	return TableAt(v.mach, v.mach.TTBR1())
}

// Switch publishes root as the kernel translation root: base-register
// write, full translation-cache invalidation, then data and instruction
// barriers before any use of the new translation.
func (v *VM) Switch(root Table) {
	v.mach.SetTTBR1(root.pa)
	v.mach.InvalidateTLB()
	v.mach.DSB()
	v.mach.ISB()
}

// MapTo ensures va maps to entry at the given page size in the tree rooted
// at root, creating intermediate tables as needed. An existing mapping is
// replaced; an existing large page where a table descent is needed fails
// with ErrEntryIsNotTable.
func (v *VM) MapTo(root Table, entry Entry, va uint64, ps PageSize) error {
	var node mcs.LockNode
	v.mach.MaskInterrupts()
	v.lock.Acquire(&node)
	defer func() {
		v.lock.Release(&node)
		v.mach.UnmaskInterrupts()
	}()

	return v.mapLocked(root, entry, va, ps)
}

func (v *VM) mapLocked(root Table, entry Entry, va uint64, ps PageSize) error {
	// Point the active root's recursive slot at this tree for the
	// duration of the walk, so recursive addressing reaches the tree
	// being mutated even when it is not the installed one. The slot must
	// be returned to its previous value on every exit path. Other CPUs
	// may observe the redirection; the temporary slot still resolves to
	// a valid, consistent tree.
	active := v.KernelRoot()
	if active.pa != 0 && active.pa != root.pa {
		saved := active.Entry(RecursiveIndex)
		active.SetEntry(RecursiveIndex, tableEntry(v.arch, root.pa))
		v.mach.InvalidateTLB()
		defer func() {
			active.SetEntry(RecursiveIndex, saved)
			v.mach.InvalidateTLB()
		}()
	}

	table := root
	terminal := ps.terminalLevel()
	for level := Level0; level < terminal; level++ {
		next, err := v.nextTable(table, level, va)
		if err != nil {
			return err
		}
		table = next
	}

	table.SetEntry(VAIndex(va, terminal), v.arch.TerminalEntry(entry, ps))
	v.mach.InvalidateTLB()
	v.mach.DSB()
	return nil
}

// nextTable returns the table one level below, creating and installing it
// if the slot is empty.
func (v *VM) nextTable(table Table, level Level, va uint64) (Table, error) {
	index := VAIndex(va, level)
	entry := table.Entry(index)

	if !v.arch.Decode(entry).Valid {
		child, err := v.NewTable()
		if err != nil {
			return Table{}, err
		}
		entry = tableEntry(v.arch, child.pa)
		table.SetEntry(index, entry)
		v.mach.DSB()
	}

	if !v.arch.IsTable(entry, level) {
		return Table{}, ErrEntryIsNotTable
	}
	return TableAt(v.mach, v.arch.Decode(entry).Frame), nil
}

// MapPhysRange maps the physical range at its KZERO-derived virtual
// addresses with the given page size, rounding the extremes out to page
// boundaries, and returns the covered virtual extent.
func (v *VM) MapPhysRange(root Table, r mem.PhysRange, entry Entry, ps PageSize) (mem.VirtRange, error) {
	var out mem.VirtRange
	mapped := false

	steps := r.StepsRounded(ps.Size())
	for {
		pa, ok := steps.Next()
		if !ok {
			break
		}
		va := v.PhysToVirt(pa)
		withFrame := v.arch.Encode(v.arch.Decode(entry).WithFrame(pa))
		if err := v.MapTo(root, withFrame, va, ps); err != nil {
			return mem.VirtRange{}, err
		}
		if !mapped {
			out.Start = va
			mapped = true
		}
		out.End = va + ps.Size()
	}

	if !mapped {
		return mem.VirtRange{}, ErrPhysRangeIsZero
	}
	return out, nil
}

// Translate walks the tree rooted at root in software and returns the
// physical address va maps to, honouring large pages.
func (v *VM) Translate(root Table, va uint64) (mem.PhysAddr, error) {
	table := root
	for level := Level0; ; level++ {
		entry := table.Entry(VAIndex(va, level))
		f := v.arch.Decode(entry)
		if !f.Valid {
			return 0, fmt.Errorf("%w: %#x at %v", ErrNotMapped, va, level)
		}
		if v.arch.IsTable(entry, level) {
			table = TableAt(v.mach, f.Frame)
			continue
		}

		// A terminal mapping: everything below this level's index is
		// page offset.
		offMask := uint64(1)<<level.shift() - 1
		return f.Frame.Add(va & offMask), nil
	}
}

// DumpTables logs the tree recursively, synthesizing each child's
// recursive-mapping address from its parent's. The recursive slot is
// skipped to avoid infinite descent.
func (v *VM) DumpTables(root Table) {
	v.log.Info("page tables", "root", root.pa.String())
	v.dumpTableAtLevel(root, Level0, RecursiveTableAddr(0, Level0))
}

func (v *VM) dumpTableAtLevel(t Table, level Level, tableVA uint64) {
	for i := 0; i < entriesPerTable; i++ {
		pte := t.Entry(i)
		f := v.arch.Decode(pte)
		if !f.Valid {
			continue
		}

		isTable := v.arch.IsTable(pte, level)
		v.log.Info("pte",
			"level", level.String(),
			"index", i,
			"entry", f.String(),
			"table", isTable,
		)

		if i != RecursiveIndex && isTable {
			next, _ := level.Next()
			childVA := (tableVA << 9) | (uint64(i) << 12)
			v.dumpTableAtLevel(TableAt(v.mach, f.Frame), next, childVA)
		}
	}
}
