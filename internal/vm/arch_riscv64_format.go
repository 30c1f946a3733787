package vm

// arch_riscv64_format.go encodes RISC-V Sv48 page-table entries, including the
// Svpbmt page-based memory types for the cacheability class. A non-leaf
// entry is a valid entry with R, W and X all clear; there is no separate
// table bit.

import "github.com/r9os/r9/internal/mem"

// RiscV64 is the RISC-V Sv48 translation-table format.
var RiscV64 Arch = riscv64{}

type riscv64 struct{}

const (
	rvValid    = 1 << 0
	rvRead     = 1 << 1
	rvWrite    = 1 << 2
	rvExec     = 1 << 3
	rvUser     = 1 << 4
	rvGlobal   = 1 << 5
	rvAccessed = 1 << 6
	rvDirty    = 1 << 7
	rvPPNShift = 10
	rvPPNMask  = uint64(0x3f_ffff_ffff_fc00)
	rvPBMTIO   = uint64(2) << 61
)

func (riscv64) Name() string { return "riscv64" }

func (riscv64) KZero() uint64 { return 0xffff_8000_0000_0000 }

func (riscv64) Encode(f Fields) Entry {
	var e uint64
	if f.Valid {
		e |= rvValid
	}
	e |= (uint64(f.Frame) >> 12 << rvPPNShift) & rvPPNMask

	if f.PageOrTable {
		// A bare valid entry with no permissions is the next-table
		// pointer; leaves are recognized by their permission bits, so
		// terminal mappings never set the page-or-table field here.
		return Entry(e)
	}

	switch f.Access {
	case AccessPrivRW:
		e |= rvRead | rvWrite
	case AccessAllRW:
		e |= rvRead | rvWrite | rvUser
	case AccessPrivRO:
		e |= rvRead
	case AccessAllRO:
		e |= rvRead | rvUser
	}
	if !f.NoExecPriv {
		e |= rvExec
	}
	if f.Accessed {
		e |= rvAccessed
	}
	if f.Dirty {
		e |= rvDirty
	}
	if f.Cache == CacheDevice {
		e |= rvPBMTIO
	}
	return Entry(e)
}

func (riscv64) Decode(e Entry) Fields {
	bits := uint64(e)
	f := Fields{
		Valid:    bits&rvValid != 0,
		Frame:    mem.PhysAddr(bits & rvPPNMask >> rvPPNShift << 12),
		Accessed: bits&rvAccessed != 0,
		Dirty:    bits&rvDirty != 0,
	}

	if bits&(rvRead|rvWrite|rvExec) == 0 {
		f.PageOrTable = bits&rvValid != 0
		return f
	}

	switch {
	case bits&rvWrite != 0 && bits&rvUser != 0:
		f.Access = AccessAllRW
	case bits&rvWrite != 0:
		f.Access = AccessPrivRW
	case bits&rvUser != 0:
		f.Access = AccessAllRO
	default:
		f.Access = AccessPrivRO
	}
	f.NoExecPriv = bits&rvExec == 0
	f.NoExecUser = bits&rvExec == 0 || bits&rvUser == 0
	if bits>>61&0b11 == 2 {
		f.Cache = CacheDevice
	}
	return f
}

func (riscv64) IsTable(e Entry, level Level) bool {
	bits := uint64(e)
	return bits&rvValid != 0 && bits&(rvRead|rvWrite|rvExec) == 0 && level != Level3
}

func (riscv64) TerminalEntry(e Entry, ps PageSize) Entry {
	// Leaves carry their permission bits at every level; nothing to
	// adjust per page size.
	return e
}
