package vm

// arch_amd64.go encodes x86-64 4-level paging entries. Large pages set PS;
// a non-terminal entry with PS clear points at the next table. The
// cacheability class maps onto PCD|PWT, execute-never onto NX.

import "github.com/r9os/r9/internal/mem"

// AMD64 is the x86-64 translation-table format.
var AMD64 Arch = amd64{}

type amd64 struct{}

const (
	x86Present   = 1 << 0
	x86Write     = 1 << 1
	x86User      = 1 << 2
	x86PWT       = 1 << 3
	x86PCD       = 1 << 4
	x86Accessed  = 1 << 5
	x86Dirty     = 1 << 6
	x86PageSize  = 1 << 7
	x86AddrMask  = uint64(0x000f_ffff_ffff_f000)
	x86NoExecute = uint64(1) << 63
)

func (amd64) Name() string { return "amd64" }

func (amd64) KZero() uint64 { return 0xffff_8000_0000_0000 }

func (amd64) Encode(f Fields) Entry {
	var e uint64
	if f.Valid {
		e |= x86Present
	}
	switch f.Access {
	case AccessPrivRW:
		e |= x86Write
	case AccessAllRW:
		e |= x86Write | x86User
	case AccessAllRO:
		e |= x86User
	}
	if f.Cache == CacheDevice {
		e |= x86PCD | x86PWT
	}
	if f.Accessed {
		e |= x86Accessed
	}
	if f.Dirty {
		e |= x86Dirty
	}
	e |= uint64(f.Frame) & x86AddrMask
	if f.NoExecPriv && f.NoExecUser {
		e |= x86NoExecute
	}
	return Entry(e)
}

func (amd64) Decode(e Entry) Fields {
	bits := uint64(e)
	f := Fields{
		Valid:       bits&x86Present != 0,
		PageOrTable: bits&x86Present != 0 && bits&x86PageSize == 0,
		Frame:       mem.PhysAddr(bits & x86AddrMask),
		Accessed:    bits&x86Accessed != 0,
		Dirty:       bits&x86Dirty != 0,
	}

	switch {
	case bits&x86Write != 0 && bits&x86User != 0:
		f.Access = AccessAllRW
	case bits&x86Write != 0:
		f.Access = AccessPrivRW
	case bits&x86User != 0:
		f.Access = AccessAllRO
	default:
		f.Access = AccessPrivRO
	}
	if bits&x86PCD != 0 {
		f.Cache = CacheDevice
	}
	if bits&x86NoExecute != 0 {
		f.NoExecUser, f.NoExecPriv = true, true
	}
	return f
}

func (amd64) IsTable(e Entry, level Level) bool {
	bits := uint64(e)
	return bits&x86Present != 0 && bits&x86PageSize == 0 && level != Level3
}

func (amd64) TerminalEntry(e Entry, ps PageSize) Entry {
	// 2MiB and 1GiB mappings set PS; at the last level the bit is PAT
	// and stays clear.
	if ps == Page4K {
		return e &^ x86PageSize
	}
	return e | x86PageSize
}
