package vm

// entry.go has the architecture-neutral view of a translation-table entry.
// The bit layout belongs to each Arch; everything else works on Fields.

import (
	"fmt"

	"github.com/r9os/r9/internal/mem"
)

// Entry is one 64-bit translation-table entry, in whatever layout the
// active architecture uses. Entries are built from Fields and written with
// a single store so an install is atomic.
type Entry uint64

// Access is the access-permission field of an entry.
type Access uint8

const (
	AccessPrivRW Access = iota
	AccessAllRW
	AccessPrivRO
	AccessAllRO
)

func (a Access) String() string {
	switch a {
	case AccessPrivRW:
		return "PrivRW"
	case AccessAllRW:
		return "AllRW"
	case AccessPrivRO:
		return "PrivRO"
	default:
		return "AllRO"
	}
}

// Shareability is the shareable field of an entry.
type Shareability uint8

const (
	ShareNone Shareability = iota
	ShareOuter
	ShareInner
	ShareReserved
)

func (s Shareability) String() string {
	switch s {
	case ShareNone:
		return "NonShareable"
	case ShareOuter:
		return "OuterShareable"
	case ShareInner:
		return "InnerShareable"
	default:
		return "ReservedShareable"
	}
}

// CacheClass indexes the architecture's memory-attribute table. The core
// needs exactly two classes.
type CacheClass uint8

const (
	CacheNormal CacheClass = iota
	CacheDevice
)

func (c CacheClass) String() string {
	if c == CacheDevice {
		return "Device"
	}
	return "Normal"
}

// Fields is the semantic content of an entry: what all three architectures
// can express, before encoding.
type Fields struct {
	Valid       bool
	PageOrTable bool // table pointer at non-terminal levels; 4KiB page at the last
	Frame       mem.PhysAddr
	Access      Access
	Share       Shareability
	Accessed    bool
	Dirty       bool
	Cache       CacheClass
	NoExecUser  bool
	NoExecPriv  bool
}

// EmptyFields returns the zeroed template every builder chain starts from.
func EmptyFields() Fields { return Fields{} }

// WithValid returns a copy with the present bit set.
func (f Fields) WithValid(v bool) Fields { f.Valid = v; return f }

// WithPageOrTable returns a copy with the page-or-table bit set.
func (f Fields) WithPageOrTable(v bool) Fields { f.PageOrTable = v; return f }

// WithFrame returns a copy mapping the given physical frame.
func (f Fields) WithFrame(pa mem.PhysAddr) Fields { f.Frame = pa; return f }

// WithAccess returns a copy with the given access permission.
func (f Fields) WithAccess(a Access) Fields { f.Access = a; return f }

// WithShare returns a copy with the given shareability.
func (f Fields) WithShare(s Shareability) Fields { f.Share = s; return f }

// WithAccessed returns a copy with the accessed flag set.
func (f Fields) WithAccessed(v bool) Fields { f.Accessed = v; return f }

// WithDirty returns a copy with the dirty flag set.
func (f Fields) WithDirty(v bool) Fields { f.Dirty = v; return f }

// WithCache returns a copy with the given cacheability class.
func (f Fields) WithCache(c CacheClass) Fields { f.Cache = c; return f }

// WithNoExec returns a copy with both execute-never flags set as given.
func (f Fields) WithNoExec(user, priv bool) Fields {
	f.NoExecUser, f.NoExecPriv = user, priv
	return f
}

func (f Fields) String() string {
	state := "Invalid"
	if f.Valid {
		state = "Valid"
	}
	kind := "Block"
	if f.PageOrTable {
		kind = "Page/Table"
	}
	s := fmt.Sprintf("%s %s %s %s %s %s", f.Frame, state, kind, f.Cache, f.Access, f.Share)
	if f.Accessed {
		s += " Accessed"
	}
	if f.Dirty {
		s += " Dirty"
	}
	if f.NoExecPriv {
		s += " PXN"
	}
	if f.NoExecUser {
		s += " UXN"
	}
	return s
}

// Arch is one instruction-set family's translation-table format, plus the
// constants the engine needs from it.
type Arch interface {
	Name() string

	// KZero is the virtual base of the kernel half: the fixed offset of
	// the bidirectional physical-to-kernel-virtual mapping.
	KZero() uint64

	// Encode builds the entry bits for the fields.
	Encode(Fields) Entry

	// Decode recovers the fields an entry expresses. Field values an
	// architecture cannot represent decode to their zero values.
	Decode(Entry) Fields

	// IsTable reports whether the entry, at the given non-terminal
	// level, points to a next-level table rather than mapping a large
	// page.
	IsTable(Entry, Level) bool

	// TerminalEntry adjusts a template for installation as a terminal
	// mapping of the given page size, setting or clearing whatever the
	// format uses to distinguish pages, blocks and tables.
	TerminalEntry(Entry, PageSize) Entry
}

// Entry templates shared by every consumer of the engine. The templates
// carry no frame; map operations fill it in.

// RWKernelData builds a writable kernel-data entry.
func RWKernelData(a Arch) Entry {
	return a.Encode(EmptyFields().
		WithShare(ShareInner).
		WithAccessed(true).
		WithNoExec(true, true).
		WithCache(CacheNormal).
		WithValid(true))
}

// ROKernelData builds a read-only kernel-data entry.
func ROKernelData(a Arch) Entry {
	return a.Encode(EmptyFields().
		WithAccess(AccessPrivRO).
		WithShare(ShareInner).
		WithAccessed(true).
		WithNoExec(true, true).
		WithCache(CacheNormal).
		WithValid(true))
}

// ROKernelText builds a kernel-text entry: privileged execute stays on.
func ROKernelText(a Arch) Entry {
	return a.Encode(EmptyFields().
		WithAccess(AccessPrivRO).
		WithShare(ShareInner).
		WithAccessed(true).
		WithNoExec(true, false).
		WithCache(CacheNormal).
		WithValid(true))
}

// ROKernelDevice builds a device-register entry: device memory attributes,
// never executable. Register blocks stay privileged read-write; the name
// follows the map table it appears in.
func ROKernelDevice(a Arch) Entry {
	return a.Encode(EmptyFields().
		WithShare(ShareInner).
		WithAccessed(true).
		WithNoExec(true, true).
		WithCache(CacheDevice).
		WithValid(true))
}

// tableEntry builds the entry installing a next-level table at pa. The
// execute-never flags stay clear: in table descriptors they are
// hierarchical controls and would shadow the terminal permissions.
func tableEntry(a Arch, pa mem.PhysAddr) Entry {
	return a.Encode(EmptyFields().
		WithShare(ShareInner).
		WithAccessed(true).
		WithCache(CacheNormal).
		WithValid(true).
		WithPageOrTable(true).
		WithFrame(pa))
}
