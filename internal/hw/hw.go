// Package hw models the slice of hardware the kernel core drives: a window
// of physical memory, the translation-table base register, translation-cache
// maintenance, barriers, the interrupt mask, and a write-only UART.
//
// On a real board these are registers and instructions reached from a thin
// assembly layer; here they are a machine value the rest of the kernel is
// handed at boot, which is also what makes the bring-up path testable
// end-to-end.
package hw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/r9os/r9/internal/mem"
)

// ErrBadAddress is returned for accesses outside the machine's RAM window.
var ErrBadAddress = errors.New("hw: address outside physical memory")

// Machine is one simulated CPU-and-RAM complex. All cores share the one
// RAM window and the one kernel translation base, as they do on hardware.
type Machine struct {
	ramBase mem.PhysAddr
	ram     []byte

	ttbr1 atomic.Uint64

	tlbInvalidations atomic.Uint64
	dataBarriers     atomic.Uint64
	instrBarriers    atomic.Uint64
	intMaskDepth     atomic.Int64
}

// NewMachine creates a machine with size bytes of RAM starting at base.
func NewMachine(base mem.PhysAddr, size uint64) *Machine {
	return &Machine{
		ramBase: base,
		ram:     make([]byte, size),
	}
}

// RAM returns the physical extent of the machine's memory.
func (m *Machine) RAM() mem.PhysRange {
	return mem.PhysRange{Start: m.ramBase, End: m.ramBase.Add(uint64(len(m.ram)))}
}

// Bytes returns the RAM window covering r.
func (m *Machine) Bytes(r mem.PhysRange) ([]byte, error) {
	ram := m.RAM()
	if !ram.Contains(r.Start) || r.End > ram.End || r.End < r.Start {
		return nil, fmt.Errorf("%w: %s", ErrBadAddress, r)
	}
	off := uint64(r.Start - m.ramBase)
	return m.ram[off : off+r.Size()], nil
}

// ReadWord reads the 64-bit word at pa.
func (m *Machine) ReadWord(pa mem.PhysAddr) (uint64, error) {
	b, err := m.Bytes(mem.PhysRange{Start: pa, End: pa.Add(8)})
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteWord writes the 64-bit word at pa with a single store.
func (m *Machine) WriteWord(pa mem.PhysAddr, v uint64) error {
	b, err := m.Bytes(mem.PhysRange{Start: pa, End: pa.Add(8)})
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// ZeroRange clears the bytes of r.
func (m *Machine) ZeroRange(r mem.PhysRange) error {
	b, err := m.Bytes(r)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = 0
	}
	return nil
}

// ScribbleRange poisons the bytes of r with the recognizable free pattern.
func (m *Machine) ScribbleRange(r mem.PhysRange) error {
	b, err := m.Bytes(r)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = mem.ScribbleByte
	}
	return nil
}

// SetTTBR1 publishes the kernel-half root table's physical address to the
// translation-table base register.
func (m *Machine) SetTTBR1(pa mem.PhysAddr) {
	m.ttbr1.Store(uint64(pa))
}

// TTBR1 returns the active kernel-half root table address, zero before any
// root has been installed.
func (m *Machine) TTBR1() mem.PhysAddr {
	return mem.PhysAddr(m.ttbr1.Load())
}

// InvalidateTLB drops every cached translation.
func (m *Machine) InvalidateTLB() {
	m.tlbInvalidations.Add(1)
}

// DSB is a data synchronization barrier.
func (m *Machine) DSB() {
	m.dataBarriers.Add(1)
}

// ISB is an instruction synchronization barrier.
func (m *Machine) ISB() {
	m.instrBarriers.Add(1)
}

// TLBInvalidations returns how many full invalidations have been issued.
func (m *Machine) TLBInvalidations() uint64 {
	return m.tlbInvalidations.Load()
}

// Barriers returns the data and instruction barrier counts.
func (m *Machine) Barriers() (dsb, isb uint64) {
	return m.dataBarriers.Load(), m.instrBarriers.Load()
}

// MaskInterrupts masks interrupts on the current CPU. Calls nest.
func (m *Machine) MaskInterrupts() {
	m.intMaskDepth.Add(1)
}

// UnmaskInterrupts undoes one MaskInterrupts.
func (m *Machine) UnmaskInterrupts() {
	if m.intMaskDepth.Add(-1) < 0 {
		panic("hw: unbalanced UnmaskInterrupts")
	}
}

// InterruptsMasked reports whether interrupts are masked.
func (m *Machine) InterruptsMasked() bool {
	return m.intMaskDepth.Load() > 0
}

// UART is a write-only serial transmitter: the minimal console contract the
// kernel consumes. Driving a real device's flow control belongs to the
// board's driver, not here.
type UART struct {
	out io.Writer
}

// NewUART returns a UART transmitting to out.
func NewUART(out io.Writer) *UART {
	return &UART{out: out}
}

// PutByte transmits one byte.
func (u *UART) PutByte(b byte) {
	if u.out == nil {
		return
	}
	_, _ = u.out.Write([]byte{b})
}
