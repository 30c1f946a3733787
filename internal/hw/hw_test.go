package hw

import (
	"bytes"
	"errors"
	"testing"

	"github.com/r9os/r9/internal/mem"
)

func TestWordRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewMachine(0x1000, 0x2000)

	if err := m.WriteWord(0x1100, 0xdead_beef_cafe_f00d); err != nil {
		t.Fatalf("write: %v", err)
	}

	v, err := m.ReadWord(0x1100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 0xdead_beef_cafe_f00d {
		t.Errorf("read back %#x", v)
	}
}

func TestOutOfBoundsAccess(t *testing.T) {
	t.Parallel()

	m := NewMachine(0x1000, 0x2000)

	if _, err := m.ReadWord(0x0); !errors.Is(err, ErrBadAddress) {
		t.Errorf("below RAM: %v", err)
	}
	if _, err := m.ReadWord(0x3000); !errors.Is(err, ErrBadAddress) {
		t.Errorf("above RAM: %v", err)
	}
	if err := m.WriteWord(0x2ffc, 1); !errors.Is(err, ErrBadAddress) {
		t.Errorf("straddling the end: %v", err)
	}
}

func TestZeroAndScribble(t *testing.T) {
	t.Parallel()

	m := NewMachine(0, 0x1000)
	r := mem.PhysRangeWithLen(0x100, 0x100)

	if err := m.ScribbleRange(r); err != nil {
		t.Fatalf("scribble: %v", err)
	}
	b, err := m.Bytes(r)
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	for i := range b {
		if b[i] != mem.ScribbleByte {
			t.Fatalf("byte %d not scribbled", i)
		}
	}

	if err := m.ZeroRange(r); err != nil {
		t.Fatalf("zero: %v", err)
	}
	for i := range b {
		if b[i] != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
}

func TestMaintenanceCounters(t *testing.T) {
	t.Parallel()

	m := NewMachine(0, 0x1000)

	m.SetTTBR1(0x4000)
	if m.TTBR1() != 0x4000 {
		t.Errorf("ttbr1: %s", m.TTBR1())
	}

	m.InvalidateTLB()
	m.DSB()
	m.ISB()

	if m.TLBInvalidations() != 1 {
		t.Errorf("tlb invalidations: %d", m.TLBInvalidations())
	}
	if dsb, isb := m.Barriers(); dsb != 1 || isb != 1 {
		t.Errorf("barriers: %d, %d", dsb, isb)
	}
}

func TestInterruptMaskNesting(t *testing.T) {
	t.Parallel()

	m := NewMachine(0, 0x1000)

	m.MaskInterrupts()
	m.MaskInterrupts()
	m.UnmaskInterrupts()

	if !m.InterruptsMasked() {
		t.Error("mask lost after nested unmask")
	}

	m.UnmaskInterrupts()
	if m.InterruptsMasked() {
		t.Error("still masked after balanced unmask")
	}
}

func TestUART(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	u := NewUART(&out)

	for _, b := range []byte("ok") {
		u.PutByte(b)
	}
	if out.String() != "ok" {
		t.Errorf("uart output: %q", out.String())
	}

	// A UART with no sink drops bytes rather than crashing.
	NewUART(nil).PutByte('x')
}
