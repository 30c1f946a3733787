package bitmapalloc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/r9os/r9/internal/mem"
)

// newTiny returns the 2x2x4-byte allocator used throughout: 32 bits covering
// 128 bytes of physical memory in 4-byte pages.
func newTiny() *BitmapPageAlloc {
	return New(2, 2, 4)
}

func TestNewAllAllocated(t *testing.T) {
	t.Parallel()

	a := newTiny()

	if got := a.bytes(); !bytes.Equal(got, []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Errorf("initial bytes: %#v", got)
	}

	if a.maxBytes() != 128 {
		t.Errorf("max bytes: want 128, got %d", a.maxBytes())
	}
}

func TestMarkAllocatedAndFree(t *testing.T) {
	t.Parallel()

	a := newTiny()

	if err := a.MarkFree(mem.PhysRangeWithEnd(0, 128)); err != nil {
		t.Fatalf("mark free: %v", err)
	}

	// Mark 10 pages allocated.
	if err := a.MarkAllocated(mem.PhysRangeWithEnd(4, 44)); err != nil {
		t.Fatalf("mark allocated: %v", err)
	}
	if got := a.bytes(); !bytes.Equal(got, []byte{0xfe, 0x07, 0x00, 0x00}) {
		t.Errorf("bytes: %#v", got)
	}

	// Free the first two pages again.
	if err := a.MarkFree(mem.PhysRangeWithEnd(0, 8)); err != nil {
		t.Fatalf("mark free: %v", err)
	}
	if got := a.bytes(); !bytes.Equal(got, []byte{0xfc, 0x07, 0x00, 0x00}) {
		t.Errorf("bytes: %#v", got)
	}
}

func TestMarkPastEnd(t *testing.T) {
	t.Parallel()

	a := newTiny()

	if err := a.MarkFree(mem.PhysRangeWithEnd(0, 256)); !errors.Is(err, ErrNotEnoughBitmaps) {
		t.Errorf("want ErrNotEnoughBitmaps, got %v", err)
	}
}

func TestAllocateAndDeallocate(t *testing.T) {
	t.Parallel()

	a := newTiny()

	if err := a.MarkFree(mem.PhysRangeWithEnd(0, 128)); err != nil {
		t.Fatalf("mark free: %v", err)
	}

	if used, total := a.UsageBytes(); used != 0 || total != 128 {
		t.Errorf("usage: want (0, 128), got (%d, %d)", used, total)
	}

	if err := a.MarkAllocated(mem.PhysRangeWithEnd(4, 44)); err != nil {
		t.Fatalf("mark allocated: %v", err)
	}
	if used, total := a.UsageBytes(); used != 40 || total != 128 {
		t.Errorf("usage: want (40, 128), got (%d, %d)", used, total)
	}

	// The next three free pages, in scan order.
	for i, want := range []mem.PhysAddr{0, 44, 48} {
		pa, err := a.Allocate()
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if pa != want {
			t.Errorf("allocate %d: want %d, got %d", i, want, pa)
		}
	}

	// 19 pages remain; exhaust them and expect out-of-space after.
	for i := 0; i < 19; i++ {
		if _, err := a.Allocate(); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}
	if got := a.bytes(); !bytes.Equal(got, []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Errorf("bytes after exhaustion: %#v", got)
	}
	if _, err := a.Allocate(); !errors.Is(err, ErrOutOfSpace) {
		t.Errorf("want ErrOutOfSpace, got %v", err)
	}

	// Deallocate the second page, twice.
	if err := a.Deallocate(4); err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	if got := a.bytes(); !bytes.Equal(got, []byte{0xfd, 0xff, 0xff, 0xff}) {
		t.Errorf("bytes after deallocate: %#v", got)
	}
	if err := a.Deallocate(4); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("double free: want ErrNotAllocated, got %v", err)
	}

	// The freed page is the next one allocated.
	pa, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if pa != 4 {
		t.Errorf("allocate after free: want 4, got %d", pa)
	}
}

func TestDeallocateErrors(t *testing.T) {
	t.Parallel()

	a := newTiny()

	if err := a.Deallocate(4096); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("want ErrOutOfBounds, got %v", err)
	}

	if err := a.Deallocate(5); !errors.Is(err, ErrMisalignedAddr) {
		t.Errorf("want ErrMisalignedAddr, got %v", err)
	}
}

func TestFreeUnusedRanges(t *testing.T) {
	t.Parallel()

	a := newTiny()

	available := mem.PhysRangeWithEnd(0, 96)
	used := []mem.PhysRange{
		mem.PhysRangeWithEnd(8, 16),
		mem.PhysRangeWithEnd(32, 40),
	}

	if err := a.FreeUnusedRanges(available, used); err != nil {
		t.Fatalf("free unused: %v", err)
	}

	// Pages 2..3 and 8..9 stay allocated, as does everything from 96 up
	// (the fence past the new end).
	if got := a.bytes(); !bytes.Equal(got, []byte{0x0c, 0x03, 0x00, 0xff}) {
		t.Errorf("bytes: %#v", got)
	}

	if a.End() != 96 {
		t.Errorf("end: want 96, got %d", a.End())
	}

	used2, total := a.UsageBytes()
	if total != 96 {
		t.Errorf("total: want 96, got %d", total)
	}
	if used2 != 16 {
		t.Errorf("used: want 16, got %d", used2)
	}
}

func TestAllocateScansFromHint(t *testing.T) {
	t.Parallel()

	a := newTiny()

	if err := a.MarkFree(mem.PhysRangeWithEnd(0, 128)); err != nil {
		t.Fatalf("mark free: %v", err)
	}

	// Allocate everything up to half way, then free one early page; the
	// hint makes the next allocation return it immediately.
	for i := 0; i < 16; i++ {
		if _, err := a.Allocate(); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}
	if err := a.Deallocate(8); err != nil {
		t.Fatalf("deallocate: %v", err)
	}

	pa, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if pa != 8 {
		t.Errorf("hint ignored: want 8, got %d", pa)
	}
}

func TestIndicesRoundTrip(t *testing.T) {
	t.Parallel()

	a := New(2, 4096, 4096)
	perBitmap := a.bytesPerBitmap()

	tests := []struct {
		pa      mem.PhysAddr
		bitmap  int
		byteIdx int
		bit     int
	}{
		{0, 0, 0, 0},
		{4096, 0, 0, 1},
		{8192, 0, 0, 2},
		{4096 * 8, 0, 1, 0},
		{4096 * 9, 0, 1, 1},
		{mem.PhysAddr(perBitmap), 1, 0, 0},
		{mem.PhysAddr(perBitmap + 4096*9), 1, 1, 1},
	}

	for _, tc := range tests {
		bm, by, bit := a.physaddrAsIndices(tc.pa)
		if bm != tc.bitmap || by != tc.byteIdx || bit != tc.bit {
			t.Errorf("indices(%s): want (%d, %d, %d), got (%d, %d, %d)",
				tc.pa, tc.bitmap, tc.byteIdx, tc.bit, bm, by, bit)
		}

		if pa := a.indicesAsPhysaddr(tc.bitmap, tc.byteIdx, tc.bit); pa != tc.pa {
			t.Errorf("physaddr(%d, %d, %d): want %s, got %s",
				tc.bitmap, tc.byteIdx, tc.bit, tc.pa, pa)
		}
	}
}
