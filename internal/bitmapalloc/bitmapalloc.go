// Package bitmapalloc implements a simple bitmap page allocator: one bit per
// page, 0 free, 1 allocated.
//
// It makes no allocations of its own, so it can be used while manipulating
// the page tables. The price is that it cannot be resized; instead it is
// created covering its maximum extent with everything marked allocated, and
// reshaped with MarkFree and FreeUnusedRanges as the physical memory map
// becomes known.
package bitmapalloc

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/r9os/r9/internal/mem"
)

var (
	// ErrNotEnoughBitmaps is returned when a range reaches past the
	// allocator's configured extent.
	ErrNotEnoughBitmaps = errors.New("bitmapalloc: not enough bitmaps")

	// ErrOutOfBounds is returned for addresses beyond the allocator's
	// upper bound.
	ErrOutOfBounds = errors.New("bitmapalloc: address out of bounds")

	// ErrMisalignedAddr is returned when an address is not a multiple of
	// the allocation page size.
	ErrMisalignedAddr = errors.New("bitmapalloc: misaligned address")

	// ErrOutOfSpace is returned when no free page remains.
	ErrOutOfSpace = errors.New("bitmapalloc: out of space")

	// ErrNotAllocated is returned when deallocating a page that is not
	// currently allocated.
	ErrNotAllocated = errors.New("bitmapalloc: page not allocated")
)

// bitmap is a fixed row of bits. Bit 0 is logically the rightmost bit of
// byte 0, so dumping the bytes shows each byte's bits reversed.
type bitmap struct {
	bytes []byte
}

func (b *bitmap) isSet(i int) bool {
	return b.bytes[i/8]&(1<<(i%8)) != 0
}

func (b *bitmap) set(i int, v bool) {
	if v {
		b.bytes[i/8] |= 1 << (i % 8)
	} else {
		b.bytes[i/8] &^= 1 << (i % 8)
	}
}

// BitmapPageAlloc allocates pages of size allocPageSize, each represented by
// one bit across a fixed set of bitmaps. end bounds the physical memory
// actually present; everything beyond it is kept marked allocated as a
// fence.
type BitmapPageAlloc struct {
	bitmaps       []bitmap
	bitmapBytes   int
	allocPageSize uint64
	end           mem.PhysAddr
	nextPaToScan  mem.PhysAddr
}

// New creates an allocator of numBitmaps rows of bitmapBytes bytes, each bit
// one page of allocPageSize bytes, with every page marked allocated.
func New(numBitmaps, bitmapBytes int, allocPageSize uint64) *BitmapPageAlloc {
	a := &BitmapPageAlloc{
		bitmaps:       make([]bitmap, numBitmaps),
		bitmapBytes:   bitmapBytes,
		allocPageSize: allocPageSize,
	}
	for i := range a.bitmaps {
		row := make([]byte, bitmapBytes)
		for j := range row {
			row[j] = 0xff
		}
		a.bitmaps[i] = bitmap{bytes: row}
	}
	a.end = mem.PhysAddr(a.maxBytes())
	return a
}

// bytesPerBitmapByte returns the physical bytes one bitmap byte covers.
func (a *BitmapPageAlloc) bytesPerBitmapByte() uint64 {
	return 8 * a.allocPageSize
}

// bytesPerBitmap returns the physical bytes one bitmap row covers.
func (a *BitmapPageAlloc) bytesPerBitmap() uint64 {
	return uint64(a.bitmapBytes) * a.bytesPerBitmapByte()
}

// maxBytes returns the physical bytes covered by all rows.
func (a *BitmapPageAlloc) maxBytes() uint64 {
	return uint64(len(a.bitmaps)) * a.bytesPerBitmap()
}

// End returns the allocator's current upper bound.
func (a *BitmapPageAlloc) End() mem.PhysAddr { return a.end }

// MarkAllocated marks every page intersecting the range as allocated,
// regardless of its previous state.
func (a *BitmapPageAlloc) MarkAllocated(r mem.PhysRange) error {
	return a.markRange(r, true, true)
}

// MarkFree marks every page intersecting the range as free, regardless of
// its previous state.
func (a *BitmapPageAlloc) MarkFree(r mem.PhysRange) error {
	return a.markRange(r, false, true)
}

// FreeUnusedRanges frees every page of available not covered by a used
// range, clamps the allocator's end to available.End, and marks everything
// beyond it allocated as a fence. usedRanges must be sorted by start.
func (a *BitmapPageAlloc) FreeUnusedRanges(available mem.PhysRange, usedRanges []mem.PhysRange) error {
	nextStart := available.Start
	for _, r := range usedRanges {
		if nextStart < r.Start {
			if err := a.MarkFree(mem.PhysRange{Start: nextStart, End: r.Start}); err != nil {
				return err
			}
		}
		if nextStart < r.End {
			nextStart = r.End
		}
	}
	if nextStart < available.End {
		if err := a.MarkFree(mem.PhysRange{Start: nextStart, End: available.End}); err != nil {
			return err
		}
	}

	a.end = available.End

	fence := mem.PhysRange{Start: a.end, End: mem.PhysAddr(a.maxBytes())}
	if err := a.markRange(fence, true, false); err != nil {
		return err
	}

	a.nextPaToScan = 0
	return nil
}

// Allocate returns the physical address of a free page, scanning bytes from
// the last touched position and wrapping once.
func (a *BitmapPageAlloc) Allocate() (mem.PhysAddr, error) {
	firstBitmap, firstByte, _ := a.physaddrAsIndices(a.nextPaToScan)

	bitmapIdx, byteIdx, found := a.findFrom(firstBitmap, firstByte)
	if !found {
		return 0, ErrOutOfSpace
	}

	b := &a.bitmaps[bitmapIdx].bytes[byteIdx]
	bitIdx := bits.TrailingZeros8(^*b)
	*b |= 1 << bitIdx

	pa := a.indicesAsPhysaddr(bitmapIdx, byteIdx, bitIdx)
	a.nextPaToScan = pa
	return pa, nil
}

// Deallocate frees the page at pa.
func (a *BitmapPageAlloc) Deallocate(pa mem.PhysAddr) error {
	if pa > a.end {
		return ErrOutOfBounds
	}
	if !pa.IsMultipleOf(a.allocPageSize) {
		return ErrMisalignedAddr
	}

	bitmapIdx, byteIdx, bitIdx := a.physaddrAsIndices(pa)
	if bitmapIdx >= len(a.bitmaps) {
		return ErrOutOfBounds
	}

	bm := &a.bitmaps[bitmapIdx]
	if !bm.isSet(8*byteIdx + bitIdx) {
		return ErrNotAllocated
	}
	bm.set(8*byteIdx+bitIdx, false)

	a.nextPaToScan = pa // The next allocation will reuse this.
	return nil
}

// UsageBytes returns (bytes used, total bytes available). Free pages are
// counted rather than used ones because the pages past end are deliberately
// marked allocated.
func (a *BitmapPageAlloc) UsageBytes() (used, total uint64) {
	var freeBytes uint64
	a.forEachByte(0, 0, func(_, _ int, b byte) bool {
		freeBytes += uint64(bits.OnesCount8(^b)) * a.allocPageSize
		return true
	})
	total = uint64(a.end)
	return total - freeBytes, total
}

// physaddrAsIndices returns, for pa, the bitmap containing it, the byte
// within that bitmap, and the bit within that byte.
func (a *BitmapPageAlloc) physaddrAsIndices(pa mem.PhysAddr) (bitmapIdx, byteIdx, bitIdx int) {
	if !pa.IsMultipleOf(a.allocPageSize) {
		panic(fmt.Sprintf("bitmapalloc: unaligned address %s", pa))
	}

	perBitmap := a.bytesPerBitmap()
	bitmapIdx = int(pa.Addr() / perBitmap)

	offset := pa.Addr() % perBitmap
	perByte := a.bytesPerBitmapByte()
	byteIdx = int(offset / perByte)

	bitIdx = int((offset - uint64(byteIdx)*perByte) / a.allocPageSize)
	return bitmapIdx, byteIdx, bitIdx
}

// indicesAsPhysaddr is the inverse of physaddrAsIndices.
func (a *BitmapPageAlloc) indicesAsPhysaddr(bitmapIdx, byteIdx, bitIdx int) mem.PhysAddr {
	return mem.PhysAddr(uint64(bitmapIdx)*a.bytesPerBitmap() +
		uint64(byteIdx)*a.bytesPerBitmapByte() +
		uint64(bitIdx)*a.allocPageSize)
}

func (a *BitmapPageAlloc) markRange(r mem.PhysRange, markAllocated, checkEnd bool) error {
	if checkEnd && r.End > a.end {
		return ErrNotEnoughBitmaps
	}

	steps := r.StepsRounded(a.allocPageSize)
	for {
		pa, ok := steps.Next()
		if !ok {
			return nil
		}
		bitmapIdx, byteIdx, bitIdx := a.physaddrAsIndices(pa)
		if bitmapIdx >= len(a.bitmaps) {
			return ErrOutOfBounds
		}
		a.bitmaps[bitmapIdx].set(8*byteIdx+bitIdx, markAllocated)
	}
}

// findFrom scans every byte once, starting at the given position and
// wrapping, and returns the position of the first byte with a free bit.
func (a *BitmapPageAlloc) findFrom(startBitmap, startByte int) (bitmapIdx, byteIdx int, found bool) {
	a.forEachByte(startBitmap, startByte, func(bm, by int, b byte) bool {
		if b != 0xff {
			bitmapIdx, byteIdx, found = bm, by, true
			return false
		}
		return true
	})
	return bitmapIdx, byteIdx, found
}

// forEachByte visits every bitmap byte exactly once, starting at the given
// position and wrapping around. The visit function returns false to stop.
func (a *BitmapPageAlloc) forEachByte(startBitmap, startByte int, visit func(bitmapIdx, byteIdx int, b byte) bool) {
	total := len(a.bitmaps) * a.bitmapBytes
	start := startBitmap*a.bitmapBytes + startByte

	for n := 0; n < total; n++ {
		pos := (start + n) % total
		bm, by := pos/a.bitmapBytes, pos%a.bitmapBytes
		if !visit(bm, by, a.bitmaps[bm].bytes[by]) {
			return
		}
	}
}

// bytes flattens the bitmap contents, in visit order from the origin. Test
// helper.
func (a *BitmapPageAlloc) bytes() []byte {
	var out []byte
	a.forEachByte(0, 0, func(_, _ int, b byte) bool {
		out = append(out, b)
		return true
	})
	return out
}
