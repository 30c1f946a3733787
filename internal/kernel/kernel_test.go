package kernel

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/r9os/r9/internal/bitmapalloc"
	"github.com/r9os/r9/internal/fdt/fdtbuild"
	"github.com/r9os/r9/internal/hw"
	"github.com/r9os/r9/internal/mem"
	"github.com/r9os/r9/internal/vm"
)

const (
	testRAMSize = 16 << 20
	testDTBAddr = mem.PhysAddr(0x10_0000)
)

// bootTestKernel stages the board fixture DTB in RAM and boots.
func bootTestKernel(t *testing.T, arch vm.Arch) (*Kernel, *bytes.Buffer) {
	t.Helper()

	mach := hw.NewMachine(0, testRAMSize)

	blob := fdtbuild.RaspberryPi3()
	window, err := mach.Bytes(mem.PhysRangeWithLen(uint64(testDTBAddr), uint64(len(blob))))
	if err != nil {
		t.Fatalf("staging dtb: %v", err)
	}
	copy(window, blob)

	out := &bytes.Buffer{}
	k, err := Boot(Config{
		Arch:    arch,
		Mach:    mach,
		UART:    hw.NewUART(out),
		DTBAddr: testDTBAddr,
	})
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	return k, out
}

func TestBootActivatesKernelMap(t *testing.T) {
	t.Parallel()

	k, out := bootTestKernel(t, vm.AArch64)

	if got := k.Mach.TTBR1(); got != k.Root.Phys() {
		t.Errorf("ttbr1: want %s, got %s", k.Root.Phys(), got)
	}

	// The kernel image is reachable through KZERO.
	kzero := k.Arch.KZero()
	pa, err := k.VM.Translate(k.Root, kzero+kernelBase)
	if err != nil {
		t.Fatalf("translate text: %v", err)
	}
	if pa != kernelBase {
		t.Errorf("text: want %#x, got %s", uint64(kernelBase), pa)
	}

	// The UART registers are reachable as device memory.
	pa, err = k.VM.Translate(k.Root, kzero+0x3f20_1000)
	if err != nil {
		t.Fatalf("translate mmio: %v", err)
	}
	if pa != 0x3f20_1000 {
		t.Errorf("mmio: got %s", pa)
	}
	f := k.Arch.Decode(k.Root.Entry(vm.RecursiveIndex))
	if !f.Valid || f.Frame != k.Root.Phys() {
		t.Errorf("recursive slot: %s", f)
	}

	if !strings.Contains(out.String(), "r9 from the Internet") {
		t.Error("boot banner missing")
	}
	if !strings.Contains(out.String(), "\r\n") {
		t.Error("console newline translation missing from boot output")
	}
}

func TestBootLeavesNullGuardUnmapped(t *testing.T) {
	t.Parallel()

	k, _ := bootTestKernel(t, vm.AArch64)

	if _, err := k.VM.Translate(k.Root, k.Arch.KZero()); err == nil {
		t.Error("null guard page is mapped")
	}
}

func TestBootPageAllocatorCoversRAM(t *testing.T) {
	t.Parallel()

	k, _ := bootTestKernel(t, vm.AArch64)

	used, total := k.Pages.UsageBytes()
	if total != testRAMSize {
		t.Errorf("total: want %#x, got %#x", uint64(testRAMSize), total)
	}
	if used >= total {
		t.Errorf("nothing free after boot: used %#x of %#x", used, total)
	}

	// Allocation works and lands outside the reserved image.
	pa, err := k.Pages.AllocPhysPage()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	for _, r := range k.Layout.UsedRanges() {
		if r.Contains(pa) {
			t.Errorf("allocated page %s inside reserved range %s", pa, r)
		}
	}

	if err := k.Pages.FreePages([]mem.PhysAddr{pa}); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := k.Pages.FreePages([]mem.PhysAddr{pa}); !errors.Is(err, bitmapalloc.ErrNotAllocated) {
		t.Errorf("double free: want ErrNotAllocated, got %v", err)
	}
}

func TestBootAllocVirtPage(t *testing.T) {
	t.Parallel()

	k, _ := bootTestKernel(t, vm.AArch64)

	va, err := k.Pages.AllocVirtPage(k.VM, k.Root, vm.RWKernelData(k.Arch))
	if err != nil {
		t.Fatalf("alloc virt page: %v", err)
	}

	pa, err := k.VM.Translate(k.Root, va)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if k.VM.PhysToVirt(pa) != va {
		t.Errorf("va/pa disagree: %#x vs %s", va, pa)
	}
}

func TestBootHeap(t *testing.T) {
	t.Parallel()

	k, _ := bootTestKernel(t, vm.AArch64)

	p := k.Heap.Alloc(100, 8)
	if p == nil {
		t.Fatal("heap alloc failed")
	}
	k.Heap.Free(p, 100, 8)

	// The freed block is reused.
	if p2 := k.Heap.Alloc(100, 8); p2 != p {
		t.Errorf("heap block not reused: %p != %p", p2, p)
	}
}

func TestBootVmAlloc(t *testing.T) {
	t.Parallel()

	k, _ := bootTestKernel(t, vm.AArch64)

	heapRange := HeapVirtRange(k.Arch)

	a1, err := k.VmAlloc.Alloc(1024)
	if err != nil {
		t.Fatalf("vmalloc: %v", err)
	}
	a2, err := k.VmAlloc.Alloc(1024)
	if err != nil {
		t.Fatalf("vmalloc: %v", err)
	}

	if !heapRange.Contains(a1) || !heapRange.Contains(a2) {
		t.Errorf("allocations outside heap range: %#x, %#x", a1, a2)
	}
	if a1 == a2 {
		t.Errorf("duplicate allocation: %#x", a1)
	}

	if err := k.VmAlloc.Free(a1); err != nil {
		t.Fatalf("vmalloc free: %v", err)
	}
	if err := k.VmAlloc.Free(a2); err != nil {
		t.Fatalf("vmalloc free: %v", err)
	}
}

func TestBootAllArches(t *testing.T) {
	t.Parallel()

	for _, arch := range []vm.Arch{vm.AArch64, vm.RiscV64, vm.AMD64} {
		arch := arch
		t.Run(arch.Name(), func(t *testing.T) {
			t.Parallel()

			k, _ := bootTestKernel(t, arch)

			pa, err := k.VM.Translate(k.Root, k.Arch.KZero()+kernelBase)
			if err != nil {
				t.Fatalf("translate: %v", err)
			}
			if pa != kernelBase {
				t.Errorf("text: got %s", pa)
			}
		})
	}
}

func TestBootRejectsBadDTB(t *testing.T) {
	t.Parallel()

	mach := hw.NewMachine(0, testRAMSize)

	_, err := Boot(Config{
		Arch:    vm.AArch64,
		Mach:    mach,
		UART:    hw.NewUART(nil),
		DTBAddr: testDTBAddr,
	})
	if err == nil {
		t.Fatal("boot accepted a zeroed dtb")
	}
}

func TestLayoutUsedRangesSorted(t *testing.T) {
	t.Parallel()

	l := NewLayout(mem.PhysRangeWithLen(uint64(testDTBAddr), 0x1000), mem.PhysRange{})

	used := l.UsedRanges()
	for i := 1; i < len(used); i++ {
		if used[i].Start < used[i-1].Start {
			t.Errorf("unsorted used ranges: %v", used)
		}
	}
}
