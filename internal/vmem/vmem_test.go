package vmem

import (
	"errors"
	"testing"
)

const quantum = 4096

func newTestArena(t *testing.T, span Boundary) *Arena {
	t.Helper()

	// The same number of tags the kernel seeds its static pool with.
	storage := make([]TagItem, 102)

	return NewArena("test", quantum,
		WithTagPool(storage),
		WithInitialSpan(span),
	)
}

func checkTags(t *testing.T, a *Arena, want []Tag) {
	t.Helper()

	if err := a.Check(); err != nil {
		t.Fatalf("consistency: %v", err)
	}

	got := a.Tags()
	if len(got) != len(want) {
		t.Fatalf("tags: want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tag %d: want %v, got %v", i, want[i], got[i])
		}
	}
}

func TestBoundaryOverlaps(t *testing.T) {
	t.Parallel()

	b := Boundary{Start: 10, Size: 10}

	tests := []struct {
		other Boundary
		want  bool
	}{
		{Boundary{2, 5}, false},
		{Boundary{0, 10}, false},
		{Boundary{0, 11}, true},
		{Boundary{25, 5}, false},
		{Boundary{20, 10}, false},
		{Boundary{19, 1}, true},
		{Boundary{10, 10}, true},
		{Boundary{15, 1}, true},
		{Boundary{10, 1}, true},
		{Boundary{0, 1}, false},
		{Boundary{20, 1}, false},
	}

	for _, tc := range tests {
		if got := b.Overlaps(tc.other); got != tc.want {
			t.Errorf("%v overlaps %v: want %t, got %t", b, tc.other, tc.want, got)
		}
	}
}

func TestArenaCreate(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, Boundary{Start: 4096, Size: 4096 * 20})

	if a.PoolLen() != 100 {
		t.Errorf("pool len: want 100, got %d", a.PoolLen())
	}

	checkTags(t, a, []Tag{
		{KindSpan, Boundary{4096, 4096 * 20}},
		{KindFree, Boundary{4096, 4096 * 20}},
	})
}

func TestArenaAlloc(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, Boundary{Start: 4096, Size: 4096 * 20})

	addr, err := a.Alloc(4096 * 2)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if addr != 4096 {
		t.Errorf("addr: want 4096, got %d", addr)
	}

	checkTags(t, a, []Tag{
		{KindSpan, Boundary{4096, 4096 * 20}},
		{KindAllocated, Boundary{4096, 4096 * 2}},
		{KindFree, Boundary{4096 * 3, 4096 * 18}},
	})
}

func TestArenaAllocRoundsToQuantum(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, Boundary{Start: 4096, Size: 4096 * 20})

	if _, err := a.Alloc(1024); err != nil {
		t.Fatalf("alloc: %v", err)
	}

	tags := a.Tags()
	if tags[1].Size != 4096 {
		t.Errorf("allocated size: want 4096, got %d", tags[1].Size)
	}
}

func TestArenaGrowAndMerge(t *testing.T) {
	t.Parallel()

	// The arena manages [4096, 4096*21): twenty pages.
	a := newTestArena(t, Boundary{Start: 4096, Size: 4096 * 20})

	a1, err := a.Alloc(4096)
	if err != nil {
		t.Fatalf("alloc a1: %v", err)
	}
	a2, err := a.Alloc(4096)
	if err != nil {
		t.Fatalf("alloc a2: %v", err)
	}
	a3, err := a.Alloc(4096)
	if err != nil {
		t.Fatalf("alloc a3: %v", err)
	}

	// Freeing the middle allocation flips its tag in place: allocated
	// neighbours are merge barriers.
	if err := a.Free(a2); err != nil {
		t.Fatalf("free a2: %v", err)
	}
	checkTags(t, a, []Tag{
		{KindSpan, Boundary{4096, 4096 * 20}},
		{KindAllocated, Boundary{4096, 4096}},
		{KindFree, Boundary{4096 * 2, 4096}},
		{KindAllocated, Boundary{4096 * 3, 4096}},
		{KindFree, Boundary{4096 * 4, 4096 * 17}},
	})

	// Freeing the first merges into the free tag on its right.
	if err := a.Free(a1); err != nil {
		t.Fatalf("free a1: %v", err)
	}
	checkTags(t, a, []Tag{
		{KindSpan, Boundary{4096, 4096 * 20}},
		{KindFree, Boundary{4096, 4096 * 2}},
		{KindAllocated, Boundary{4096 * 3, 4096}},
		{KindFree, Boundary{4096 * 4, 4096 * 17}},
	})

	// Freeing the last merges both sides into a single free extent.
	if err := a.Free(a3); err != nil {
		t.Fatalf("free a3: %v", err)
	}
	checkTags(t, a, []Tag{
		{KindSpan, Boundary{4096, 4096 * 20}},
		{KindFree, Boundary{4096, 4096 * 20}},
	})
}

func TestArenaFreeMergeCases(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, Boundary{Start: 4096, Size: 4096 * 20})

	// Prev and next both non-free.
	a1, _ := a.Alloc(4096)
	a2, _ := a.Alloc(4096)
	if a.PoolLen() != 98 {
		t.Errorf("pool len: want 98, got %d", a.PoolLen())
	}

	if err := a.Free(a1); err != nil {
		t.Fatalf("free: %v", err)
	}
	checkTags(t, a, []Tag{
		{KindSpan, Boundary{4096, 4096 * 20}},
		{KindFree, Boundary{4096, 4096}},
		{KindAllocated, Boundary{4096 * 2, 4096}},
		{KindFree, Boundary{4096 * 3, 4096 * 18}},
	})

	// Prev and next both free.
	if err := a.Free(a2); err != nil {
		t.Fatalf("free: %v", err)
	}
	if a.PoolLen() != 100 {
		t.Errorf("pool len: want 100, got %d", a.PoolLen())
	}
	checkTags(t, a, []Tag{
		{KindSpan, Boundary{4096, 4096 * 20}},
		{KindFree, Boundary{4096, 4096 * 20}},
	})

	// Prev free, next non-free.
	a1, _ = a.Alloc(4096)
	a2, _ = a.Alloc(4096)
	a3, _ := a.Alloc(4096)
	if err := a.Free(a1); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := a.Free(a2); err != nil {
		t.Fatalf("free: %v", err)
	}
	checkTags(t, a, []Tag{
		{KindSpan, Boundary{4096, 4096 * 20}},
		{KindFree, Boundary{4096, 4096 * 2}},
		{KindAllocated, Boundary{4096 * 3, 4096}},
		{KindFree, Boundary{4096 * 4, 4096 * 17}},
	})

	// Prev non-free, next free.
	if err := a.Free(a3); err != nil {
		t.Fatalf("free: %v", err)
	}
	a1, _ = a.Alloc(4096)
	checkTags(t, a, []Tag{
		{KindSpan, Boundary{4096, 4096 * 20}},
		{KindAllocated, Boundary{4096, 4096}},
		{KindFree, Boundary{4096 * 2, 4096 * 19}},
	})
	if err := a.Free(a1); err != nil {
		t.Fatalf("free: %v", err)
	}
	checkTags(t, a, []Tag{
		{KindSpan, Boundary{4096, 4096 * 20}},
		{KindFree, Boundary{4096, 4096 * 20}},
	})
}

func TestFreeUnknownAddr(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, Boundary{Start: 4096, Size: 4096 * 20})

	if err := a.Free(4096); !errors.Is(err, ErrAllocationNotFound) {
		t.Errorf("want ErrAllocationNotFound, got %v", err)
	}

	addr, _ := a.Alloc(4096)
	if err := a.Free(addr + 512); !errors.Is(err, ErrAllocationNotFound) {
		t.Errorf("free of interior address: want ErrAllocationNotFound, got %v", err)
	}
}

func TestAllocNoSpace(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, Boundary{Start: 4096, Size: 4096 * 4})

	if _, err := a.Alloc(4096 * 5); !errors.Is(err, ErrNoSpace) {
		t.Errorf("want ErrNoSpace, got %v", err)
	}
}

func TestImportFromParent(t *testing.T) {
	t.Parallel()

	parent := newTestArena(t, Boundary{Start: 0x1000, Size: 4096 * 32})

	child := NewArena("child", quantum,
		WithTagPool(make([]TagItem, 32)),
		WithParent(parent),
	)

	// The child starts empty: its first allocation is imported.
	addr, err := child.Alloc(4096 * 2)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if addr != 0x1000 {
		t.Errorf("imported addr: want 0x1000, got %#x", addr)
	}

	if err := child.Check(); err != nil {
		t.Fatalf("child consistency: %v", err)
	}

	// The parent sees one allocated segment.
	ptags := parent.Tags()
	if len(ptags) != 3 || ptags[1].Kind != KindAllocated || ptags[1].Size != 4096*2 {
		t.Fatalf("parent tags: %v", ptags)
	}
}

func TestImportedSpanReleasedToParent(t *testing.T) {
	t.Parallel()

	parent := newTestArena(t, Boundary{Start: 0x1000, Size: 4096 * 32})

	child := NewArena("child", quantum,
		WithTagPool(make([]TagItem, 32)),
		WithParent(parent),
	)

	addr, err := child.Alloc(4096 * 2)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	// Freeing the only allocation leaves the imported span entirely free,
	// so it goes back to the parent and the child is empty again.
	if err := child.Free(addr); err != nil {
		t.Fatalf("free: %v", err)
	}

	if got := len(child.Tags()); got != 0 {
		t.Errorf("child tags after release: want 0, got %d: %v", got, child.Tags())
	}

	checkTags(t, parent, []Tag{
		{KindSpan, Boundary{0x1000, 4096 * 32}},
		{KindFree, Boundary{0x1000, 4096 * 32}},
	})
}

func TestImportedSpanHeldWhilePartiallyUsed(t *testing.T) {
	t.Parallel()

	parent := newTestArena(t, Boundary{Start: 0x1000, Size: 4096 * 32})

	child := NewArena("child", quantum,
		WithTagPool(make([]TagItem, 32)),
		WithParent(parent),
	)

	a1, err := child.Alloc(4096 * 4)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	// The first free releases the whole imported span back to the parent;
	// import it again so the next allocation forces a second span.
	if err := child.Free(a1); err != nil {
		t.Fatalf("free: %v", err)
	}
	a1, err = child.Alloc(4096 * 4)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	a2, err := child.Alloc(4096 * 8)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	if err := child.Free(a1); err != nil {
		t.Fatalf("free: %v", err)
	}

	// a2 still holds part of the address space the child imported; the
	// parent must still see those extents as allocated.
	for _, tag := range parent.Tags() {
		if tag.Kind == KindFree && tag.Boundary.Overlaps(Boundary{Start: a2, Size: 4096 * 8}) {
			t.Errorf("parent freed a span the child still uses: %v", tag)
		}
	}

	if err := child.Free(a2); err != nil {
		t.Fatalf("free: %v", err)
	}
}

func TestQuantumCache(t *testing.T) {
	t.Parallel()

	a := NewArena("qcache", quantum,
		WithTagPool(make([]TagItem, 32)),
		WithInitialSpan(Boundary{Start: 4096, Size: 4096 * 20}),
		WithQuantumCaches(2),
	)

	a1, _ := a.Alloc(4096)
	a2, _ := a.Alloc(4096 * 2)
	a3, _ := a.Alloc(4096 * 3)

	// Cached frees do not merge: the segment list keeps the tags
	// allocated and the addresses go to the per-size stacks.
	if err := a.Free(a1); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := a.Free(a2); err != nil {
		t.Fatalf("free: %v", err)
	}

	tags := a.Tags()
	if tags[1].Kind != KindAllocated || tags[2].Kind != KindAllocated {
		t.Fatalf("cached frees merged: %v", tags)
	}

	// Matching allocations pop the caches LIFO.
	if got, _ := a.Alloc(4096); got != a1 {
		t.Errorf("qcache miss: want %#x, got %#x", a1, got)
	}
	if got, _ := a.Alloc(4096 * 2); got != a2 {
		t.Errorf("qcache miss: want %#x, got %#x", a2, got)
	}

	// Sizes above the cache threshold still merge.
	if err := a.Free(a3); err != nil {
		t.Fatalf("free: %v", err)
	}
	tags = a.Tags()
	last := tags[len(tags)-1]
	if last.Kind != KindFree || last.Size != 4096*17 {
		t.Errorf("large free did not merge: %v", tags)
	}
}

func TestOutOfTags(t *testing.T) {
	t.Parallel()

	// Two tags are consumed by the initial span; with a pool of three
	// there is exactly one left, and the first split uses it. The second
	// split cannot get a tag, so the whole remaining segment is handed
	// out rather than lost.
	a := NewArena("tiny", quantum,
		WithTagPool(make([]TagItem, 3)),
		WithInitialSpan(Boundary{Start: 4096, Size: 4096 * 8}),
	)

	if _, err := a.Alloc(4096); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if _, err := a.Alloc(4096); err != nil {
		t.Fatalf("alloc: %v", err)
	}

	tags := a.Tags()
	last := tags[len(tags)-1]
	if last.Kind != KindAllocated || last.Size != 4096*7 {
		t.Errorf("expected oversized terminal allocation, got %v", tags)
	}
}

func TestTagSourceRefill(t *testing.T) {
	t.Parallel()

	refills := 0
	source := func(n int) []TagItem {
		refills++
		return make([]TagItem, n)
	}

	a := NewArena("refill", quantum,
		WithTagSource(source),
		WithInitialSpan(Boundary{Start: 4096, Size: 4096 * 64}),
	)

	for i := 0; i < 20; i++ {
		if _, err := a.Alloc(4096); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}

	if refills == 0 {
		t.Error("tag source never used")
	}
	if err := a.Check(); err != nil {
		t.Fatalf("consistency: %v", err)
	}
}
