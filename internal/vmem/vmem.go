// Package vmem implements a Bonwick-style virtual-address arena with
// external boundary tags.
//
// Reference:
//
// Jeff Bonwick and Jonathan Adams. 2001. Magazines and Vmem: Extending the
// Slab Allocator to Many CPUs and Arbitrary Resources. USENIX ATC 2001.
//
// An arena's address space is threaded by an ordered list of tags: Span tags
// mark the extents the arena manages and act as merge barriers, while Free
// and Allocated tags partition each span exactly. Tags live outside the
// allocations they describe, in a pool that can be seeded from a static
// block before any allocator exists, so the bottommost arena can bootstrap
// the heap that later arenas allocate from.
package vmem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSpace is returned when no free segment can satisfy a request
	// and nothing can be imported from a parent.
	ErrNoSpace = errors.New("vmem: no space")

	// ErrAllocationNotFound is returned when freeing an address that has
	// no allocated segment.
	ErrAllocationNotFound = errors.New("vmem: allocation not found")

	// ErrOutOfTags is returned when the tag pool is exhausted and the
	// arena has no tag source to refill it from.
	ErrOutOfTags = errors.New("vmem: out of boundary tags")
)

// Kind discriminates the three tag types threading an arena.
type Kind uint8

const (
	KindAllocated Kind = iota
	KindFree
	KindSpan
)

func (k Kind) String() string {
	switch k {
	case KindAllocated:
		return "Allocated"
	case KindFree:
		return "Free"
	case KindSpan:
		return "Span"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Boundary is a start and size describing one segment of address space.
type Boundary struct {
	Start uint64
	Size  uint64
}

// BoundaryFromRange builds a Boundary covering [start, end).
func BoundaryFromRange(start, end uint64) Boundary {
	return Boundary{Start: start, Size: end - start}
}

// End returns the address one past the boundary.
func (b Boundary) End() uint64 { return b.Start + b.Size }

// Overlaps reports whether the two boundaries share any byte.
func (b Boundary) Overlaps(other Boundary) bool {
	return b.Start < other.End() && other.Start < b.End()
}

func (b Boundary) String() string {
	return fmt.Sprintf("%#x..%#x (size: %#x)", b.Start, b.End(), b.Size)
}

// Tag is the value of one boundary tag: its kind and extent. Tags returned
// by Tags are snapshots for inspection; the linked items are internal.
type Tag struct {
	Kind Kind
	Boundary
}

func (t Tag) String() string {
	return fmt.Sprintf("Tag(%s %s)", t.Kind, t.Boundary)
}

// TagItem is the storage for one tag: the tag value plus its links. Callers
// only ever see TagItems as opaque pool storage handed to WithTagPool.
type TagItem struct {
	tag      Tag
	next     *TagItem
	prev     *TagItem
	imported bool // span was imported from the parent arena
}

// tagPool is the stack of unused tag items.
type tagPool struct {
	free *TagItem
}

func (p *tagPool) add(item *TagItem) {
	item.prev = nil
	item.imported = false
	item.next = p.free
	if p.free != nil {
		p.free.prev = item
	}
	p.free = item
}

func (p *tagPool) take(tag Tag) *TagItem {
	item := p.free
	if item == nil {
		return nil
	}
	p.free = item.next
	if p.free != nil {
		p.free.prev = nil
	}
	*item = TagItem{tag: tag}
	return item
}

func (p *tagPool) len() int {
	n := 0
	for item := p.free; item != nil; item = item.next {
		n++
	}
	return n
}

// tagList is the segment list: all tags in address order. Push keeps the
// order; spans sort before the segments that cover the same start.
type tagList struct {
	head *TagItem
}

func (l *tagList) push(item *TagItem) {
	if l.head == nil {
		l.head = item
		return
	}
	for curr := l.head; curr != nil; curr = curr.next {
		if curr.tag.Start > item.tag.Start {
			// Insert before curr.
			if curr.prev != nil {
				curr.prev.next = item
			} else {
				l.head = item
			}
			item.prev = curr.prev
			item.next = curr
			curr.prev = item
			return
		}
		if curr.next == nil {
			curr.next = item
			item.prev = curr
			return
		}
	}
}

// unlink removes item from the list. Returning it to the pool is the
// caller's business.
func (l *tagList) unlink(item *TagItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else if l.head == item {
		l.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	}
	item.next = nil
	item.prev = nil
}

func (l *tagList) len() int {
	n := 0
	for item := l.head; item != nil; item = item.next {
		n++
	}
	return n
}

// Allocator is the address-allocation contract arenas satisfy, and the
// shape a parent must have for importing.
type Allocator interface {
	Alloc(size uint64) (uint64, error)
	Free(addr uint64) error
}

// Arena allocates addresses from the spans it manages, importing more from
// a parent arena when it runs dry.
type Arena struct {
	name    string
	quantum uint64
	pool    tagPool
	segs    tagList
	parent  Allocator

	// tagSource refills the pool when it runs out. Nil for the
	// bottommost arena, which lives off its static pool alone.
	tagSource func(n int) []TagItem

	// Quantum caches: frees of sizes up to qcacheMax*quantum are pushed
	// onto per-size stacks instead of merging, and allocations of those
	// sizes pop them. Zero disables caching, keeping frees eagerly
	// coalesced.
	qcacheMax int
	qcache    [][]uint64
}

// Option configures an Arena at construction.
type Option func(*Arena)

// WithInitialSpan seeds the arena with one span covering b.
func WithInitialSpan(b Boundary) Option {
	return func(a *Arena) {
		a.addInitialSpan(b)
	}
}

// WithTagPool seeds the tag pool from caller-supplied storage. This is how
// the bottommost arena gets tags before any allocator exists.
func WithTagPool(storage []TagItem) Option {
	return func(a *Arena) {
		for i := range storage {
			a.pool.add(&storage[i])
		}
	}
}

// WithParent sets the arena the allocator imports spans from when its own
// free list cannot satisfy a request.
func WithParent(parent Allocator) Option {
	return func(a *Arena) {
		a.parent = parent
	}
}

// WithTagSource provides a function that returns n fresh tag items when the
// pool runs dry. Higher arenas point this at the heap.
func WithTagSource(source func(n int) []TagItem) Option {
	return func(a *Arena) {
		a.tagSource = source
	}
}

// WithQuantumCaches enables quantum caching for sizes up to max quantum
// multiples.
func WithQuantumCaches(max int) Option {
	return func(a *Arena) {
		a.qcacheMax = max
		a.qcache = make([][]uint64, max)
	}
}

// NewArena creates an arena with the given quantum, which must be a power
// of two. Options order matters only in that WithTagPool must precede
// WithInitialSpan, since seeding a span consumes two tags.
func NewArena(name string, quantum uint64, opts ...Option) *Arena {
	if quantum == 0 || quantum&(quantum-1) != 0 {
		panic("vmem: quantum is not a power of two")
	}

	a := &Arena{name: name, quantum: quantum}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Name returns the arena's name.
func (a *Arena) Name() string { return a.name }

// PoolLen returns the number of unused tags in the pool.
func (a *Arena) PoolLen() int { return a.pool.len() }

func (a *Arena) addInitialSpan(span Boundary) {
	if span.Start%a.quantum != 0 || span.Size%a.quantum != 0 {
		panic("vmem: initial span not quantum aligned")
	}
	if err := a.addFreeSpan(span, false); err != nil {
		panic("vmem: no free tags for initial span")
	}
}

// addFreeSpan appends a Span tag and a Free tag covering boundary.
func (a *Arena) addFreeSpan(boundary Boundary, imported bool) error {
	span := a.takeTag(Tag{Kind: KindSpan, Boundary: boundary})
	if span == nil {
		return ErrOutOfTags
	}
	span.imported = imported

	free := a.takeTag(Tag{Kind: KindFree, Boundary: boundary})
	if free == nil {
		a.pool.add(span)
		return ErrOutOfTags
	}

	a.segs.push(span)
	a.segs.push(free)
	return nil
}

// takeTag takes a tag from the pool, refilling from the tag source if the
// pool is dry and a source exists.
func (a *Arena) takeTag(tag Tag) *TagItem {
	if item := a.pool.take(tag); item != nil {
		return item
	}
	if a.tagSource == nil {
		return nil
	}
	fresh := a.tagSource(tagRefillCount)
	for i := range fresh {
		a.pool.add(&fresh[i])
	}
	return a.pool.take(tag)
}

// tagRefillCount is how many tags a refill asks the tag source for: as
// many as the kernel seeds its static pool with.
const tagRefillCount = 102

// roundToQuantum rounds size up to a multiple of the arena's quantum.
func (a *Arena) roundToQuantum(size uint64) uint64 {
	rem := size % a.quantum
	if rem == 0 {
		return size
	}
	return size + (a.quantum - rem)
}

// Alloc allocates size bytes of address space, rounded up to the quantum,
// and returns the starting address.
func (a *Arena) Alloc(size uint64) (uint64, error) {
	size = a.roundToQuantum(size)

	if idx := a.qcacheIndex(size); idx >= 0 && len(a.qcache[idx]) > 0 {
		addr := a.qcache[idx][len(a.qcache[idx])-1]
		a.qcache[idx] = a.qcache[idx][:len(a.qcache[idx])-1]
		return addr, nil
	}

	boundary, err := a.allocSegment(size)
	if err == nil {
		return boundary.Start, nil
	}
	if !errors.Is(err, ErrNoSpace) || a.parent == nil {
		return 0, err
	}

	// Import an extent from the parent and retry.
	addr, err := a.parent.Alloc(size)
	if err != nil {
		return 0, fmt.Errorf("vmem: import into %s: %w", a.name, err)
	}
	if err := a.addFreeSpan(Boundary{Start: addr, Size: size}, true); err != nil {
		_ = a.parent.Free(addr)
		return 0, err
	}

	boundary, err = a.allocSegment(size)
	if err != nil {
		return 0, err
	}
	return boundary.Start, nil
}

// qcacheIndex returns the quantum-cache index for size, or -1 when the size
// is not cached.
func (a *Arena) qcacheIndex(size uint64) int {
	if a.qcacheMax == 0 || size > uint64(a.qcacheMax)*a.quantum {
		return -1
	}
	return int(size/a.quantum) - 1
}

// allocSegment first-fit scans for a free tag of at least size, marks it
// allocated and splits off any slack as a new free tag.
func (a *Arena) allocSegment(size uint64) (Boundary, error) {
	for item := a.segs.head; item != nil; item = item.next {
		if item.tag.Kind != KindFree || item.tag.Size < size {
			continue
		}

		item.tag.Kind = KindAllocated
		if item.tag.Size > size {
			remainder := item.tag.Size - size
			item.tag.Size = size

			free := a.takeTag(Tag{
				Kind:     KindFree,
				Boundary: Boundary{Start: item.tag.Start + size, Size: remainder},
			})
			if free == nil {
				// Undo the split: hand the whole segment out rather
				// than lose the remainder.
				item.tag.Size += remainder
				return item.tag.Boundary, nil
			}

			free.next = item.next
			free.prev = item
			item.next = free
			if free.next != nil {
				free.next.prev = free
			}
		}
		return item.tag.Boundary, nil
	}
	return Boundary{}, ErrNoSpace
}

// Free returns the allocation starting at addr to the arena, merging with
// free neighbours. Span tags are merge barriers. When a free makes an
// imported span entirely free, the span is released back to the parent.
func (a *Arena) Free(addr uint64) error {
	var curr *TagItem
	for item := a.segs.head; item != nil; item = item.next {
		if item.tag.Start == addr && item.tag.Kind == KindAllocated {
			curr = item
			break
		}
	}
	if curr == nil {
		return ErrAllocationNotFound
	}

	if idx := a.qcacheIndex(curr.tag.Size); idx >= 0 {
		a.qcache[idx] = append(a.qcache[idx], addr)
		return nil
	}

	prevKind, nextKind := neighbourKinds(curr)

	switch {
	case prevKind != KindFree && nextKind != KindFree:
		// No free tag on either side: flip in place.
		curr.tag.Kind = KindFree

	case prevKind != KindFree && nextKind == KindFree:
		// Absorb curr into the following free tag.
		next := curr.next
		next.tag.Start = curr.tag.Start
		next.tag.Size += curr.tag.Size
		a.segs.unlink(curr)
		a.pool.add(curr)
		curr = next

	case prevKind == KindFree && nextKind != KindFree:
		// Absorb curr into the preceding free tag.
		prev := curr.prev
		prev.tag.Size += curr.tag.Size
		a.segs.unlink(curr)
		a.pool.add(curr)
		curr = prev

	default:
		// Free on both sides: the predecessor absorbs everything.
		prev := curr.prev
		next := curr.next
		prev.tag.Size += curr.tag.Size + next.tag.Size
		a.segs.unlink(curr)
		a.segs.unlink(next)
		a.pool.add(curr)
		a.pool.add(next)
		curr = prev
	}

	a.maybeReleaseSpan(curr)
	return nil
}

// neighbourKinds returns the kinds of the tags either side of item, with
// KindSpan standing in for a missing neighbour: both are merge barriers.
func neighbourKinds(item *TagItem) (Kind, Kind) {
	prev, next := KindSpan, KindSpan
	if item.prev != nil {
		prev = item.prev.tag.Kind
	}
	if item.next != nil {
		next = item.next.tag.Kind
	}
	return prev, next
}

// maybeReleaseSpan returns an imported span to the parent once the whole
// extent is one free tag again.
func (a *Arena) maybeReleaseSpan(free *TagItem) {
	if a.parent == nil || free.tag.Kind != KindFree {
		return
	}
	span := free.prev
	if span == nil || span.tag.Kind != KindSpan || !span.imported {
		return
	}
	if span.tag.Boundary != free.tag.Boundary {
		return
	}
	if free.next != nil && free.next.tag.Start < span.tag.End() {
		return
	}

	addr := span.tag.Start
	a.segs.unlink(free)
	a.segs.unlink(span)
	a.pool.add(free)
	a.pool.add(span)
	_ = a.parent.Free(addr)
}

// Tags returns a snapshot of the segment list in address order.
func (a *Arena) Tags() []Tag {
	var tags []Tag
	for item := a.segs.head; item != nil; item = item.next {
		tags = append(tags, item.tag)
	}
	return tags
}

// Check verifies the arena invariants: at least two tags, ordered starts,
// spans that do not overlap and are exactly covered by their segments, and
// no two adjacent free tags.
func (a *Arena) Check() error {
	tags := a.Tags()
	if len(tags) < 2 {
		return fmt.Errorf("vmem: %s: segment list has %d tags", a.name, len(tags))
	}

	var lastSpan *Tag
	var spanTotal uint64
	var prev Tag

	for i, tag := range tags {
		if tag.Size == 0 {
			return fmt.Errorf("vmem: %s: zero-size tag %s", a.name, tag)
		}

		if i == 0 {
			if tag.Kind != KindSpan {
				return fmt.Errorf("vmem: %s: list does not begin with a span", a.name)
			}
		} else {
			ordered := tag.Start > prev.Start ||
				(prev.Kind == KindSpan && tag.Start >= prev.Start)
			if !ordered {
				return fmt.Errorf("vmem: %s: tags out of order: %s then %s", a.name, prev, tag)
			}
			if prev.Kind == KindFree && tag.Kind == KindFree {
				return fmt.Errorf("vmem: %s: adjacent free tags at %#x", a.name, tag.Start)
			}
		}

		switch tag.Kind {
		case KindSpan:
			if lastSpan != nil {
				if spanTotal != lastSpan.Size {
					return fmt.Errorf("vmem: %s: span %s covered by %#x bytes",
						a.name, lastSpan, spanTotal)
				}
				if tag.Overlaps(lastSpan.Boundary) {
					return fmt.Errorf("vmem: %s: overlapping spans", a.name)
				}
			}
			span := tag
			lastSpan = &span
			spanTotal = 0
		default:
			if lastSpan == nil {
				return fmt.Errorf("vmem: %s: segment %s outside any span", a.name, tag)
			}
			if spanTotal == 0 && tag.Start != lastSpan.Start {
				return fmt.Errorf("vmem: %s: span %s starts at %#x, first segment at %#x",
					a.name, lastSpan, lastSpan.Start, tag.Start)
			}
			spanTotal += tag.Size
		}
		prev = tag
	}

	if lastSpan != nil && spanTotal != lastSpan.Size {
		return fmt.Errorf("vmem: %s: span %s covered by %#x bytes", a.name, lastSpan, spanTotal)
	}
	return nil
}
