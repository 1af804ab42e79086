package slub

import (
	"unsafe"

	"github.com/haoud/silicium/kernel/errors"
	"github.com/haoud/silicium/kernel/mem"
	ksync "github.com/haoud/silicium/kernel/sync"
)

// Flag modifies the behavior of New.
type Flag uint8

const (
	// FlagLazy forces InitialSlabs to 0: the allocator starts with no
	// slabs at all and creates its first one on the first Allocate call.
	FlagLazy Flag = 1 << iota
)

// Minimum floors applied by New to clamp caller-supplied Config fields,
// matching spec.md §4.4's "mandatory floor checks clamp arguments to
// minima".
const (
	minObjectSize  = uint32(unsafe.Sizeof(freeNode{}))
	minObjectAlign = uint32(unsafe.Alignof(freeNode{}))
	minObjectsPer  = uint32(1)
)

// Config describes one size class: object geometry, eager/lazy slab
// creation policy and the low-water refill mark.
type Config struct {
	// ObjectSize is the size in bytes of each object this allocator
	// hands out.
	ObjectSize uint32

	// ObjectAlign is the required alignment of every returned object
	// address.
	ObjectAlign uint32

	// MinFree is the low-water mark: New (and Allocate) proactively
	// create additional slabs to keep free_count at or above this many
	// slots.
	MinFree uint32

	// ObjectsPerSlab hints how many objects each new slab should carve
	// its backing range into.
	ObjectsPerSlab uint32

	// InitialSlabs is how many slabs New eagerly creates before
	// returning, ignored (treated as 0) when Flags&FlagLazy is set.
	InitialSlabs uint32

	Flags Flag
}

// GrowFunc allocates length bytes of virtual memory for a new slab and
// returns its bounds. Allocator instances backing kmalloc's size classes
// wire this to vmalloc.Vmalloc(length, vmalloc.FlagMap); vmalloc wires it,
// for its own VMArea-descriptor pool, to itself once bootstrapped (see
// kernel/mem/vmalloc).
type GrowFunc func(length mem.Size) (start, end uintptr, err error)

// slabList is a small intrusive doubly-linked list of slabs using each
// Slab's own next/prev fields, never an externally allocated node.
type slabList struct {
	head, tail *Slab
	count      uint32
}

func (l *slabList) pushBack(s *Slab) {
	s.next, s.prev = nil, l.tail
	if l.tail != nil {
		l.tail.next = s
	} else {
		l.head = s
	}
	l.tail = s
	l.count++
}

func (l *slabList) remove(s *Slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.next, s.prev = nil, nil
	l.count--
}

// Allocator is the SLUB pool for one object class: three slab lists
// (free/partial/full) plus the counters spec.md §3 names.
type Allocator struct {
	cfg  Config
	grow GrowFunc

	free, partial, full slabList

	// lock guards list membership (free/partial/full) and the counters
	// below. It is always released before a Slab's own lock is taken,
	// per spec.md §5's lock order (slab-list lock before per-slab lock).
	lock ksync.Spinlock

	totalCount uint32
	freeCount  uint32
}

// New constructs an Allocator for the given object class, clamping cfg's
// fields to their mandatory minima, then eagerly creates slabs until
// cfg.InitialSlabs is reached and, beyond that, until freeCount is at
// least cfg.MinFree.
func New(cfg Config, grow GrowFunc) (*Allocator, error) {
	if cfg.ObjectSize < minObjectSize {
		cfg.ObjectSize = minObjectSize
	}
	if cfg.ObjectAlign < minObjectAlign {
		cfg.ObjectAlign = minObjectAlign
	}
	if cfg.ObjectsPerSlab < minObjectsPer {
		cfg.ObjectsPerSlab = minObjectsPer
	}
	if cfg.Flags&FlagLazy != 0 {
		cfg.InitialSlabs = 0
	}

	a := &Allocator{cfg: cfg, grow: grow}

	var slabsCreated uint32
	for ; slabsCreated < cfg.InitialSlabs; slabsCreated++ {
		if err := a.growSlab(); err != nil {
			return nil, err
		}
	}
	for a.FreeCount() < cfg.MinFree {
		if err := a.growSlab(); err != nil {
			break
		}
	}

	return a, nil
}

// slabLength returns the byte length a freshly grown slab should request,
// rounded up to a whole number of pages (vmalloc only ever backs
// page-granular ranges).
func (a *Allocator) slabLength() mem.Size {
	stride := alignUp(a.cfg.ObjectSize, a.cfg.ObjectAlign)
	raw := mem.Size(stride) * mem.Size(a.cfg.ObjectsPerSlab)
	pages := raw.Pages()
	if pages == 0 {
		pages = 1
	}
	return mem.Size(pages) * mem.PageSize
}

// growSlab asks grow for a fresh backing range, carves it into a Slab and
// appends it to the free list.
func (a *Allocator) growSlab() error {
	if a.grow == nil {
		return errors.ErrOutOfMemory
	}
	start, end, err := a.grow(a.slabLength())
	if err != nil {
		return err
	}
	s := newSlab(start, end, a.cfg.ObjectSize, a.cfg.ObjectAlign)
	s.member = memberFree

	a.lock.Acquire()
	a.free.pushBack(s)
	a.totalCount += s.objectsMax
	a.freeCount += s.objectsMax
	a.lock.Release()
	return nil
}

// SeedSlab adopts a slab built from a manually pre-mapped [start, end)
// range, bypassing grow entirely. This is the bootstrap hook
// kernel/mem/vmalloc uses to give its own VMArea-descriptor allocator its
// first slab before vmalloc itself is usable (spec.md §4.3/§4.4).
func (a *Allocator) SeedSlab(start, end uintptr) {
	s := newSlab(start, end, a.cfg.ObjectSize, a.cfg.ObjectAlign)
	s.member = memberFree

	a.lock.Acquire()
	a.free.pushBack(s)
	a.totalCount += s.objectsMax
	a.freeCount += s.objectsMax
	a.lock.Release()
}

func (a *Allocator) listFor(m membership) *slabList {
	switch m {
	case memberFree:
		return &a.free
	case memberFull:
		return &a.full
	default:
		return &a.partial
	}
}

// moveSlab relocates s from its current list to dst. Caller must hold
// a.lock.
func (a *Allocator) moveSlab(s *Slab, dst membership) {
	a.listFor(s.member).remove(s)
	s.member = dst
	a.listFor(dst).pushBack(s)
}

// Allocate pops one object off the allocator's pool, preferring a
// partially-used slab over a fully-free one so that fully-free slabs stay
// available as a single unit (matching spec.md §4.4's "prefer partial,
// else free"). It creates a new slab on demand when both lists are empty,
// and proactively grows one more slab when this allocation would otherwise
// drop free_count to the configured low-water mark.
func (a *Allocator) Allocate() (uintptr, error) {
	for {
		a.lock.Acquire()
		s := a.partial.head
		if s == nil {
			s = a.free.head
		}
		if s == nil {
			a.lock.Release()
			if err := a.growSlab(); err != nil {
				return 0, err
			}
			continue
		}
		s.lock.Acquire()
		a.lock.Release()

		if s.freeHead == nil {
			// Emptied by a racing allocation between the two lock
			// releases above; this is the one re-check loop spec.md
			// §5 calls out.
			s.lock.Release()
			continue
		}

		node := s.freeHead
		s.freeHead = node.next
		wasEmpty := s.objectsUsed == 0
		s.objectsUsed++
		nowFull := s.objectsUsed == s.objectsMax
		s.lock.Release()

		a.lock.Acquire()
		a.freeCount--
		if wasEmpty {
			a.moveSlab(s, memberPartial)
		}
		if nowFull {
			a.moveSlab(s, memberFull)
		}
		refill := a.freeCount <= a.cfg.MinFree
		a.lock.Release()

		if refill {
			_ = a.growSlab()
		}

		return uintptr(unsafe.Pointer(node)), nil
	}
}

// Free returns an object to the slab that owns it. It reports false
// (without error) if ptr is misaligned or not owned by this allocator, so
// kmalloc's front end can try the next size class.
func (a *Allocator) Free(ptr uintptr) (bool, error) {
	if ptr == 0 || ptr%uintptr(a.cfg.ObjectAlign) != 0 {
		return false, nil
	}

	a.lock.Acquire()
	s := a.findOwner(ptr)
	if s == nil {
		a.lock.Release()
		return false, nil
	}
	s.lock.Acquire()
	a.lock.Release()

	wasFull := s.objectsUsed == s.objectsMax

	node := (*freeNode)(unsafe.Pointer(ptr))
	node.next = s.freeHead
	s.freeHead = node
	s.objectsUsed--
	nowEmpty := s.objectsUsed == 0
	s.lock.Release()

	a.lock.Acquire()
	a.freeCount++
	if wasFull {
		a.moveSlab(s, memberPartial)
	}
	if nowEmpty {
		a.moveSlab(s, memberFree)
	}
	a.lock.Release()

	return true, nil
}

// findOwner scans the full and partial lists (slabs on the free list own
// no used objects, so they can never be the target of a Free) for the slab
// whose range contains ptr. Caller must hold a.lock.
func (a *Allocator) findOwner(ptr uintptr) *Slab {
	for s := a.full.head; s != nil; s = s.next {
		if s.contains(ptr) {
			return s
		}
	}
	for s := a.partial.head; s != nil; s = s.next {
		if s.contains(ptr) {
			return s
		}
	}
	return nil
}

// TotalCount returns the sum of objectsMax across every slab this
// allocator owns.
func (a *Allocator) TotalCount() uint32 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.totalCount
}

// FreeCount returns the number of free slots across every slab this
// allocator owns.
func (a *Allocator) FreeCount() uint32 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.freeCount
}

// SlabCount returns the number of slabs currently in each of the three
// lists, for tests asserting P4 (slub membership) directly.
func (a *Allocator) SlabCount() (free, partial, full uint32) {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.free.count, a.partial.count, a.full.count
}
