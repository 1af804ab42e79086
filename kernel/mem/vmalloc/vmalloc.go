// Package vmalloc implements the VMALLOC component: a first-fit carver
// over a fixed kernel-virtual range ([mem.VMallocStart, mem.VMallocEnd) in
// production), optionally backing the handed-out range with freshly
// allocated, freshly mapped physical frames.
package vmalloc

import (
	"unsafe"

	"github.com/haoud/silicium/kernel/errors"
	"github.com/haoud/silicium/kernel/kfmt/early"
	"github.com/haoud/silicium/kernel/mem"
	"github.com/haoud/silicium/kernel/mem/pmm"
	"github.com/haoud/silicium/kernel/mem/slub"
	"github.com/haoud/silicium/kernel/mem/vmm"
	ksync "github.com/haoud/silicium/kernel/sync"
)

// Flag modifies the behavior of Vmalloc.
type Flag uint8

const (
	// FlagMap backs the returned range with freshly allocated physical
	// frames, mapped read-write.
	FlagMap Flag = 1 << iota

	// FlagZero zeroes the mapped range after backing it. Only
	// meaningful together with FlagMap.
	FlagZero
)

var (
	// allocFrameFn, freeFrameFn, mapPageFn, unmapPageFn and memsetFn are
	// mockable package-level seams, matching the idiom used throughout
	// kernel/mem/pmm and kernel/mem/vmm: production code never calls
	// pmm.FrameAllocator or vmm's package functions directly so that
	// tests can substitute plain Go-backed fakes instead of real paging.
	allocFrameFn = pmm.FrameAllocator.Alloc
	freeFrameFn  = pmm.FrameAllocator.Free
	mapPageFn    = vmm.MapPage
	unmapPageFn  = vmm.UnmapPage
	memsetFn     = mem.Memset
)

// area is one contiguous run of the managed range: either on the free list
// or the used list, never both. Its own next/prev fields are reused across
// that transition, matching spec.md §9's "descriptors carry their own
// links" design note.
type area struct {
	base, length uintptr
	mapped       bool
	next, prev   *area
}

func (a *area) end() uintptr { return a.base + a.length }

type areaList struct {
	head, tail *area
	count      uint32
}

func (l *areaList) pushBack(a *area) {
	a.next, a.prev = nil, l.tail
	if l.tail != nil {
		l.tail.next = a
	} else {
		l.head = a
	}
	l.tail = a
	l.count++
}

func (l *areaList) pushFront(a *area) {
	a.prev, a.next = nil, l.head
	if l.head != nil {
		l.head.prev = a
	} else {
		l.tail = a
	}
	l.head = a
	l.count++
}

func (l *areaList) remove(a *area) {
	if a.prev != nil {
		a.prev.next = a.next
	} else {
		l.head = a.next
	}
	if a.next != nil {
		a.next.prev = a.prev
	} else {
		l.tail = a.prev
	}
	a.next, a.prev = nil, nil
	l.count--
}

// firstFit returns the first free area whose length is at least want, or
// nil if none qualifies.
func (l *areaList) firstFit(want uintptr) *area {
	for a := l.head; a != nil; a = a.next {
		if a.length >= want {
			return a
		}
	}
	return nil
}

// carver holds the single package-wide VMALLOC region. Re-architecting
// this as an injectable handle (spec.md §9's "global mutable state" note)
// is left to a future MemoryRegime pass; every exported function below
// already routes through c so that future change is a one-line seam.
type carver struct {
	start, end uintptr

	free, used areaList
	listLock   ksync.Spinlock

	// areaPool allocates the area descriptors themselves. It is seeded
	// once at Init from a manually pre-mapped range adjacent to start
	// (spec.md §4.3's bootstrap quirk), then grows like any other slub
	// consumer by calling back into Vmalloc.
	areaPool *slub.Allocator
}

var c carver

// Init reserves a small manually-mapped seed range at [start, start+4KiB)
// for the VMArea-descriptor pool, then tracks [start+4KiB, end) as a
// single free area. It must run after vmm and pmm are both initialized and
// before the first call to Vmalloc.
func Init(start, end uintptr) error {
	return c.init(start, end)
}

func (c *carver) init(start, end uintptr) error {
	c.start, c.end = start, end
	c.free, c.used = areaList{}, areaList{}

	seedFrame, err := allocFrameFn(pmm.FlagClear)
	if err != nil {
		return err
	}
	if merr := mapPageFn(start, seedFrame.Address(), vmm.AccessRead|vmm.AccessWrite, vmm.FlagPresent); merr != nil {
		freeFrameFn(seedFrame)
		return merr
	}
	seedEnd := start + uintptr(mem.PageSize)

	// MinFree is deliberately 0 here: New would otherwise try to refill
	// up to the mark immediately, before SeedSlab below has given this
	// pool anything to allocate from. Once seeded, the pool grows lazily
	// like any other slub consumer on its next Allocate.
	pool, perr := slub.New(slub.Config{
		ObjectSize:     uint32(unsafe.Sizeof(area{})),
		ObjectAlign:    uint32(unsafe.Alignof(area{})),
		ObjectsPerSlab: uint32(mem.PageSize) / uint32(unsafe.Sizeof(area{})),
		Flags:          slub.FlagLazy,
	}, c.growAreaPool)
	if perr != nil {
		return perr
	}
	pool.SeedSlab(start, seedEnd)
	c.areaPool = pool

	first, derr := c.newAreaDescriptor()
	if derr != nil {
		return derr
	}
	*first = area{base: seedEnd, length: end - seedEnd}
	c.free.pushBack(first)
	return nil
}

// growAreaPool is areaPool's GrowFunc: once the seed slab has given the
// pool enough spare capacity to describe its own growth, further slabs for
// area descriptors come from Vmalloc itself, like any other slub consumer.
func (c *carver) growAreaPool(length mem.Size) (uintptr, uintptr, error) {
	vaddr, err := c.vmalloc(length, FlagMap)
	if err != nil {
		return 0, 0, err
	}
	return vaddr, vaddr + uintptr(length), nil
}

func (c *carver) newAreaDescriptor() (*area, error) {
	p, err := c.areaPool.Allocate()
	if err != nil {
		return nil, err
	}
	d := (*area)(unsafe.Pointer(p))
	*d = area{}
	return d, nil
}

func (c *carver) releaseAreaDescriptor(d *area) {
	_, _ = c.areaPool.Free(uintptr(unsafe.Pointer(d)))
}

// Vmalloc reserves a page-aligned run of at least size bytes from the
// managed range using first-fit, optionally backing it with freshly
// allocated, mapped physical frames. It returns 0 (with an error) if the
// range is exhausted or backing fails.
func Vmalloc(size mem.Size, flags Flag) (uintptr, error) {
	return c.vmalloc(size, flags)
}

func (c *carver) vmalloc(size mem.Size, flags Flag) (uintptr, error) {
	length := uintptr(mem.Size(size.Pages()) * mem.PageSize)

	// Pre-allocate the descriptor a split might need before ever taking
	// c.listLock: areaPool.Allocate can recurse back into vmalloc to
	// grow itself (growAreaPool above), and that recursive call must be
	// free to acquire listLock on its own.
	spare, err := c.newAreaDescriptor()
	if err != nil {
		return 0, err
	}

	c.listLock.Acquire()
	cand := c.free.firstFit(length)
	if cand == nil {
		c.listLock.Release()
		c.releaseAreaDescriptor(spare)
		return 0, errors.ErrOutOfMemory
	}
	c.free.remove(cand)

	if cand.length > length {
		*spare = area{base: cand.base + length, length: cand.length - length}
		c.free.pushBack(spare)
		spare = nil
	}
	cand.length = length
	cand.mapped = false
	c.used.pushBack(cand)
	c.listLock.Release()

	if spare != nil {
		c.releaseAreaDescriptor(spare)
	}

	if flags&FlagMap == 0 {
		return cand.base, nil
	}

	if berr := c.backArea(cand); berr != nil {
		c.listLock.Acquire()
		c.used.remove(cand)
		c.free.pushFront(cand)
		c.listLock.Release()
		return 0, berr
	}
	cand.mapped = true

	if flags&FlagZero != 0 {
		memsetFn(cand.base, 0, mem.Size(cand.length))
	}
	return cand.base, nil
}

// backArea maps cand's range to freshly allocated, zeroed physical frames.
// On any failure it unwinds the pages it had already mapped and returns
// the frames it had already allocated.
func (c *carver) backArea(cand *area) error {
	pages := mem.Size(cand.length).Pages()
	for i := uint32(0); i < pages; i++ {
		vaddr := cand.base + uintptr(i)*uintptr(mem.PageSize)

		frame, err := allocFrameFn(pmm.FlagClear)
		if err != nil {
			c.unmapRange(cand.base, i)
			return err
		}
		if err := mapPageFn(vaddr, frame.Address(), vmm.AccessRead|vmm.AccessWrite, vmm.FlagPresent); err != nil {
			freeFrameFn(frame)
			c.unmapRange(cand.base, i)
			return err
		}
	}
	return nil
}

// unmapRange undoes the first n pages backArea had already mapped starting
// at base.
func (c *carver) unmapRange(base uintptr, n uint32) {
	for i := uint32(0); i < n; i++ {
		vaddr := base + uintptr(i)*uintptr(mem.PageSize)
		if paddr := unmapPageFn(vaddr); paddr != 0 {
			freeFrameFn(pmm.FrameFromAddress(paddr))
		}
	}
}

// Vmfree releases a range previously returned by Vmalloc, unmapping and
// freeing its backing frames if it was allocated with FlagMap. Freeing an
// address that isn't the base of any used area is a soft error: it is
// logged and otherwise ignored, matching spec.md §7's "not applicable"
// tier. Adjacent free areas are never merged (spec.md §9's documented
// TODO).
func Vmfree(vaddr uintptr) {
	c.vmfree(vaddr)
}

func (c *carver) vmfree(vaddr uintptr) {
	c.listLock.Acquire()
	var found *area
	for a := c.used.head; a != nil; a = a.next {
		if a.base == vaddr {
			found = a
			break
		}
	}
	if found == nil {
		c.listLock.Release()
		early.Printf("[vmalloc] warning: vmfree of unmapped address %#x\n", vaddr)
		return
	}
	c.used.remove(found)
	wasMapped := found.mapped
	c.listLock.Release()

	if wasMapped {
		pages := mem.Size(found.length).Pages()
		c.unmapRange(found.base, pages)
		found.mapped = false
	}

	c.listLock.Acquire()
	c.free.pushFront(found)
	c.listLock.Release()
}

// ManagedRange returns the [start, end) bounds Init was called with.
func ManagedRange() (start, end uintptr) {
	return c.start, c.end
}
