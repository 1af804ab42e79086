package pmm

import (
	"reflect"
	"unsafe"

	"github.com/haoud/silicium/kernel"
	"github.com/haoud/silicium/kernel/errors"
	"github.com/haoud/silicium/kernel/hal/multiboot"
	"github.com/haoud/silicium/kernel/kfmt/early"
	"github.com/haoud/silicium/kernel/mem"
	ksync "github.com/haoud/silicium/kernel/sync"
)

// AllocFlag modifies the behavior of Allocator.Alloc.
type AllocFlag uint8

const (
	// FlagBios restricts the allocation to the bios pool (frames below
	// 1 MiB), e.g. for DMA-capable legacy devices.
	FlagBios AllocFlag = 1 << iota

	// FlagISA restricts the allocation to the isa pool (frames below
	// 16 MiB); it is also used as the automatic fallback when the
	// normal pool is empty.
	FlagISA

	// FlagClear requests that the returned frame's contents be zeroed
	// before being handed to the caller.
	FlagClear
)

var (
	// mapClearWindowFn and unmapClearWindowFn back the reserved
	// clearing window: map the target frame RW at a fixed kernel
	// address, zero it, unmap it. boot.Bootstrap wires them through
	// SetClearWindowFuncs once paging is available; tests substitute a
	// fake pair. The window is
	// a process-wide resource: clearFrame holds clearWindowLock for as
	// long as a frame is mapped there.
	mapClearWindowFn   func(frame Frame) *kernel.Error
	unmapClearWindowFn func()

	// clearWindowLock serializes use of the clearing window.
	clearWindowLock ksync.Spinlock
)

// SetClearWindowFuncs wires the temporary-mapping primitives used to zero
// freshly allocated frames. It must be called once paging is initialized
// and before the first Alloc(FlagClear) request.
func SetClearWindowFuncs(mapFn func(frame Frame) *kernel.Error, unmapFn func()) {
	mapClearWindowFn = mapFn
	unmapClearWindowFn = unmapFn
}

// Allocator is the physical frame allocator: one descriptor per frame,
// three free pools, reference-counted allocation.
//
// The descriptor array is carved out of raw memory with an unsafe overlay
// rather than a normal Go slice literal: on a freestanding build there is
// no heap to allocate from yet,
// so Init is handed the address of memory it may claim outright.
type Allocator struct {
	frames    []descriptor
	framesHdr reflect.SliceHeader

	bios, isa, normal freeList

	// listLock guards the three free lists, reservedCount and every
	// descriptor's pool assignment. It is the outermost lock in the
	// allocator's lock order (frame-allocator lock < VMArea list lock <
	// slab-list lock < per-slab lock < per-frame lock).
	listLock ksync.Spinlock

	maxFrame      Frame
	reservedCount uint32
}

// FrameAllocator is the kernel-wide PAGE allocator instance.
var FrameAllocator Allocator

// Init bootstraps the frame allocator: it walks the multiboot memory map to
// size the descriptor array, overlays that array at arrayAddr (which the
// caller must guarantee is backed by at least RequiredBytes() of
// real, identity-mapped memory — "end of kernel image + 1 MiB"),
// reserves frame 0, the kernel image footprint and the
// array's own footprint, and builds the three free lists.
func Init(kernelStart, kernelEnd, arrayAddr uintptr) *kernel.Error {
	return FrameAllocator.init(kernelStart, kernelEnd, arrayAddr)
}

// RequiredBytes returns the number of bytes Init will need for the
// descriptor array, given the current multiboot memory map. Callers use
// this to reserve the backing memory before calling Init.
func RequiredBytes() mem.Size {
	maxFrame := highestFrame()
	raw := mem.Size(uintptr(maxFrame) * uintptr(unsafe.Sizeof(descriptor{})))
	return mem.Size(raw.Pages()) * mem.PageSize
}

func highestFrame() Frame {
	var maxFrame Frame
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		end := Frame((region.PhysAddress + region.Length) >> mem.PageShift)
		if end > maxFrame {
			maxFrame = end
		}
		return true
	})
	return maxFrame
}

func (a *Allocator) init(kernelStart, kernelEnd, arrayAddr uintptr) *kernel.Error {
	a.maxFrame = highestFrame()
	if a.maxFrame == 0 {
		return &kernel.Error{Module: "pmm", Message: "no available memory regions reported by multiboot"}
	}

	a.framesHdr = reflect.SliceHeader{
		Data: arrayAddr,
		Len:  int(a.maxFrame),
		Cap:  int(a.maxFrame),
	}
	a.frames = *(*[]descriptor)(unsafe.Pointer(&a.framesHdr))

	for i := range a.frames {
		f := &a.frames[i]
		*f = descriptor{index: Frame(i), flags: flagReserved}
		switch {
		case Frame(i) < Frame(0x100000>>mem.PageShift):
			f.flags |= flagBios
			f.pool = poolBios
		case Frame(i) < Frame(0x1000000>>mem.PageShift):
			f.flags |= flagISA
			f.pool = poolISA
		default:
			f.pool = poolNormal
		}
	}

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}
		start := Frame((region.PhysAddress + uint64(mem.PageSize) - 1) >> mem.PageShift)
		end := Frame((region.PhysAddress + region.Length) >> mem.PageShift)
		for f := start; f < end && f < a.maxFrame; f++ {
			a.frames[f].flags &^= flagReserved
		}
		return true
	})

	a.reserveRange(0, 1)
	a.reserveRange(FrameFromAddress(0x100000), FrameFromAddress(kernelEnd-mem.KernelBase)+1)
	a.reserveRange(FrameFromAddress(arrayAddr), FrameFromAddress(arrayAddr+uintptr(RequiredBytes()))+1)

	a.rebuildFreeLists()
	a.printStats()
	return nil
}

// reserveRange marks [start, end) as reserved without requiring the frames
// to be on a free list yet (used only during bootstrap, before the free
// lists are built).
func (a *Allocator) reserveRange(start, end Frame) {
	for f := start; f < end && f < a.maxFrame; f++ {
		a.frames[f].flags |= flagReserved
	}
}

func (a *Allocator) rebuildFreeLists() {
	a.bios, a.isa, a.normal = freeList{}, freeList{}, freeList{}
	a.reservedCount = 0
	for i := range a.frames {
		f := &a.frames[i]
		if f.flags.has(flagReserved) || f.count != 0 {
			if f.flags.has(flagReserved) {
				a.reservedCount++
			}
			continue
		}
		a.poolList(f.pool).pushBack(f)
	}
}

func (a *Allocator) poolList(p pool) *freeList {
	switch p {
	case poolBios:
		return &a.bios
	case poolISA:
		return &a.isa
	default:
		return &a.normal
	}
}

func (a *Allocator) printStats() {
	total := uint32(len(a.frames))
	early.Printf("[pmm] frame stats: free: %d/%d (%d reserved)\n", total-a.reservedCount, total, a.reservedCount)
}

// Remap relocates the descriptor array to newAddr, which must already be
// mapped (by the caller, via vmm) to the same underlying physical frames
// the array currently occupies. This is the second half of the remap
// bootstrap: the array starts life identity-mapped at a fixed physical
// address and is later moved into ordinary kernel-virtual space once
// paging is up.
func (a *Allocator) Remap(newAddr uintptr) {
	a.framesHdr.Data = newAddr
	a.frames = *(*[]descriptor)(unsafe.Pointer(&a.framesHdr))
	a.rebuildFreeLists()
}

func (a *Allocator) frameDescriptor(f Frame) *descriptor {
	if f >= a.maxFrame {
		return nil
	}
	return &a.frames[f]
}

// Alloc reserves and returns a single physical frame, or InvalidFrame if
// the selected pool is exhausted. Pool selection:
// BIOS frames if FlagBios is set; ISA frames if FlagISA is set or the
// normal pool is empty; normal frames otherwise. An empty isa pool does
// not fall back to the bios pool.
func (a *Allocator) Alloc(flags AllocFlag) (Frame, error) {
	a.listLock.Acquire()

	var list *freeList
	switch {
	case flags&FlagBios != 0:
		list = &a.bios
	case flags&FlagISA != 0 || a.normal.count == 0:
		list = &a.isa
	default:
		list = &a.normal
	}

	d := list.popFront()
	if d == nil {
		a.listLock.Release()
		return InvalidFrame, errors.ErrOutOfMemory
	}
	a.reservedCount++
	d.count = 1
	needsClear := flags&FlagClear != 0 && !d.flags.has(flagCleared)
	a.listLock.Release()

	if needsClear {
		a.clearFrame(d.index)
	}

	return d.index, nil
}

// clearFrame zeroes frame f's contents through the reserved clearing
// window. The bit that would memoize "already zero" (flagCleared) is
// never set by Free, matching this allocator's documented, pessimistic
// behavior: every FlagClear allocation re-zeroes its frame.
func (a *Allocator) clearFrame(f Frame) {
	if mapClearWindowFn == nil {
		return
	}
	clearWindowLock.Acquire()
	defer clearWindowLock.Release()
	if err := mapClearWindowFn(f); err != nil {
		kernel.Panic(err)
	}
	defer unmapClearWindowFn()
	mem.Memset(mem.ClearWindowAddr, 0, mem.PageSize)
	d := a.frameDescriptor(f)
	d.flags &^= flagCleared
}

// Free decrements the frame's reference count; when it reaches zero the
// frame is returned to its original pool's free list. Freeing a reserved
// frame, or a frame whose count is already zero, is a fatal invariant
// violation.
func (a *Allocator) Free(f Frame) {
	d := a.frameDescriptor(f)
	if d == nil {
		kernel.Panic(&kernel.Error{Module: "pmm", Message: "free of out-of-range frame"})
		return
	}

	d.lock.Acquire()
	if d.flags.has(flagReserved) {
		d.lock.Release()
		kernel.Panic(&kernel.Error{Module: "pmm", Message: "free of reserved frame"})
		return
	}
	if d.count == 0 {
		d.lock.Release()
		kernel.Panic(&kernel.Error{Module: "pmm", Message: "double free of frame"})
		return
	}

	d.count--
	freed := d.count == 0
	d.lock.Release()

	if !freed {
		return
	}

	a.listLock.Acquire()
	a.reservedCount--
	a.poolList(d.pool).pushBack(d)
	a.listLock.Release()
}

// Reference increments a frame's reference count. Referencing a free frame
// is a fatal invariant violation.
func (a *Allocator) Reference(f Frame) {
	d := a.frameDescriptor(f)
	if d == nil {
		kernel.Panic(&kernel.Error{Module: "pmm", Message: "reference of out-of-range frame"})
		return
	}

	d.lock.Acquire()
	defer d.lock.Release()
	if d.count == 0 {
		kernel.Panic(&kernel.Error{Module: "pmm", Message: "reference of free frame"})
		return
	}
	d.count++
}

// Counter returns f's current reference count, or -1 if f is reserved or
// out of range.
func (a *Allocator) Counter(f Frame) int {
	d := a.frameDescriptor(f)
	if d == nil || d.flags.has(flagReserved) {
		return -1
	}
	d.lock.Acquire()
	defer d.lock.Release()
	return int(d.count)
}

// Lock acquires f's per-frame spinlock. It panics (fatally) if f is
// reserved or currently free.
func (a *Allocator) Lock(f Frame) {
	d := a.frameDescriptor(f)
	if d == nil || d.flags.has(flagReserved) {
		kernel.Panic(&kernel.Error{Module: "pmm", Message: "lock of reserved or out-of-range frame"})
		return
	}
	d.lock.Acquire()
	if d.count == 0 {
		d.lock.Release()
		kernel.Panic(&kernel.Error{Module: "pmm", Message: "lock of free frame"})
	}
}

// Unlock releases f's per-frame spinlock acquired via Lock.
func (a *Allocator) Unlock(f Frame) {
	d := a.frameDescriptor(f)
	if d == nil {
		kernel.Panic(&kernel.Error{Module: "pmm", Message: "unlock of out-of-range frame"})
		return
	}
	d.lock.Release()
}

// TotalFrames returns the number of frame descriptors managed by the
// allocator (frame 0..TotalFrames-1).
func (a *Allocator) TotalFrames() uint32 {
	return uint32(len(a.frames))
}

// FreeCount returns the number of allocatable (non-reserved, count==0)
// frames across all three pools.
func (a *Allocator) FreeCount() uint32 {
	return a.bios.count + a.isa.count + a.normal.count
}
