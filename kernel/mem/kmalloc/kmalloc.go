// Package kmalloc implements the KMALLOC component: a fixed table of
// size classes, each backed by its own lazily created SLUB allocator,
// routing Malloc(size) to the smallest class whose object size covers it
// and Free(ptr) to whichever class's slub allocator owns the pointer.
package kmalloc

import (
	"unsafe"

	"github.com/haoud/silicium/kernel/errors"
	"github.com/haoud/silicium/kernel/kfmt/early"
	"github.com/haoud/silicium/kernel/mem"
	"github.com/haoud/silicium/kernel/mem/slub"
	"github.com/haoud/silicium/kernel/mem/vmalloc"
)

// MallocAlignment is the alignment guaranteed to every object Malloc
// returns, regardless of size class.
const MallocAlignment = uint32(16)

// classSizes are the fixed size-class boundaries, smallest first. The
// largest class bounds the biggest single allocation Malloc can satisfy.
var classSizes = [...]uint32{
	32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536,
}

// objectsPerSlabHint scales down as the class size grows, so that no
// class's slab backing range balloons past a handful of pages; it never
// drops below 1.
func objectsPerSlabHint(classSize uint32) uint32 {
	hint := (4 * uint32(mem.PageSize)) / classSize
	if hint == 0 {
		hint = 1
	}
	return hint
}

type class struct {
	size  uint32
	alloc *slub.Allocator
}

var classes [len(classSizes)]class

// growFn adapts vmalloc.Vmalloc to slub's GrowFunc signature, backing
// every class's slabs with mapped kernel-virtual memory. Tests substitute
// it with a fake backed by plain Go memory, the same seam idiom used by
// kernel/mem/vmm and kernel/mem/vmalloc.
var growFn slub.GrowFunc = func(length mem.Size) (uintptr, uintptr, error) {
	vaddr, err := vmalloc.Vmalloc(length, vmalloc.FlagMap)
	if err != nil {
		return 0, 0, err
	}
	return vaddr, vaddr + uintptr(length), nil
}

// Init constructs the twelve size-class allocators. Every class is lazy
// (its first slab is created by the first Malloc that hits it) except
// where a caller wants to eagerly warm a class; this module always starts
// every class lazily, matching spec.md §4.5's "lazily created slub
// allocator" wording.
func Init() error {
	for i, size := range classSizes {
		a, err := slub.New(slub.Config{
			ObjectSize:     size,
			ObjectAlign:    MallocAlignment,
			ObjectsPerSlab: objectsPerSlabHint(size),
			Flags:          slub.FlagLazy,
		}, growFn)
		if err != nil {
			return err
		}
		classes[i] = class{size: size, alloc: a}
	}
	return nil
}

// classFor returns the index of the smallest class able to hold size
// bytes, or -1 if size exceeds the largest class.
func classFor(size uint32) int {
	for i, c := range classSizes {
		if c >= size {
			return i
		}
	}
	return -1
}

// Malloc returns a pointer to size bytes of memory aligned to
// MallocAlignment, or an error if size exceeds the largest class or the
// owning class's allocator is exhausted.
func Malloc(size uint32) (unsafe.Pointer, error) {
	idx := classFor(size)
	if idx < 0 {
		return nil, errors.ErrInvalid
	}
	addr, err := classes[idx].alloc.Allocate()
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(addr), nil
}

// Free releases a pointer previously returned by Malloc. It tries each
// size class in turn until one reports ownership; an error is logged (not
// panicked — spec.md §7 treats this as a soft condition) if none does,
// which only happens if the caller passes a pointer Malloc never returned.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	addr := uintptr(ptr)
	for _, c := range classes {
		if c.alloc == nil {
			continue
		}
		freed, err := c.alloc.Free(addr)
		if err != nil {
			early.Printf("[kmalloc] error freeing %#x from class %d: %s\n", addr, c.size, err.Error())
			return
		}
		if freed {
			return
		}
	}
	early.Printf("[kmalloc] warning: free of pointer %#x owned by no size class\n", addr)
}
