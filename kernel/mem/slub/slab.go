// Package slub implements the SLUB component: a per-class pool of
// same-sized, same-aligned objects living in one or more slabs, each
// carved from a caller-supplied virtual-memory range. Every unused
// object's first bytes double as an intrusive free-list node, so the pool
// never needs a side allocation to track its own free objects.
package slub

import (
	"unsafe"

	ksync "github.com/haoud/silicium/kernel/sync"
)

// freeNode is overlaid on the first bytes of a free object; it is the only
// metadata a free slot carries.
type freeNode struct {
	next *freeNode
}

// membership identifies which of an Allocator's three lists a Slab
// currently belongs to.
type membership uint8

const (
	memberFree membership = iota
	memberPartial
	memberFull
)

// Slab is a contiguous virtual range carved into objectsMax equal-sized,
// equal-aligned slots. Exactly one of its slots is tracked per free-list
// node; used slots carry no slub metadata at all.
type Slab struct {
	start, end uintptr

	objectSize, objectAlign uint32
	objectsMax, objectsUsed uint32

	freeHead *freeNode

	// lock guards freeHead and objectsUsed. It is always acquired after
	// the owning Allocator's lock has been released (see Allocator.
	// Allocate), never while that lock is held, matching spec.md §5's
	// slab-list-lock-before-per-slab-lock ordering.
	lock ksync.Spinlock

	member membership
	next, prev *Slab
}

// newSlab carves [start, end) into objectSize-rounded-to-objectAlign slots
// and threads every slot onto the free list in ascending address order, so
// the first allocation returns the lowest address (matching the teacher's
// pool carving idiom elsewhere in this stack, e.g. pmm's freeList.pushBack
// used in ascending index order at init).
func newSlab(start, end uintptr, objectSize, objectAlign uint32) *Slab {
	stride := alignUp(objectSize, objectAlign)
	length := uint32(end - start)
	max := length / stride

	s := &Slab{
		start:       start,
		end:         end,
		objectSize:  objectSize,
		objectAlign: objectAlign,
		objectsMax:  max,
	}

	var tail *freeNode
	for i := uint32(0); i < max; i++ {
		addr := start + uintptr(i*stride)
		node := (*freeNode)(unsafe.Pointer(addr))
		node.next = nil
		if tail == nil {
			s.freeHead = node
		} else {
			tail.next = node
		}
		tail = node
	}

	return s
}

// contains reports whether ptr falls inside this slab's carved range.
func (s *Slab) contains(ptr uintptr) bool {
	return ptr >= s.start && ptr < s.end
}

// alignUp rounds size up to the next multiple of align (align must be a
// power of two).
func alignUp(size, align uint32) uint32 {
	if align == 0 {
		return size
	}
	return (size + align - 1) &^ (align - 1)
}
