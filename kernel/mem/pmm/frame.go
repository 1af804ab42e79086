// Package pmm implements the physical frame allocator: one descriptor per
// 4 KiB physical frame, reference-counted and drawn from three free pools
// (bios, isa, normal).
package pmm

import (
	"math"

	"github.com/haoud/silicium/kernel/mem"
	ksync "github.com/haoud/silicium/kernel/sync"
)

// Frame identifies a physical memory page by its frame number.
type Frame uint32

// InvalidFrame is returned by allocation paths that fail to reserve a
// frame.
const InvalidFrame = Frame(math.MaxUint32)

// IsValid reports whether f is a usable frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the start of this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the frame containing the given physical address,
// rounding down if addr is not page-aligned.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(addr >> mem.PageShift)
}

// flags describes per-frame static and dynamic attributes.
type flags uint8

const (
	// flagReserved marks a frame that will never be handed out by the
	// allocator (null frame, kernel image, allocator metadata, ...).
	flagReserved flags = 1 << iota

	// flagCleared memoizes that the frame's contents are already
	// zeroed. This bit is read by Alloc(Clear) but never set by this
	// implementation, a deliberately pessimistic choice: a stale clear
	// bit would hand out dirty memory as zeroed.
	flagCleared

	// flagBios marks frames below 1 MiB.
	flagBios

	// flagISA marks frames below 16 MiB (a superset of flagBios).
	flagISA
)

func (f flags) has(want flags) bool { return f&want != 0 }

// pool identifies which of the three free pools a non-reserved frame
// belongs to. A frame's pool is computed once at init time from its frame
// number and never changes.
type pool uint8

const (
	poolNormal pool = iota
	poolISA
	poolBios
)

// descriptor is the per-frame bookkeeping record. The array of descriptors
// is allocated once at bootstrap and never resized. Allocator.Remap moves
// it to a new virtual address and rebuilds the free lists there, so the
// descriptor pointers used as free-list links point into the new mapping.
type descriptor struct {
	index Frame
	count uint32
	flags flags
	pool  pool

	// lock guards count and flags.cleared mutations for this frame.
	lock ksync.Spinlock

	// nextFree/prevFree link this descriptor into its pool's free list.
	// Both are nil iff the frame is reserved or currently allocated.
	nextFree, prevFree *descriptor
}
