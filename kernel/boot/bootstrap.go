// Package boot sequences the cold-boot wiring of the memory-management
// stack: every package below this one (pmm, vmm, vmalloc, kmalloc,
// mmcontext) only exposes Init functions and mockable seams, never reaches
// for another package's singleton directly, and never decides its own
// place in the startup order. This package is that order, kept in one
// place the way kernel/kmain sequences the rest of the original boot path.
package boot

import (
	"github.com/haoud/silicium/kernel"
	"github.com/haoud/silicium/kernel/hal/multiboot"
	"github.com/haoud/silicium/kernel/mem"
	"github.com/haoud/silicium/kernel/mem/kmalloc"
	"github.com/haoud/silicium/kernel/mem/pmm"
	"github.com/haoud/silicium/kernel/mem/vmalloc"
	"github.com/haoud/silicium/kernel/mem/vmm"
)

var errBootstrapReturned = &kernel.Error{Module: "boot", Message: "Bootstrap returned"}

// Info carries the handful of facts the rt0 entry stub hands to Go: the
// multiboot payload and the kernel image's own physical footprint. Reading
// these out of registers/the linker script is an asm-bootstrap concern
// kept out of this package.
type Info struct {
	MultibootInfoPtr uintptr
	KernelStart      uintptr
	KernelEnd        uintptr

	// KernelSegments describes each ELF segment's access rights, used to
	// narrow the kernel's coarse identity map down to per-segment rights.
	// Produced by parsing the kernel image's own section headers, which
	// is also an asm/linker-script concern kept out of this package.
	KernelSegments []vmm.Segment

	// PDFrame is the physical frame InitKernelPD builds the kernel page
	// directory in. It is handed in rather than allocated from pmm.
	PDFrame pmm.Frame

	// FrameArrayAddr is where PAGE's descriptor array is first overlaid,
	// before paging exists: physical memory at "end of kernel image +
	// some margin", identity-mapped by the same static directory
	// InitKernelPD builds. Once paging is live, Bootstrap maps the same
	// frames again just below mem.VMallocStart and moves the array's
	// virtual address there (see Remap below).
	FrameArrayAddr uintptr
}

// Bootstrap brings up the entire memory-management stack in the one valid
// topological order: PAGE before PAGING (the frame allocator clears frames
// through a mapping PAGING must provide), PAGING before VMALLOC (the
// carver maps the ranges it hands out), VMALLOC before SLUB-backed
// allocators that grow through it (KMALLOC's size classes), and MMCONTEXT
// last, since it only wraps PAGING handles and has no bootstrap needs of
// its own.
//
// Bootstrap does not return on success; like the upstream Kmain it replaces,
// it hands control to the scheduler (out of scope here), so reaching the
// end of this function is itself a fatal condition.
func Bootstrap(info Info) {
	multiboot.SetInfoPtr(info.MultibootInfoPtr)

	if err := pmm.Init(info.KernelStart, info.KernelEnd, info.FrameArrayAddr); err != nil {
		kernel.Panic(err)
	}

	vmm.SetFrameAllocator(pmm.FrameAllocator.Alloc)
	if err := vmm.InitKernelPD(info.PDFrame, info.KernelSegments); err != nil {
		kernel.Panic(err)
	}
	if err := vmm.Init(); err != nil {
		kernel.Panic(err)
	}

	pmm.SetClearWindowFuncs(mapClearWindow, unmapClearWindow)

	// The frame array was identity-mapped at a fixed physical address so
	// that PAGE could run before paging existed. Now that paging and
	// VMALLOC's eventual home are both live, relocate it into ordinary
	// kernel-virtual space so it is reachable the same way as every
	// other kernel data structure; it keeps its physical frames.
	// Vmalloc isn't ready yet at this point, so the carver's own
	// managed range is untouched by the relocation: the array moves into
	// one freshly mapped run immediately below it instead.
	arraySize := pmm.RequiredBytes()
	newArrayAddr := mem.VMallocStart - uintptr(arraySize)
	if err := remapFrameArray(info.FrameArrayAddr, newArrayAddr, arraySize); err != nil {
		kernel.Panic(err)
	}
	pmm.FrameAllocator.Remap(newArrayAddr)

	if err := vmalloc.Init(mem.VMallocStart, mem.VMallocEnd); err != nil {
		kernel.Panic(err)
	}
	if err := kmalloc.Init(); err != nil {
		kernel.Panic(err)
	}

	// mmcontext has no bootstrap step of its own: Context.Create builds
	// on vmm.CreatePD, which is already self-contained (allocates and
	// initializes its own directory frame through pmm/vmm). The first
	// real mmcontext.Create call is made by the process subsystem, which
	// is out of scope here.

	kernel.Panic(errBootstrapReturned)
}

// remapFrameArray maps newAddr to the same physical frames oldAddr
// currently occupies, page by page, so that pmm.Allocator.Remap can switch
// over to it without losing a single descriptor.
func remapFrameArray(oldAddr, newAddr uintptr, size mem.Size) error {
	pages := size.Pages()
	for i := uint32(0); i < pages; i++ {
		off := uintptr(i) * uintptr(mem.PageSize)
		if err := vmm.MapPage(newAddr+off, oldAddr+off, vmm.AccessRead|vmm.AccessWrite, vmm.FlagPresent); err != nil {
			return err
		}
	}
	return nil
}

// mapClearWindow and unmapClearWindow adapt vmm's page-mapping primitives
// to the func(Frame) *kernel.Error / func() shape pmm.SetClearWindowFuncs
// expects, the same translation InitKernelPD's own callers need between
// vmm's plain `error` and the rest of the kernel's *kernel.Error type.
func mapClearWindow(frame pmm.Frame) *kernel.Error {
	if err := vmm.MapPage(mem.ClearWindowAddr, frame.Address(), vmm.AccessRead|vmm.AccessWrite, vmm.FlagPresent); err != nil {
		if kerr, ok := err.(*kernel.Error); ok {
			return kerr
		}
		return &kernel.Error{Module: "boot", Message: err.Error()}
	}
	return nil
}

func unmapClearWindow() {
	vmm.UnmapPage(mem.ClearWindowAddr)
}
