package vmm

import (
	"unsafe"

	"github.com/haoud/silicium/kernel/mem"
	"github.com/haoud/silicium/kernel/mem/pmm"
)

// PageDirectoryTable is a handle to a page directory's physical frame. The
// kernel range (PD indices [KernelBase/4MiB, 1023)) is identical across
// every PageDirectoryTable in the system; only the first 768 entries differ
// between processes.
type PageDirectoryTable struct {
	frame pmm.Frame
}

// kernelPD is constructed once at boot by InitKernelPD and never mutated
// afterwards; every user PageDirectoryTable starts life as a copy of it.
var kernelPD PageDirectoryTable

// Segment describes one kernel ELF segment that needs page-granular access
// rights distinct from the coarse identity map (text=R+X, rodata=R,
// data=R+W, init=R+W+X, bss=R+W).
type Segment struct {
	Start, End uintptr
	Access     Access
}

// InitKernelPD builds the kernel page directory: a page-aligned,
// statically allocated 1024-entry directory, the
// first 768 entries identity-mapping 3 GiB via 4 MiB pages, every kernel
// ELF segment overridden with page-granular rights, the self-mirroring slot
// installed at mirrorPDEIndex, and every remaining kernel-range PDE
// ([768, 1023)) pre-allocated so that cloning a PD only ever needs to copy
// the user-range entries by value.
func InitKernelPD(pdFrame pmm.Frame, segments []Segment) error {
	pdtPage, err := mapTemporaryFn(pdFrame)
	if err != nil {
		return err
	}

	mem.Memset(pdtPage.Address(), 0, mem.PageSize)
	entries := (*[pdEntries]pageTableEntry)(unsafe.Pointer(pdtPage.Address()))

	// Identity-map the first 3 GiB with 4 MiB pages.
	kernelBaseIndex := uint32(mem.KernelBase >> pdIndexShift)
	for i := uint32(0); i < kernelBaseIndex; i++ {
		pde := &entries[i]
		*pde = 0
		pde.SetFrame(pmm.Frame(i << (pdIndexShift - mem.PageShift)))
		pde.SetFlags(entryPresent | entryRW | entryHugePage)
	}

	// Self-mirroring slot.
	last := &entries[mirrorPDEIndex]
	*last = 0
	last.SetFrame(pdFrame)
	last.SetFlags(entryPresent | entryRW)

	// Pre-allocate every remaining kernel-range PDE.
	for i := kernelBaseIndex; i < mirrorPDEIndex; i++ {
		frame, aerr := allocFrameFn(pmm.FlagClear)
		if aerr != nil {
			unmapFn(pdtPage)
			return aerr
		}
		pde := &entries[i]
		*pde = 0
		pde.SetFrame(frame)
		pde.SetFlags(entryPresent | entryRW)
	}

	unmapFn(pdtPage)

	kernelPD.frame = pdFrame
	switchPDFn(pdFrame.Address())

	for _, seg := range segments {
		if err := mapSegment(seg); err != nil {
			return err
		}
	}

	return nil
}

// mapSegment demotes every 4 MiB large page overlapping [seg.Start, seg.End)
// into a regular page table (preserving the existing identity mapping for
// pages outside the segment) and installs seg.Access on the segment's own
// pages.
func mapSegment(seg Segment) error {
	for addr := seg.Start & ^(uintptr(mem.PageSize) - 1); addr < seg.End; addr += uintptr(mem.PageSize) {
		pdIndex, ptIndex := indices(addr)
		pde := pdePtr(pdIndex)

		if pde.HasFlags(entryHugePage) {
			if err := demotePDE(pdIndex); err != nil {
				return err
			}
		}

		pte := ptePtr(pdIndex, ptIndex)
		*pte = 0
		pte.SetFrame(pmm.FrameFromAddress(addr))
		pte.SetFlags(accessToEntryFlags(seg.Access))
		flushTLBEntryFn(addr)
	}
	return nil
}

// demotePDE replaces a 4 MiB large-page PDE with a regular page table whose
// 1024 entries reproduce the same identity mapping, preserving the pages
// that aren't part of any kernel segment.
func demotePDE(pdIndex uint32) error {
	oldFrame := pdePtr(pdIndex).Frame()

	ptFrame, err := allocFrameFn(pmm.FlagClear)
	if err != nil {
		return err
	}

	ptPage, terr := mapTemporaryFn(ptFrame)
	if terr != nil {
		return terr
	}
	entries := (*[pdEntries]pageTableEntry)(unsafe.Pointer(ptPage.Address()))
	for i := range entries {
		entries[i] = 0
		entries[i].SetFrame(pmm.Frame(uint32(oldFrame) + uint32(i)))
		entries[i].SetFlags(entryPresent | entryRW)
	}
	unmapFn(ptPage)

	pde := pdePtr(pdIndex)
	*pde = 0
	pde.SetFrame(ptFrame)
	pde.SetFlags(entryPresent | entryRW)
	flushTLBEntryFn(ptVirtAddr(pdIndex))
	return nil
}

// CreatePD allocates and initializes a new page directory as a copy of the
// kernel page directory, with its own self-mirroring slot pointing at its
// own physical frame.
func CreatePD() (PageDirectoryTable, error) {
	frame, err := allocFrameFn(pmm.FlagClear)
	if err != nil {
		return PageDirectoryTable{}, err
	}

	page, terr := mapTemporaryFn(frame)
	if terr != nil {
		return PageDirectoryTable{}, terr
	}

	srcPage, serr := mapTemporaryFn(kernelPD.frame)
	if serr != nil {
		unmapFn(page)
		return PageDirectoryTable{}, serr
	}
	mem.Memcopy(srcPage.Address(), page.Address(), mem.PageSize)
	unmapFn(srcPage)

	entries := (*[pdEntries]pageTableEntry)(unsafe.Pointer(page.Address()))
	last := &entries[mirrorPDEIndex]
	*last = 0
	last.SetFrame(frame)
	last.SetFlags(entryPresent | entryRW)

	unmapFn(page)
	return PageDirectoryTable{frame: frame}, nil
}

// ClonePD creates a new page directory initialized from the kernel PD, then
// stages copy-on-write for every present user-range PDE in src: the shared
// page-table frame's reference count is incremented, the source PDE is
// marked read-only, and the (now shared) PDE is copied into the new
// directory. The next write fault under a shared PDE clones the whole page
// table into a fresh frame and restores write rights on that PDE; the data
// pages themselves stay shared (see resolveCOWFault).
func ClonePD(src PageDirectoryTable) (PageDirectoryTable, error) {
	dst, err := CreatePD()
	if err != nil {
		return PageDirectoryTable{}, err
	}

	srcPage, serr := mapTemporaryFn(src.frame)
	if serr != nil {
		return PageDirectoryTable{}, serr
	}
	srcEntries := (*[pdEntries]pageTableEntry)(unsafe.Pointer(srcPage.Address()))

	dstPage, derr := mapTemporaryFn(dst.frame)
	if derr != nil {
		unmapFn(srcPage)
		return PageDirectoryTable{}, derr
	}
	dstEntries := (*[pdEntries]pageTableEntry)(unsafe.Pointer(dstPage.Address()))

	kernelBaseIndex := uint32(mem.KernelBase >> pdIndexShift)
	for i := uint32(0); i < kernelBaseIndex; i++ {
		pde := &srcEntries[i]
		if !pde.HasFlags(entryPresent) {
			continue
		}
		pmm.FrameAllocator.Reference(pde.Frame())
		pde.ClearFlags(entryRW)
		pde.SetFlags(entryCopyOnWrite)
		dstEntries[i] = *pde
	}

	unmapFn(dstPage)
	unmapFn(srcPage)

	// The source directory's rights changed; if it happens to be active,
	// flush every affected entry.
	if activePDFn() == src.frame.Address() {
		for i := uint32(0); i < kernelBaseIndex; i++ {
			flushTLBEntryFn(uintptr(i) << pdIndexShift)
		}
	}

	return dst, nil
}

// DestroyUserspace frees every page table and data page referenced by the
// user range of pd, then zeroes those directory entries. pd must not be the
// active directory.
func DestroyUserspace(pd PageDirectoryTable) error {
	page, err := mapTemporaryFn(pd.frame)
	if err != nil {
		return err
	}
	entries := (*[pdEntries]pageTableEntry)(unsafe.Pointer(page.Address()))

	kernelBaseIndex := uint32(mem.KernelBase >> pdIndexShift)
	for i := uint32(0); i < kernelBaseIndex; i++ {
		pde := &entries[i]
		if !pde.HasFlags(entryPresent) {
			continue
		}

		ptFrame := pde.Frame()
		// Counter takes and releases ptFrame's own per-frame lock
		// internally; bracketing this with a separate Lock/Unlock pair
		// would re-acquire that same lock from the current task and
		// deadlock (kernel/sync.Spinlock is not reentrant). Neither Free
		// call below is made while any per-frame lock is held, so they
		// stay outermost-to-innermost with the allocator's listLock per
		// the documented lock order.
		if pmm.FrameAllocator.Counter(ptFrame) == 1 {
			ptPage, perr := mapTemporaryFn(ptFrame)
			if perr == nil {
				ptEntries := (*[pdEntries]pageTableEntry)(unsafe.Pointer(ptPage.Address()))
				for _, pte := range ptEntries {
					if pte.HasFlags(entryPresent) {
						pmm.FrameAllocator.Free(pte.Frame())
					}
				}
				unmapFn(ptPage)
			}
		}
		pmm.FrameAllocator.Free(ptFrame)

		*pde = 0
	}

	unmapFn(page)
	return nil
}

// DestroyPD frees pd's own directory frame. Callers must have already
// released pd's user-range contents via DestroyUserspace and must not pass
// the active directory.
func DestroyPD(pd PageDirectoryTable) {
	pmm.FrameAllocator.Free(pd.frame)
}

// SetPD installs pd as the active page directory.
func SetPD(pd PageDirectoryTable) {
	switchPDFn(pd.frame.Address())
}

// UseKernelPD installs the kernel page directory as the active one.
func UseKernelPD() {
	switchPDFn(kernelPD.frame.Address())
}
