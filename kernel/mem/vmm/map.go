package vmm

import (
	"unsafe"

	"github.com/haoud/silicium/kernel"
	"github.com/haoud/silicium/kernel/cpu"
	"github.com/haoud/silicium/kernel/errors"
	"github.com/haoud/silicium/kernel/mem"
	"github.com/haoud/silicium/kernel/mem/pmm"
)

var (
	// activePDFn, flushTLBEntryFn and switchPDFn are used by tests to
	// override calls that would otherwise fault outside ring 0. Production
	// code never calls cpu.* directly; it goes through these seams instead.
	activePDFn      = cpu.ActivePD
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDFn      = cpu.SwitchPD

	// allocFrameFn is wired by boot once the frame allocator is up; vmm
	// never imports pmm.FrameAllocator directly so tests can substitute a
	// fake.
	allocFrameFn func(pmm.AllocFlag) (pmm.Frame, error)

	// ptePtrFn converts a computed PDE/PTE virtual address into a pointer.
	// In production this is a plain unsafe cast of the self-mirrored
	// address; tests override it to redirect reads/writes into ordinary
	// Go-allocated memory instead of dereferencing the real (unmapped,
	// when hosted) mirror addresses.
	ptePtrFn = func(addr uintptr) unsafe.Pointer {
		return unsafe.Pointer(addr)
	}
)

// SetFrameAllocator registers the function new page tables are allocated
// from.
func SetFrameAllocator(allocFn func(pmm.AllocFlag) (pmm.Frame, error)) {
	allocFrameFn = allocFn
}

func pdePtr(index uint32) *pageTableEntry {
	return (*pageTableEntry)(ptePtrFn(pdVirtAddr() + uintptr(index)<<mem.PointerShift))
}

func ptePtr(pdIndex, ptIndex uint32) *pageTableEntry {
	return (*pageTableEntry)(ptePtrFn(ptVirtAddr(pdIndex) + uintptr(ptIndex)<<mem.PointerShift))
}

func indices(vaddr uintptr) (pdIndex, ptIndex uint32) {
	v := uint32(vaddr)
	return (v >> pdIndexShift) & indexMask, (v >> ptIndexShift) & indexMask
}

// MapPage installs a mapping from vaddr to paddr in the active page
// directory with the given access rights and flags. It allocates a new page
// table frame (via the registered frame allocator) if the directory entry
// for vaddr is not yet present. Mapping an already-present page is a fatal
// invariant violation.
func MapPage(vaddr, paddr uintptr, access Access, flags Flag) error {
	pdIndex, ptIndex := indices(vaddr)
	pde := pdePtr(pdIndex)

	if !pde.HasFlags(entryPresent) {
		frame, err := allocFrameFn(pmm.FlagClear)
		if err != nil {
			return err
		}
		*pde = 0
		pde.SetFrame(frame)
		pde.SetFlags(entryPresent | entryRW)
		if vaddr < mem.KernelBase {
			pde.SetFlags(entryUser)
		}
		flushTLBEntryFn(ptVirtAddr(pdIndex))
	}

	pte := ptePtr(pdIndex, ptIndex)
	if pte.HasFlags(entryPresent) {
		kernel.Panic(&kernel.Error{Module: "vmm", Message: "map of already-present page"})
		return nil
	}

	*pte = 0
	pte.SetFrame(pmm.FrameFromAddress(paddr))
	pte.SetFlags(accessToEntryFlags(access) | flagsToEntryFlags(flags))

	flushTLBEntryFn(ptVirtAddr(pdIndex))
	flushTLBEntryFn(vaddr)
	return nil
}

// UnmapPage clears the mapping for vaddr, returning the physical address
// that used to be mapped there, or 0 if vaddr was not mapped.
//
// TODO: a page table left entirely empty by this call is never reclaimed,
// so its frame leaks until the owning address space is destroyed. Freeing
// it would require scanning all 1024 PTEs on every unmap to detect the
// all-clear case; deferred until a reclaim path exists.
func UnmapPage(vaddr uintptr) uintptr {
	pdIndex, ptIndex := indices(vaddr)
	pde := pdePtr(pdIndex)
	if !pde.HasFlags(entryPresent) {
		return 0
	}

	pte := ptePtr(pdIndex, ptIndex)
	if !pte.HasFlags(entryPresent) {
		return 0
	}

	paddr := pte.Frame().Address()
	*pte = 0
	flushTLBEntryFn(vaddr)
	return paddr
}

// SetRights updates the access rights of an existing mapping, returning
// errors.ErrNotMapped if vaddr is not mapped.
func SetRights(vaddr uintptr, access Access) error {
	pte, err := pteForAddress(vaddr)
	if err != nil {
		return err
	}
	pte.ClearFlags(entryRW | entryUser | entryNoExec)
	pte.SetFlags(accessToEntryFlags(access) &^ entryPresent)
	pte.SetFlags(entryPresent)
	flushTLBEntryFn(vaddr)
	return nil
}

// SetFlags updates the ancillary flags of an existing mapping, returning
// errors.ErrNotMapped if vaddr is not mapped.
func SetFlags(vaddr uintptr, flags Flag) error {
	pte, err := pteForAddress(vaddr)
	if err != nil {
		return err
	}
	pte.ClearFlags(entryGlobal)
	pte.SetFlags(flagsToEntryFlags(flags))
	flushTLBEntryFn(vaddr)
	return nil
}

// Rights returns the access rights of vaddr's mapping, or 0 if vaddr is not
// mapped.
func Rights(vaddr uintptr) Access {
	pte, err := pteForAddress(vaddr)
	if err != nil {
		return 0
	}
	return entryAccess(*pte)
}

// Flags returns the ancillary flags of vaddr's mapping, or 0 if vaddr is not
// mapped.
func Flags(vaddr uintptr) Flag {
	pte, err := pteForAddress(vaddr)
	if err != nil {
		return 0
	}
	return entryFlags(*pte)
}

// pteForAddress returns a pointer to the final page-table entry for vaddr in
// the currently active page directory, or errors.ErrNotMapped if either the
// directory or the table entry is not present.
func pteForAddress(vaddr uintptr) (*pageTableEntry, error) {
	pdIndex, ptIndex := indices(vaddr)
	pde := pdePtr(pdIndex)
	if !pde.HasFlags(entryPresent) {
		return nil, errors.ErrNotMapped
	}
	pte := ptePtr(pdIndex, ptIndex)
	if !pte.HasFlags(entryPresent) {
		return nil, errors.ErrNotMapped
	}
	return pte, nil
}

// MapInterval maps every page in [vaddr, vaddr+size) to consecutive
// physical frames starting at paddr.
func MapInterval(vaddr, paddr uintptr, size mem.Size, access Access, flags Flag) error {
	pages := size.Pages()
	for i := uint32(0); i < pages; i++ {
		off := uintptr(i) * uintptr(mem.PageSize)
		if err := MapPage(vaddr+off, paddr+off, access, flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapInterval unmaps every page in [vaddr, vaddr+size).
func UnmapInterval(vaddr uintptr, size mem.Size) {
	pages := size.Pages()
	for i := uint32(0); i < pages; i++ {
		UnmapPage(vaddr + uintptr(i)*uintptr(mem.PageSize))
	}
}

// ChangeRightsInterval updates the access rights of every mapped page in
// [vaddr, vaddr+size).
func ChangeRightsInterval(vaddr uintptr, size mem.Size, access Access) {
	pages := size.Pages()
	for i := uint32(0); i < pages; i++ {
		_ = SetRights(vaddr+uintptr(i)*uintptr(mem.PageSize), access)
	}
}
