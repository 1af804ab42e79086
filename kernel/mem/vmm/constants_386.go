//go:build 386
// +build 386

package vmm

import "github.com/haoud/silicium/kernel/mem"

const (
	// pdEntries is the number of entries in a page directory or page
	// table on the 386 two-level paging scheme.
	pdEntries = 1024

	// ptePhysPageMask extracts the physical frame address from a page
	// directory/table entry (bits 12-31).
	ptePhysPageMask = uint32(0xFFFFF000)

	// pdIndexShift/ptIndexShift split a 32-bit virtual address into its
	// page-directory index, page-table index and in-page offset.
	pdIndexShift = 22
	ptIndexShift = 12
	indexMask    = uint32(0x3FF)
)

var (
	// mirrorBase is the virtual address at which the active page
	// directory appears, courtesy of the self-mirroring slot installed
	// at mirrorPDEIndex.
	mirrorBase = mem.MirrorBase

	// mirrorPDEIndex is the page-directory slot reserved for the
	// self-mirroring trick.
	mirrorPDEIndex = uint32(mem.SelfMirrorPDEIndex)

	// tempMappingAddr is a reserved virtual page used to reach an
	// inactive page directory's frame (e.g. while cloning or destroying
	// a userspace address space).
	tempMappingAddr = mem.ClearWindowAddr - uintptr(mem.PageSize)

	// secondTempMappingAddr is a second reserved window, used only by the
	// copy-on-write page-table clone path which needs to see the old and
	// new page tables at the same time.
	secondTempMappingAddr = tempMappingAddr - uintptr(mem.PageSize)
)

// pdVirtAddr returns the virtual address at which the active PD appears.
// The mirror slot's PDE points at the PD's own frame rather than at a
// regular page table, so the PD is reached through the same formula as any
// other directory slot's page table, using its own index.
func pdVirtAddr() uintptr {
	return ptVirtAddr(mirrorPDEIndex)
}

// ptVirtAddr returns the virtual address at which the page table for the
// given PD index appears, via the mirroring trick.
func ptVirtAddr(pdIndex uint32) uintptr {
	return mirrorBase + uintptr(pdIndex)*uintptr(mem.PageSize)
}
