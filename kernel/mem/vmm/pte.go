package vmm

import (
	"github.com/haoud/silicium/kernel/mem/pmm"
)

// Access describes the access rights requested for a mapping, as accepted
// by MapPage and SetRights.
type Access uint32

const (
	// AccessRead is always implied; kept as an explicit bit so callers
	// can pass it for clarity.
	AccessRead Access = 1 << iota

	// AccessWrite allows the mapped page to be written to.
	AccessWrite

	// AccessExecute marks the mapped page as containing executable code.
	// 386 paging without PAE has no hardware no-execute bit; this flag is
	// tracked purely in software (readable back via Rights) and is never
	// enforced by the MMU.
	AccessExecute

	// AccessUser allows user-mode code to access the mapped page.
	AccessUser
)

// Flag describes ancillary mapping flags, as accepted by MapPage and
// SetFlags.
type Flag uint32

const (
	// FlagPresent marks the mapping as present. It is implied by a
	// successful MapPage and is mostly useful for Flags() readback.
	FlagPresent Flag = 1 << iota

	// FlagGlobal prevents the TLB from flushing this mapping's entry
	// across a CR3 reload.
	FlagGlobal
)

// PageTableEntryFlag describes the hardware (and a few software) bits
// tracked on a single page-directory or page-table entry.
type PageTableEntryFlag uint32

const (
	entryPresent PageTableEntryFlag = 1 << iota
	entryRW
	entryUser
	entryWriteThrough
	entryCacheDisable
	entryAccessed
	entryDirty
	entryHugePage
	entryGlobal
	// entryCopyOnWrite and entryNoExec live in the entry's ignored bits
	// (9-11); 386 paging has no hardware NX bit, so entryNoExec is
	// software-only bookkeeping, read back via Rights() but never
	// consulted by the MMU.
	entryCopyOnWrite
	entryNoExec
)

// pageTableEntry describes a single page-directory or page-table entry.
type pageTableEntry uint32

func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return pageTableEntry(flags)&pte == pageTableEntry(flags)
}

func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte |= pageTableEntry(flags)
}

func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte &^= pageTableEntry(flags)
}

func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.FrameFromAddress(uintptr(uint32(pte) & ptePhysPageMask))
}

func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (*pte &^ pageTableEntry(ptePhysPageMask)) | pageTableEntry(uint32(frame.Address())&ptePhysPageMask)
}

// accessToEntryFlags converts the public Access bitset into the internal
// hardware/software entry flags (always including entryPresent).
func accessToEntryFlags(access Access) PageTableEntryFlag {
	flags := entryPresent
	if access&AccessWrite != 0 {
		flags |= entryRW
	}
	if access&AccessUser != 0 {
		flags |= entryUser
	}
	if access&AccessExecute == 0 {
		flags |= entryNoExec
	}
	return flags
}

// flagsToEntryFlags converts the public Flag bitset into the internal entry
// flags it corresponds to.
func flagsToEntryFlags(flags Flag) PageTableEntryFlag {
	var out PageTableEntryFlag
	if flags&FlagGlobal != 0 {
		out |= entryGlobal
	}
	return out
}

// entryAccess reconstructs the public Access bitset from an entry's flags.
func entryAccess(pte pageTableEntry) Access {
	access := AccessRead
	if pte.HasFlags(entryRW) {
		access |= AccessWrite
	}
	if pte.HasFlags(entryUser) {
		access |= AccessUser
	}
	if !pte.HasFlags(entryNoExec) {
		access |= AccessExecute
	}
	return access
}

// entryFlags reconstructs the public Flag bitset from an entry's flags.
func entryFlags(pte pageTableEntry) Flag {
	var flags Flag
	if pte.HasFlags(entryPresent) {
		flags |= FlagPresent
	}
	if pte.HasFlags(entryGlobal) {
		flags |= FlagGlobal
	}
	return flags
}
