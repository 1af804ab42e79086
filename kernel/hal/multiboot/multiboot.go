// Package multiboot is a typed, allocation-free view over the multiboot2
// information structure handed to the kernel by the bootloader. Parsing
// the raw tag stream is a bootloader-integration concern kept separate
// from the allocators; this package only exposes the two shapes the
// memory-management bootstrap consumes: the physical memory map and the
// list of loaded modules (initrd images).
package multiboot

import "unsafe"

type tagType uint32

const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// info describes the multiboot info section header.
type info struct {
	totalSize uint32
	reserved  uint32
}

// tagHeader describes the header that precedes each tag.
type tagHeader struct {
	tagType tagType
	size    uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// moduleHeader describes the header for a boot module tag. The module's
// name follows immediately as a NUL-terminated string.
type moduleHeader struct {
	modStart uint32
	modEnd   uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info
	// that can be reclaimed by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown is mapped to MemReserved.
	memUnknown
)

// MemoryMapEntry describes a memory region entry: its physical address,
// length and type, as reported by the bootloader.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// Module describes a boot module (e.g. a ustar initrd image) loaded by the
// bootloader alongside the kernel image.
type Module struct {
	PhysAddrStart uintptr
	PhysAddrEnd   uintptr
	Name          string
}

var infoData uintptr

// MemRegionVisitor is invoked by VisitMemRegions for each memory region
// reported by the bootloader. Returning false aborts the scan early.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// SetInfoPtr updates the internal multiboot information pointer. It must be
// called before any other function in this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions invokes visitor for each memory region described by the
// multiboot info blob set via SetInfoPtr.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	for curPtr != endPtr {
		entry := (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// Modules returns the boot module supplied by the bootloader, with the
// name passed on the kernel command line (e.g. "initrd.tar"). Only the
// first module tag is read: the result holds at most one Module.
func Modules() []Module {
	curPtr, size := findTagByType(tagModules)
	if size == 0 {
		return nil
	}

	hdr := (*moduleHeader)(unsafe.Pointer(curPtr))
	nameStart := curPtr + 8
	name := cString(nameStart, curPtr+uintptr(size))

	return []Module{{
		PhysAddrStart: uintptr(hdr.modStart),
		PhysAddrEnd:   uintptr(hdr.modEnd),
		Name:          name,
	}}
}

func cString(start, limit uintptr) string {
	end := start
	for end < limit && *(*byte)(unsafe.Pointer(end)) != 0 {
		end++
	}
	buf := make([]byte, end-start)
	for i := range buf {
		buf[i] = *(*byte)(unsafe.Pointer(start + uintptr(i)))
	}
	return string(buf)
}

// findTagByType scans the multiboot info data for the start of the tag with
// the given type. It returns a pointer to the tag contents (excluding the
// tag header) and their length, or (0, 0) if the tag is not present.
func findTagByType(tagType tagType) (uintptr, uint32) {
	curPtr := infoData + 8
	for ptrTagHeader := (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags start at 8-byte aligned addresses.
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
