package vmm

import "github.com/haoud/silicium/kernel/mem"

// Translate returns the physical address that corresponds to the supplied
// virtual address, or errors.ErrNotMapped if the virtual address is not
// mapped in the currently active page directory.
func Translate(virtAddr uintptr) (uintptr, error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	offset := virtAddr & (uintptr(mem.PageSize) - 1)
	return pte.Frame().Address() + offset, nil
}
