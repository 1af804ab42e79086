package vmm

import "github.com/haoud/silicium/kernel/mem/pmm"

var (
	// mapTemporaryFn and unmapFn back the single reserved temp-mapping
	// window used to reach frames that aren't otherwise addressable
	// (inactive page tables reached via InitKernelPD/demotePDE/CreatePD/
	// ClonePD/DestroyUserspace). Tests substitute both.
	mapTemporaryFn = MapTemporary
	unmapFn        = UnmapTemporary
)

// MapTemporary establishes a temporary RW mapping of frame at the single
// reserved temp-mapping window. The window holds one frame at a time:
// MapPage treats a second MapTemporary before UnmapTemporary as a map of an
// already-present page and panics.
func MapTemporary(frame pmm.Frame) (Page, error) {
	if err := MapPage(tempMappingAddr, frame.Address(), AccessRead|AccessWrite, FlagPresent); err != nil {
		return 0, err
	}
	return PageFromAddress(tempMappingAddr), nil
}

// UnmapTemporary removes the mapping installed by MapTemporary.
func UnmapTemporary(page Page) {
	UnmapPage(page.Address())
}
