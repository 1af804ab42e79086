package pmm

import (
	"testing"
	"unsafe"

	"github.com/haoud/silicium/kernel/errors"
	"github.com/haoud/silicium/kernel/hal/multiboot"
	"github.com/haoud/silicium/kernel/mem"
)

// setupMultiboot installs a synthetic memory map large enough to exercise
// the three pools: a small bios-range region, an isa-range region and a
// large "normal" region.
func setupMultiboot(t *testing.T) {
	t.Helper()

	entrySize := uint32(unsafe.Sizeof(multiboot.MemoryMapEntry{}))
	entries := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9F000, Type: multiboot.MemAvailable},           // bios pool
		{PhysAddress: 0x100000, Length: 0xF00000, Type: multiboot.MemAvailable},   // isa pool (<16MiB)
		{PhysAddress: 0x1000000, Length: 0x1000000, Type: multiboot.MemAvailable}, // normal pool
	}

	mmapTagSize := uint32(16) + entrySize*uint32(len(entries))
	total := uint32(8) + mmapTagSize + 8
	buf := make([]byte, total)

	*(*uint32)(unsafe.Pointer(&buf[0])) = total

	off := uint32(8)
	type tagHeader struct {
		tagType uint32
		size    uint32
	}
	type mmapHeader struct {
		entrySize    uint32
		entryVersion uint32
	}
	*(*tagHeader)(unsafe.Pointer(&buf[off])) = tagHeader{tagType: 6, size: mmapTagSize}
	*(*mmapHeader)(unsafe.Pointer(&buf[off+8])) = mmapHeader{entrySize: entrySize}
	entOff := off + 16
	for _, e := range entries {
		*(*multiboot.MemoryMapEntry)(unsafe.Pointer(&buf[entOff])) = e
		entOff += entrySize
	}
	off += mmapTagSize
	*(*tagHeader)(unsafe.Pointer(&buf[off])) = tagHeader{tagType: 0, size: 8}

	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&buf[0])))
	t.Cleanup(func() {
		// keep buf alive for the duration of the test via closure capture
		_ = buf
	})
}

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	setupMultiboot(t)

	size := RequiredBytes()
	backing := make([]byte, size+mem.PageSize) // slack for alignment
	arrayAddr := uintptr(unsafe.Pointer(&backing[0]))

	var a Allocator
	// kernelEnd is expressed as a kernel-virtual address, mirroring how the
	// real boot path calls Init: the physical image occupies
	// [0x100000, 0x110000) and is mapped at KernelBase+0x110000.
	kernelStart := uintptr(0x100000)
	kernelEnd := mem.KernelBase + 0x110000
	if err := a.init(kernelStart, kernelEnd, arrayAddr); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	return &a
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t)

	before := a.FreeCount()

	f, err := a.Alloc(FlagClear)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.IsValid() {
		t.Fatal("expected a valid frame")
	}
	if got := a.Counter(f); got != 1 {
		t.Fatalf("expected counter 1; got %d", got)
	}

	a.Free(f)

	if got := a.Counter(f); got != 0 {
		t.Fatalf("expected counter 0 after free; got %d", got)
	}
	if got := a.FreeCount(); got != before {
		t.Fatalf("expected free count to return to %d; got %d", before, got)
	}
}

func TestAllocPoolSelection(t *testing.T) {
	a := newTestAllocator(t)

	f, err := a.Alloc(FlagBios)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Address() >= 0x100000 {
		t.Fatalf("expected bios frame below 1MiB; got %x", f.Address())
	}
	a.Free(f)
}

func TestAllocOutOfMemory(t *testing.T) {
	a := newTestAllocator(t)

	var allocated []Frame
	for {
		f, err := a.Alloc(FlagBios)
		if err != nil {
			if err != errors.ErrOutOfMemory {
				t.Fatalf("expected ErrOutOfMemory; got %v", err)
			}
			break
		}
		allocated = append(allocated, f)
	}

	for _, f := range allocated {
		a.Free(f)
	}

	if got := a.bios.count; int(got) != len(allocated) {
		t.Fatalf("expected all bios frames to be returned; got %d want %d", got, len(allocated))
	}
}

func TestReferenceIncrementsCount(t *testing.T) {
	a := newTestAllocator(t)

	f, err := a.Alloc(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.Reference(f)
	if got := a.Counter(f); got != 2 {
		t.Fatalf("expected counter 2 after reference; got %d", got)
	}

	a.Free(f)
	if got := a.Counter(f); got != 1 {
		t.Fatalf("expected counter 1; got %d", got)
	}
	a.Free(f)
}

func TestCounterReservedFrame(t *testing.T) {
	a := newTestAllocator(t)
	if got := a.Counter(0); got != -1 {
		t.Fatalf("expected -1 for reserved frame 0; got %d", got)
	}
}

func TestLockUnlock(t *testing.T) {
	a := newTestAllocator(t)
	f, err := a.Alloc(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.Lock(f)
	if !a.frameDescriptor(f).lock.Held() {
		t.Fatal("expected lock to be held")
	}
	a.Unlock(f)
	if a.frameDescriptor(f).lock.Held() {
		t.Fatal("expected lock to be released")
	}
	a.Free(f)
}

func TestRemapPreservesFreeCount(t *testing.T) {
	a := newTestAllocator(t)
	before := a.FreeCount()

	size := RequiredBytes()
	newBacking := make([]byte, size+mem.PageSize)
	// Remap expects newAddr to show the same descriptors as the old
	// address; copying them stands in for mapping the same frames.
	mem.Memcopy(a.framesHdr.Data, uintptr(unsafe.Pointer(&newBacking[0])), size)
	a.Remap(uintptr(unsafe.Pointer(&newBacking[0])))

	if got := a.FreeCount(); got != before {
		t.Fatalf("expected free count to survive remap; got %d want %d", got, before)
	}
}
