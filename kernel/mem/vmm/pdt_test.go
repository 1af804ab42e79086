package vmm

import (
	"testing"
	"unsafe"

	"github.com/haoud/silicium/kernel/hal/multiboot"
	"github.com/haoud/silicium/kernel/mem"
	"github.com/haoud/silicium/kernel/mem/pmm"
)

// fakeTempFrames backs mapTemporaryFn/unmapFn with real, page-aligned Go
// memory keyed by frame number, standing in for the single reserved
// temp-mapping window that CreatePD/ClonePD/DestroyUserspace use to reach a
// page directory or page table that isn't the active one.
type fakeTempFrames struct {
	addrs map[pmm.Frame]uintptr
	bufs  [][]byte
}

func newFakeTempFrames(t *testing.T) *fakeTempFrames {
	t.Helper()
	f := &fakeTempFrames{addrs: make(map[pmm.Frame]uintptr)}
	origMap, origUnmap := mapTemporaryFn, unmapFn
	mapTemporaryFn = f.mapTemporary
	unmapFn = f.unmap
	t.Cleanup(func() {
		mapTemporaryFn = origMap
		unmapFn = origUnmap
	})
	return f
}

func (f *fakeTempFrames) mapTemporary(frame pmm.Frame) (Page, error) {
	addr, ok := f.addrs[frame]
	if !ok {
		buf := make([]byte, 2*mem.PageSize)
		f.bufs = append(f.bufs, buf)
		addr = (uintptr(unsafe.Pointer(&buf[0])) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
		f.addrs[frame] = addr
	}
	return PageFromAddress(addr), nil
}

func (f *fakeTempFrames) unmap(Page) {}

func (f *fakeTempFrames) entries(frame pmm.Frame) *[pdEntries]pageTableEntry {
	addr, ok := f.addrs[frame]
	if !ok {
		return nil
	}
	return (*[pdEntries]pageTableEntry)(unsafe.Pointer(addr))
}

// initRealFrameAllocator brings up pmm.FrameAllocator against a synthetic
// multiboot memory map, mirroring the setup pmm's own tests use, so
// ClonePD/DestroyUserspace can be exercised against real reference counts
// rather than a stub.
func initRealFrameAllocator(t *testing.T) {
	t.Helper()
	entrySize := uint32(unsafe.Sizeof(multiboot.MemoryMapEntry{}))
	entries := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9F000, Type: multiboot.MemAvailable},
		{PhysAddress: 0x100000, Length: 0x1000000, Type: multiboot.MemAvailable},
	}
	mmapTagSize := uint32(16) + entrySize*uint32(len(entries))
	total := uint32(8) + mmapTagSize + 8
	buf := make([]byte, total)
	*(*uint32)(unsafe.Pointer(&buf[0])) = total
	off := uint32(8)
	type tagHeader struct{ tagType, size uint32 }
	type mmapHeader struct{ entrySize, entryVersion uint32 }
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
	t.Cleanup(func() { _ = buf })

	size := pmm.RequiredBytes()
	backing := make([]byte, uintptr(size)+uintptr(mem.PageSize))
	arrayAddr := uintptr(unsafe.Pointer(&backing[0]))

	kernelStart := uintptr(0x100000)
	kernelEnd := mem.KernelBase + 0x110000
	if err := pmm.Init(kernelStart, kernelEnd, arrayAddr); err != nil {
		t.Fatalf("pmm.Init: %v", err)
	}
	t.Cleanup(func() { _ = backing })
}

func TestDemotePDEReproducesIdentityMapping(t *testing.T) {
	f := newFakeMirror(t)
	temps := newFakeTempFrames(t)
	stubAllocator(t, pmm.Frame(500))
	stubTLB(t)

	const pdIndex = 7
	const oldBase = pmm.Frame(7 << 10) // 4 MiB region base in 4 KiB frame units

	pde := &f.pd()[pdIndex]
	*pde = 0
	pde.SetFrame(oldBase)
	pde.SetFlags(entryPresent | entryRW | entryHugePage)

	if err := demotePDE(pdIndex); err != nil {
		t.Fatalf("demotePDE: %v", err)
	}

	newPDE := &f.pd()[pdIndex]
	if newPDE.HasFlags(entryHugePage) {
		t.Fatal("expected demoted PDE to no longer be a huge page")
	}
	if newPDE.Frame() != pmm.Frame(500) {
		t.Fatalf("expected demoted PDE to point at the new PT frame 500, got %d", newPDE.Frame())
	}

	pt := temps.entries(pmm.Frame(500))
	if pt == nil {
		t.Fatal("expected the new page table frame to have been populated via mapTemporaryFn")
	}
	for i := 0; i < pdEntries; i++ {
		if !pt[i].HasFlags(entryPresent) {
			t.Fatalf("entry %d: expected present", i)
		}
		if pt[i].Frame() != pmm.Frame(uint32(oldBase)+uint32(i)) {
			t.Fatalf("entry %d: frame = %d, want %d", i, pt[i].Frame(), uint32(oldBase)+uint32(i))
		}
	}
}

func TestMapSegmentDemotesAndAppliesPageRights(t *testing.T) {
	f := newFakeMirror(t)
	newFakeTempFrames(t)
	stubAllocator(t, pmm.Frame(600))
	stubTLB(t)

	const pdIndex = 3
	base := uintptr(pdIndex) << pdIndexShift
	oldBase := pmm.Frame(pdIndex << 10)

	pde := &f.pd()[pdIndex]
	*pde = 0
	pde.SetFrame(oldBase)
	pde.SetFlags(entryPresent | entryRW | entryHugePage)

	seg := Segment{Start: base, End: base + uintptr(mem.PageSize), Access: AccessRead}
	if err := mapSegment(seg); err != nil {
		t.Fatalf("mapSegment: %v", err)
	}

	if f.pd()[pdIndex].HasFlags(entryHugePage) {
		t.Fatal("expected segment's PDE to have been demoted")
	}

	_, ptIndex := indices(base)
	pte := &f.tables[pdIndex][ptIndex]
	if !pte.HasFlags(entryPresent) {
		t.Fatal("expected segment's page to be present")
	}
	if pte.HasFlags(entryRW) {
		t.Fatal("expected read-only segment access to clear entryRW")
	}
	if pte.Frame().Address() != base {
		t.Fatalf("expected identity mapping preserved at %#x, got %#x", base, pte.Frame().Address())
	}
}

func TestCreatePDCopiesKernelRangeAndOwnMirrorSlot(t *testing.T) {
	temps := newFakeTempFrames(t)
	stubAllocator(t, pmm.Frame(42))

	// Seed a "kernel PD" frame with one marked kernel-range PDE so the copy
	// can be observed.
	kernelPD.frame = pmm.Frame(1)
	kernelEntries := temps.entries(pmm.Frame(1))
	if kernelEntries == nil {
		if _, err := temps.mapTemporary(pmm.Frame(1)); err != nil {
			t.Fatalf("seed kernel PD: %v", err)
		}
		kernelEntries = temps.entries(pmm.Frame(1))
	}
	kernelEntries[800] = 0
	kernelEntries[800].SetFrame(pmm.Frame(900))
	kernelEntries[800].SetFlags(entryPresent | entryRW)

	pd, err := CreatePD()
	if err != nil {
		t.Fatalf("CreatePD: %v", err)
	}
	if pd.frame != pmm.Frame(42) {
		t.Fatalf("expected new PD frame 42, got %d", pd.frame)
	}

	newEntries := temps.entries(pd.frame)
	if newEntries[800].Frame() != pmm.Frame(900) {
		t.Fatalf("expected copied kernel-range entry 800 to carry frame 900, got %d", newEntries[800].Frame())
	}
	mirror := &newEntries[mirrorPDEIndex]
	if mirror.Frame() != pd.frame {
		t.Fatalf("expected self-mirror slot to point at the new PD's own frame %d, got %d", pd.frame, mirror.Frame())
	}
}

func TestClonePDReferencesSharedPageTables(t *testing.T) {
	initRealFrameAllocator(t)
	temps := newFakeTempFrames(t)

	srcPT, err := pmm.FrameAllocator.Alloc(0)
	if err != nil {
		t.Fatalf("alloc src page table frame: %v", err)
	}

	srcPDFrame, err := pmm.FrameAllocator.Alloc(0)
	if err != nil {
		t.Fatalf("alloc src PD frame: %v", err)
	}
	srcEntries := temps.entries(srcPDFrame)
	if srcEntries == nil {
		if _, merr := temps.mapTemporary(srcPDFrame); merr != nil {
			t.Fatalf("seed src PD: %v", merr)
		}
		srcEntries = temps.entries(srcPDFrame)
	}
	srcEntries[1] = 0
	srcEntries[1].SetFrame(srcPT)
	srcEntries[1].SetFlags(entryPresent | entryRW | entryUser)

	kernelPD.frame, err = pmm.FrameAllocator.Alloc(0)
	if err != nil {
		t.Fatalf("alloc kernel PD frame: %v", err)
	}

	dstFrame, err := pmm.FrameAllocator.Alloc(0)
	if err != nil {
		t.Fatalf("alloc dst PD frame: %v", err)
	}
	callIdx := 0
	wantFrames := []pmm.Frame{dstFrame}
	origAlloc := allocFrameFn
	allocFrameFn = func(pmm.AllocFlag) (pmm.Frame, error) {
		f := wantFrames[callIdx%len(wantFrames)]
		callIdx++
		return f, nil
	}
	t.Cleanup(func() { allocFrameFn = origAlloc })
	stubTLB(t)
	origActivePD := activePDFn
	activePDFn = func() uintptr { return 0 } // pretend src is not the active directory
	t.Cleanup(func() { activePDFn = origActivePD })

	src := PageDirectoryTable{frame: srcPDFrame}
	if pmm.FrameAllocator.Counter(srcPT) != 1 {
		t.Fatalf("expected fresh src PT frame to start at refcount 1, got %d", pmm.FrameAllocator.Counter(srcPT))
	}

	dst, err := ClonePD(src)
	if err != nil {
		t.Fatalf("ClonePD: %v", err)
	}

	if pmm.FrameAllocator.Counter(srcPT) != 2 {
		t.Fatalf("expected shared page-table frame to gain a reference, got refcount %d", pmm.FrameAllocator.Counter(srcPT))
	}

	dstEntries := temps.entries(dst.frame)
	if dstEntries[1].Frame() != srcPT {
		t.Fatalf("expected dst PDE 1 to share src's page-table frame, got %d", dstEntries[1].Frame())
	}
	if dstEntries[1].HasFlags(entryRW) {
		t.Fatal("expected shared PDE to have write rights cleared")
	}
	if !dstEntries[1].HasFlags(entryCopyOnWrite) {
		t.Fatal("expected shared PDE to be marked copy-on-write")
	}

	srcEntries = temps.entries(srcPDFrame)
	if srcEntries[1].HasFlags(entryRW) {
		t.Fatal("expected src PDE to also lose write rights once shared")
	}
}

func TestDestroyUserspaceFreesDataPagesAndOwnedPageTable(t *testing.T) {
	initRealFrameAllocator(t)
	temps := newFakeTempFrames(t)

	ptFrame, err := pmm.FrameAllocator.Alloc(0)
	if err != nil {
		t.Fatalf("alloc page table frame: %v", err)
	}
	dataFrame, err := pmm.FrameAllocator.Alloc(0)
	if err != nil {
		t.Fatalf("alloc data frame: %v", err)
	}

	pdFrame, err := pmm.FrameAllocator.Alloc(0)
	if err != nil {
		t.Fatalf("alloc PD frame: %v", err)
	}
	pdEnt := temps.entries(pdFrame)
	if pdEnt == nil {
		if _, merr := temps.mapTemporary(pdFrame); merr != nil {
			t.Fatalf("seed PD: %v", merr)
		}
		pdEnt = temps.entries(pdFrame)
	}
	pdEnt[2] = 0
	pdEnt[2].SetFrame(ptFrame)
	pdEnt[2].SetFlags(entryPresent | entryRW | entryUser)

	ptEnt := temps.entries(ptFrame)
	if ptEnt == nil {
		if _, merr := temps.mapTemporary(ptFrame); merr != nil {
			t.Fatalf("seed PT: %v", merr)
		}
		ptEnt = temps.entries(ptFrame)
	}
	ptEnt[0] = 0
	ptEnt[0].SetFrame(dataFrame)
	ptEnt[0].SetFlags(entryPresent | entryRW | entryUser)

	pd := PageDirectoryTable{frame: pdFrame}
	if err := DestroyUserspace(pd); err != nil {
		t.Fatalf("DestroyUserspace: %v", err)
	}

	if pmm.FrameAllocator.Counter(dataFrame) != 0 {
		t.Fatalf("expected data frame to be freed down to refcount 0, got %d", pmm.FrameAllocator.Counter(dataFrame))
	}
	if pmm.FrameAllocator.Counter(ptFrame) != 0 {
		t.Fatalf("expected page-table frame to be freed down to refcount 0, got %d", pmm.FrameAllocator.Counter(ptFrame))
	}
	if pdEnt[2].HasFlags(entryPresent) {
		t.Fatal("expected the PDE to be cleared after DestroyUserspace")
	}
}

func TestDestroyPDFreesDirectoryFrame(t *testing.T) {
	initRealFrameAllocator(t)

	pdFrame, err := pmm.FrameAllocator.Alloc(0)
	if err != nil {
		t.Fatalf("alloc PD frame: %v", err)
	}
	if pmm.FrameAllocator.Counter(pdFrame) != 1 {
		t.Fatalf("expected fresh PD frame to start at refcount 1, got %d", pmm.FrameAllocator.Counter(pdFrame))
	}

	DestroyPD(PageDirectoryTable{frame: pdFrame})

	if pmm.FrameAllocator.Counter(pdFrame) != 0 {
		t.Fatalf("expected PD frame to be freed down to refcount 0, got %d", pmm.FrameAllocator.Counter(pdFrame))
	}
}
