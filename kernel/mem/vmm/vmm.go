package vmm

import (
	"github.com/haoud/silicium/kernel"
	"github.com/haoud/silicium/kernel/cpu"
	"github.com/haoud/silicium/kernel/irq"
	"github.com/haoud/silicium/kernel/kfmt/early"
	"github.com/haoud/silicium/kernel/mem"
	"github.com/haoud/silicium/kernel/mem/pmm"
)

var (
	// the following are mocked by tests and automatically inlined by the
	// compiler in production builds.
	panicFn                   = kernel.Panic
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2

	// memcopyFn performs the page-table clone's data copy. Tests override
	// it since tempMappingAddr/secondTempMappingAddr are not backed by
	// real memory outside a running kernel.
	memcopyFn = mem.Memcopy
)

// Init installs the page-fault and general-protection-fault handlers. It
// must be called after SetFrameAllocator.
func Init() error {
	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := readCR2Fn()
	pdIndex, _ := indices(faultAddress)
	pde := pdePtr(pdIndex)

	if pde.HasFlags(entryPresent) && pde.HasFlags(entryCopyOnWrite) && !pde.HasFlags(entryRW) {
		if resolveCOWFault(pdIndex) {
			return
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs)
}

// resolveCOWFault implements the staged copy-on-write scheme ClonePD sets
// up: a write fault into a page table shared by ClonePD clones the whole
// page table
// (not the individual data page) into a fresh frame, restores write rights
// on the owning PDE, and drops one reference on the old page-table frame.
// The data pages referenced by the table's entries are left shared between
// both address spaces, matching the design the clone step stages for.
func resolveCOWFault(pdIndex uint32) bool {
	pde := pdePtr(pdIndex)
	oldFrame := pde.Frame()
	wasUser := pde.HasFlags(entryUser)

	newFrame, err := allocFrameFn(0)
	if err != nil {
		return false
	}

	if merr := MapPage(tempMappingAddr, oldFrame.Address(), AccessRead|AccessWrite, FlagPresent); merr != nil {
		pmm.FrameAllocator.Free(newFrame)
		return false
	}
	if merr := MapPage(secondTempMappingAddr, newFrame.Address(), AccessRead|AccessWrite, FlagPresent); merr != nil {
		UnmapPage(tempMappingAddr)
		pmm.FrameAllocator.Free(newFrame)
		return false
	}

	memcopyFn(tempMappingAddr, secondTempMappingAddr, mem.PageSize)
	UnmapPage(tempMappingAddr)
	UnmapPage(secondTempMappingAddr)

	*pde = 0
	pde.SetFrame(newFrame)
	pde.SetFlags(entryPresent | entryRW)
	if wasUser {
		pde.SetFlags(entryUser)
	}
	flushTLBEntryFn(uintptr(pdIndex) << pdIndexShift)

	pmm.FrameAllocator.Free(oldFrame)
	return true
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch errorCode {
	case 0:
		early.Printf("read from non-present page")
	case 1:
		early.Printf("page protection violation (read)")
	case 2:
		early.Printf("write to non-present page")
	case 3:
		early.Printf("page protection violation (write)")
	case 4:
		early.Printf("page fault in user mode")
	default:
		early.Printf("unknown")
	}

	early.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	panicFn(&kernel.Error{Module: "vmm", Message: "unrecoverable page fault"})
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	early.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	panicFn(&kernel.Error{Module: "vmm", Message: "general protection fault"})
}
