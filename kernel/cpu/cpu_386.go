// Package cpu exposes the small set of x86-specific primitives that the
// memory-management stack needs from the CPU: halting, reading the fault
// address register, and invalidating TLB entries. Bringing up the GDT/IDT/
// TSS/PIC/PIT themselves is a separate, out-of-scope concern; this package
// only provides the handful of instructions the allocator stack issues
// directly.
//
// The real implementations are hand-written assembly that this file
// declares but does not define; a freestanding build links them from a .s
// file. Callers in vmm/pmm never call these directly — they go through
// package-level function variables (activePDFn, flushTLBEntryFn, ...)
// that tests substitute instead.
package cpu

// Halt stops instruction execution until the next external interrupt.
func Halt()

// ReadCR2 returns the faulting linear address recorded by the last page
// fault (cr2 register).
func ReadCR2() uintptr

// EnableInterrupts enables interrupt handling (sti).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (cli).
func DisableInterrupts()

// FlushTLBEntry invalidates the TLB entry for the given virtual address
// (invlpg).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPD loads the given physical address into cr3, flushing the TLB.
func SwitchPD(pdPhysAddr uintptr)

// ActivePD returns the physical address currently loaded in cr3.
func ActivePD() uintptr
