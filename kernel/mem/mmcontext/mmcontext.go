// Package mmcontext implements MMCONTEXT: a reference-counted wrapper
// around a page directory, the per-process address space spec.md §4.6
// describes. Processes share a Context across threads (Use bumps the
// refcount) and only actually tear down the address space once the last
// holder calls Drop.
package mmcontext

import (
	"github.com/haoud/silicium/kernel/errors"
	"github.com/haoud/silicium/kernel/mem/vmm"
	ksync "github.com/haoud/silicium/kernel/sync"
)

var (
	// createPDFn, clonePDFn, destroyUserspaceFn, destroyPDFn, setPDFn and
	// useKernelPDFn are mockable package-level seams, matching the idiom
	// used throughout kernel/mem/pmm and kernel/mem/vmm: tests substitute
	// fakes so Context's own refcounting logic can be exercised without
	// standing up real paging.
	createPDFn          = vmm.CreatePD
	clonePDFn           = vmm.ClonePD
	destroyUserspaceFn  = vmm.DestroyUserspace
	destroyPDFn         = vmm.DestroyPD
	setPDFn             = vmm.SetPD
	useKernelPDFn       = vmm.UseKernelPD
)

// Context wraps a page directory in a reference-counted descriptor.
type Context struct {
	pd    vmm.PageDirectoryTable
	usage uint32
	lock  ksync.Spinlock
}

// Create allocates a brand-new address space: a fresh page directory
// initialized from the kernel directory, usage count 1.
func Create() (*Context, error) {
	pd, err := createPDFn()
	if err != nil {
		return nil, err
	}
	return &Context{pd: pd, usage: 1}, nil
}

// Clone creates a new address space that stages copy-on-write against
// parent's user-range mappings (vmm.ClonePD), usage count 1. parent itself
// is unaffected beyond having its shared page tables marked read-only.
func Clone(parent *Context) (*Context, error) {
	if parent == nil {
		return nil, errors.ErrInvalid
	}
	pd, err := clonePDFn(parent.pd)
	if err != nil {
		return nil, err
	}
	return &Context{pd: pd, usage: 1}, nil
}

// Use increments the context's reference count; callers (typically
// additional threads of the same process) must pair this with a Drop.
func (c *Context) Use() {
	c.lock.Acquire()
	c.usage++
	c.lock.Release()
}

// Usage returns the context's current reference count.
func (c *Context) Usage() uint32 {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.usage
}

// Set installs this context's page directory as the active one (loads
// CR3).
func (c *Context) Set() {
	setPDFn(c.pd)
}

// Drop decrements the reference count. When it reaches zero, the
// context's user-range mappings and page directory frame are released and
// the kernel directory is installed in their place.
//
// This is the opposite requirement of the usual "caller must switch to ctx
// before tearing it down" contract: DestroyUserspace here reaches pd
// through a temporary mapping rather than the self-mirrored active PD, so
// the final Drop must run with ctx not loaded (switching away, e.g. to the
// kernel directory or a sibling context, is the caller's job before this
// call). Destroying the directory that CR3 still points at would leave it
// live underneath the teardown.
func (c *Context) Drop() error {
	c.lock.Acquire()
	if c.usage == 0 {
		c.lock.Release()
		return errors.ErrInvalid
	}
	c.usage--
	last := c.usage == 0
	c.lock.Release()

	if !last {
		return nil
	}

	if err := destroyUserspaceFn(c.pd); err != nil {
		return err
	}
	useKernelPDFn()
	destroyPDFn(c.pd)
	return nil
}
