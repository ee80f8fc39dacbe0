// Package vmm implements the two-level virtual memory manager: page
// directories and page tables stored as real 32-bit little-endian
// entries inside physical memory, walked and edited exactly as the MMU
// sees them. Every address space shares the kernel high half (the 256
// directory slots from 0xC0000000 up); the low half is per process and
// is where fork's copy-on-write cloning operates.
package vmm

import (
	"errors"
	"fmt"

	"richelieu/machine"
	"richelieu/mem/pmm"
)

const (
	// PageSize is the only page size the MMU supports here.
	PageSize = machine.PageSize

	// KernelBase is the bottom of the shared kernel half.
	KernelBase = 0xC0000000

	// KernelMapLimit is the top of the kernel image mapping: the first
	// 4 MiB of physical memory appear identity-mapped and again at
	// KernelBase.
	KernelMapLimit = KernelBase + 0x400000

	// HeapArenaBase and HeapArenaLimit bound the kernel heap's virtual
	// arena. Its page tables are preallocated at boot so the shared
	// high-half directory slots never change afterwards.
	HeapArenaBase  = 0xD0000000
	HeapArenaLimit = 0xE0000000

	entriesPerTable = 1024
	kernelPDEStart  = KernelBase >> 22 // 768
)

var (
	ErrOutOfMemory = errors.New("vmm: out of memory")
	ErrNotMapped   = errors.New("vmm: address not mapped")
	ErrNotCOW      = errors.New("vmm: write fault on non-copy-on-write page")
)

// Manager owns the machinery shared by all address spaces: physical
// memory, the frame allocator, the CPU whose CR3/TLB it drives, and the
// extra-reference counts for frames shared between address spaces after
// a fork.
type Manager struct {
	mem    *machine.PhysicalMemory
	frames *pmm.Allocator
	cpu    *machine.CPU

	// shared counts references beyond the first for user frames that
	// appear in more than one address space (COW data pages and
	// read-only pages after fork). A frame absent from the map has a
	// single owner.
	shared map[pmm.Frame]uint32

	kernel *AddressSpace
}

// NewManager wires the memory manager to the machine.
func NewManager(mem *machine.PhysicalMemory, frames *pmm.Allocator, cpu *machine.CPU) *Manager {
	return &Manager{
		mem:    mem,
		frames: frames,
		cpu:    cpu,
		shared: make(map[pmm.Frame]uint32),
	}
}

// AddressSpace owns one page directory. The kernel high half is shared
// with every other space; the low half belongs to one process.
type AddressSpace struct {
	mgr *Manager
	pd  pmm.Frame
}

// PDAddress returns the physical address of the page directory, the
// value loaded into CR3 when the space is activated.
func (as *AddressSpace) PDAddress() uint32 {
	return as.pd.Address()
}

// InitKernelSpace builds the kernel's own address space: the first 4 MiB
// identity-mapped for early bring-up, the same range mapped global at
// KernelBase, and the heap arena's page tables preallocated. It then
// loads CR3 and turns on CR0.PG.
func (m *Manager) InitKernelSpace() (*AddressSpace, error) {
	if m.kernel != nil {
		return m.kernel, nil
	}

	as, err := m.newEmptySpace()
	if err != nil {
		return nil, err
	}

	// Identity map [0, 4 MiB) for the transition to paging.
	for addr := uint32(0); addr < 0x400000; addr += PageSize {
		if err := as.Map(addr, addr, FlagWritable); err != nil {
			return nil, err
		}
	}

	// The same physical range at the high half, global so the entries
	// survive CR3 loads.
	for addr := uint32(0); addr < 0x400000; addr += PageSize {
		if err := as.Map(KernelBase+addr, addr, FlagWritable|FlagGlobal); err != nil {
			return nil, err
		}
	}

	// Preallocate the heap arena's page tables so heap growth edits
	// PTEs inside tables every address space already shares, never a
	// directory slot.
	for va := uint32(HeapArenaBase); va < HeapArenaLimit; va += entriesPerTable * PageSize {
		if _, err := as.ensureTable(pdIndex(va), 0); err != nil {
			return nil, err
		}
	}

	m.kernel = as
	m.cpu.SetCR3(as.PDAddress())
	m.cpu.EnablePaging()
	return as, nil
}

// KernelSpace returns the space built by InitKernelSpace.
func (m *Manager) KernelSpace() *AddressSpace {
	return m.kernel
}

// AllocFrame hands out a frame from the underlying allocator; the
// process loaders use it for user pages.
func (m *Manager) AllocFrame() (pmm.Frame, error) {
	return m.frames.AllocFrame()
}

// Frames exposes the frame allocator.
func (m *Manager) Frames() *pmm.Allocator {
	return m.frames
}

// Mem exposes the physical memory the paging structures live in.
func (m *Manager) Mem() *machine.PhysicalMemory {
	return m.mem
}

// NewAddressSpace builds a fresh process space: an empty low half plus
// the shared kernel high half copied from the kernel page directory.
func (m *Manager) NewAddressSpace() (*AddressSpace, error) {
	as, err := m.newEmptySpace()
	if err != nil {
		return nil, err
	}
	if m.kernel != nil {
		for i := uint32(kernelPDEStart); i < entriesPerTable; i++ {
			as.writePDE(i, m.kernel.readPDE(i))
		}
	}
	return as, nil
}

func (m *Manager) newEmptySpace() (*AddressSpace, error) {
	pd, err := m.frames.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: no frame for page directory", ErrOutOfMemory)
	}
	m.mem.Zero(pd.Address(), PageSize)
	return &AddressSpace{mgr: m, pd: pd}, nil
}

// Activate loads the space's page directory into CR3, flushing every
// non-global TLB entry.
func (as *AddressSpace) Activate() {
	as.mgr.cpu.SetCR3(as.PDAddress())
}

func (as *AddressSpace) readPDE(i uint32) Entry {
	return Entry(as.mgr.mem.ReadU32(as.pd.Address() + i*4))
}

func (as *AddressSpace) writePDE(i uint32, e Entry) {
	as.mgr.mem.WriteU32(as.pd.Address()+i*4, uint32(e))
}

func readPTE(mem *machine.PhysicalMemory, table pmm.Frame, i uint32) Entry {
	return Entry(mem.ReadU32(table.Address() + i*4))
}

func writePTE(mem *machine.PhysicalMemory, table pmm.Frame, i uint32, e Entry) {
	mem.WriteU32(table.Address()+i*4, uint32(e))
}

// ensureTable returns the page table behind directory slot pdi,
// allocating and installing it if the slot is empty. The new directory
// entry is present+writable; its user bit comes from the mapping flags.
func (as *AddressSpace) ensureTable(pdi uint32, flags Flag) (pmm.Frame, error) {
	pde := as.readPDE(pdi)
	if pde.Present() {
		return pde.Frame(), nil
	}

	table, err := as.mgr.frames.AllocFrame()
	if err != nil {
		return 0, fmt.Errorf("%w: no frame for page table", ErrOutOfMemory)
	}
	as.mgr.mem.Zero(table.Address(), PageSize)

	pdeFlags := FlagPresent | FlagWritable
	if flags&FlagUser != 0 {
		pdeFlags |= FlagUser
	}
	as.writePDE(pdi, NewEntry(table, pdeFlags))
	return table, nil
}

// Map installs a page-table entry translating va to pa. A missing page
// table is allocated on the way down.
func (as *AddressSpace) Map(va, pa uint32, flags Flag) error {
	table, err := as.ensureTable(pdIndex(va), flags)
	if err != nil {
		return err
	}
	writePTE(as.mgr.mem, table, ptIndex(va), NewEntry(pmm.FrameContaining(pa), flags|FlagPresent))
	return nil
}

// Unmap clears the entry for va and invalidates its TLB entry. When the
// clearing empties the whole page table, the table frame is returned to
// the allocator and the directory slot closed.
func (as *AddressSpace) Unmap(va uint32) error {
	defer as.mgr.cpu.Invlpg(va)

	pde := as.readPDE(pdIndex(va))
	if !pde.Present() {
		return ErrNotMapped
	}
	table := pde.Frame()
	pti := ptIndex(va)
	if !readPTE(as.mgr.mem, table, pti).Present() {
		return ErrNotMapped
	}
	writePTE(as.mgr.mem, table, pti, 0)

	for i := uint32(0); i < entriesPerTable; i++ {
		if readPTE(as.mgr.mem, table, i).Present() {
			return nil
		}
	}

	// Table is empty: free it and close the directory slot.
	as.writePDE(pdIndex(va), 0)
	return as.mgr.frames.FreeFrame(table)
}

// entryFor walks the directory and table for va.
func (as *AddressSpace) entryFor(va uint32) (pmm.Frame, uint32, Entry, bool) {
	pde := as.readPDE(pdIndex(va))
	if !pde.Present() {
		return 0, 0, 0, false
	}
	table := pde.Frame()
	pti := ptIndex(va)
	pte := readPTE(as.mgr.mem, table, pti)
	if !pte.Present() {
		return 0, 0, 0, false
	}
	return table, pti, pte, true
}

// Translate walks the paging structures and returns the physical address
// va maps to. Successful walks are cached in the TLB when the space is
// the active one.
func (as *AddressSpace) Translate(va uint32) (uint32, bool) {
	active := as.mgr.cpu.CR3() == as.PDAddress()
	if active {
		if frameAddr, ok := as.mgr.cpu.TLB().Lookup(va); ok {
			return frameAddr | PageOffset(va), true
		}
	}

	_, _, pte, ok := as.entryFor(va)
	if !ok {
		return 0, false
	}
	if active {
		as.mgr.cpu.TLB().Insert(va, pte.Frame().Address(), pte.Global())
	}
	return pte.Frame().Address() | PageOffset(va), true
}

// IsMapped reports whether va translates.
func (as *AddressSpace) IsMapped(va uint32) bool {
	_, ok := as.Translate(va)
	return ok
}

// EntryAt returns the live page-table entry for va, primarily for
// inspection by the fault handler and the tests.
func (as *AddressSpace) EntryAt(va uint32) (Entry, bool) {
	_, _, pte, ok := as.entryFor(va)
	return pte, ok
}

// ChangeFlags replaces the flag bits of the entry for va, preserving the
// target frame.
func (as *AddressSpace) ChangeFlags(va uint32, flags Flag) error {
	table, pti, pte, ok := as.entryFor(va)
	if !ok {
		return ErrNotMapped
	}
	writePTE(as.mgr.mem, table, pti, pte.WithFlags(flags|FlagPresent))
	as.mgr.cpu.Invlpg(va)
	return nil
}
