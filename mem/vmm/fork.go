package vmm

import "richelieu/mem/pmm"

// CloneForFork builds the child address space for a fork: a fresh page
// directory whose high half shares the kernel tables by reference and
// whose low half gets a private copy of every page table, with both
// sides' writable entries downgraded to read-only and tagged
// copy-on-write. Sharing the parent's page tables instead would make
// per-side COW marking impossible, so each present directory slot gets
// its own table frame.
func (as *AddressSpace) CloneForFork() (*AddressSpace, error) {
	child, err := as.mgr.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	mem := as.mgr.mem
	for pdi := uint32(0); pdi < kernelPDEStart; pdi++ {
		pde := as.readPDE(pdi)
		if !pde.Present() {
			continue
		}

		childTable, err := as.mgr.frames.AllocFrame()
		if err != nil {
			child.Destroy()
			return nil, ErrOutOfMemory
		}

		// Start the child's table as a byte-for-byte copy.
		parentTable := pde.Frame()
		var buf [PageSize]byte
		mem.CopyOut(parentTable.Address(), buf[:])
		mem.CopyIn(childTable.Address(), buf[:])

		// Mark both sides: every present, writable entry loses its
		// write permission and gains the COW tag; every present entry
		// now has one more address space referencing its frame.
		for i := uint32(0); i < entriesPerTable; i++ {
			pte := readPTE(mem, parentTable, i)
			if !pte.Present() {
				continue
			}
			as.mgr.shared[pte.Frame()]++
			if pte.Writable() {
				marked := pte.WithFlags(pte.Flags()&^FlagWritable | FlagCopyOnWrite)
				writePTE(mem, parentTable, i, marked)
				writePTE(mem, childTable, i, marked)
			}
		}

		child.writePDE(pdi, NewEntry(childTable, pde.Flags()))
	}

	as.mgr.cpu.TLB().FlushNonGlobal()
	return child, nil
}

// HandleWriteFault resolves a write to a present, read-only page. For a
// copy-on-write page the faulting side gets a private writable copy; any
// other write fault is a genuine protection violation.
func (as *AddressSpace) HandleWriteFault(va uint32) error {
	table, pti, pte, ok := as.entryFor(va)
	if !ok {
		return ErrNotMapped
	}
	if !pte.CopyOnWrite() {
		return ErrNotCOW
	}

	mem := as.mgr.mem
	oldFrame := pte.Frame()

	newFrame, err := as.mgr.frames.AllocFrame()
	if err != nil {
		return ErrOutOfMemory
	}

	var buf [PageSize]byte
	mem.CopyOut(oldFrame.Address(), buf[:])
	mem.CopyIn(newFrame.Address(), buf[:])

	flags := pte.Flags()&^FlagCopyOnWrite | FlagWritable
	writePTE(mem, table, pti, NewEntry(newFrame, flags))
	as.mgr.cpu.Invlpg(va)

	return as.mgr.releaseFrame(oldFrame)
}

// TeardownUser frees every low-half mapping: the data frames (or their
// share counts) and the page-table frames, leaving the directory's low
// half empty and the kernel high half untouched. Both exec and exit run
// this.
func (as *AddressSpace) TeardownUser() error {
	mem := as.mgr.mem
	for pdi := uint32(0); pdi < kernelPDEStart; pdi++ {
		pde := as.readPDE(pdi)
		if !pde.Present() {
			continue
		}
		table := pde.Frame()
		for i := uint32(0); i < entriesPerTable; i++ {
			pte := readPTE(mem, table, i)
			if !pte.Present() {
				continue
			}
			if err := as.mgr.releaseFrame(pte.Frame()); err != nil {
				return err
			}
		}
		if err := as.mgr.frames.FreeFrame(table); err != nil {
			return err
		}
		as.writePDE(pdi, 0)
	}
	as.mgr.cpu.TLB().FlushNonGlobal()
	return nil
}

// Destroy tears down the low half and frees the page directory itself.
func (as *AddressSpace) Destroy() error {
	if err := as.TeardownUser(); err != nil {
		return err
	}
	return as.mgr.frames.FreeFrame(as.pd)
}

// releaseFrame drops one reference to a user frame, freeing it only when
// no other address space still maps it.
func (m *Manager) releaseFrame(f pmm.Frame) error {
	if n, ok := m.shared[f]; ok {
		if n > 1 {
			m.shared[f] = n - 1
		} else {
			delete(m.shared, f)
		}
		return nil
	}
	return m.frames.FreeFrame(f)
}

// SharedFrames reports how many frames currently have more than one
// referencing address space, for diagnostics and tests.
func (m *Manager) SharedFrames() int {
	return len(m.shared)
}
