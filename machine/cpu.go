package machine

// Control register bits.
const (
	CR0PagingEnable = 1 << 31

	EFlagsReserved = 1 << 1 // always set on real silicon
	EFlagsIF       = 1 << 9 // interrupt enable
)

// Registers is the architectural register file the kernel saves and
// restores around interrupts and context switches.
type Registers struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP                uint32
	EFLAGS             uint32

	CS, DS, ES, FS, GS, SS uint16
}

// CPU models the execution state of the single processor: the register
// file, the paging control registers, the TLB, and the halt latch.
type CPU struct {
	Regs Registers

	cr0 uint32
	cr2 uint32
	cr3 uint32

	tlb    TLB
	halted bool
}

// NewCPU returns a CPU in its post-reset state: paging off, interrupts
// off, the reserved EFLAGS bit set.
func NewCPU() *CPU {
	c := &CPU{}
	c.Regs.EFLAGS = EFlagsReserved
	c.tlb.init()
	return c
}

// Cli clears the interrupt-enable flag.
func (c *CPU) Cli() {
	c.Regs.EFLAGS &^= EFlagsIF
}

// Sti sets the interrupt-enable flag.
func (c *CPU) Sti() {
	c.Regs.EFLAGS |= EFlagsIF
}

// InterruptsEnabled reports the state of EFLAGS.IF.
func (c *CPU) InterruptsEnabled() bool {
	return c.Regs.EFLAGS&EFlagsIF != 0
}

// Hlt stops the processor until the next interrupt.
func (c *CPU) Hlt() {
	c.halted = true
}

// Halted reports whether the processor is in the halt state.
func (c *CPU) Halted() bool {
	return c.halted
}

// Wake takes the processor out of the halt state. The machine calls it
// when an interrupt is delivered.
func (c *CPU) Wake() {
	c.halted = false
}

// CR0 returns the current value of CR0.
func (c *CPU) CR0() uint32 { return c.cr0 }

// SetCR0 replaces CR0.
func (c *CPU) SetCR0(v uint32) { c.cr0 = v }

// EnablePaging sets CR0.PG.
func (c *CPU) EnablePaging() {
	c.cr0 |= CR0PagingEnable
}

// PagingEnabled reports CR0.PG.
func (c *CPU) PagingEnabled() bool {
	return c.cr0&CR0PagingEnable != 0
}

// CR2 returns the faulting address latched by the last page fault.
func (c *CPU) CR2() uint32 { return c.cr2 }

// SetCR2 latches a faulting address. Only the page-fault delivery path
// writes it.
func (c *CPU) SetCR2(v uint32) { c.cr2 = v }

// CR3 returns the physical address of the active page directory.
func (c *CPU) CR3() uint32 { return c.cr3 }

// SetCR3 loads a new page directory and flushes every non-global TLB
// entry, as a mov to CR3 does.
func (c *CPU) SetCR3(v uint32) {
	c.cr3 = v
	c.tlb.FlushNonGlobal()
}

// Invlpg invalidates the TLB entry covering va.
func (c *CPU) Invlpg(va uint32) {
	c.tlb.Invalidate(va)
}

// FlushTLB drops every TLB entry including global ones.
func (c *CPU) FlushTLB() {
	c.tlb.FlushAll()
}

// TLB exposes the translation cache for the memory manager.
func (c *CPU) TLB() *TLB {
	return &c.tlb
}

// tlbEntry caches one page translation.
type tlbEntry struct {
	frameAddr uint32
	global    bool
}

// TLB is the translation look-aside buffer. It caches page-granular
// va -> pa translations; entries marked global survive a CR3 load.
type TLB struct {
	entries map[uint32]tlbEntry
}

func (t *TLB) init() {
	t.entries = make(map[uint32]tlbEntry)
}

// Insert caches the translation for the page containing va.
func (t *TLB) Insert(va, frameAddr uint32, global bool) {
	t.entries[va&^(PageSize-1)] = tlbEntry{frameAddr: frameAddr, global: global}
}

// Lookup returns the cached frame address for the page containing va.
func (t *TLB) Lookup(va uint32) (uint32, bool) {
	e, ok := t.entries[va&^(PageSize-1)]
	return e.frameAddr, ok
}

// Invalidate drops the entry for the page containing va.
func (t *TLB) Invalidate(va uint32) {
	delete(t.entries, va&^(PageSize-1))
}

// FlushNonGlobal drops every entry not marked global.
func (t *TLB) FlushNonGlobal() {
	for va, e := range t.entries {
		if !e.global {
			delete(t.entries, va)
		}
	}
}

// FlushAll drops every entry.
func (t *TLB) FlushAll() {
	clear(t.entries)
}

// Len returns the number of cached translations.
func (t *TLB) Len() int {
	return len(t.entries)
}
