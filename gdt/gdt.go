// Package gdt builds the five-descriptor global descriptor table the
// kernel runs with: null, ring-0 code/data, ring-3 code/data. All four
// live descriptors cover the full 4 GiB with page granularity; the
// privilege split is the only thing the table actually expresses. The
// package also owns the TSS, of which the kernel uses only the ESP0/SS0
// pair directing ring-3 to ring-0 transitions onto the right kernel
// stack.
package gdt

import "richelieu/bitfield"

// Segment selectors used throughout the kernel. The low two bits are the
// requested privilege level, bit 2 the table indicator (always GDT).
const (
	SelNull       = 0x00
	SelKernelCode = 0x08
	SelKernelData = 0x10
	SelUserCode   = 0x1B // index 3, RPL 3
	SelUserData   = 0x23 // index 4, RPL 3
)

// Descriptor is one 8-byte GDT entry in unpacked form.
type Descriptor struct {
	Base   uint32
	Limit  uint32 // 20-bit limit, in 4 KiB units when Granularity4K
	Access bitfield.AccessByte

	Granularity4K bool
	Is32Bit       bool
}

// Encode packs the descriptor into its hardware representation.
func (d Descriptor) Encode() (uint64, error) {
	access, err := bitfield.PackAccessByte(d.Access)
	if err != nil {
		return 0, err
	}

	var flags uint64
	if d.Is32Bit {
		flags |= 1 << 2 // D/B
	}
	if d.Granularity4K {
		flags |= 1 << 3 // G
	}

	limit := uint64(d.Limit)
	base := uint64(d.Base)

	var raw uint64
	raw |= limit & 0xFFFF                  // limit 15:0
	raw |= (base & 0xFFFFFF) << 16         // base 23:0
	raw |= uint64(access) << 40            // access byte
	raw |= (limit >> 16 & 0xF) << 48       // limit 19:16
	raw |= flags << 52                     // flags nibble
	raw |= (base >> 24 & 0xFF) << 56       // base 31:24
	return raw, nil
}

// Table is the kernel's GDT.
type Table struct {
	entries [5]Descriptor
	loaded  bool
}

// New builds the canonical five-entry layout.
func New() *Table {
	flat := func(dpl uint32, executable bool) Descriptor {
		return Descriptor{
			Base:  0,
			Limit: 0xFFFFF,
			Access: bitfield.AccessByte{
				ReadWrite:  true,
				Executable: executable,
				CodeOrData: true,
				DPL:        dpl,
				Present:    true,
			},
			Granularity4K: true,
			Is32Bit:       true,
		}
	}

	t := &Table{}
	t.entries[1] = flat(0, true)  // ring-0 code
	t.entries[2] = flat(0, false) // ring-0 data
	t.entries[3] = flat(3, true)  // ring-3 code
	t.entries[4] = flat(3, false) // ring-3 data
	return t
}

// Load models lgdt plus the segment-register reload that follows it.
func (t *Table) Load() {
	t.loaded = true
}

// Loaded reports whether the table has been activated.
func (t *Table) Loaded() bool {
	return t.loaded
}

// Entry returns descriptor i.
func (t *Table) Entry(i int) Descriptor {
	return t.entries[i]
}

// DescriptorFor returns the descriptor a selector refers to.
func (t *Table) DescriptorFor(selector uint16) Descriptor {
	return t.entries[selector>>3]
}

// SelectorDPL extracts the requested privilege level of a selector.
func SelectorDPL(selector uint16) uint8 {
	return uint8(selector & 3)
}

// TSS is the task state segment, reduced to the two fields the kernel
// programs: the ring-0 stack the CPU switches to on a privilege-raising
// interrupt.
type TSS struct {
	ESP0 uint32
	SS0  uint16

	loaded bool
}

// NewTSS returns a TSS with the kernel data segment as the ring-0 stack
// segment.
func NewTSS() *TSS {
	return &TSS{SS0: SelKernelData}
}

// Load models ltr.
func (t *TSS) Load() {
	t.loaded = true
}

// Loaded reports whether ltr has run.
func (t *TSS) Loaded() bool {
	return t.loaded
}

// SetKernelStack points ESP0 at the stack the next ring-3 to ring-0
// transition will land on. The scheduler calls this on every switch to a
// user process.
func (t *TSS) SetKernelStack(esp0 uint32) {
	t.ESP0 = esp0
}
