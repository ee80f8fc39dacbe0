package vmm

import "richelieu/mem/pmm"

// Flag is the set of bits in the low half of a PDE/PTE. Bits 0-8 are
// architectural; bit 9 is the first software-available bit, which the
// kernel uses to tag copy-on-write mappings.
type Flag uint32

const (
	FlagPresent       Flag = 1 << 0
	FlagWritable      Flag = 1 << 1
	FlagUser          Flag = 1 << 2
	FlagWriteThrough  Flag = 1 << 3
	FlagCacheDisabled Flag = 1 << 4
	FlagAccessed      Flag = 1 << 5
	FlagDirty         Flag = 1 << 6
	FlagPageSize      Flag = 1 << 7
	FlagGlobal        Flag = 1 << 8
	FlagCopyOnWrite   Flag = 1 << 9

	flagMask Flag = 0xFFF
)

// Entry is one 32-bit page-directory or page-table entry: twelve flag
// bits below a twenty-bit frame index.
type Entry uint32

// NewEntry builds an entry pointing at frame with the given flags.
func NewEntry(frame pmm.Frame, flags Flag) Entry {
	return Entry(uint32(frame)<<12 | uint32(flags&flagMask))
}

// Present reports the present bit; a non-present entry is a hole.
func (e Entry) Present() bool { return e&Entry(FlagPresent) != 0 }

// Writable reports the writable bit.
func (e Entry) Writable() bool { return e&Entry(FlagWritable) != 0 }

// User reports the user-accessible bit.
func (e Entry) User() bool { return e&Entry(FlagUser) != 0 }

// Global reports the global bit.
func (e Entry) Global() bool { return e&Entry(FlagGlobal) != 0 }

// CopyOnWrite reports the software COW tag.
func (e Entry) CopyOnWrite() bool { return e&Entry(FlagCopyOnWrite) != 0 }

// Frame returns the physical frame the entry points at.
func (e Entry) Frame() pmm.Frame { return pmm.Frame(e >> 12) }

// Flags returns the entry's flag bits.
func (e Entry) Flags() Flag { return Flag(e) & flagMask }

// WithFlags returns a copy of the entry with the flag bits replaced and
// the frame preserved.
func (e Entry) WithFlags(flags Flag) Entry {
	return e&^Entry(flagMask) | Entry(flags&flagMask)
}

// Virtual-address decomposition: the top ten bits index the page
// directory, the next ten the page table, the low twelve the byte.
func pdIndex(va uint32) uint32 { return va >> 22 }
func ptIndex(va uint32) uint32 { return va >> 12 & 0x3FF }

// PageBase returns the page-aligned base of va.
func PageBase(va uint32) uint32 { return va &^ (PageSize - 1) }

// PageOffset returns the byte offset of va inside its page.
func PageOffset(va uint32) uint32 { return va & (PageSize - 1) }
