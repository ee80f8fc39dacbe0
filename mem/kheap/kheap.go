// Package kheap is the kernel heap: an intrusive singly-linked free list
// over a virtually contiguous arena starting at 0xD0000000. Block
// headers live inside the arena itself (in simulated memory, reached
// through the kernel address space), so the heap exercises the same
// paging structures everything else uses. The arena starts at 1 MiB and
// doubles on demand up to 256 MiB; growth maps fresh frames into the
// page tables preallocated at boot.
package kheap

import (
	"errors"
	"fmt"

	"richelieu/machine"
	"richelieu/mem/pmm"
	"richelieu/mem/vmm"
)

const (
	// InitialSize and MaxSize bound the arena.
	InitialSize = 1 << 20
	MaxSize     = 256 << 20

	// headerSize is the block header: size, free and next words plus
	// padding that keeps every payload 16-byte aligned.
	headerSize = 16

	// minSplit is the smallest payload worth carving a new free block
	// for.
	minSplit = 8
)

var (
	ErrOutOfMemory  = errors.New("kheap: out of memory")
	ErrBadPointer   = errors.New("kheap: pointer outside arena")
	ErrDoubleFree   = errors.New("kheap: block already free")
	ErrZeroRequest  = errors.New("kheap: zero-size request")
	ErrBadAlignment = errors.New("kheap: alignment not a power of two")
)

// Stats is a heap accounting snapshot.
type Stats struct {
	ArenaBytes uint32
	UsedBytes  uint32
	FreeBytes  uint32
	Blocks     uint32
}

// Heap is the allocator state. All block metadata lives in the arena;
// the struct itself only remembers the mapped extent.
type Heap struct {
	space  *vmm.AddressSpace
	frames *pmm.Allocator
	mem    *machine.PhysicalMemory

	base uint32
	size uint32 // currently mapped arena bytes
}

// New maps the initial arena inside the kernel address space and plants
// the first free block covering all of it.
func New(space *vmm.AddressSpace, frames *pmm.Allocator, mem *machine.PhysicalMemory) (*Heap, error) {
	h := &Heap{
		space:  space,
		frames: frames,
		mem:    mem,
		base:   vmm.HeapArenaBase,
	}
	if err := h.mapRange(h.base, InitialSize); err != nil {
		return nil, err
	}
	h.size = InitialSize
	h.writeHeader(h.base, header{size: InitialSize - headerSize, free: true})
	return h, nil
}

// header is the decoded block header. next == 0 terminates the list.
type header struct {
	size uint32
	free bool
	next uint32
}

func (h *Heap) readHeader(va uint32) header {
	return header{
		size: h.readU32(va),
		free: h.readU32(va+4) != 0,
		next: h.readU32(va + 8),
	}
}

func (h *Heap) writeHeader(va uint32, hdr header) {
	h.writeU32(va, hdr.size)
	if hdr.free {
		h.writeU32(va+4, 1)
	} else {
		h.writeU32(va+4, 0)
	}
	h.writeU32(va+8, hdr.next)
}

// readU32/writeU32 access arena words through the kernel page tables.
// Headers are 16-byte aligned so a word never straddles a page.
func (h *Heap) readU32(va uint32) uint32 {
	pa, ok := h.space.Translate(va)
	if !ok {
		panic(fmt.Sprintf("kheap: arena address 0x%08x not mapped", va))
	}
	return h.mem.ReadU32(pa)
}

func (h *Heap) writeU32(va uint32, v uint32) {
	pa, ok := h.space.Translate(va)
	if !ok {
		panic(fmt.Sprintf("kheap: arena address 0x%08x not mapped", va))
	}
	h.mem.WriteU32(pa, v)
}

// Alloc reserves size bytes with the default 16-byte alignment.
func (h *Heap) Alloc(size uint32) (uint32, error) {
	return h.AllocAligned(size, headerSize)
}

// AllocAligned reserves size bytes whose address is a multiple of align.
// First fit over the free list; a failed pass grows the arena and
// retries once.
func (h *Heap) AllocAligned(size, align uint32) (uint32, error) {
	if size == 0 {
		return 0, ErrZeroRequest
	}
	if align == 0 || align&(align-1) != 0 {
		return 0, ErrBadAlignment
	}
	if align < headerSize {
		align = headerSize
	}
	size = (size + headerSize - 1) &^ uint32(headerSize-1)

	if va, ok := h.allocFit(size, align); ok {
		return va, nil
	}
	if err := h.grow(size + align); err != nil {
		return 0, err
	}
	if va, ok := h.allocFit(size, align); ok {
		return va, nil
	}
	return 0, ErrOutOfMemory
}

// allocFit runs one first-fit pass.
func (h *Heap) allocFit(size, align uint32) (uint32, bool) {
	for va := h.base; va != 0; {
		hdr := h.readHeader(va)
		if !hdr.free {
			va = hdr.next
			continue
		}

		payload := va + headerSize
		aligned := (payload + align - 1) &^ (align - 1)
		adjust := aligned - payload

		// A misaligned block needs room in front for a carved free
		// block keeping the list walkable; too small a gap is pushed
		// to the next alignment boundary.
		for adjust != 0 && adjust < headerSize+minSplit {
			aligned += align
			adjust += align
		}
		if hdr.size < adjust+size {
			va = hdr.next
			continue
		}

		if adjust != 0 {
			// Carve the gap off the front as its own free block.
			front := header{size: adjust - headerSize, free: true, next: aligned - headerSize}
			h.writeHeader(va, front)
			hdr = header{size: hdr.size - adjust, free: true, next: hdr.next}
			va = aligned - headerSize
			h.writeHeader(va, hdr)
		}

		// Split the tail when the residue can hold a header plus a
		// minimal payload.
		if hdr.size >= size+headerSize+minSplit {
			tail := va + headerSize + size
			h.writeHeader(tail, header{size: hdr.size - size - headerSize, free: true, next: hdr.next})
			hdr.size = size
			hdr.next = tail
		}

		hdr.free = false
		h.writeHeader(va, hdr)
		return va + headerSize, true
	}
	return 0, false
}

// grow doubles the arena (at least by need) up to MaxSize, mapping the
// new pages and appending them to the free list.
func (h *Heap) grow(need uint32) error {
	newSize := h.size * 2
	for newSize < h.size+need+headerSize {
		if newSize >= MaxSize {
			break
		}
		newSize *= 2
	}
	if newSize > MaxSize {
		newSize = MaxSize
	}
	if newSize <= h.size {
		return ErrOutOfMemory
	}

	added := newSize - h.size
	if err := h.mapRange(h.base+h.size, added); err != nil {
		return err
	}

	// The fresh range becomes a free block; if the last block is free
	// and abuts it, extend that block instead.
	newBlock := h.base + h.size
	h.writeHeader(newBlock, header{size: added - headerSize, free: true})

	last := h.base
	for {
		hdr := h.readHeader(last)
		if hdr.next == 0 {
			if hdr.free && last+headerSize+hdr.size == newBlock {
				hdr.size += added
				h.writeHeader(last, hdr)
			} else {
				hdr.next = newBlock
				h.writeHeader(last, hdr)
			}
			break
		}
		last = hdr.next
	}

	h.size = newSize
	return nil
}

func (h *Heap) mapRange(va, length uint32) error {
	if int64(va)+int64(length) > vmm.HeapArenaLimit {
		return ErrOutOfMemory
	}
	for off := uint32(0); off < length; off += vmm.PageSize {
		frame, err := h.frames.AllocFrame()
		if err != nil {
			return fmt.Errorf("%w: no frame for arena page", ErrOutOfMemory)
		}
		if err := h.space.Map(va+off, frame.Address(), vmm.FlagWritable|vmm.FlagGlobal); err != nil {
			return err
		}
	}
	return nil
}

// Free releases a payload pointer. Pointers outside the arena and
// blocks already free are reported. The block merges with its immediate
// successor when that successor is free and physically adjacent.
func (h *Heap) Free(ptr uint32) error {
	if ptr < h.base+headerSize || ptr >= h.base+h.size {
		return fmt.Errorf("%w: 0x%08x", ErrBadPointer, ptr)
	}
	va := ptr - headerSize
	hdr := h.readHeader(va)
	if hdr.free {
		return fmt.Errorf("%w: 0x%08x", ErrDoubleFree, ptr)
	}

	hdr.free = true
	if hdr.next != 0 {
		next := h.readHeader(hdr.next)
		if next.free && va+headerSize+hdr.size == hdr.next {
			hdr.size += headerSize + next.size
			hdr.next = next.next
		}
	}
	h.writeHeader(va, hdr)
	return nil
}

// Realloc resizes an allocation, moving it only when the current block
// cannot hold the new size.
func (h *Heap) Realloc(ptr, newSize uint32) (uint32, error) {
	if newSize == 0 {
		return 0, ErrZeroRequest
	}
	if ptr == 0 {
		return h.Alloc(newSize)
	}
	if ptr < h.base+headerSize || ptr >= h.base+h.size {
		return 0, fmt.Errorf("%w: 0x%08x", ErrBadPointer, ptr)
	}

	hdr := h.readHeader(ptr - headerSize)
	if hdr.size >= newSize {
		return ptr, nil
	}

	dst, err := h.Alloc(newSize)
	if err != nil {
		return 0, err
	}
	h.copyBytes(dst, ptr, hdr.size)
	if err := h.Free(ptr); err != nil {
		return 0, err
	}
	return dst, nil
}

// AllocZeroed reserves size bytes cleared to zero.
func (h *Heap) AllocZeroed(size uint32) (uint32, error) {
	ptr, err := h.Alloc(size)
	if err != nil {
		return 0, err
	}
	for off := uint32(0); off < size; off++ {
		h.writeU8(ptr+off, 0)
	}
	return ptr, nil
}

// AllocPages reserves n whole pages aligned to a page boundary.
func (h *Heap) AllocPages(n uint32) (uint32, error) {
	if n == 0 {
		return 0, ErrZeroRequest
	}
	return h.AllocAligned(n*vmm.PageSize, vmm.PageSize)
}

func (h *Heap) readU8(va uint32) uint8 {
	pa, ok := h.space.Translate(va)
	if !ok {
		panic(fmt.Sprintf("kheap: arena address 0x%08x not mapped", va))
	}
	return h.mem.ReadU8(pa)
}

func (h *Heap) writeU8(va uint32, v uint8) {
	pa, ok := h.space.Translate(va)
	if !ok {
		panic(fmt.Sprintf("kheap: arena address 0x%08x not mapped", va))
	}
	h.mem.WriteU8(pa, v)
}

func (h *Heap) copyBytes(dst, src, n uint32) {
	for off := uint32(0); off < n; off++ {
		h.writeU8(dst+off, h.readU8(src+off))
	}
}

// Stats walks the block list and totals it.
func (h *Heap) Stats() Stats {
	s := Stats{ArenaBytes: h.size}
	for va := h.base; va != 0; {
		hdr := h.readHeader(va)
		s.Blocks++
		if hdr.free {
			s.FreeBytes += hdr.size
		} else {
			s.UsedBytes += hdr.size
		}
		va = hdr.next
	}
	return s
}

// CheckConsistency verifies the block list covers the arena exactly:
// headers chain forward without gaps or overlap and the sizes sum to
// the arena size minus header overhead.
func (h *Heap) CheckConsistency() error {
	expected := h.base
	for va := h.base; va != 0; {
		if va != expected {
			return fmt.Errorf("kheap: block chain gap: have 0x%08x, want 0x%08x", va, expected)
		}
		hdr := h.readHeader(va)
		if hdr.size == 0 {
			return fmt.Errorf("kheap: zero-size block at 0x%08x", va)
		}
		expected = va + headerSize + hdr.size
		if int64(expected) > int64(h.base)+int64(h.size) {
			return fmt.Errorf("kheap: block at 0x%08x overruns arena", va)
		}
		va = hdr.next
	}
	if expected != h.base+h.size {
		return fmt.Errorf("kheap: arena tail unaccounted: chain ends at 0x%08x, arena at 0x%08x", expected, h.base+h.size)
	}
	return nil
}
