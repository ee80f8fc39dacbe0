// Package pmm implements the physical frame allocator: one bit per 4 KiB
// frame over the whole physical range the boot loader reported, set when
// the frame is used. Initialization marks everything used, clears the
// bits inside available regions, then re-reserves the ranges the kernel
// already occupies (the image and the low BIOS/loader area).
package pmm

import (
	"errors"
	"fmt"

	"richelieu/multiboot"
)

// FrameSize is the size of a physical frame in bytes.
const (
	FrameSize  = 4096
	FrameShift = 12
)

// Frame identifies a physical frame by index; index 0 covers addresses
// [0, 4096).
type Frame uint32

// Address returns the base address of the frame.
func (f Frame) Address() uint32 {
	return uint32(f) << FrameShift
}

// FrameContaining returns the frame covering a physical address.
func FrameContaining(addr uint32) Frame {
	return Frame(addr >> FrameShift)
}

// Stats is an accounting snapshot.
type Stats struct {
	TotalFrames uint32
	UsedFrames  uint32
	FreeFrames  uint32
}

var (
	ErrOutOfMemory = errors.New("pmm: out of physical memory")
	ErrDoubleFree  = errors.New("pmm: frame already free")
	ErrOutOfRange  = errors.New("pmm: frame outside physical memory")
	ErrZeroRequest = errors.New("pmm: zero-frame request")
)

// Allocator is the bitmap frame allocator.
type Allocator struct {
	bitmap []uint64 // 1 = used
	frames uint32   // frames tracked by the bitmap
	used   uint32

	// firstFree is the rotating first-fit hint: no frame below it is
	// free.
	firstFree Frame
}

// Range is a physical byte range to reserve during initialization.
type Range struct {
	Start  uint32
	Length uint32
}

// New builds the allocator from the boot loader's memory map. The
// reserved ranges (kernel image, boot structures) are re-marked used
// after the available regions are opened up.
func New(info *multiboot.Info, reserved ...Range) *Allocator {
	// The bitmap spans up to the end of the highest region of any type.
	var limit uint64
	info.VisitMemRegions(func(e *multiboot.MemoryMapEntry) bool {
		if end := e.Addr + e.Length; end > limit {
			limit = end
		}
		return true
	})
	if limit > 1<<32 {
		limit = 1 << 32
	}

	frames := uint32(limit >> FrameShift)
	a := &Allocator{
		bitmap: make([]uint64, (frames+63)/64),
		frames: frames,
	}

	// Everything starts used; only bytes inside available regions are
	// opened up. Partial frames at region edges stay used.
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}
	a.used = frames

	info.VisitMemRegions(func(e *multiboot.MemoryMapEntry) bool {
		if e.Type != multiboot.RegionAvailable {
			return true
		}
		start := Frame((e.Addr + FrameSize - 1) >> FrameShift)
		end := Frame((e.Addr + e.Length) >> FrameShift)
		for f := start; f < end; f++ {
			a.clearBit(f)
		}
		return true
	})

	for _, r := range reserved {
		start := FrameContaining(r.Start)
		end := FrameContaining(r.Start + r.Length - 1)
		for f := start; f <= end; f++ {
			if uint32(f) < a.frames && !a.isUsed(f) {
				a.setBit(f)
			}
		}
	}

	return a
}

func (a *Allocator) isUsed(f Frame) bool {
	return a.bitmap[f/64]&(1<<(f%64)) != 0
}

func (a *Allocator) setBit(f Frame) {
	a.bitmap[f/64] |= 1 << (f % 64)
	a.used++
}

func (a *Allocator) clearBit(f Frame) {
	a.bitmap[f/64] &^= 1 << (f % 64)
	a.used--
}

// AllocFrame reserves one frame, scanning first-fit from the hint.
func (a *Allocator) AllocFrame() (Frame, error) {
	for f := a.firstFree; uint32(f) < a.frames; f++ {
		if !a.isUsed(f) {
			a.setBit(f)
			a.firstFree = f + 1
			return f, nil
		}
	}
	// The hint may have rotated past freed frames; retry from zero.
	for f := Frame(0); f < a.firstFree; f++ {
		if !a.isUsed(f) {
			a.setBit(f)
			a.firstFree = f + 1
			return f, nil
		}
	}
	return 0, ErrOutOfMemory
}

// AllocContiguous reserves n physically contiguous frames and returns the
// first. The scan is linear; there is no compaction.
func (a *Allocator) AllocContiguous(n uint32) (Frame, error) {
	if n == 0 {
		return 0, ErrZeroRequest
	}

	var run uint32
	for f := Frame(0); uint32(f) < a.frames; f++ {
		if a.isUsed(f) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := f - Frame(n) + 1
			for g := start; g <= f; g++ {
				a.setBit(g)
			}
			if start == a.firstFree {
				a.firstFree = f + 1
			}
			return start, nil
		}
	}
	return 0, ErrOutOfMemory
}

// FreeFrame releases one frame. Freeing a frame that is already free or
// outside the tracked range is reported, not ignored.
func (a *Allocator) FreeFrame(f Frame) error {
	if uint32(f) >= a.frames {
		return fmt.Errorf("%w: frame %d", ErrOutOfRange, f)
	}
	if !a.isUsed(f) {
		return fmt.Errorf("%w: frame %d", ErrDoubleFree, f)
	}
	a.clearBit(f)
	if f < a.firstFree {
		a.firstFree = f
	}
	return nil
}

// FreeContiguous releases n frames starting at f.
func (a *Allocator) FreeContiguous(f Frame, n uint32) error {
	if n == 0 {
		return ErrZeroRequest
	}
	for i := uint32(0); i < n; i++ {
		if err := a.FreeFrame(f + Frame(i)); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the accounting snapshot.
func (a *Allocator) Stats() Stats {
	return Stats{
		TotalFrames: a.frames,
		UsedFrames:  a.used,
		FreeFrames:  a.frames - a.used,
	}
}
