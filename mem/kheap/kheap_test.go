package kheap

import (
	"errors"
	"math/rand"
	"testing"

	"richelieu/machine"
	"richelieu/mem/pmm"
	"richelieu/mem/vmm"
	"richelieu/multiboot"
)

func newTestHeap(t *testing.T) (*Heap, *vmm.Manager) {
	t.Helper()
	m := machine.New(64 << 20)
	info := &multiboot.Info{MemoryMap: []multiboot.MemoryMapEntry{
		{Size: 20, Addr: 0, Length: 64 << 20, Type: multiboot.RegionAvailable},
	}}
	frames := pmm.New(info, pmm.Range{Start: 0, Length: 2 << 20})
	mgr := vmm.NewManager(m.Mem, frames, m.CPU)
	ks, err := mgr.InitKernelSpace()
	if err != nil {
		t.Fatal(err)
	}
	h, err := New(ks, frames, m.Mem)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h, mgr
}

func TestAllocFreeRoundTrip(t *testing.T) {
	h, _ := newTestHeap(t)

	ptr, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if ptr < vmm.HeapArenaBase || ptr%16 != 0 {
		t.Fatalf("Alloc() returned 0x%08x, want 16-aligned arena pointer", ptr)
	}
	if err := h.CheckConsistency(); err != nil {
		t.Fatal(err)
	}

	if err := h.Free(ptr); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
	if err := h.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
}

func TestSplitAndMerge(t *testing.T) {
	h, _ := newTestHeap(t)

	a, _ := h.Alloc(64)
	b, _ := h.Alloc(64)
	c, _ := h.Alloc(64)

	s := h.Stats()
	if s.Blocks != 4 { // three used + remainder
		t.Fatalf("Blocks = %d, want 4", s.Blocks)
	}

	// Free the middle, then the first: the first merges with the free
	// middle neighbour.
	if err := h.Free(b); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(a); err != nil {
		t.Fatal(err)
	}
	if err := h.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
	if got := h.Stats().Blocks; got != 3 { // merged(a+b), c, tail
		t.Fatalf("Blocks after merge = %d, want 3", got)
	}

	// The merged hole is reused for a matching allocation.
	d, err := h.Alloc(64 + headerSize + 64)
	if err != nil {
		t.Fatal(err)
	}
	if d != a {
		t.Fatalf("merged block not reused: got 0x%x, want 0x%x", d, a)
	}
	_ = c
}

func TestValidationAndDoubleFree(t *testing.T) {
	h, _ := newTestHeap(t)

	if _, err := h.Alloc(0); !errors.Is(err, ErrZeroRequest) {
		t.Errorf("Alloc(0) error = %v, want ErrZeroRequest", err)
	}
	if _, err := h.AllocAligned(16, 24); !errors.Is(err, ErrBadAlignment) {
		t.Errorf("AllocAligned(16, 24) error = %v, want ErrBadAlignment", err)
	}

	if err := h.Free(0x1000); !errors.Is(err, ErrBadPointer) {
		t.Errorf("Free(outside) error = %v, want ErrBadPointer", err)
	}

	ptr, _ := h.Alloc(32)
	if err := h.Free(ptr); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(ptr); !errors.Is(err, ErrDoubleFree) {
		t.Errorf("second Free() error = %v, want ErrDoubleFree", err)
	}
}

func TestAllocAligned(t *testing.T) {
	h, _ := newTestHeap(t)

	for _, align := range []uint32{16, 32, 64, 256, 4096} {
		ptr, err := h.AllocAligned(128, align)
		if err != nil {
			t.Fatalf("AllocAligned(128, %d) error = %v", align, err)
		}
		if ptr%align != 0 {
			t.Errorf("AllocAligned(128, %d) = 0x%08x, misaligned", align, ptr)
		}
	}
	if err := h.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
}

func TestAllocPages(t *testing.T) {
	h, _ := newTestHeap(t)

	ptr, err := h.AllocPages(2)
	if err != nil {
		t.Fatalf("AllocPages(2) error = %v", err)
	}
	if ptr%vmm.PageSize != 0 {
		t.Fatalf("AllocPages(2) = 0x%08x, not page aligned", ptr)
	}
	if _, err := h.AllocPages(0); !errors.Is(err, ErrZeroRequest) {
		t.Fatalf("AllocPages(0) error = %v, want ErrZeroRequest", err)
	}
}

func TestGrowth(t *testing.T) {
	h, _ := newTestHeap(t)

	// The initial arena is 1 MiB; allocating past it must demand-map
	// more and succeed.
	var ptrs []uint32
	for i := 0; i < 12; i++ {
		ptr, err := h.Alloc(256 * 1024)
		if err != nil {
			t.Fatalf("Alloc %d error = %v", i, err)
		}
		ptrs = append(ptrs, ptr)
	}
	if got := h.Stats().ArenaBytes; got <= InitialSize {
		t.Fatalf("arena did not grow: %d bytes", got)
	}
	if err := h.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
	for _, p := range ptrs {
		if err := h.Free(p); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
}

func TestRealloc(t *testing.T) {
	h, _ := newTestHeap(t)

	ptr, _ := h.Alloc(64)
	for i := uint32(0); i < 64; i++ {
		h.writeU8(ptr+i, uint8(i))
	}

	// Shrinking keeps the block in place.
	same, err := h.Realloc(ptr, 32)
	if err != nil || same != ptr {
		t.Fatalf("Realloc(shrink) = 0x%x, %v; want same pointer", same, err)
	}

	// Growing moves and copies.
	big, err := h.Realloc(ptr, 4096)
	if err != nil {
		t.Fatalf("Realloc(grow) error = %v", err)
	}
	if big == ptr {
		t.Fatal("Realloc(grow) did not move the block")
	}
	for i := uint32(0); i < 64; i++ {
		if got := h.readU8(big + i); got != uint8(i) {
			t.Fatalf("byte %d = 0x%02x after realloc, want 0x%02x", i, got, uint8(i))
		}
	}
	if err := h.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
}

func TestAllocZeroed(t *testing.T) {
	h, _ := newTestHeap(t)

	ptr, _ := h.Alloc(64)
	for i := uint32(0); i < 64; i++ {
		h.writeU8(ptr+i, 0xFF)
	}
	if err := h.Free(ptr); err != nil {
		t.Fatal(err)
	}

	z, err := h.AllocZeroed(64)
	if err != nil {
		t.Fatalf("AllocZeroed() error = %v", err)
	}
	for i := uint32(0); i < 64; i++ {
		if got := h.readU8(z + i); got != 0 {
			t.Fatalf("byte %d = 0x%02x, want 0", i, got)
		}
	}
}

func TestHeaderConsistencyUnderChurn(t *testing.T) {
	h, _ := newTestHeap(t)

	rng := rand.New(rand.NewSource(7))
	var live []uint32
	for op := 0; op < 600; op++ {
		if len(live) == 0 || rng.Intn(3) != 0 {
			size := uint32(rng.Intn(2048) + 1)
			ptr, err := h.Alloc(size)
			if err != nil {
				t.Fatalf("op %d: Alloc(%d) error = %v", op, size, err)
			}
			live = append(live, ptr)
		} else {
			i := rng.Intn(len(live))
			if err := h.Free(live[i]); err != nil {
				t.Fatalf("op %d: Free() error = %v", op, err)
			}
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		}
		if err := h.CheckConsistency(); err != nil {
			t.Fatalf("op %d: %v", op, err)
		}
	}
}
