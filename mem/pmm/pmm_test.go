package pmm

import (
	"errors"
	"math/rand"
	"testing"

	"richelieu/multiboot"
)

// testInfo builds the S1 boot map: 640 KiB low, 127 MiB high, nothing
// else.
func testInfo() *multiboot.Info {
	info := &multiboot.Info{}
	info.MemoryMap = []multiboot.MemoryMapEntry{
		{Size: 20, Addr: 0, Length: 640 * 1024, Type: multiboot.RegionAvailable},
		{Size: 20, Addr: 1 << 20, Length: 127 << 20, Type: multiboot.RegionAvailable},
	}
	return info
}

func TestInitAccounting(t *testing.T) {
	a := New(testInfo())
	s := a.Stats()

	// 640 KiB = 160 frames, 127 MiB = 32512 frames.
	wantFree := uint32(160 + 32512)
	if s.FreeFrames != wantFree {
		t.Fatalf("FreeFrames = %d, want %d", s.FreeFrames, wantFree)
	}
	if s.FreeFrames < 32000 {
		t.Fatalf("boot scenario: %d free frames, want >= 32000", s.FreeFrames)
	}
	if s.TotalFrames != s.UsedFrames+s.FreeFrames {
		t.Fatalf("total %d != used %d + free %d", s.TotalFrames, s.UsedFrames, s.FreeFrames)
	}
}

func TestReservedRangesStayUsed(t *testing.T) {
	// Reserve the kernel image at 1 MiB.
	a := New(testInfo(), Range{Start: 1 << 20, Length: 512 * 1024})

	base := New(testInfo())
	if got, want := a.Stats().FreeFrames, base.Stats().FreeFrames-128; got != want {
		t.Fatalf("FreeFrames = %d, want %d", got, want)
	}

	// The reserved frames must never be handed out.
	seen := make(map[Frame]bool)
	for {
		f, err := a.AllocFrame()
		if err != nil {
			break
		}
		if addr := f.Address(); addr >= 1<<20 && addr < 1<<20+512*1024 {
			t.Fatalf("allocator handed out reserved frame 0x%x", addr)
		}
		if seen[f] {
			t.Fatalf("frame %d handed out twice", f)
		}
		seen[f] = true
	}
}

func TestAllocFreeInvariant(t *testing.T) {
	a := New(testInfo())
	start := a.Stats()

	rng := rand.New(rand.NewSource(1))
	var held []Frame
	for op := 0; op < 2000; op++ {
		if len(held) == 0 || rng.Intn(2) == 0 {
			f, err := a.AllocFrame()
			if err != nil {
				t.Fatalf("op %d: AllocFrame() error = %v", op, err)
			}
			held = append(held, f)
		} else {
			i := rng.Intn(len(held))
			if err := a.FreeFrame(held[i]); err != nil {
				t.Fatalf("op %d: FreeFrame() error = %v", op, err)
			}
			held[i] = held[len(held)-1]
			held = held[:len(held)-1]
		}

		s := a.Stats()
		if s.UsedFrames+s.FreeFrames != s.TotalFrames {
			t.Fatalf("op %d: used %d + free %d != total %d", op, s.UsedFrames, s.FreeFrames, s.TotalFrames)
		}
	}

	for _, f := range held {
		if err := a.FreeFrame(f); err != nil {
			t.Fatalf("final FreeFrame() error = %v", err)
		}
	}
	if got := a.Stats(); got != start {
		t.Fatalf("stats after drain = %+v, want %+v", got, start)
	}
}

func TestAllocContiguous(t *testing.T) {
	a := New(testInfo())

	f, err := a.AllocContiguous(16)
	if err != nil {
		t.Fatalf("AllocContiguous(16) error = %v", err)
	}
	// The run must really be contiguous: freeing each member must
	// succeed exactly once.
	for i := uint32(0); i < 16; i++ {
		if !a.isUsed(f + Frame(i)) {
			t.Fatalf("frame %d of run not marked used", i)
		}
	}
	if err := a.FreeContiguous(f, 16); err != nil {
		t.Fatalf("FreeContiguous() error = %v", err)
	}

	if _, err := a.AllocContiguous(0); !errors.Is(err, ErrZeroRequest) {
		t.Fatalf("AllocContiguous(0) error = %v, want ErrZeroRequest", err)
	}

	// A request larger than any free run fails cleanly.
	if _, err := a.AllocContiguous(1 << 20); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("oversize AllocContiguous() error = %v, want ErrOutOfMemory", err)
	}
}

func TestDoubleFreeDetected(t *testing.T) {
	a := New(testInfo())

	f, err := a.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.FreeFrame(f); err != nil {
		t.Fatal(err)
	}
	if err := a.FreeFrame(f); !errors.Is(err, ErrDoubleFree) {
		t.Fatalf("second free error = %v, want ErrDoubleFree", err)
	}
}

func TestFreeOutOfRange(t *testing.T) {
	a := New(testInfo())
	if err := a.FreeFrame(Frame(1 << 28)); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("FreeFrame(out of range) error = %v, want ErrOutOfRange", err)
	}
}

func TestExhaustion(t *testing.T) {
	info := &multiboot.Info{MemoryMap: []multiboot.MemoryMapEntry{
		{Size: 20, Addr: 0, Length: 16 * FrameSize, Type: multiboot.RegionAvailable},
	}}
	a := New(info)

	for i := 0; i < 16; i++ {
		if _, err := a.AllocFrame(); err != nil {
			t.Fatalf("alloc %d failed: %v", i, err)
		}
	}
	if _, err := a.AllocFrame(); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("alloc past exhaustion error = %v, want ErrOutOfMemory", err)
	}
}

func TestRotatingHintReusesFreedFrames(t *testing.T) {
	info := &multiboot.Info{MemoryMap: []multiboot.MemoryMapEntry{
		{Size: 20, Addr: 0, Length: 8 * FrameSize, Type: multiboot.RegionAvailable},
	}}
	a := New(info)

	var frames []Frame
	for i := 0; i < 8; i++ {
		f, _ := a.AllocFrame()
		frames = append(frames, f)
	}
	if err := a.FreeFrame(frames[2]); err != nil {
		t.Fatal(err)
	}

	f, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame() after free error = %v", err)
	}
	if f != frames[2] {
		t.Fatalf("allocator missed the freed frame: got %d, want %d", f, frames[2])
	}
}

func TestFrameAddress(t *testing.T) {
	if Frame(0x100).Address() != 0x100000 {
		t.Error("Frame.Address wrong")
	}
	if FrameContaining(0x100FFF) != Frame(0x100) {
		t.Error("FrameContaining wrong")
	}
}
