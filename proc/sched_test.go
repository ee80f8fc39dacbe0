package proc

import (
	"testing"

	"richelieu/gdt"
	"richelieu/machine"
)

// newBareScheduler builds a scheduler with hand-made PCBs, no memory
// subsystem involved.
func newBareScheduler() (*Scheduler, *machine.CPU) {
	cpu := machine.NewCPU()
	s := NewScheduler(cpu, gdt.NewTSS())

	idle := &PCB{PID: IdlePID, Name: "idle", State: StateReady}
	s.SetIdle(idle)
	return s, cpu
}

func makePCB(pid PID, name string) *PCB {
	return &PCB{PID: pid, Name: name, Privilege: KernelPrivilege}
}

func TestSelectNextScansLevelsInOrder(t *testing.T) {
	s, _ := newBareScheduler()

	low := makePCB(10, "low")
	high := makePCB(11, "high")
	s.Enqueue(low, 3)
	s.Enqueue(high, 0)

	if got := s.SelectNext(); got != high {
		t.Fatalf("SelectNext() = %v, want the level-0 process", got.Name)
	}
	if got := s.SelectNext(); got != low {
		t.Fatalf("SelectNext() = %v, want the level-3 process", got.Name)
	}
	if got := s.SelectNext(); got != s.Idle() {
		t.Fatalf("SelectNext() on empty queues = %v, want idle", got.Name)
	}
}

func TestQuantaDoublePerLevel(t *testing.T) {
	want := [NumQueues]uint32{1, 2, 4, 8, 16}
	for level, q := range want {
		if got := quantumFor(level); got != q {
			t.Errorf("quantumFor(%d) = %d, want %d", level, got, q)
		}
	}
}

func TestMLFQDemotion(t *testing.T) {
	s, _ := newBareScheduler()

	a := makePCB(10, "a")
	b := makePCB(11, "b")
	s.Enqueue(a, 0)
	s.Enqueue(b, 0)

	// Run the pair CPU-bound through the tick loop: after each slice
	// expiry the runner drops one level.
	s.Schedule()
	for tick := 0; tick < 200; tick++ {
		s.Tick()
		if s.NeedsResched() {
			s.Schedule()
		}

		// Scheduler invariant: exactly one running process.
		running := 0
		for _, p := range []*PCB{a, b, s.Idle()} {
			if p.State == StateRunning {
				running++
			}
		}
		if running != 1 {
			t.Fatalf("tick %d: %d running processes", tick, running)
		}
	}

	// Both are CPU bound forever: they must sit at the bottom level by
	// now, never below it.
	if a.Priority != NumQueues-1 || b.Priority != NumQueues-1 {
		t.Fatalf("priorities = %d/%d, want both %d", a.Priority, b.Priority, NumQueues-1)
	}
}

func TestMLFQDemotionStepwise(t *testing.T) {
	s, _ := newBareScheduler()

	a := makePCB(10, "a")
	b := makePCB(11, "b")
	s.Enqueue(a, 0)
	s.Enqueue(b, 0)
	s.Schedule()

	// Level-0 quantum is one tick: after each process burns one slice,
	// both sit at level 1.
	for tick := 0; tick < 2; tick++ {
		s.Tick()
		if s.NeedsResched() {
			s.Schedule()
		}
	}
	if a.Priority != 1 || b.Priority != 1 {
		t.Fatalf("after first exhaustion: levels %d/%d, want 1/1", a.Priority, b.Priority)
	}

	// Level-1 quantum is two ticks: four more ticks moves both to 2.
	for tick := 0; tick < 4; tick++ {
		s.Tick()
		if s.NeedsResched() {
			s.Schedule()
		}
	}
	if a.Priority != 2 || b.Priority != 2 {
		t.Fatalf("after second exhaustion: levels %d/%d, want 2/2", a.Priority, b.Priority)
	}
}

func TestAgingPromotesStarvedProcess(t *testing.T) {
	s, _ := newBareScheduler()

	starved := makePCB(20, "starved")
	s.Enqueue(starved, 4)

	// Two CPU hogs at level 0 keep the CPU between themselves; keep
	// them boosted so they never sink and the level-4 process starves.
	h1 := makePCB(21, "hog1")
	h2 := makePCB(22, "hog2")
	s.Enqueue(h1, 0)
	s.Enqueue(h2, 0)
	s.Schedule()

	for tick := 0; tick < 5*(AgingThreshold+2); tick++ {
		s.Tick()
		if s.NeedsResched() {
			s.Schedule()
		}
		for _, hog := range []*PCB{h1, h2} {
			if hog.State == StateReady && hog.Priority > 0 {
				s.Boost(hog)
			}
		}
		if starved.Priority == 0 {
			break
		}
		if starved.State == StateRunning {
			t.Fatal("starved process ran; test premise broken")
		}
	}

	if starved.Priority != 0 {
		t.Fatalf("starved process at level %d after aging window, want 0", starved.Priority)
	}
}

func TestAgingMovesOneLevelPerThreshold(t *testing.T) {
	s, _ := newBareScheduler()

	p := makePCB(30, "waiter")
	s.Enqueue(p, 3)

	// Just below the threshold: no promotion yet.
	p.WaitTime = AgingThreshold - 1
	s.Tick()
	if p.Priority != 3 {
		t.Fatalf("promoted at wait time %d", p.WaitTime)
	}

	// Crossing it moves exactly one level and resets the wait clock.
	s.Tick()
	if p.Priority != 2 {
		t.Fatalf("priority = %d after crossing threshold, want 2", p.Priority)
	}
	if p.WaitTime != 0 {
		t.Fatalf("wait time = %d after promotion, want 0", p.WaitTime)
	}

	// The next tick does not chain another promotion.
	s.Tick()
	if p.Priority != 2 {
		t.Fatalf("priority = %d, promotion chained", p.Priority)
	}
}

func TestVoluntaryBlockKeepsPriority(t *testing.T) {
	s, _ := newBareScheduler()

	p := makePCB(40, "interactive")
	s.Enqueue(p, 2)
	s.Schedule()
	if s.Current() != p {
		t.Fatal("process not scheduled")
	}

	// Block before the slice runs out; the priority stays put.
	p.State = StateBlocked
	s.Remove(p)
	s.Schedule()

	if p.Priority != 2 {
		t.Fatalf("priority after voluntary block = %d, want 2", p.Priority)
	}
	if s.Current() != s.Idle() {
		t.Fatal("idle not running with everything blocked")
	}

	// Wake at the same level.
	s.Enqueue(p, p.Priority)
	s.Schedule()
	if s.Current() != p || p.Priority != 2 {
		t.Fatalf("woken process at level %d, want 2", p.Priority)
	}
}

func TestBoost(t *testing.T) {
	s, _ := newBareScheduler()

	p := makePCB(50, "editor")
	s.Enqueue(p, 4)
	s.Boost(p)

	if p.Priority != 0 {
		t.Fatalf("boosted priority = %d, want 0", p.Priority)
	}
	lengths := s.QueueLengths()
	if lengths[0] != 1 || lengths[4] != 0 {
		t.Fatalf("queue lengths = %v", lengths)
	}
}

func TestContextSwitchLoadsCR3AndTSS(t *testing.T) {
	s, cpu := newBareScheduler()
	tss := s.tss

	a := makePCB(60, "a")
	a.Regs.EIP = 0x1000
	a.Regs.CS = gdt.SelKernelCode

	u := makePCB(61, "u")
	u.Privilege = UserPrivilege
	u.Regs.EIP = 0x08048000
	u.Regs.CS = gdt.SelUserCode
	u.KernelStackBase = 0xD0008000
	u.KernelStackSize = KernelStackSize

	s.Enqueue(a, 0)
	s.Enqueue(u, 0)

	s.Schedule()
	if s.Current() != a || cpu.Regs.EIP != 0x1000 {
		t.Fatalf("first schedule: current=%v EIP=0x%x", s.Current().Name, cpu.Regs.EIP)
	}

	// a yields: registers move on, TSS tracks the user process.
	cpu.Regs.EBX = 0x1234 // a's live state to be preserved
	s.Schedule()
	if s.Current() != u {
		t.Fatal("user process not scheduled")
	}
	if cpu.Regs.EIP != 0x08048000 || cpu.Regs.CS != gdt.SelUserCode {
		t.Fatalf("user context not restored: EIP=0x%x CS=0x%x", cpu.Regs.EIP, cpu.Regs.CS)
	}
	if tss.ESP0 != u.KernelStackTop() {
		t.Fatalf("TSS ESP0 = 0x%x, want 0x%x", tss.ESP0, u.KernelStackTop())
	}
	if a.Regs.EBX != 0x1234 {
		t.Fatal("outgoing registers not saved")
	}

	// Back to a: its saved state returns to the CPU.
	s.Schedule()
	if s.Current() != a || cpu.Regs.EBX != 0x1234 {
		t.Fatalf("a's context not restored: EBX=0x%x", cpu.Regs.EBX)
	}
	if s.Switches() < 3 {
		t.Fatalf("switch count = %d", s.Switches())
	}
}

func TestIdleRunsWhenQueuesEmpty(t *testing.T) {
	s, _ := newBareScheduler()

	s.Schedule()
	if s.Current() != s.Idle() {
		t.Fatal("idle not selected on empty queues")
	}

	// Ticks with idle running charge nobody.
	before := s.Idle().TotalCPUTime
	s.Tick()
	if s.Idle().TotalCPUTime != before {
		t.Fatal("idle charged CPU time")
	}
}
