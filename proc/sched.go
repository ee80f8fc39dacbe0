package proc

import (
	"fmt"
	"strings"

	"richelieu/gdt"
	"richelieu/klog"
	"richelieu/machine"
)

// Scheduling parameters: five FIFO levels with doubling quanta (ticks at
// 100 Hz, so 10 ms at level 0 up to 160 ms at level 4) and the aging
// threshold that pulls starved processes back up.
const (
	NumQueues      = 5
	AgingThreshold = 1000
)

// quantumFor returns the time slice for a level, in ticks.
func quantumFor(level int) uint32 {
	return 1 << level
}

// Scheduler is the multi-level feedback queue scheduler. A ready or
// running PCB is in exactly one place: one queue slot, or current.
type Scheduler struct {
	queues  [NumQueues][]*PCB
	current *PCB
	idle    *PCB

	cpu *machine.CPU
	tss *gdt.TSS

	ticks       uint64
	needResched bool
	switches    uint64
}

// NewScheduler wires the scheduler to the CPU and TSS it programs
// during context switches.
func NewScheduler(cpu *machine.CPU, tss *gdt.TSS) *Scheduler {
	return &Scheduler{cpu: cpu, tss: tss}
}

// SetIdle installs the idle process (pid 0). It never sits in a queue.
func (s *Scheduler) SetIdle(p *PCB) {
	s.idle = p
}

// Idle returns the idle process.
func (s *Scheduler) Idle() *PCB {
	return s.idle
}

// Current returns the running process, possibly the idle process, or
// nil before the first schedule.
func (s *Scheduler) Current() *PCB {
	return s.current
}

// Ticks returns the scheduler clock.
func (s *Scheduler) Ticks() uint64 {
	return s.ticks
}

// Enqueue places p at the tail of the given level with a fresh quantum.
func (s *Scheduler) Enqueue(p *PCB, level int) {
	if level < 0 {
		level = 0
	}
	if level >= NumQueues {
		level = NumQueues - 1
	}
	p.Priority = level
	p.TimeSlice = quantumFor(level)
	p.State = StateReady
	s.queues[level] = append(s.queues[level], p)
}

// Remove takes p out of whatever queue it sits in and, if it is the
// running process, clears current.
func (s *Scheduler) Remove(p *PCB) {
	if s.current == p {
		s.current = nil
	}
	for level := range s.queues {
		q := s.queues[level]
		for i, q0 := range q {
			if q0 == p {
				s.queues[level] = append(q[:i], q[i+1:]...)
				return
			}
		}
	}
}

// SelectNext dequeues the head of the first non-empty level, or the
// idle process when everything is empty.
func (s *Scheduler) SelectNext() *PCB {
	for level := 0; level < NumQueues; level++ {
		if len(s.queues[level]) > 0 {
			p := s.queues[level][0]
			s.queues[level] = s.queues[level][1:]
			return p
		}
	}
	return s.idle
}

// Tick is the timer-interrupt accounting: charge the running process,
// demote it when its slice runs out, age the waiters. The actual switch
// happens on the interrupt return path, never inside the IRQ body.
func (s *Scheduler) Tick() {
	s.ticks++

	// Every ready process accumulates wait time.
	for level := 0; level < NumQueues; level++ {
		for _, p := range s.queues[level] {
			p.WaitTime++
		}
	}
	s.age()

	cur := s.current
	if cur == nil || cur == s.idle || cur.State != StateRunning {
		// Nothing to charge; make sure somebody runs if work exists.
		if s.readyCount() > 0 {
			s.needResched = true
		}
		return
	}

	cur.TotalCPUTime++
	if cur.TimeSlice > 0 {
		cur.TimeSlice--
	}
	if cur.TimeSlice == 0 {
		// Slice exhausted: demote one level and requeue at the tail.
		next := cur.Priority + 1
		if next >= NumQueues {
			next = NumQueues - 1
		}
		klog.Debug("## (%d) slice exhausted, level %d -> %d", uint32(cur.PID), cur.Priority, next)
		s.Enqueue(cur, next)
		s.needResched = true
	}
}

// age promotes any ready process in levels 1..4 that has waited past
// the threshold, one level per pass. Starvation is bounded by it.
func (s *Scheduler) age() {
	for level := 1; level < NumQueues; level++ {
		q := s.queues[level]
		for i := 0; i < len(q); {
			p := q[i]
			if p.WaitTime > AgingThreshold {
				q = append(q[:i], q[i+1:]...)
				p.WaitTime = 0
				s.queues[level] = q
				s.Enqueue(p, level-1)
				continue
			}
			i++
		}
		s.queues[level] = q
	}
}

// Boost promotes an interactive process straight to level 0.
func (s *Scheduler) Boost(p *PCB) {
	if p.State != StateReady {
		return
	}
	s.Remove(p)
	p.WaitTime = 0
	s.Enqueue(p, 0)
}

// RequestResched asks for a switch on the next return path; the yield
// syscall uses it.
func (s *Scheduler) RequestResched() {
	s.needResched = true
}

// NeedsResched reports whether the tick path requested a switch.
func (s *Scheduler) NeedsResched() bool {
	return s.needResched
}

// Schedule picks the next process and context-switches to it. The
// caller has already parked the outgoing process (requeued it, blocked
// it, or terminated it); a still-running current process keeps the CPU
// unless preemption was requested.
func (s *Scheduler) Schedule() {
	s.needResched = false

	prev := s.current
	if prev != nil && prev.State == StateRunning && prev != s.idle {
		// Voluntary call with a still-runnable current process:
		// requeue it at its own level behind its peers.
		s.Enqueue(prev, prev.Priority)
	}

	next := s.SelectNext()
	if next == nil {
		return
	}
	s.run(next, prev)
}

// run makes next the running process.
func (s *Scheduler) run(next, prev *PCB) {
	next.State = StateRunning
	next.WaitTime = 0
	if next.TimeSlice == 0 {
		next.TimeSlice = quantumFor(next.Priority)
	}
	next.LastScheduled = s.ticks
	s.current = next

	if prev != next {
		s.contextSwitch(prev, next)
	}
}

// contextSwitch performs the register/address-space handover of §4.6:
// CR3 only when the spaces differ, TSS ESP0 for user processes, save
// the outgoing registers, restore the incoming ones. The privilege of
// the restored context is carried by its CS selector; the iret versus
// jump distinction on real hardware falls out of that.
func (s *Scheduler) contextSwitch(prev, next *PCB) {
	s.switches++

	if next.Space != nil && s.cpu.CR3() != next.Space.PDAddress() {
		next.Space.Activate()
	}
	if next.Privilege == UserPrivilege {
		s.tss.SetKernelStack(next.KernelStackTop())
	}

	if prev != nil {
		prev.Regs = s.cpu.Regs
		klog.ContextSwitch(uint32(prev.PID), uint32(next.PID))
	}
	s.cpu.Regs = next.Regs
}

// Switches returns the number of context switches performed.
func (s *Scheduler) Switches() uint64 {
	return s.switches
}

func (s *Scheduler) readyCount() int {
	n := 0
	for level := range s.queues {
		n += len(s.queues[level])
	}
	return n
}

// QueueLengths returns the per-level occupancy.
func (s *Scheduler) QueueLengths() [NumQueues]int {
	var out [NumQueues]int
	for level := range s.queues {
		out[level] = len(s.queues[level])
	}
	return out
}

// DumpQueues renders the queue state for diagnostics.
func (s *Scheduler) DumpQueues() string {
	var b strings.Builder
	for level := range s.queues {
		fmt.Fprintf(&b, "L%d:", level)
		for _, p := range s.queues[level] {
			fmt.Fprintf(&b, " %d(%s)", uint32(p.PID), p.Name)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
