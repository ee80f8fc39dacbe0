package interrupt

import (
	"strings"
	"testing"

	"richelieu/gdt"
	"richelieu/machine"
)

func newTestController(t *testing.T) (*Controller, *machine.Machine, *gdt.TSS) {
	t.Helper()
	m := machine.New(16 << 20)
	tss := gdt.NewTSS()
	tss.SetKernelStack(0x00090000)
	c := NewController(m.CPU, m.Bus, tss)
	c.SetupIDT()
	c.RemapPIC()
	return c, m, tss
}

func TestSetupIDTGates(t *testing.T) {
	c, _, _ := newTestController(t)

	for v := 0; v < 32; v++ {
		g := c.GateAt(v)
		if !g.Present || g.DPL != 0 || g.Selector != gdt.SelKernelCode {
			t.Fatalf("exception gate %d = %+v", v, g)
		}
	}
	for v := IRQBaseVector; v < IRQBaseVector+NumIRQs; v++ {
		if g := c.GateAt(v); !g.Present || g.DPL != 0 {
			t.Fatalf("IRQ gate %d = %+v", v, g)
		}
	}

	sys := c.GateAt(VecSyscall)
	if !sys.Present || sys.DPL != 3 {
		t.Fatalf("syscall gate = %+v, want present DPL 3", sys)
	}

	// Uninstalled vectors stay holes.
	if c.GateAt(0x81).Present {
		t.Fatal("vector 0x81 unexpectedly present")
	}
}

func TestIRQDeliveryAndEOI(t *testing.T) {
	c, m, _ := newTestController(t)
	m.CPU.Regs.CS = gdt.SelKernelCode
	m.CPU.Sti()

	var ticks int
	c.HandleIRQ(0, func(f *Frame) { ticks++ })

	m.TimerPulse() // unprogrammed PIT: silent
	programTestPIT(m)
	m.TimerPulse()

	vec, ok := m.PendingVector()
	if !ok || vec != IRQBaseVector {
		t.Fatalf("pending vector = %d (ok=%v), want %d", vec, ok, IRQBaseVector)
	}
	c.Deliver(uint32(vec), 0)

	if ticks != 1 {
		t.Fatalf("tick handler ran %d times, want 1", ticks)
	}
	if !m.CPU.InterruptsEnabled() {
		t.Fatal("IF not restored by iret")
	}

	// The dispatcher EOI'd: the next pulse is deliverable.
	m.TimerPulse()
	if _, ok := m.PendingVector(); !ok {
		t.Fatal("EOI missing: second pulse not deliverable")
	}
}

func programTestPIT(m *machine.Machine) {
	divisor := uint16(machine.PITInputHz / 100)
	m.Bus.Out8(machine.PITCommand, 0x36)
	m.Bus.Out8(machine.PITChannel0, uint8(divisor&0xFF))
	m.Bus.Out8(machine.PITChannel0, uint8(divisor>>8))
}

func TestInterruptsOffDuringHandler(t *testing.T) {
	c, m, _ := newTestController(t)
	m.CPU.Regs.CS = gdt.SelKernelCode
	m.CPU.Sti()

	var ifInHandler bool
	c.HandleIRQ(3, func(f *Frame) {
		ifInHandler = m.CPU.InterruptsEnabled()
	})
	c.Deliver(IRQBaseVector+3, 0)

	if ifInHandler {
		t.Fatal("interrupts enabled inside handler body")
	}
	if !m.CPU.InterruptsEnabled() {
		t.Fatal("interrupts not restored after iret")
	}
}

func TestRingTransitionUsesTSSStack(t *testing.T) {
	c, m, tss := newTestController(t)
	tss.SetKernelStack(0x00090000)

	regs := &m.CPU.Regs
	regs.CS = gdt.SelUserCode
	regs.SS = gdt.SelUserData
	regs.ESP = 0xBFFFEFF0
	regs.EIP = 0x08048010
	m.CPU.Sti()

	var sawESP uint32
	var sawFrame *Frame
	c.SetSyscallHandler(func(f *Frame) {
		sawESP = regs.ESP
		sawFrame = f
	})

	c.RaiseSoftware(VecSyscall)

	if sawFrame == nil {
		t.Fatal("syscall handler not invoked")
	}
	if !sawFrame.FromUser {
		t.Fatal("frame not marked as user-mode entry")
	}
	if sawFrame.UserESP != 0xBFFFEFF0 || sawFrame.UserSS != gdt.SelUserData {
		t.Fatalf("saved user stack = 0x%x:0x%x", sawFrame.UserSS, sawFrame.UserESP)
	}
	if sawESP != 0x00090000 {
		t.Fatalf("handler ran on ESP 0x%x, want TSS ESP0", sawESP)
	}

	// iret returned to the user stack and segments.
	if regs.ESP != 0xBFFFEFF0 || regs.CS != gdt.SelUserCode || regs.SS != gdt.SelUserData {
		t.Fatalf("user context not restored: CS=0x%x SS=0x%x ESP=0x%x", regs.CS, regs.SS, regs.ESP)
	}
}

func TestSyscallReturnValueInEAX(t *testing.T) {
	c, m, _ := newTestController(t)
	regs := &m.CPU.Regs
	regs.CS = gdt.SelUserCode
	regs.SS = gdt.SelUserData
	regs.EAX = 2 // getpid
	m.CPU.Sti()

	c.SetSyscallHandler(func(f *Frame) {
		if f.EAX != 2 {
			t.Fatalf("dispatcher saw EAX=%d, want 2", f.EAX)
		}
		f.EAX = 42
	})
	c.RaiseSoftware(VecSyscall)

	if regs.EAX != 42 {
		t.Fatalf("EAX after iret = %d, want 42", regs.EAX)
	}
}

func TestUserCannotReachKernelGates(t *testing.T) {
	c, m, _ := newTestController(t)
	regs := &m.CPU.Regs
	regs.CS = gdt.SelUserCode
	regs.SS = gdt.SelUserData
	m.CPU.Sti()

	var fatalReason string
	c.SetFatalHandler(func(f *Frame, reason string) {
		fatalReason = reason
		m.CPU.Cli()
		m.CPU.Hlt()
	})

	// int 0x21 from ring 3 hits a DPL 0 gate: general protection.
	c.RaiseSoftware(0x21)

	if !strings.Contains(fatalReason, "general protection") {
		t.Fatalf("fatal reason = %q, want general protection fault", fatalReason)
	}
	if !m.CPU.Halted() {
		t.Fatal("CPU not halted after fatal fault")
	}
}

func TestPageFaultDispatch(t *testing.T) {
	c, m, _ := newTestController(t)
	m.CPU.Regs.CS = gdt.SelKernelCode
	m.CPU.Sti()

	var gotAddr uint32
	var gotErr uint32
	c.SetPageFaultHandler(func(f *Frame, addr uint32) bool {
		gotAddr = addr
		gotErr = f.ErrorCode
		return true
	})

	var fatal bool
	c.SetFatalHandler(func(f *Frame, reason string) { fatal = true })

	// A COW-style fault: write to a present user page.
	c.DeliverPageFault(0x08048123, PFPresent|PFWrite|PFUser)
	if fatal {
		t.Fatal("recoverable fault went fatal")
	}
	if gotAddr != 0x08048123 {
		t.Fatalf("handler saw address 0x%x", gotAddr)
	}
	if gotErr&PFWrite == 0 {
		t.Fatalf("handler saw error 0x%x, want write bit", gotErr)
	}

	// A not-present fault never reaches the COW hook.
	gotAddr = 0
	c.DeliverPageFault(0x70000000, PFUser)
	if !fatal {
		t.Fatal("unrecoverable fault not fatal")
	}
	if gotAddr != 0 {
		t.Fatal("COW hook ran for a not-present fault")
	}
}

func TestFatalOnUnhandledException(t *testing.T) {
	c, m, _ := newTestController(t)
	m.CPU.Regs.CS = gdt.SelKernelCode

	var reason string
	c.SetFatalHandler(func(f *Frame, r string) { reason = r })

	c.Deliver(VecDivideError, 0)
	if reason != "divide error" {
		t.Fatalf("fatal reason = %q, want divide error", reason)
	}
}

func TestMaskUnmaskThroughController(t *testing.T) {
	c, m, _ := newTestController(t)
	m.CPU.Regs.CS = gdt.SelKernelCode
	m.CPU.Sti()

	c.MaskIRQ(0)
	m.PIC.RaiseIRQ(0)
	if _, ok := m.PendingVector(); ok {
		t.Fatal("masked line delivered")
	}
	c.UnmaskIRQ(0)
	if vec, ok := m.PendingVector(); !ok || vec != IRQBaseVector {
		t.Fatalf("unmask: vector %d (ok=%v)", vec, ok)
	}
	c.EOI(0)

	c.MaskAll()
	m.PIC.RaiseIRQ(4)
	if _, ok := m.PendingVector(); ok {
		t.Fatal("MaskAll leaked a line")
	}
	c.UnmaskAll()
	if _, ok := m.PendingVector(); !ok {
		t.Fatal("UnmaskAll did not open the line")
	}
}

func TestReturnHookRuns(t *testing.T) {
	c, m, _ := newTestController(t)
	m.CPU.Regs.CS = gdt.SelKernelCode
	m.CPU.Sti()

	var order []string
	c.HandleIRQ(0, func(f *Frame) { order = append(order, "handler") })
	c.SetSyscallHandler(func(f *Frame) { order = append(order, "syscall") })
	c.SetReturnHook(func() { order = append(order, "exit") })

	c.Deliver(IRQBaseVector, 0)
	c.RaiseSoftware(VecSyscall)

	want := []string{"handler", "exit", "syscall", "exit"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if c.DeliveredCount(IRQBaseVector) != 1 {
		t.Fatal("delivery count not recorded")
	}

	// Exceptions do not run the hook.
	order = nil
	c.SetFatalHandler(func(f *Frame, reason string) {})
	c.Deliver(VecDivideError, 0)
	if len(order) != 0 {
		t.Fatalf("hook ran on exception path: %v", order)
	}
}
