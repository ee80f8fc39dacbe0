// Package interrupt implements the interrupt descriptor table and the
// delivery path: the per-vector stubs, the common save/dispatch
// trampolines, the IRQ and exception dispatchers, and the int 0x80
// system-call gateway. Delivery models exactly what the hardware and
// the assembly stubs do on real silicon: privilege check against the
// gate, stack switch through the TSS on a ring change, the pushal-order
// register save, segment reload, dispatch, and the iret restore that
// hands the (possibly modified) saved registers back to the CPU.
package interrupt

import (
	"fmt"

	"richelieu/gdt"
	"richelieu/machine"
)

// Well-known vectors.
const (
	VecDivideError       = 0
	VecDebug             = 1
	VecBreakpoint        = 3
	VecInvalidOpcode     = 6
	VecDoubleFault       = 8
	VecGeneralProtection = 13
	VecPageFault         = 14
	VecMachineCheck      = 18

	// IRQBaseVector is where the remapped PIC delivers IRQ 0.
	IRQBaseVector = 0x20

	// VecSyscall is the user-reachable software-interrupt gate.
	VecSyscall = 0x80

	NumVectors = 256
	NumIRQs    = 16
)

// Page-fault error-code bits.
const (
	PFPresent = 1 << 0 // fault on a present page (protection)
	PFWrite   = 1 << 1 // faulting access was a write
	PFUser    = 1 << 2 // fault raised from ring 3
)

// GateType distinguishes the two 32-bit gate encodings in use.
type GateType uint8

const (
	InterruptGate32 GateType = 0xE
	TrapGate32      GateType = 0xF
)

// Gate is one IDT entry in unpacked form.
type Gate struct {
	Selector uint16
	Type     GateType
	DPL      uint8
	Present  bool
}

// Frame is the saved-register block the common trampoline builds on the
// kernel stack: segment registers, the pushal block, the vector and
// error code pushed by the stub, and the iret frame the CPU pushed.
// UserESP/UserSS are only valid when the interrupt arrived from ring 3.
type Frame struct {
	GS, FS, ES, DS uint16

	// pushal order: EDI lowest on the stack, EAX highest.
	EDI, ESI, EBP, ESPSaved uint32
	EBX, EDX, ECX, EAX      uint32

	Vector    uint32
	ErrorCode uint32

	EIP    uint32
	CS     uint16
	EFLAGS uint32

	UserESP  uint32
	UserSS   uint16
	FromUser bool
}

// exceptionNames formats the fatal-fault diagnostic.
var exceptionNames = [32]string{
	0: "divide error", 1: "debug", 2: "non-maskable interrupt",
	3: "breakpoint", 4: "overflow", 5: "bound range exceeded",
	6: "invalid opcode", 7: "device not available", 8: "double fault",
	10: "invalid TSS", 11: "segment not present", 12: "stack-segment fault",
	13: "general protection fault", 14: "page fault",
	16: "x87 floating-point error", 17: "alignment check",
	18: "machine check", 19: "SIMD floating-point error",
}

// ExceptionName returns the mnemonic for an exception vector.
func ExceptionName(vector uint32) string {
	if vector < 32 && exceptionNames[vector] != "" {
		return exceptionNames[vector]
	}
	return fmt.Sprintf("vector %d", vector)
}

// Controller owns the IDT and the dispatch tables behind it.
type Controller struct {
	cpu *machine.CPU
	bus *machine.Bus
	tss *gdt.TSS

	gates [NumVectors]Gate

	irqHandlers [NumIRQs]func(*Frame)
	syscall     func(*Frame)

	// pageFault gets a shot at vector 14 before the fault is declared
	// fatal; it reports whether the fault was resolved.
	pageFault func(f *Frame, addr uint32) bool

	// fatal is the point of no return: unrecoverable exceptions land
	// here. The kernel installs its panic routine.
	fatal func(f *Frame, reason string)

	// returnHook runs on the return path of every IRQ and system call,
	// after the saved frame is restored. The scheduler hangs its
	// switch decision off it; no handler body ever switches address
	// spaces itself.
	returnHook func()

	delivered [NumVectors]uint64
}

// NewController wires the IDT machinery to the CPU, bus and TSS.
func NewController(cpu *machine.CPU, bus *machine.Bus, tss *gdt.TSS) *Controller {
	c := &Controller{cpu: cpu, bus: bus, tss: tss}
	c.fatal = func(f *Frame, reason string) {
		cpu.Cli()
		cpu.Hlt()
	}
	return c
}

// SetupIDT installs the 256 gates: dedicated stubs for the 32 CPU
// exceptions, the 16 remapped IRQs, and the DPL=3 system-call gate.
// Everything else stays non-present.
func (c *Controller) SetupIDT() {
	for v := 0; v < 32; v++ {
		c.gates[v] = Gate{Selector: gdt.SelKernelCode, Type: InterruptGate32, DPL: 0, Present: true}
	}
	for v := IRQBaseVector; v < IRQBaseVector+NumIRQs; v++ {
		c.gates[v] = Gate{Selector: gdt.SelKernelCode, Type: InterruptGate32, DPL: 0, Present: true}
	}
	c.gates[VecSyscall] = Gate{Selector: gdt.SelKernelCode, Type: InterruptGate32, DPL: 3, Present: true}
}

// GateAt exposes a gate for inspection.
func (c *Controller) GateAt(vector int) Gate {
	return c.gates[vector]
}

// HandleIRQ installs the handler for one IRQ line.
func (c *Controller) HandleIRQ(line int, fn func(*Frame)) {
	c.irqHandlers[line] = fn
}

// SetSyscallHandler installs the int 0x80 dispatcher.
func (c *Controller) SetSyscallHandler(fn func(*Frame)) {
	c.syscall = fn
}

// SetPageFaultHandler installs the recoverable page-fault hook.
func (c *Controller) SetPageFaultHandler(fn func(f *Frame, addr uint32) bool) {
	c.pageFault = fn
}

// SetFatalHandler installs the kernel panic routine.
func (c *Controller) SetFatalHandler(fn func(f *Frame, reason string)) {
	c.fatal = fn
}

// SetReturnHook installs the function run on the IRQ and system-call
// return paths.
func (c *Controller) SetReturnHook(fn func()) {
	c.returnHook = fn
}

// DeliveredCount returns how many times a vector has been dispatched.
func (c *Controller) DeliveredCount(vector int) uint64 {
	return c.delivered[vector]
}
