package interrupt

import (
	"fmt"

	"richelieu/gdt"
	"richelieu/machine"
)

// Deliver runs one interrupt through the whole entry/exit path for the
// current CPU state: privilege and stack handling, the trampoline's
// register save, the dispatcher, and the iret restore. It is invoked by
// the machine loop for PIC-delivered vectors and for CPU exceptions, and
// by RaiseSoftware for int instructions.
func (c *Controller) Deliver(vector uint32, errCode uint32) {
	gate := c.gates[vector]
	if !gate.Present {
		c.fatal(&Frame{Vector: vector, ErrorCode: errCode, EIP: c.cpu.Regs.EIP},
			fmt.Sprintf("no gate for %s", ExceptionName(vector)))
		return
	}
	c.delivered[vector]++

	regs := &c.cpu.Regs
	fromUser := gdt.SelectorDPL(regs.CS) == 3

	// The stub begins with cli; an interrupt gate also has the CPU
	// clear IF when loading EFLAGS. Either way the handler body runs
	// with interrupts off and the saved EFLAGS carries the caller's IF.
	savedEFLAGS := regs.EFLAGS
	c.cpu.Cli()

	// Build the saved frame exactly as the stub + pusha sequence lays
	// it out, switching to the TSS kernel stack on a ring change.
	f := &Frame{
		GS: regs.GS, FS: regs.FS, ES: regs.ES, DS: regs.DS,
		EDI: regs.EDI, ESI: regs.ESI, EBP: regs.EBP, ESPSaved: regs.ESP,
		EBX: regs.EBX, EDX: regs.EDX, ECX: regs.ECX, EAX: regs.EAX,
		Vector:    vector,
		ErrorCode: errCode,
		EIP:       regs.EIP,
		CS:        regs.CS,
		EFLAGS:    savedEFLAGS,
		FromUser:  fromUser,
	}
	if fromUser {
		f.UserESP = regs.ESP
		f.UserSS = regs.SS
		regs.ESP = c.tss.ESP0
		regs.SS = c.tss.SS0
	}
	regs.CS = gate.Selector

	// The trampoline reloads the data segments with the kernel
	// selector before entering C code.
	regs.DS, regs.ES, regs.FS, regs.GS =
		gdt.SelKernelData, gdt.SelKernelData, gdt.SelKernelData, gdt.SelKernelData

	isIRQ := vector >= IRQBaseVector && vector < IRQBaseVector+NumIRQs
	switch {
	case vector < 32:
		c.dispatchException(f)
	case isIRQ:
		c.dispatchIRQ(f)
	case vector == VecSyscall:
		if c.syscall != nil {
			c.syscall(f)
		}
	}

	// iret: the saved registers, segments and flags come back, with
	// whatever the handler wrote into the frame (EAX carries a syscall
	// return value). IF is restored from the saved EFLAGS.
	regs.EDI, regs.ESI, regs.EBP = f.EDI, f.ESI, f.EBP
	regs.EBX, regs.EDX, regs.ECX, regs.EAX = f.EBX, f.EDX, f.ECX, f.EAX
	regs.DS, regs.ES, regs.FS, regs.GS = f.DS, f.ES, f.FS, f.GS
	regs.EIP = f.EIP
	regs.CS = f.CS
	regs.EFLAGS = f.EFLAGS
	if f.FromUser {
		regs.ESP = f.UserESP
		regs.SS = f.UserSS
	} else {
		regs.ESP = f.ESPSaved
	}

	if (isIRQ || vector == VecSyscall) && c.returnHook != nil {
		c.returnHook()
	}
}

// RaiseSoftware models an int imm8 instruction. A gate with a DPL below
// the caller's privilege turns into a general protection fault instead,
// which is exactly what keeps ring 3 away from every vector but 0x80.
func (c *Controller) RaiseSoftware(vector uint32) {
	gate := c.gates[vector]
	cpl := gdt.SelectorDPL(c.cpu.Regs.CS)
	if !gate.Present || gate.DPL < cpl {
		c.Deliver(VecGeneralProtection, vector<<3|2)
		return
	}
	c.Deliver(vector, 0)
}

// DeliverPageFault latches the faulting address in CR2 and delivers
// vector 14 with the architectural error code.
func (c *Controller) DeliverPageFault(addr uint32, errCode uint32) {
	c.cpu.SetCR2(addr)
	c.Deliver(VecPageFault, errCode)
}

// dispatchException routes CPU exceptions. A page fault whose error
// code says "write to a present page" goes to the copy-on-write hook;
// everything unresolved is fatal.
func (c *Controller) dispatchException(f *Frame) {
	if f.Vector == VecPageFault {
		addr := c.cpu.CR2()
		recoverable := f.ErrorCode&PFPresent != 0 && f.ErrorCode&PFWrite != 0
		if recoverable && c.pageFault != nil && c.pageFault(f, addr) {
			return
		}
		c.fatal(f, fmt.Sprintf("page fault at 0x%08x (error 0x%x)", addr, f.ErrorCode))
		return
	}
	c.fatal(f, ExceptionName(f.Vector))
}

// dispatchIRQ runs the line handler and acknowledges the PIC: always the
// master, and the slave too for vectors from the second chip.
func (c *Controller) dispatchIRQ(f *Frame) {
	line := int(f.Vector - IRQBaseVector)
	if h := c.irqHandlers[line]; h != nil {
		h(f)
	}
	if f.Vector >= IRQBaseVector+8 {
		c.bus.Out8(machine.PICSlaveCmd, 0x20)
	}
	c.bus.Out8(machine.PICMasterCmd, 0x20)
}
