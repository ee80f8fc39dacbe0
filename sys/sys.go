// Package sys is the system-call layer behind int 0x80: the public call
// numbering, the errno mapping, the dispatch table and the per-call
// handlers. The ABI is the classic one — call number in EAX, arguments
// in EBX, ECX, EDX, ESI (EDI reserved), return value back in EAX.
package sys

import (
	"fmt"
	"strings"

	"richelieu/console"
	"richelieu/interrupt"
	"richelieu/klog"
	"richelieu/machine"
	"richelieu/mem/vmm"
	"richelieu/proc"
)

// System call numbers, the single public numbering.
const (
	SysExit   = 0
	SysWrite  = 1
	SysGetPID = 2
	SysRead   = 3
	SysOpen   = 4
	SysClose  = 5
	SysSleep  = 6
	SysYield  = 7
)

// Errno values, returned as negative numbers in EAX.
const (
	ErrnoInvalidSyscall   int32 = -1
	ErrnoInvalidParameter int32 = -2
	ErrnoPermissionDenied int32 = -3
	ErrnoNoSuchProcess    int32 = -4
	ErrnoOutOfMemory      int32 = -5
	ErrnoInvalidAddress   int32 = -6
	ErrnoBufferTooSmall   int32 = -7

	// Reserved for the filesystem work that is not in this core; the
	// numbering is fixed now so the ABI never shifts under it.
	ErrnoAlreadyExists int32 = -8
	ErrnoNotFound      int32 = -9
	ErrnoBusy          int32 = -10
	ErrnoInterrupted   int32 = -11
	ErrnoReadOnly      int32 = -12
	ErrnoNoSpace       int32 = -13
)

// WriteMaxCount bounds a single sys_write; larger buffers are an
// invalid parameter. Together with the page-crossing rule it keeps the
// initial contract to one translated page.
const WriteMaxCount = 4096

// SleepMaxMS bounds sys_sleep; longer requests are rejected, not
// clamped.
const SleepMaxMS = 60000

// Context is what a handler sees: the caller's PCB and the saved
// register frame whose EAX it will overwrite.
type Context struct {
	Proc  *proc.PCB
	Frame *interrupt.Frame
}

// Args returns the up-to-five argument registers in ABI order.
func (c *Context) Args() (uint32, uint32, uint32, uint32, uint32) {
	return c.Frame.EBX, c.Frame.ECX, c.Frame.EDX, c.Frame.ESI, c.Frame.EDI
}

// Handler implements one system call and returns the value for EAX.
type Handler func(*Context) int32

// Dispatcher routes int 0x80 frames to handlers and keeps the call
// statistics.
type Dispatcher struct {
	procs *proc.Manager
	cons  *console.Console
	mem   *machine.PhysicalMemory
	pit   *machine.PIT

	// pump advances machine time by one timer period; the busy-wait
	// sleep turns it while polling the tick counter.
	pump func()

	handlers map[uint32]Handler
	names    map[uint32]string
	counts   map[uint32]uint64
	total    uint64
}

// NewDispatcher builds the dispatcher with the initial call set
// registered.
func NewDispatcher(procs *proc.Manager, cons *console.Console, mem *machine.PhysicalMemory, pit *machine.PIT, pump func()) *Dispatcher {
	d := &Dispatcher{
		procs:    procs,
		cons:     cons,
		mem:      mem,
		pit:      pit,
		pump:     pump,
		handlers: make(map[uint32]Handler),
		names:    make(map[uint32]string),
		counts:   make(map[uint32]uint64),
	}

	d.Register(SysExit, "exit", d.sysExit)
	d.Register(SysWrite, "write", d.sysWrite)
	d.Register(SysGetPID, "getpid", d.sysGetPID)
	d.Register(SysRead, "read", stub)
	d.Register(SysOpen, "open", stub)
	d.Register(SysClose, "close", stub)
	d.Register(SysSleep, "sleep", d.sysSleep)
	d.Register(SysYield, "yield", d.sysYield)
	return d
}

// Register installs a handler under a call number.
func (d *Dispatcher) Register(num uint32, name string, h Handler) {
	d.handlers[num] = h
	d.names[num] = name
}

// Dispatch is the int 0x80 entry: resolve the caller, marshal the
// arguments, run the handler, write the return value into the saved
// EAX. Unknown numbers are a total function returning invalid_syscall.
func (d *Dispatcher) Dispatch(f *interrupt.Frame) {
	d.total++

	cur := d.procs.Scheduler().Current()
	if cur == nil {
		errno := ErrnoNoSuchProcess
		f.EAX = uint32(errno)
		return
	}

	h, ok := d.handlers[f.EAX]
	if !ok {
		errno := ErrnoInvalidSyscall
		f.EAX = uint32(errno)
		return
	}

	num := f.EAX
	d.counts[num]++
	klog.SyscallInvoked(uint32(cur.PID), d.names[num])

	ctx := &Context{Proc: cur, Frame: f}
	f.EAX = uint32(h(ctx))
}

func stub(*Context) int32 {
	return ErrnoInvalidSyscall
}

// sysExit terminates the caller. The switch to the next process happens
// on the interrupt return path; nothing meaningful returns to the dead
// context.
func (d *Dispatcher) sysExit(c *Context) int32 {
	code, _, _, _, _ := c.Args()
	d.procs.Exit(c.Proc, int32(code))
	d.procs.Scheduler().RequestResched()
	return 0
}

// sysWrite copies a user buffer to the console. Only fd 1 exists; the
// buffer must translate through the caller's address space and must not
// cross a page boundary (the initial single-page contract; per-page
// translation is the extension point).
func (d *Dispatcher) sysWrite(c *Context) int32 {
	fd, bufVA, count, _, _ := c.Args()

	if fd != 1 {
		return ErrnoInvalidParameter
	}
	if count == 0 {
		return 0
	}
	if count > WriteMaxCount {
		return ErrnoInvalidParameter
	}
	if vmm.PageBase(bufVA) != vmm.PageBase(bufVA+count-1) {
		return ErrnoInvalidAddress
	}

	pa, ok := c.Proc.Space.Translate(bufVA)
	if !ok {
		return ErrnoInvalidAddress
	}

	buf := make([]byte, count)
	d.mem.CopyOut(pa, buf)
	d.cons.Write(buf)
	return int32(count)
}

func (d *Dispatcher) sysGetPID(c *Context) int32 {
	return int32(c.Proc.PID)
}

// sysSleep busy-waits against the timer tick counter. Pending timer
// interrupts latch in the PIC meanwhile and deliver after the return.
func (d *Dispatcher) sysSleep(c *Context) int32 {
	ms, _, _, _, _ := c.Args()
	if ms > SleepMaxMS {
		return ErrnoInvalidParameter
	}

	hz := uint64(d.pit.Hz())
	if hz == 0 {
		return ErrnoInvalidParameter
	}
	target := d.pit.Ticks() + (uint64(ms)*hz+999)/1000
	for d.pit.Ticks() < target {
		d.pump()
	}
	return 0
}

func (d *Dispatcher) sysYield(c *Context) int32 {
	d.procs.Scheduler().RequestResched()
	return 0
}

// Count returns the per-call counter.
func (d *Dispatcher) Count(num uint32) uint64 {
	return d.counts[num]
}

// Total returns the total dispatch counter, unknown numbers included.
func (d *Dispatcher) Total() uint64 {
	return d.total
}

// StatsString renders the counters for diagnostics.
func (d *Dispatcher) StatsString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "syscalls: %d total\n", d.total)
	for num := uint32(0); num <= SysYield; num++ {
		if name, ok := d.names[num]; ok {
			fmt.Fprintf(&b, "  %-8s %d\n", name, d.counts[num])
		}
	}
	return b.String()
}
