// Package kernel owns bring-up and the machine loop: it validates the
// Multiboot handoff, initializes every subsystem leaves-first (GDT,
// memory map, frame allocator, paging, heap, IDT/PIC, timer, processes,
// syscalls), and then pumps timer pulses and interrupt delivery.
package kernel

import (
	"fmt"

	"richelieu/console"
	"richelieu/gdt"
	"richelieu/interrupt"
	"richelieu/klog"
	"richelieu/machine"
	"richelieu/mem/kheap"
	"richelieu/mem/pmm"
	"richelieu/mem/vmm"
	"richelieu/multiboot"
	"richelieu/proc"
	"richelieu/profile"
	"richelieu/sys"
)

// Physical layout constants for the boot shim.
const (
	// MultibootInfoAddr is where the shim lays down the info block,
	// inside the low area reserved from the allocator.
	MultibootInfoAddr = 0x00009000

	// KernelImageBase/Size reserve the load region at 1 MiB.
	KernelImageBase = 0x00100000
	KernelImageSize = 0x00100000

	// lowReserved covers the BIOS data area and the boot structures.
	lowReserved = 0x00010000
)

// Entry-point labels for the built-in kernel threads. They live in the
// high-half image mapping; nothing decodes instructions at them.
const (
	idleEntry = 0xC0010000
	initEntry = 0xC0011000
)

// Kernel aggregates every subsystem.
type Kernel struct {
	Machine    *machine.Machine
	Console    *console.Console
	GDT        *gdt.Table
	TSS        *gdt.TSS
	Info       *multiboot.Info
	Frames     *pmm.Allocator
	VM         *vmm.Manager
	Heap       *kheap.Heap
	Interrupts *interrupt.Controller
	Sched      *proc.Scheduler
	Procs      *proc.Manager
	Syscalls   *sys.Dispatcher

	scancodes []uint8
	panicked  bool
}

// BuildMachine constructs the emulated hardware from a profile and
// plays boot loader: the Multiboot info block with the canonical memory
// map goes into low memory. It returns the machine and the info
// address, the two values a Multiboot loader hands over.
func BuildMachine(prof *profile.Profile) (*machine.Machine, uint32, error) {
	m := machine.New(prof.MemoryBytes())

	b := multiboot.Builder{
		MemLowerKB:     640,
		MemUpperKB:     (prof.MemoryBytes() - 1<<20) / 1024,
		BootLoaderName: prof.BootLoaderName,
	}
	b.AddRegion(0, 640*1024, multiboot.RegionAvailable)
	b.AddRegion(640*1024, 384*1024, multiboot.RegionReserved)
	b.AddRegion(1<<20, uint64(prof.MemoryBytes())-1<<20, multiboot.RegionAvailable)

	if _, err := b.WriteTo(m.Mem.Raw(), MultibootInfoAddr); err != nil {
		return nil, 0, err
	}
	return m, MultibootInfoAddr, nil
}

// Boot runs the bring-up sequence on a machine the loader prepared.
func Boot(m *machine.Machine, magic, infoAddr uint32, prof *profile.Profile) (*Kernel, error) {
	if err := multiboot.CheckMagic(magic); err != nil {
		return nil, err
	}

	k := &Kernel{Machine: m}

	// Serial first, so early output has somewhere to go.
	k.initSerial()
	k.Console = console.New(m.Mem, m.Bus)
	k.Console.Clear()

	// GDT and TSS: the privilege split everything else leans on.
	k.GDT = gdt.New()
	k.GDT.Load()
	k.TSS = gdt.NewTSS()
	k.TSS.Load()

	// The loader's memory map.
	info, err := multiboot.ParseInfo(m.Mem.Raw(), infoAddr)
	if err != nil {
		return nil, err
	}
	k.Info = info

	// Physical frames, with the kernel image and boot area re-reserved.
	k.Frames = pmm.New(info,
		pmm.Range{Start: 0, Length: lowReserved},
		pmm.Range{Start: KernelImageBase, Length: KernelImageSize},
	)

	// Paging: identity + high-half kernel mapping, then CR0.PG.
	k.VM = vmm.NewManager(m.Mem, k.Frames, m.CPU)
	ks, err := k.VM.InitKernelSpace()
	if err != nil {
		return nil, err
	}

	// The heap arena above 0xD0000000.
	k.Heap, err = kheap.New(ks, k.Frames, m.Mem)
	if err != nil {
		return nil, err
	}

	// IDT, PIC remap, timer.
	k.Interrupts = interrupt.NewController(m.CPU, m.Bus, k.TSS)
	k.Interrupts.SetupIDT()
	k.Interrupts.RemapPIC()
	k.Interrupts.SetFatalHandler(k.panic)
	k.programPIT(uint32(prof.TimerHz))

	// Processes and scheduling.
	table := proc.NewTable()
	k.Sched = proc.NewScheduler(m.CPU, k.TSS)
	k.Procs = proc.NewManager(table, k.Sched, k.VM, k.Heap, m.Mem, m.CPU)
	if _, err := k.Procs.CreateIdle(idleEntry); err != nil {
		return nil, err
	}
	if _, err := k.Procs.CreateKernelProcess("init", initEntry); err != nil {
		return nil, err
	}

	// The syscall gateway.
	k.Syscalls = sys.NewDispatcher(k.Procs, k.Console, m.Mem, m.PIT, m.TimerPulse)
	k.Interrupts.SetSyscallHandler(k.Syscalls.Dispatch)
	k.Interrupts.SetPageFaultHandler(func(f *interrupt.Frame, addr uint32) bool {
		return k.Procs.HandlePageFault(addr)
	})
	k.Interrupts.SetReturnHook(k.maybeReschedule)
	k.Interrupts.HandleIRQ(0, func(f *interrupt.Frame) { k.Sched.Tick() })
	k.Interrupts.HandleIRQ(1, func(f *interrupt.Frame) { k.keyboardIRQ() })

	k.banner(prof)

	// Hand the CPU to the first process and open interrupts.
	k.Sched.Schedule()
	m.CPU.Sti()

	klog.Info("boot complete: %d frames free", k.Frames.Stats().FreeFrames)
	return k, nil
}

// initSerial runs the 16550 bring-up: FIFO on, loopback off, 38400 8N1.
func (k *Kernel) initSerial() {
	out := k.Machine.Bus.Out8
	base := uint16(machine.COM1Base)
	out(base+1, 0x00) // interrupts off
	out(base+3, 0x80) // DLAB
	out(base+0, 0x03) // divisor 3 = 38400 baud
	out(base+1, 0x00)
	out(base+3, 0x03) // 8N1
	out(base+2, 0xC7) // FIFO enable + clear
	out(base+4, 0x0B) // RTS/DSR, loopback off
}

// programPIT loads channel 0 with the square-wave (mode 3) divisor.
func (k *Kernel) programPIT(hz uint32) {
	divisor := uint16(machine.PITInputHz / hz)
	k.Machine.Bus.Out8(machine.PITCommand, 0x36)
	k.Machine.Bus.Out8(machine.PITChannel0, uint8(divisor&0xFF))
	k.Machine.Bus.Out8(machine.PITChannel0, uint8(divisor>>8))
}

func (k *Kernel) banner(prof *profile.Profile) {
	s := k.Frames.Stats()
	k.Console.Printf("richelieu 32-bit kernel\n")
	if k.Info.BootLoaderName != "" {
		k.Console.Printf("loader: %s\n", k.Info.BootLoaderName)
	}
	k.Console.Printf("memory: %d KiB low, %d KiB high\n", k.Info.MemLowerKB, k.Info.MemUpperKB)
	k.Console.Printf("frames: %d total, %d free\n", s.TotalFrames, s.FreeFrames)
	k.Console.Printf("timer: %d Hz\n", prof.TimerHz)
}

// maybeReschedule is the interrupt return path: switch when the tick
// accounting asked for it or the running process went away.
func (k *Kernel) maybeReschedule() {
	if k.Sched.NeedsResched() || k.Sched.Current() == nil {
		k.Sched.Schedule()
	}
}

// keyboardIRQ drains the controller's output buffer.
func (k *Kernel) keyboardIRQ() {
	for k.Machine.Bus.In8(machine.KeyboardStatus)&0x01 != 0 {
		k.scancodes = append(k.scancodes, k.Machine.Bus.In8(machine.KeyboardData))
	}
}

// Scancodes returns the bytes the keyboard handler has collected.
func (k *Kernel) Scancodes() []uint8 {
	return k.scancodes
}

// Step advances the machine by one timer period and delivers whatever
// the PIC has pending.
func (k *Kernel) Step() {
	k.Machine.TimerPulse()
	k.DeliverPending()
}

// DeliverPending drains deliverable interrupts into the IDT path.
func (k *Kernel) DeliverPending() {
	for {
		vec, ok := k.Machine.PendingVector()
		if !ok {
			return
		}
		k.Interrupts.Deliver(uint32(vec), 0)
	}
}

// Run pumps n timer periods.
func (k *Kernel) Run(n int) {
	for i := 0; i < n && !k.panicked; i++ {
		k.Step()
	}
}

// panic is the end of the line: diagnostic to VGA+serial and the log,
// then a cli/hlt loop.
func (k *Kernel) panic(f *interrupt.Frame, reason string) {
	k.panicked = true
	k.Console.SetAttr(0x4F) // white on red
	k.Console.Printf("\nKERNEL PANIC: %s\n", reason)
	k.Console.Printf("vector=%d error=0x%x eip=0x%08x cs=0x%x eflags=0x%08x\n",
		f.Vector, f.ErrorCode, f.EIP, f.CS, f.EFLAGS)
	k.Console.SetAttr(console.DefaultAttr)
	klog.Error("kernel panic: %s (vector %d, eip 0x%08x)", reason, f.Vector, f.EIP)

	k.Machine.CPU.Cli()
	k.Machine.CPU.Hlt()
}

// Panicked reports whether the kernel hit a fatal fault.
func (k *Kernel) Panicked() bool {
	return k.panicked
}

// Uptime returns seconds since the timer started, derived from the tick
// counter.
func (k *Kernel) Uptime() float64 {
	hz := k.Machine.PIT.Hz()
	if hz == 0 {
		return 0
	}
	return float64(k.Machine.PIT.Ticks()) / float64(hz)
}

// DumpState renders a one-stop diagnostic block.
func (k *Kernel) DumpState() string {
	s := k.Frames.Stats()
	hs := k.Heap.Stats()
	return fmt.Sprintf("uptime %.2fs\nframes: %d/%d used\nheap: %d/%d bytes used\nqueues:\n%s%s",
		k.Uptime(), s.UsedFrames, s.TotalFrames, hs.UsedBytes, hs.ArenaBytes,
		k.Sched.DumpQueues(), k.Syscalls.StatsString())
}
