package proc

import (
	"fmt"

	"richelieu/gdt"
	"richelieu/klog"
	"richelieu/machine"
	"richelieu/mem/kheap"
	"richelieu/mem/vmm"
)

// Per-process user address layout. The low 128 MiB stay unmapped so
// null-ish pointers fault.
const (
	UserCodeBase  = 0x08000000
	UserHeapBase  = 0x40000000
	UserStackTop  = 0xBFFFFFFC
	UserStackSize = 8192

	initialEFLAGS = 0x202 // IF plus the always-one reserved bit
)

// Image is an in-memory program: the code and data bytes and the entry
// point inside the code mapping. There is no on-disk format behind it;
// a loader hook can produce one from anything.
type Image struct {
	Code  []byte
	Data  []byte
	Entry uint32
}

// Manager glues the process table, the scheduler and the memory
// managers together and implements the lifecycle operations.
type Manager struct {
	table *Table
	sched *Scheduler
	vm    *vmm.Manager
	heap  *kheap.Heap
	mem   *machine.PhysicalMemory
	cpu   *machine.CPU
}

// NewManager builds the lifecycle manager.
func NewManager(table *Table, sched *Scheduler, vm *vmm.Manager, heap *kheap.Heap, mem *machine.PhysicalMemory, cpu *machine.CPU) *Manager {
	return &Manager{table: table, sched: sched, vm: vm, heap: heap, mem: mem, cpu: cpu}
}

// Table exposes the process table.
func (m *Manager) Table() *Table {
	return m.table
}

// Scheduler exposes the scheduler.
func (m *Manager) Scheduler() *Scheduler {
	return m.sched
}

// allocatePCB builds a PCB with its kernel stack and an address space
// holding only the shared kernel high half.
func (m *Manager) allocatePCB(name string) (*PCB, error) {
	stack, err := m.heap.AllocAligned(KernelStackSize, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: kernel stack", ErrOutOfMemory)
	}
	space, err := m.vm.NewAddressSpace()
	if err != nil {
		m.heap.Free(stack)
		return nil, fmt.Errorf("%w: address space", ErrOutOfMemory)
	}

	p := m.table.allocate(name)
	p.KernelStackBase = stack
	p.KernelStackSize = KernelStackSize
	p.Space = space
	klog.ProcessCreated(uint32(p.PID), p.Name)
	return p, nil
}

// CreateIdle builds pid 0: kernel privilege, never queued, an hlt loop
// the machine wakes on any interrupt.
func (m *Manager) CreateIdle(entry uint32) (*PCB, error) {
	p, err := m.allocatePCB("idle")
	if err != nil {
		return nil, err
	}
	m.initKernelRegs(p, entry)
	p.State = StateReady
	m.sched.SetIdle(p)
	return p, nil
}

// CreateKernelProcess builds a ring-0 process and enqueues it at the
// top level.
func (m *Manager) CreateKernelProcess(name string, entry uint32) (*PCB, error) {
	p, err := m.allocatePCB(name)
	if err != nil {
		return nil, err
	}
	m.initKernelRegs(p, entry)
	m.sched.Enqueue(p, 0)
	klog.StateChange(uint32(p.PID), StateCreated.String(), StateReady.String())
	return p, nil
}

func (m *Manager) initKernelRegs(p *PCB, entry uint32) {
	p.Privilege = KernelPrivilege
	p.Regs = machine.Registers{
		EIP:    entry,
		ESP:    p.KernelStackTop(),
		EFLAGS: initialEFLAGS,
		CS:     gdt.SelKernelCode,
		DS:     gdt.SelKernelData,
		ES:     gdt.SelKernelData,
		FS:     gdt.SelKernelData,
		GS:     gdt.SelKernelData,
		SS:     gdt.SelKernelData,
	}
}

// CreateUserProcess builds a ring-3 process from an in-memory image:
// code mapped read-execute, data read-write, a fresh stack under
// UserStackTop, registers set up for the first iret into ring 3.
func (m *Manager) CreateUserProcess(name string, img Image) (*PCB, error) {
	p, err := m.allocatePCB(name)
	if err != nil {
		return nil, err
	}
	if err := m.loadImage(p, img); err != nil {
		m.destroyPCB(p)
		return nil, err
	}

	p.Privilege = UserPrivilege
	p.Regs = machine.Registers{
		EIP:    img.Entry,
		ESP:    UserStackTop - 4,
		EFLAGS: initialEFLAGS,
		CS:     gdt.SelUserCode,
		DS:     gdt.SelUserData,
		ES:     gdt.SelUserData,
		FS:     gdt.SelUserData,
		GS:     gdt.SelUserData,
		SS:     gdt.SelUserData,
	}

	m.sched.Enqueue(p, 0)
	klog.StateChange(uint32(p.PID), StateCreated.String(), StateReady.String())
	return p, nil
}

// loadImage maps and copies a program into p's low half.
func (m *Manager) loadImage(p *PCB, img Image) error {
	copySegment := func(base uint32, data []byte, flags vmm.Flag) (uint32, error) {
		va := base
		for off := 0; off < len(data); off += vmm.PageSize {
			frame, err := m.vm.AllocFrame()
			if err != nil {
				return 0, fmt.Errorf("%w: user pages", ErrOutOfMemory)
			}
			end := off + vmm.PageSize
			if end > len(data) {
				end = len(data)
			}
			m.mem.Zero(frame.Address(), vmm.PageSize)
			m.mem.CopyIn(frame.Address(), data[off:end])
			if err := p.Space.Map(va, frame.Address(), flags); err != nil {
				return 0, err
			}
			va += vmm.PageSize
		}
		return va, nil
	}

	// Code is read-execute; x86-32 paging cannot subtract execute, so
	// the distinction is read-only versus writable.
	codeEnd, err := copySegment(UserCodeBase, img.Code, vmm.FlagUser)
	if err != nil {
		return err
	}
	dataEnd, err := copySegment(codeEnd, img.Data, vmm.FlagUser|vmm.FlagWritable)
	if err != nil {
		return err
	}
	p.CodeBase = UserCodeBase
	p.HeapBase = dataEnd

	// The stack: UserStackSize bytes ending just past UserStackTop.
	stackLow := uint32(UserStackTop+4-UserStackSize) &^ uint32(vmm.PageSize-1)
	for va := stackLow; va < UserStackTop+4; va += vmm.PageSize {
		frame, err := m.vm.AllocFrame()
		if err != nil {
			return fmt.Errorf("%w: user stack", ErrOutOfMemory)
		}
		m.mem.Zero(frame.Address(), vmm.PageSize)
		if err := p.Space.Map(va, frame.Address(), vmm.FlagUser|vmm.FlagWritable); err != nil {
			return err
		}
	}
	return nil
}

// destroyPCB releases a half-built PCB.
func (m *Manager) destroyPCB(p *PCB) {
	p.Space.Destroy()
	m.heap.Free(p.KernelStackBase)
	m.table.remove(p.PID)
}

// Fork clones the calling process: copied registers, a copy-on-write
// address space, shared file handles, and the return-value contract —
// the parent's saved EAX becomes the child pid, the child's becomes 0.
func (m *Manager) Fork(parent *PCB) (*PCB, error) {
	stack, err := m.heap.AllocAligned(KernelStackSize, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: kernel stack", ErrOutOfMemory)
	}
	space, err := parent.Space.CloneForFork()
	if err != nil {
		m.heap.Free(stack)
		return nil, err
	}

	child := m.table.allocate(parent.Name)
	child.Privilege = parent.Privilege
	child.KernelStackBase = stack
	child.KernelStackSize = KernelStackSize
	child.Space = space
	child.CodeBase = parent.CodeBase
	child.HeapBase = parent.HeapBase

	// The child resumes from the same saved context as the parent. If
	// the parent is the running process its live registers are on the
	// CPU, so snapshot them first.
	if m.sched.Current() == parent {
		parent.Regs = m.cpu.Regs
	}
	child.Regs = parent.Regs

	parent.Files.DupInto(&child.Files)

	if err := parent.addChild(child.PID); err != nil {
		child.Files.CloseAll()
		m.destroyPCB(child)
		return nil, err
	}
	child.ParentPID = parent.PID
	child.HasParent = true

	// Fork return values, visible in whichever copy of the parent's
	// context is live.
	parent.Regs.EAX = uint32(child.PID)
	if m.sched.Current() == parent {
		m.cpu.Regs.EAX = uint32(child.PID)
	}
	child.Regs.EAX = 0

	m.sched.Enqueue(child, parent.Priority)
	klog.ProcessCreated(uint32(child.PID), child.Name)
	return child, nil
}

// Exec replaces the process image: the low half is torn down (every
// user frame and page table returned), a fresh layout is built from the
// new image, the name changes, the registers reset to user-mode entry.
// File descriptors survive.
func (m *Manager) Exec(p *PCB, name string, img Image) error {
	if err := p.Space.TeardownUser(); err != nil {
		return err
	}
	if err := m.loadImage(p, img); err != nil {
		return err
	}

	p.SetName(name)
	p.Privilege = UserPrivilege
	p.Regs = machine.Registers{
		EIP:    img.Entry,
		ESP:    UserStackTop - 4,
		EFLAGS: initialEFLAGS,
		CS:     gdt.SelUserCode,
		DS:     gdt.SelUserData,
		ES:     gdt.SelUserData,
		FS:     gdt.SelUserData,
		GS:     gdt.SelUserData,
		SS:     gdt.SelUserData,
	}
	if m.sched.Current() == p {
		m.cpu.Regs = p.Regs
	}
	return nil
}

// Exit terminates the process: record the code, wake a waiting parent,
// hand orphans to init, reap already-dead children, close every file,
// free the user half and the kernel stack, leave the scheduler. The
// caller regains the CPU via Schedule.
func (m *Manager) Exit(p *PCB, code int32) {
	p.ExitCode = code
	p.State = StateTerminated
	klog.ProcessExited(uint32(p.PID), code)

	// Orphans go to init; children already dead are reaped here. Reaping
	// edits the child list, so walk a snapshot.
	if len(p.Children) > 0 {
		init, haveInit := m.table.Lookup(InitPID)
		children := append([]PID(nil), p.Children...)
		for _, cpid := range children {
			child, ok := m.table.Lookup(cpid)
			if !ok {
				continue
			}
			if child.State == StateZombie || child.State == StateTerminated {
				m.reap(child)
				continue
			}
			if haveInit {
				child.ParentPID = InitPID
				child.HasParent = true
				init.addChild(cpid)
			} else {
				child.HasParent = false
			}
		}
		p.Children = nil
	}

	p.Files.CloseAll()
	p.Space.TeardownUser()
	m.heap.Free(p.KernelStackBase)
	m.sched.Remove(p)

	// The PCB lingers as a zombie until the parent collects the exit
	// code; without a parent there is nobody to wait, so reap now.
	if p.HasParent {
		p.State = StateZombie
		if parent, ok := m.table.Lookup(p.ParentPID); ok {
			m.wakeWaiter(parent, p)
		}
	} else {
		m.reapPCB(p)
	}
}

// wakeWaiter unblocks a parent whose wait matches the exited child.
func (m *Manager) wakeWaiter(parent *PCB, child *PCB) {
	if parent.State != StateBlocked || !parent.Waiting {
		return
	}
	if parent.WaitingFor != 0 && parent.WaitingFor != child.PID {
		return
	}
	klog.StateChange(uint32(parent.PID), StateBlocked.String(), StateReady.String())
	m.sched.Enqueue(parent, parent.Priority)
}

// Wait implements wait(target): target 0 collects any child. A dead
// child is reaped and its code returned immediately; otherwise the
// caller blocks and must call Wait again after being woken (the exited
// child will still be there as a zombie). ErrWouldBlock signals the
// blocked case, ErrNoChild a target that is not a child.
func (m *Manager) Wait(p *PCB, target PID) (int32, error) {
	if target != 0 && !p.hasChild(target) {
		return 0, ErrNoChild
	}

	for _, cpid := range p.Children {
		if target != 0 && cpid != target {
			continue
		}
		child, ok := m.table.Lookup(cpid)
		if !ok {
			continue
		}
		if child.State == StateZombie || child.State == StateTerminated {
			code := child.ExitCode
			m.reap(child)
			p.Waiting = false
			return code, nil
		}
	}

	// Nothing to collect yet: block.
	p.Waiting = true
	p.WaitingFor = target
	p.State = StateBlocked
	m.sched.Remove(p)
	klog.StateChange(uint32(p.PID), StateRunning.String(), StateBlocked.String())
	return 0, ErrWouldBlock
}

// reap removes a dead child from the table and from its parent.
func (m *Manager) reap(child *PCB) {
	if child.HasParent {
		if parent, ok := m.table.Lookup(child.ParentPID); ok {
			parent.removeChild(child.PID)
		}
	}
	m.reapPCB(child)
}

func (m *Manager) reapPCB(p *PCB) {
	// The low half and kernel stack went away at exit; the page
	// directory itself goes now.
	p.Space.Destroy()
	m.table.remove(p.PID)
}

// HandlePageFault routes a write fault on the current process's address
// space to the copy-on-write handler. It reports whether the fault was
// resolved.
func (m *Manager) HandlePageFault(addr uint32) bool {
	cur := m.sched.Current()
	if cur == nil || cur.Space == nil {
		return false
	}
	return cur.Space.HandleWriteFault(addr) == nil
}
