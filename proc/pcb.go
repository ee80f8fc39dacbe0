// Package proc implements the process model: the process control block,
// the per-process file table, the multi-level feedback queue scheduler
// with its context switch, and the lifecycle operations (create, fork
// with copy-on-write, exec, exit, wait).
package proc

import (
	"errors"

	"richelieu/machine"
	"richelieu/mem/vmm"
)

// PID identifies a process. Pid 0 is the idle process, pid 1 is init;
// everything else counts up monotonically.
type PID uint32

const (
	IdlePID PID = 0
	InitPID PID = 1
)

// State is the PCB lifecycle state.
type State int

const (
	StateCreated State = iota
	StateReady
	StateRunning
	StateBlocked
	StateTerminated
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	case StateZombie:
		return "zombie"
	}
	return "invalid"
}

// Privilege is the ring a process runs in.
type Privilege int

const (
	KernelPrivilege Privilege = iota
	UserPrivilege
)

// Capacity limits baked into the PCB.
const (
	MaxName     = 31
	MaxFiles    = 256
	MaxChildren = 64

	// KernelStackSize is the default per-process kernel stack.
	KernelStackSize = 8192
)

var (
	ErrNoSuchProcess   = errors.New("proc: no such process")
	ErrNoChild         = errors.New("proc: no such child")
	ErrWouldBlock      = errors.New("proc: wait would block")
	ErrTooManyChildren = errors.New("proc: child table full")
	ErrOutOfMemory     = errors.New("proc: out of memory")
)

// FileHandle is the shared open-file object behind one or more
// descriptor slots. Duplication across fork shares the handle and bumps
// the count; close drops it and frees the handle at zero.
type FileHandle struct {
	Flags    uint32
	Position uint32

	refCount uint32
}

// NewFileHandle returns a handle with a single reference.
func NewFileHandle(flags uint32) *FileHandle {
	return &FileHandle{Flags: flags, refCount: 1}
}

// RefCount returns the live reference count.
func (h *FileHandle) RefCount() uint32 {
	return h.refCount
}

func (h *FileHandle) retain() {
	h.refCount++
}

// release drops one reference and reports whether the handle died.
func (h *FileHandle) release() bool {
	h.refCount--
	return h.refCount == 0
}

// FDTable maps descriptor numbers to shared handles.
type FDTable struct {
	slots [MaxFiles]*FileHandle
}

// Install places a handle in the lowest free slot and returns the
// descriptor number.
func (t *FDTable) Install(h *FileHandle) (int, bool) {
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = h
			return i, true
		}
	}
	return 0, false
}

// Get returns the handle behind fd.
func (t *FDTable) Get(fd int) *FileHandle {
	if fd < 0 || fd >= MaxFiles {
		return nil
	}
	return t.slots[fd]
}

// Close drops the descriptor, releasing the handle.
func (t *FDTable) Close(fd int) bool {
	h := t.Get(fd)
	if h == nil {
		return false
	}
	t.slots[fd] = nil
	h.release()
	return true
}

// CloseAll drops every descriptor.
func (t *FDTable) CloseAll() {
	for i, h := range t.slots {
		if h != nil {
			h.release()
			t.slots[i] = nil
		}
	}
}

// DupInto duplicates every open descriptor into dst at the same slot,
// sharing the underlying handles. Fork uses it.
func (t *FDTable) DupInto(dst *FDTable) {
	for i, h := range t.slots {
		if h != nil {
			h.retain()
			dst.slots[i] = h
		}
	}
}

// OpenCount returns the number of occupied slots.
func (t *FDTable) OpenCount() int {
	n := 0
	for _, h := range t.slots {
		if h != nil {
			n++
		}
	}
	return n
}

// PCB is the process control block.
type PCB struct {
	PID       PID
	Name      string
	State     State
	Privilege Privilege

	// Regs is the saved register context; for the running process the
	// live copy is in the CPU and this one is stale until the next
	// switch.
	Regs machine.Registers

	Space *vmm.AddressSpace

	KernelStackBase uint32
	KernelStackSize uint32

	// User-half layout bookkeeping, set by the loaders.
	CodeBase uint32
	HeapBase uint32

	Priority      int
	TimeSlice     uint32
	WaitTime      uint64
	TotalCPUTime  uint64
	LastScheduled uint64

	ParentPID PID
	HasParent bool
	ExitCode  int32

	Files    FDTable
	Children []PID

	// Waiting reports an in-progress wait; WaitingFor is the target
	// pid, 0 for any child.
	Waiting    bool
	WaitingFor PID
}

// KernelStackTop returns the address a fresh kernel stack grows down
// from; it is also what the TSS ESP0 gets.
func (p *PCB) KernelStackTop() uint32 {
	return p.KernelStackBase + p.KernelStackSize
}

// SetName stores the process name, truncated to the PCB's fixed field.
func (p *PCB) SetName(name string) {
	if len(name) > MaxName {
		name = name[:MaxName]
	}
	p.Name = name
}

// addChild links a child pid, bounded by the fixed child table.
func (p *PCB) addChild(pid PID) error {
	if len(p.Children) >= MaxChildren {
		return ErrTooManyChildren
	}
	p.Children = append(p.Children, pid)
	return nil
}

// removeChild unlinks a child pid.
func (p *PCB) removeChild(pid PID) {
	for i, c := range p.Children {
		if c == pid {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			return
		}
	}
}

// hasChild reports whether pid is a child of p.
func (p *PCB) hasChild(pid PID) bool {
	for _, c := range p.Children {
		if c == pid {
			return true
		}
	}
	return false
}

// Table owns every live PCB; all references between processes go
// through it by pid.
type Table struct {
	procs   map[PID]*PCB
	nextPID PID
}

// NewTable returns an empty process table; the first allocated pid is 0
// for idle, then 1 for init and up from there.
func NewTable() *Table {
	return &Table{procs: make(map[PID]*PCB)}
}

// Lookup finds a PCB by pid.
func (t *Table) Lookup(pid PID) (*PCB, bool) {
	p, ok := t.procs[pid]
	return p, ok
}

// Count returns the number of live PCBs.
func (t *Table) Count() int {
	return len(t.procs)
}

// ForEach visits every live PCB.
func (t *Table) ForEach(fn func(*PCB)) {
	for _, p := range t.procs {
		fn(p)
	}
}

// allocate creates a PCB with the next pid and registers it.
func (t *Table) allocate(name string) *PCB {
	p := &PCB{PID: t.nextPID, State: StateCreated}
	p.SetName(name)
	t.nextPID++
	t.procs[p.PID] = p
	return p
}

// remove reaps a PCB out of the table.
func (t *Table) remove(pid PID) {
	delete(t.procs, pid)
}
