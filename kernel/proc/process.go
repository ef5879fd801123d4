package proc

import (
	"unsafe"

	"alixos/kernel"
	"alixos/kernel/irq"
	"alixos/kernel/mm"
	"alixos/kernel/mm/pmm"
	"alixos/kernel/mm/vmm"
)

// ID identifies one process for its whole lifetime; slot indices are reused
// only after the previous occupant has been reaped.
type ID uint32

// State tracks a process through its lifecycle.
type State uint8

const (
	// StateFree marks an unoccupied table slot.
	StateFree State = iota

	// StateReady means runnable and either queued or about to be.
	StateReady

	// StateRunning means currently executing on some core.
	StateRunning

	// StateBlocked is reserved for event waits; nothing transitions into
	// it yet, but the scheduler already refuses to run it.
	StateBlocked

	// StateZombie means terminated and awaiting resource reclaim.
	StateZombie
)

// Mode is the privilege a process executes at.
type Mode uint8

const (
	// ModeKernel processes run at kernel privilege on kernel stacks.
	ModeKernel Mode = iota

	// ModeUser processes own a private lower-half address space.
	ModeUser
)

// Sink is the descriptor-table endpoint. Console and file plumbing live
// outside this subsystem; anything that can take bytes qualifies.
type Sink interface {
	Write(p []byte) (int, error)
}

const (
	// MaxProcs bounds the process table.
	MaxProcs = 64

	// maxFDs bounds each process's descriptor table.
	maxFDs = 8

	kernelStackPages = 4
	userStackPages   = 8

	// userStackTop is the exclusive upper bound of every user stack.
	userStackTop = uintptr(0x7ffffff000)

	// userHeapBase is where syscall-served allocations start in each
	// user space.
	userHeapBase = uintptr(0x1000000000)

	// spsrKernel resumes at EL1 with the EL0 stack register selected
	// (EL1t) and IRQs enabled. Kernel processes run on SP_EL0 so the
	// trap frame's saved SP_EL0 slot carries their stack pointer across
	// preemption; the exception vectors themselves run on SP_EL1.
	// spsrUser resumes at EL0.
	spsrKernel = uint64(0x4)
	spsrUser   = uint64(0x0)
)

var (
	// ErrNoFreeSlot is returned by spawn when the process table is full.
	ErrNoFreeSlot = &kernel.Error{Module: "proc", Message: "process table is full"}

	errNotUserAddress = &kernel.Error{Module: "proc", Message: "address is not a user mapping of the caller"}
)

// Process is one execution context. The scheduler owns state transitions;
// syscall handlers mutate only the entry of the calling process.
type Process struct {
	id    ID
	name  string
	state State
	mode  Mode

	// frame holds the full register snapshot while the process is not
	// running. Whichever core runs the process owns it exclusively.
	frame irq.Frame

	// space is the private lower half (user mode only).
	space vmm.AddressSpace

	// stackBase/stackFrames locate the kernel stack mapping for reclaim.
	stackBase   uintptr
	stackFrames mm.Frame

	// heapNext is the bump cursor for syscall-served user allocations.
	heapNext uintptr

	fds     [maxFDs]Sink
	inQueue bool
}

// ID returns the process identifier.
func (p *Process) ID() ID { return p.id }

// Name returns the display name.
func (p *Process) Name() string { return p.name }

// State returns the current lifecycle state.
func (p *Process) State() State { return p.state }

var (
	table    [MaxProcs]Process
	nextID   ID
	nextASID uint16

	initFDs [maxFDs]Sink

	// Kernel stack mappings bump upward through the stack window, one
	// guard page below each stack.
	stackCursor = mm.KStackVirtBase

	allocKernelStackFn = allocKernelStack
	allocContiguousFn  = pmm.AllocContiguous
	freeFrameFn        = pmm.FreeFrame
)

// SetInitFDs seeds the descriptor table handed to the first process
// (conventionally stdin, stdout, stderr).
func SetInitFDs(fds ...Sink) {
	for i := range initFDs {
		initFDs[i] = nil
	}
	copy(initFDs[:], fds)
}

// Spawn creates a Ready kernel-mode process executing entry on its own
// guarded kernel stack. Descriptors are copied from the spawning process,
// or from the init set when no process is running yet. Callers enqueue the
// result via Schedule.
func Spawn(name string, entry func()) (*Process, *kernel.Error) {
	schedMutex.Acquire()
	defer schedMutex.Release()

	p, err := allocSlot(name, ModeKernel)
	if err != nil {
		return nil, err
	}

	stackTop, stackBase, frames, err := allocKernelStackFn()
	if err != nil {
		p.state = StateFree
		return nil, err
	}
	p.stackBase, p.stackFrames = stackBase, frames

	p.frame = irq.Frame{ELR: funcPC(entry), SPSR: spsrKernel, SPEL0: uint64(stackTop)}
	p.frame.X[29] = uint64(stackTop) // initial frame pointer
	return p, nil
}

// SpawnUser creates a Ready user-mode process: a private Stage C address
// space with a guarded user stack, resuming at the user entry trampoline
// address in EL0.
func SpawnUser(name string, entry uintptr) (*Process, *kernel.Error) {
	schedMutex.Acquire()
	defer schedMutex.Release()

	p, err := allocSlot(name, ModeUser)
	if err != nil {
		return nil, err
	}

	nextASID++
	if err = vmm.NewUserSpace(&p.space, nextASID); err != nil {
		p.state = StateFree
		return nil, err
	}

	stackBase := userStackTop - userStackPages*mm.PageSize
	for page := mm.PageFromAddress(stackBase); page < mm.PageFromAddress(userStackTop); page++ {
		frame, ferr := mm.AllocFrame()
		if ferr == nil {
			ferr = p.space.Map(page, frame, vmm.AttrUser|vmm.AttrWrite)
			if ferr != nil {
				freeFrameFn(frame)
			}
		}
		if ferr != nil {
			p.space.Release(freeFrameFn)
			p.state = StateFree
			return nil, ferr
		}
	}
	if err = vmm.RegisterSpaceGuard(&p.space, stackBase-mm.PageSize, stackBase, vmm.GuardStack); err != nil {
		p.space.Release(freeFrameFn)
		p.state = StateFree
		return nil, err
	}

	p.heapNext = userHeapBase
	p.frame = irq.Frame{ELR: uint64(entry), SPSR: spsrUser, SPEL0: uint64(userStackTop)}
	return p, nil
}

// allocSlot reserves a table slot and seeds identity, mode and descriptors.
// Caller holds schedMutex.
func allocSlot(name string, mode Mode) (*Process, *kernel.Error) {
	for i := range table {
		if table[i].state != StateFree {
			continue
		}

		p := &table[i]
		nextID++
		*p = Process{id: nextID, name: name, state: StateReady, mode: mode}

		if parent := current[coreIDFn()]; parent != nil && parent.mode != modeIdle {
			p.fds = parent.fds
		} else {
			p.fds = initFDs
		}
		return p, nil
	}
	return nil, ErrNoFreeSlot
}

// Exit marks the process running on this core as a Zombie. The slot and its
// resources survive until Reap; the next timer tick switches the core away
// for good.
func Exit() {
	schedMutex.Acquire()
	defer schedMutex.Release()

	if cur := current[coreIDFn()]; cur != nil {
		cur.state = StateZombie
	}
}

// Reap reclaims every Zombie that is not running on any core: user frames
// and translation tables, stack mappings, guard registrations, then the
// table slot itself. Returns the number of processes reclaimed.
func Reap() int {
	schedMutex.Acquire()
	defer schedMutex.Release()

	reaped := 0
	for i := range table {
		p := &table[i]
		if p.state != StateZombie || runningAnywhere(p) {
			continue
		}

		if p.mode == ModeUser {
			// Drops the stack guard and every heap guard still
			// registered for allocations the process never freed.
			vmm.UnregisterSpaceGuards(&p.space)
			p.space.Release(freeFrameFn)
		} else {
			releaseKernelStack(p)
		}

		p.state = StateFree
		reaped++
	}
	return reaped
}

func runningAnywhere(p *Process) bool {
	for core := 0; core < len(current); core++ {
		if current[core] == p {
			return true
		}
	}
	return false
}

// allocKernelStack maps a fresh contiguous frame run into the kernel stack
// window with an unmapped guard page below it (stacks grow down).
func allocKernelStack() (top, base uintptr, frames mm.Frame, err *kernel.Error) {
	frames, err = allocContiguousFn(kernelStackPages)
	if err != nil {
		return 0, 0, mm.InvalidFrame, err
	}

	base = stackCursor + mm.PageSize
	releaseRun := func() {
		for i := uintptr(0); i < kernelStackPages; i++ {
			vmm.KernelSpace().Unmap(mm.PageFromAddress(base + i*mm.PageSize))
			freeFrameFn(frames + mm.Frame(i))
		}
	}
	if err = vmm.KernelSpace().MapRange(mm.PageFromAddress(base), frames, kernelStackPages, vmm.AttrWrite); err != nil {
		releaseRun()
		return 0, 0, mm.InvalidFrame, err
	}
	if err = vmm.RegisterGuard(stackCursor, base, vmm.GuardStack); err != nil {
		releaseRun()
		return 0, 0, mm.InvalidFrame, err
	}

	top = base + kernelStackPages*mm.PageSize
	stackCursor = top
	return top, base, frames, nil
}

func releaseKernelStack(p *Process) {
	if p.stackBase == 0 {
		return
	}
	vmm.UnregisterGuard(p.stackBase - mm.PageSize)
	for i := uintptr(0); i < kernelStackPages; i++ {
		if frame, err := vmm.KernelSpace().Unmap(mm.PageFromAddress(p.stackBase + i*mm.PageSize)); err == nil {
			freeFrameFn(frame)
		}
	}
	p.stackBase = 0
}

// funcPC extracts the code entry point of a Go function value so it can be
// installed as a trap frame resume address.
func funcPC(f func()) uint64 {
	return uint64(**(**uintptr)(unsafe.Pointer(&f)))
}
