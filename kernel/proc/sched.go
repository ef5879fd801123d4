package proc

import (
	"alixos/kernel"
	"alixos/kernel/cpu"
	"alixos/kernel/irq"
	"alixos/kernel/kfmt"
	"alixos/kernel/mm/vmm"
	"alixos/kernel/sync"
)

// modeIdle marks the per-core idle processes; they never appear in the run
// queue, never own descriptors and never donate them to children.
const modeIdle Mode = 0xff

var (
	// schedMutex guards the process table, the run queue and the
	// per-core current pointers. It masks IRQs so the whole
	// save/select/restore sequence is atomic on the local core.
	schedMutex sync.IrqSpinlock

	current   [cpu.MaxCores]*Process
	idleProcs [cpu.MaxCores]Process

	queue runQueue
)

func coreIDFn() uint64 {
	return cpu.CoreID()
}

// runQueue is a FIFO ring of Ready processes shared by all cores. A process
// appears at most once; the inQueue flag makes push idempotent.
type runQueue struct {
	items       [MaxProcs]*Process
	head, count int
}

func (q *runQueue) push(p *Process) {
	if p.inQueue {
		return
	}
	q.items[(q.head+q.count)%MaxProcs] = p
	q.count++
	p.inQueue = true
}

// pop returns the first queued process that is still Ready. Blocked and
// Zombie entries should never be queued; they are skipped if they appear.
func (q *runQueue) pop() *Process {
	for q.count > 0 {
		p := q.items[q.head]
		q.head = (q.head + 1) % MaxProcs
		q.count--
		p.inQueue = false

		if p.state == StateReady {
			return p
		}
	}
	return nil
}

// Init wires the scheduler into the interrupt layer: timer ticks drive
// round-robin, SVC traps hit the syscall table, translation faults are
// classified and charged to the offending process.
func Init() {
	irq.RegisterTimerHandler(func(_ uint64, frame *irq.Frame) { Tick(frame) })
	irq.RegisterSyscallHandler(DispatchSyscall)
	irq.RegisterFaultHandler(handleFault)
}

// Schedule queues a Ready process for execution.
func Schedule(p *Process) {
	schedMutex.Acquire()
	defer schedMutex.Release()

	if p.state == StateReady {
		queue.push(p)
	}
}

// Tick performs one round-robin rotation on the calling core: save the
// outgoing context into its process, re-queue it if still runnable, pop the
// next Ready process (idle when none), activate its address space and load
// its context into the frame the vector stub will restore.
func Tick(frame *irq.Frame) {
	core := coreIDFn()

	schedMutex.Acquire()
	defer schedMutex.Release()

	cur := current[core]
	if cur != nil {
		cur.frame = *frame
		if cur.state == StateRunning {
			cur.state = StateReady
		}
		if cur.state == StateReady && cur.mode != modeIdle {
			queue.push(cur)
		}
	}

	next := queue.pop()
	if next == nil {
		next = &idleProcs[core]
	}
	next.state = StateRunning

	if next != cur {
		if next.mode == ModeUser {
			vmm.ActivateUser(&next.space)
		} else {
			vmm.DeactivateUser()
		}
	}

	current[core] = next
	*frame = next.frame
}

// StartOnCPU is the per-core scheduler entry, called once during bring-up
// after the core's interrupt vector is live. It parks the core in the idle
// process; the first timer tick performs the first real dispatch. It never
// returns.
func StartOnCPU() {
	core := coreIDFn()

	schedMutex.Acquire()
	err := initIdle(core)
	if err == nil {
		current[core] = &idleProcs[core]
	}
	schedMutex.Release()
	if err != nil {
		kfmt.Panic(err)
	}

	cpu.EnableInterrupts()
	idleLoop()
}

// initIdle builds the core's idle process on its own kernel stack. The core
// enters idleLoop on the boot stack the first time; the frame's stack is
// used whenever a tick dispatches back to idle. Caller holds schedMutex.
func initIdle(core uint64) *kernel.Error {
	stackTop, stackBase, frames, err := allocKernelStackFn()
	if err != nil {
		return err
	}

	p := &idleProcs[core]
	*p = Process{
		name:        "idle",
		state:       StateRunning,
		mode:        modeIdle,
		stackBase:   stackBase,
		stackFrames: frames,
		frame:       irq.Frame{ELR: funcPC(idleLoop), SPSR: spsrKernel, SPEL0: uint64(stackTop)},
	}
	return nil
}

func idleLoop() {
	for {
		cpu.WaitForInterrupt()
	}
}

// handleFault charges guard and translation faults from user mode to the
// offending process and keeps the kernel running; the same faults in kernel
// mode are unrecoverable.
func handleFault(faultAddr uintptr, esr uint64, fromUser bool, frame *irq.Frame) {
	if fromUser {
		schedMutex.Acquire()
		cur := current[coreIDFn()]
		if cur != nil {
			kind := vmm.ClassifyFault(faultAddr, cur.space.ASID())
			kfmt.Printf("[proc] %s (pid %d): %s at %016x; terminating\n",
				cur.name, uint32(cur.id), kind.String(), faultAddr)
			cur.state = StateZombie
		}
		schedMutex.Release()

		// Switch away immediately; returning would re-execute the
		// faulting instruction.
		Tick(frame)
		return
	}

	kind := vmm.ClassifyFault(faultAddr, 0)
	kfmt.Printf("[proc] kernel %s at %016x, esr=%016x\n", kind.String(), faultAddr, esr)
	frame.Print()
	kfmt.Panic("unrecoverable kernel-mode fault")
}
