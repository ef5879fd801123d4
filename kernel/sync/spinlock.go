package sync

import (
	"runtime"
	"sync/atomic"

	"alixos/kernel/cpu"
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// spinning in a tight loop while repeatedly checking the lock status.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently running
// kernel task.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true on success.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release resets the lock status allowing other tasks to acquire it.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IrqSpinlock is a spinlock that additionally masks IRQ delivery on the
// local core for the duration of the critical section. It protects state
// that exception handlers also touch; taking a plain Spinlock there would
// deadlock the core against its own handler.
type IrqSpinlock struct {
	state uint32
	flags uint64
}

// Acquire masks IRQs on the local core and then spins for the lock. The
// saved IRQ state is restored by Release.
func (l *IrqSpinlock) Acquire() {
	flags := cpu.MaskInterrupts()
	archAcquireSpinlock(&l.state, 1)
	l.flags = flags
}

// Release drops the lock and restores the IRQ state captured by Acquire.
func (l *IrqSpinlock) Release() {
	flags := l.flags
	atomic.StoreUint32(&l.state, 0)
	cpu.RestoreInterrupts(flags)
}

func archAcquireSpinlock(state *uint32, attemptsBeforeYielding int) {
	var attempt int
	for {
		if atomic.SwapUint32(state, 1) == 0 {
			return
		}

		attempt++
		if attempt >= attemptsBeforeYielding {
			attempt = 0
			runtime.Gosched()
		}
	}
}
