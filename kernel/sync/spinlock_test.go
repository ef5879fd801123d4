package sync

import (
	"sync"
	"testing"

	"alixos/kernel/cpu"
)

func TestSpinlock(t *testing.T) {
	var (
		sl      Spinlock
		wg      sync.WaitGroup
		counter int
	)

	numWorkers := 10
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sl.Acquire()
				counter++
				sl.Release()
			}
		}()
	}
	wg.Wait()

	if exp, got := numWorkers*100, counter; got != exp {
		t.Fatalf("expected counter to be %d; got %d", exp, got)
	}
}

func TestSpinlockTryToAcquire(t *testing.T) {
	var sl Spinlock

	if !sl.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed on an unlocked lock")
	}

	if sl.TryToAcquire() {
		t.Fatal("expected TryToAcquire to fail on a locked lock")
	}

	sl.Release()

	if !sl.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed after a Release")
	}
}

func TestIrqSpinlock(t *testing.T) {
	defer func(maskFn func() uint64, restoreFn func(uint64)) {
		cpu.MaskInterrupts = maskFn
		cpu.RestoreInterrupts = restoreFn
	}(cpu.MaskInterrupts, cpu.RestoreInterrupts)

	var (
		masked   int
		restored []uint64
	)
	cpu.MaskInterrupts = func() uint64 {
		masked++
		return 0xc0
	}
	cpu.RestoreInterrupts = func(flags uint64) {
		restored = append(restored, flags)
	}

	var l IrqSpinlock
	l.Acquire()
	l.Release()

	if exp, got := 1, masked; got != exp {
		t.Errorf("expected %d mask calls; got %d", exp, got)
	}

	if exp, got := 1, len(restored); got != exp {
		t.Fatalf("expected %d restore calls; got %d", exp, got)
	}

	if exp, got := uint64(0xc0), restored[0]; got != exp {
		t.Errorf("expected the saved IRQ flags to be restored; got %x", got)
	}
}
