package vmm

import (
	"testing"

	"alixos/kernel/mm"
)

func resetGuards() {
	guardMutex.Acquire()
	guardCount = 0
	guardMutex.Release()
}

func TestClassifyFault(t *testing.T) {
	defer resetGuards()

	stackGuard := uintptr(0x7ff000)
	if err := RegisterGuard(stackGuard, stackGuard+mm.PageSize, GuardStack); err != nil {
		t.Fatal(err)
	}

	if exp, got := FaultStackOverflow, ClassifyFault(stackGuard+8, 0); got != exp {
		t.Errorf("expected %s; got %s", exp, got)
	}
	if exp, got := FaultUnmapped, ClassifyFault(stackGuard-1, 0); got != exp {
		t.Errorf("expected %s below the guard; got %s", exp, got)
	}
	if exp, got := FaultUnmapped, ClassifyFault(stackGuard+mm.PageSize, 0); got != exp {
		t.Errorf("expected %s past the guard; got %s", exp, got)
	}

	// Kernel-half guards classify regardless of the active user space.
	if exp, got := FaultStackOverflow, ClassifyFault(stackGuard+8, 7); got != exp {
		t.Errorf("expected %s under an active user space; got %s", exp, got)
	}

	UnregisterGuard(stackGuard)
	if exp, got := FaultUnmapped, ClassifyFault(stackGuard+8, 0); got != exp {
		t.Errorf("expected %s after unregister; got %s", exp, got)
	}
}

// Two processes with a guard at the same user address: classification must
// follow the active space, never a neighbour's registration.
func TestSpaceGuardIsolation(t *testing.T) {
	defer resetGuards()
	newFrameArena(t, 16)

	var a, b AddressSpace
	if err := a.Init(false, 1); err != nil {
		t.Fatal(err)
	}
	if err := b.Init(false, 2); err != nil {
		t.Fatal(err)
	}

	addr := uintptr(0x40000000)
	if err := RegisterSpaceGuard(&a, addr, addr+mm.PageSize, GuardHeap); err != nil {
		t.Fatal(err)
	}

	if exp, got := FaultHeapBounds, ClassifyFault(addr+8, a.ASID()); got != exp {
		t.Errorf("expected %s in the owning space; got %s", exp, got)
	}
	if exp, got := FaultUnmapped, ClassifyFault(addr+8, b.ASID()); got != exp {
		t.Errorf("expected %s in the other space; got %s", exp, got)
	}

	// Unregistering under the wrong owner leaves the guard in place.
	UnregisterSpaceGuard(&b, addr)
	if exp, got := FaultHeapBounds, ClassifyFault(addr+8, a.ASID()); got != exp {
		t.Errorf("expected the guard to survive a foreign unregister; got %s", got)
	}
	UnregisterSpaceGuard(&a, addr)
	if exp, got := FaultUnmapped, ClassifyFault(addr+8, a.ASID()); got != exp {
		t.Errorf("expected %s after the owner unregisters; got %s", exp, got)
	}
}

// Space teardown must return every registry slot its guards held, or the
// registry fills up after enough process lifetimes.
func TestSpaceGuardSweep(t *testing.T) {
	defer resetGuards()
	newFrameArena(t, 16)

	var doomed, survivor AddressSpace
	if err := doomed.Init(false, 1); err != nil {
		t.Fatal(err)
	}
	if err := survivor.Init(false, 2); err != nil {
		t.Fatal(err)
	}

	keep := uintptr(0x50000000)
	if err := RegisterSpaceGuard(&survivor, keep, keep+mm.PageSize, GuardStack); err != nil {
		t.Fatal(err)
	}

	// Fill every remaining slot with guards owned by the doomed space.
	for i := 0; guardCount < maxGuards; i++ {
		addr := uintptr(0x10000000) + uintptr(i)*2*mm.PageSize
		if err := RegisterSpaceGuard(&doomed, addr, addr+mm.PageSize, GuardHeap); err != nil {
			t.Fatal(err)
		}
	}
	if err := RegisterGuard(0x60000000, 0x60000000+mm.PageSize, GuardHeap); err != errTooManyGuards {
		t.Fatalf("expected errTooManyGuards with a full registry; got %v", err)
	}

	UnregisterSpaceGuards(&doomed)

	if exp, got := 1, guardCount; got != exp {
		t.Fatalf("expected %d guard left after the sweep; got %d", exp, got)
	}
	if exp, got := FaultStackOverflow, ClassifyFault(keep+8, survivor.ASID()); got != exp {
		t.Errorf("expected the survivor's guard to remain; got %s", got)
	}
	if err := RegisterGuard(0x60000000, 0x60000000+mm.PageSize, GuardHeap); err != nil {
		t.Errorf("expected a free slot after the sweep; got %v", err)
	}
}

// A 16-page heap with guards on both ends: touching one byte past the last
// mapped page must be reported as a heap bounds fault, not a stray access.
func TestHeapGuardScenario(t *testing.T) {
	defer resetGuards()
	newFrameArena(t, 64)
	space := userSpace(t)

	const heapPages = 16
	heapBase := uintptr(0x10000000)
	heapEnd := heapBase + heapPages*mm.PageSize

	if err := RegisterSpaceGuard(space, heapBase-mm.PageSize, heapBase, GuardHeap); err != nil {
		t.Fatal(err)
	}
	if err := RegisterSpaceGuard(space, heapEnd, heapEnd+mm.PageSize, GuardHeap); err != nil {
		t.Fatal(err)
	}

	for page := mm.PageFromAddress(heapBase); page < mm.PageFromAddress(heapEnd); page++ {
		frame, err := mm.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		if err := space.Map(page, frame, AttrWrite); err != nil {
			t.Fatal(err)
		}
	}

	// The store one byte past the heap faults; the trap handler asks for
	// a classification of the faulting address.
	if _, _, err := space.Translate(heapEnd); err != ErrNotMapped {
		t.Fatalf("expected the page past the heap to be unmapped; got %v", err)
	}
	if exp, got := FaultHeapBounds, ClassifyFault(heapEnd, space.ASID()); got != exp {
		t.Errorf("expected %s; got %s", exp, got)
	}

	// Inside the heap is mapped and never classified.
	if _, _, err := space.Translate(heapEnd - 1); err != nil {
		t.Fatalf("expected last heap byte to be mapped; got %v", err)
	}
}
