package pmm

import (
	"testing"

	"alixos/kernel/mm"
)

// testAllocator builds a bitmap allocator over frameCount managed frames
// starting at physical address 0, with the bitmap held in a Go slice.
func testAllocator(frameCount uint64) *BitmapAllocator {
	var a BitmapAllocator
	words := (frameCount + 63) >> 6
	a.init(make([]uint64, words), make([]uint64, words), frameCount)
	a.markFree(0, uintptr(frameCount)<<mm.PageShift)
	return &a
}

func TestBitmapAllocFree(t *testing.T) {
	a := testAllocator(128)

	f0, err := a.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	f1, err := a.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f0 == f1 {
		t.Fatalf("expected distinct frames; got %d twice", f0)
	}

	if err = a.FreeFrame(f0); err != nil {
		t.Fatal(err)
	}

	// First-fit returns the lowest free frame again.
	f2, err := a.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f2 != f0 {
		t.Errorf("expected freed frame %d to be reused; got %d", f0, f2)
	}
}

func TestBitmapDoubleFree(t *testing.T) {
	a := testAllocator(64)

	frame, err := a.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if err = a.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}
	if err = a.FreeFrame(frame); err != errDoubleFree {
		t.Fatalf("expected errDoubleFree; got %v", err)
	}

	if err = a.FreeFrame(mm.Frame(1 << 20)); err != errFrameNotManaged {
		t.Fatalf("expected errFrameNotManaged; got %v", err)
	}
}

// Reserved frames carry a set allocation bit like any allocated frame; a
// free against one must be rejected as unmanaged, not treated as a release.
func TestBitmapFreeReservedFrame(t *testing.T) {
	a := testAllocator(64)
	a.markReserved(8<<mm.PageShift, 12<<mm.PageShift)

	totalBefore, allocBefore, freeBefore := a.Stats()
	if exp := uint64(60); totalBefore != exp {
		t.Fatalf("expected %d managed frames after reservation; got %d", exp, totalBefore)
	}

	if err := a.FreeFrame(mm.Frame(9)); err != errFrameNotManaged {
		t.Fatalf("expected errFrameNotManaged for a reserved frame; got %v", err)
	}

	total, allocated, free := a.Stats()
	if total != totalBefore || allocated != allocBefore || free != freeBefore {
		t.Errorf("expected stats unchanged by the rejected free; got %d/%d/%d", total, allocated, free)
	}

	// The reserved frame must never re-enter circulation.
	for i := 0; i < 60; i++ {
		f, err := a.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		if f >= 8 && f < 12 {
			t.Fatalf("reserved frame %d handed out", f)
		}
	}
}

func TestBitmapExhaustion(t *testing.T) {
	a := testAllocator(4)

	for i := 0; i < 4; i++ {
		if _, err := a.AllocFrame(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := a.AllocFrame(); err != errBitmapOutOfMemory {
		t.Fatalf("expected errBitmapOutOfMemory; got %v", err)
	}
}

func TestBitmapAllocContiguous(t *testing.T) {
	a := testAllocator(256)

	// Fragment the low frames: allocate 0..9, free the odd ones.
	var frames [10]mm.Frame
	for i := range frames {
		f, err := a.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		frames[i] = f
	}
	for i := 1; i < 10; i += 2 {
		if err := a.FreeFrame(frames[i]); err != nil {
			t.Fatal(err)
		}
	}

	// No run of 2 exists below frame 10; the run lands right after it.
	first, err := a.AllocContiguous(16)
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.Frame(10); first != exp {
		t.Fatalf("expected contiguous run at frame %d; got %d", exp, first)
	}

	if _, err = a.AllocContiguous(1 << 20); err != errBitmapOutOfMemory {
		t.Fatalf("expected errBitmapOutOfMemory for oversized run; got %v", err)
	}
}

// Covers the end-to-end allocator scenario: 1024 usable frames, 1000
// allocations, 500 frees, 500 more allocations. Conservation must hold at
// every step and no frame may be live twice.
func TestBitmapConservationScenario(t *testing.T) {
	a := testAllocator(1024)

	checkConservation := func() {
		t.Helper()
		total, allocated, free := a.Stats()
		if allocated+free != total {
			t.Fatalf("conservation violated: %d allocated + %d free != %d total", allocated, free, total)
		}
	}

	live := make(map[mm.Frame]bool)
	claim := func() mm.Frame {
		t.Helper()
		f, err := a.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		if live[f] {
			t.Fatalf("frame %d allocated twice while live", f)
		}
		live[f] = true
		checkConservation()
		return f
	}

	var order []mm.Frame
	for i := 0; i < 1000; i++ {
		order = append(order, claim())
	}

	for i := 0; i < 1000; i += 2 {
		if err := a.FreeFrame(order[i]); err != nil {
			t.Fatal(err)
		}
		delete(live, order[i])
		checkConservation()
	}

	for i := 0; i < 500; i++ {
		claim()
	}

	if exp, got := 1000, len(live); got != exp {
		t.Fatalf("expected %d live frames; got %d", exp, got)
	}
	_, allocated, _ := a.Stats()
	if exp, got := uint64(1000), allocated; got != exp {
		t.Fatalf("expected %d allocated frames; got %d", exp, got)
	}
}

func TestBitmapHandoffReservesBootRanges(t *testing.T) {
	var m mm.MemoryMap
	m.AddRegion(0x0, 0x100000, mm.RegionUsable)
	nm := normalizedMap(t, &m)

	var boot BootAllocator
	boot.Init(&nm)

	// Consume the first 4 frames during boot.
	if _, err := boot.Alloc(4*mm.PageSize, mm.PageSize); err != nil {
		t.Fatal(err)
	}

	a := testAllocator(uint64(nm.MaxUsableEnd() >> mm.PageShift))
	boot.UsedRanges(a.markReserved)

	total, _, _ := a.Stats()
	if exp := uint64(0x100000>>mm.PageShift) - 4; total != exp {
		t.Fatalf("expected %d managed frames after boot reservation; got %d", exp, total)
	}

	frame, err := a.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.Frame(4); frame != exp {
		t.Errorf("expected first steady-state frame %d; got %d", exp, frame)
	}
}
