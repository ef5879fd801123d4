package pmm

import (
	"testing"

	"alixos/kernel/mm"
)

func normalizedMap(t *testing.T, m *mm.MemoryMap) mm.NormalizedMap {
	t.Helper()
	nm, err := m.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	return nm
}

func TestBootAllocatorAlloc(t *testing.T) {
	var m mm.MemoryMap
	m.AddRegion(0x100000, 0x4000, mm.RegionUsable)
	m.AddRegion(0x200000, 0x10000, mm.RegionUsable)
	nm := normalizedMap(t, &m)

	var alloc BootAllocator
	alloc.Init(&nm)

	addr, err := alloc.Alloc(0x1000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0x100000); addr != exp {
		t.Fatalf("expected first allocation at %x; got %x", exp, addr)
	}

	// Alignment skips ahead inside the region.
	addr, err = alloc.Alloc(0x100, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0x102000); addr != exp {
		t.Fatalf("expected aligned allocation at %x; got %x", exp, addr)
	}

	// Too big for the remainder of region 0; must come from region 1.
	addr, err = alloc.Alloc(0x8000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0x200000); addr != exp {
		t.Fatalf("expected region-skipping allocation at %x; got %x", exp, addr)
	}

	// Exhaust everything.
	if _, err = alloc.Alloc(0x100000, 0x1000); err != errBootAllocOutOfMemory {
		t.Fatalf("expected errBootAllocOutOfMemory; got %v", err)
	}
}

func TestBootAllocatorUsedRanges(t *testing.T) {
	var m mm.MemoryMap
	m.AddRegion(0x100000, 0x2000, mm.RegionUsable)
	m.AddRegion(0x200000, 0x10000, mm.RegionUsable)
	nm := normalizedMap(t, &m)

	var alloc BootAllocator
	alloc.Init(&nm)

	if _, err := alloc.Alloc(0x2000, 0x1000); err != nil {
		t.Fatal(err)
	}
	if _, err := alloc.Alloc(0x3000, 0x1000); err != nil {
		t.Fatal(err)
	}

	type span struct{ base, end uintptr }
	var got []span
	alloc.UsedRanges(func(base, end uintptr) {
		got = append(got, span{base, end})
	})

	exp := []span{
		{0x100000, 0x102000},
		{0x200000, 0x203000},
	}
	if len(got) != len(exp) {
		t.Fatalf("expected %d used ranges; got %v", len(exp), got)
	}
	for i, s := range exp {
		if got[i] != s {
			t.Errorf("used range %d: expected %+v; got %+v", i, s, got[i])
		}
	}
}

func TestBootAllocatorFrameInterface(t *testing.T) {
	var m mm.MemoryMap
	m.AddRegion(0x100000, 0x3000, mm.RegionUsable)
	nm := normalizedMap(t, &m)

	var alloc BootAllocator
	alloc.Init(&nm)

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if exp, got := uintptr(0x100000), frame.Address(); got != exp {
		t.Fatalf("expected frame address %x; got %x", exp, got)
	}
	if exp, got := uint64(1), alloc.allocCount; got != exp {
		t.Errorf("expected alloc count %d; got %d", exp, got)
	}
}
