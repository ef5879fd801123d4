package vmm

import (
	"os"
	"testing"
	"unsafe"

	"alixos/kernel"
	"alixos/kernel/cpu"
	"alixos/kernel/mm"
)

func TestMain(m *testing.M) {
	// Tests walk real Go memory as if it were physical; neutralize every
	// hardware touchpoint.
	cpu.MaskInterrupts = func() uint64 { return 0 }
	cpu.RestoreInterrupts = func(uint64) {}
	cpu.InvalidateTLB = func() {}
	cpu.InvalidateTLBAddr = func(uintptr) {}
	cpu.InvalidateTLBASID = func(uint64) {}
	cpu.DataSyncBarrier = func() {}
	cpu.InstrSyncBarrier = func() {}
	cpu.SetUserTableBase = func(uintptr) {}
	cpu.SetKernelTableBase = func(uintptr) {}
	cpu.ActiveUserTableBase = func() uintptr { return 0 }
	os.Exit(m.Run())
}

var errArenaExhausted = &kernel.Error{Module: "vmm_test", Message: "frame arena exhausted"}

// frameArena hands out page-aligned frames backed by a Go slice. Frame
// addresses are real host pointers, so the identity PhysToVirt used during
// boot resolves them directly.
type frameArena struct {
	buf    []byte
	base   uintptr
	frames int
	next   int
}

func newFrameArena(t *testing.T, frames int) *frameArena {
	t.Helper()
	buf := make([]byte, (frames+1)*int(mm.PageSize))
	base := (uintptr(unsafe.Pointer(&buf[0])) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	a := &frameArena{buf: buf, base: base, frames: frames}

	mm.SetFrameAllocator(a.alloc)
	t.Cleanup(func() { mm.SetFrameAllocator(nil) })
	return a
}

func (a *frameArena) alloc() (mm.Frame, *kernel.Error) {
	if a.next == a.frames {
		return mm.InvalidFrame, errArenaExhausted
	}
	addr := a.base + uintptr(a.next)*mm.PageSize
	a.next++
	return mm.FrameFromAddress(addr), nil
}

func userSpace(t *testing.T) *AddressSpace {
	t.Helper()
	var space AddressSpace
	if err := space.Init(false, 1); err != nil {
		t.Fatal(err)
	}
	return &space
}

func TestMapAndTranslate(t *testing.T) {
	newFrameArena(t, 16)
	space := userSpace(t)

	frame, _ := mm.AllocFrame()
	page := mm.PageFromAddress(0x400000)

	if err := space.Map(page, frame, AttrWrite); err != nil {
		t.Fatal(err)
	}

	pa, attr, err := space.Translate(0x400123)
	if err != nil {
		t.Fatal(err)
	}
	if exp := frame.Address() + 0x123; pa != exp {
		t.Errorf("expected translation %x; got %x", exp, pa)
	}
	if exp := AttrWrite; attr != exp {
		t.Errorf("expected attrs %b; got %b", exp, attr)
	}

	if _, _, err = space.Translate(0x500000); err != ErrNotMapped {
		t.Errorf("expected ErrNotMapped for unmapped address; got %v", err)
	}
}

func TestMapConflicts(t *testing.T) {
	newFrameArena(t, 16)
	space := userSpace(t)

	frame, _ := mm.AllocFrame()
	other, _ := mm.AllocFrame()
	page := mm.PageFromAddress(0x400000)

	if err := space.Map(page, frame, AttrWrite); err != nil {
		t.Fatal(err)
	}

	// Identical re-map is a no-op.
	if err := space.Map(page, frame, AttrWrite); err != nil {
		t.Fatalf("expected identical re-map to succeed; got %v", err)
	}

	if err := space.Map(page, other, AttrWrite); err != ErrMappingConflict {
		t.Errorf("expected ErrMappingConflict for different frame; got %v", err)
	}
	if err := space.Map(page, frame, 0); err != ErrMappingConflict {
		t.Errorf("expected ErrMappingConflict for different attrs; got %v", err)
	}
}

func TestMapAttrRules(t *testing.T) {
	newFrameArena(t, 16)
	space := userSpace(t)
	frame, _ := mm.AllocFrame()
	page := mm.PageFromAddress(0x400000)

	if err := space.Map(page, frame, AttrWrite|AttrExec); err != ErrAttrConflict {
		t.Errorf("expected writable+executable to be rejected; got %v", err)
	}
	if err := space.Map(page, frame, AttrDevice|AttrExec); err != ErrAttrConflict {
		t.Errorf("expected executable device memory to be rejected; got %v", err)
	}

	var kspace AddressSpace
	if err := kspace.Init(true, 0); err != nil {
		t.Fatal(err)
	}
	kpage := mm.PageFromAddress(mm.KernelVirtBase + 0x400000)
	if err := kspace.Map(kpage, frame, AttrUser); err != ErrAttrConflict {
		t.Errorf("expected user attr in kernel half to be rejected; got %v", err)
	}
	if err := kspace.Map(page, frame, AttrWrite); err != errBadVirtAddr {
		t.Errorf("expected lower-half address in kernel space to be rejected; got %v", err)
	}
}

func TestUnmap(t *testing.T) {
	newFrameArena(t, 16)
	space := userSpace(t)

	frame, _ := mm.AllocFrame()
	page := mm.PageFromAddress(0x400000)
	if err := space.Map(page, frame, 0); err != nil {
		t.Fatal(err)
	}

	got, err := space.Unmap(page)
	if err != nil {
		t.Fatal(err)
	}
	if got != frame {
		t.Errorf("expected unmap to return frame %d; got %d", frame, got)
	}

	if _, err = space.Unmap(page); err != ErrNotMapped {
		t.Errorf("expected ErrNotMapped on second unmap; got %v", err)
	}
	if _, _, err = space.Translate(page.Address()); err != ErrNotMapped {
		t.Errorf("expected translation to fail after unmap; got %v", err)
	}
}

func TestProtect(t *testing.T) {
	newFrameArena(t, 16)
	space := userSpace(t)

	frame, _ := mm.AllocFrame()
	page := mm.PageFromAddress(0x400000)
	if err := space.Map(page, frame, AttrWrite); err != nil {
		t.Fatal(err)
	}

	if err := space.Protect(page, 0); err != nil {
		t.Fatal(err)
	}
	_, attr, err := space.Translate(page.Address())
	if err != nil {
		t.Fatal(err)
	}
	if attr&AttrWrite != 0 {
		t.Error("expected write permission to be revoked")
	}

	if err := space.Protect(mm.PageFromAddress(0x500000), 0); err != ErrNotMapped {
		t.Errorf("expected ErrNotMapped; got %v", err)
	}
	if err := space.Protect(page, AttrWrite|AttrExec); err != ErrAttrConflict {
		t.Errorf("expected ErrAttrConflict; got %v", err)
	}
}

func TestMapRangeAndRelease(t *testing.T) {
	arena := newFrameArena(t, 64)
	space := userSpace(t)

	first, _ := mm.AllocFrame()
	for i := 0; i < 3; i++ {
		mm.AllocFrame()
	}
	if err := space.MapRange(mm.PageFromAddress(0x400000), first, 4, AttrWrite); err != nil {
		t.Fatal(err)
	}

	// A second mapping far away forces extra intermediate tables.
	far, _ := mm.AllocFrame()
	if err := space.Map(mm.PageFromAddress(0x40000000000), far, 0); err != nil {
		t.Fatal(err)
	}

	freed := make(map[mm.Frame]bool)
	err := space.Release(func(f mm.Frame) *kernel.Error {
		if freed[f] {
			t.Fatalf("frame %d freed twice", f)
		}
		freed[f] = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	for f := first; f < first+4; f++ {
		if !freed[f] {
			t.Errorf("expected mapped frame %d to be released", f)
		}
	}
	if !freed[far] {
		t.Error("expected far mapped frame to be released")
	}

	// Everything the arena handed out (tables included) must be back.
	if exp, got := arena.next, len(freed); got != exp {
		t.Errorf("expected %d frames released; got %d", exp, got)
	}
}

func TestEncodeDecodeAttrs(t *testing.T) {
	frame := mm.Frame(0x1234)
	specs := []Attr{
		0,
		AttrWrite,
		AttrExec,
		AttrUser,
		AttrUser | AttrWrite,
		AttrUser | AttrExec,
		AttrDevice | AttrWrite,
		AttrNoCache | AttrWrite,
	}

	for specIndex, attr := range specs {
		desc := encodePage(frame, attr)
		if got := desc.frameOf(); got != frame {
			t.Errorf("[spec %d] expected frame %d; got %d", specIndex, frame, got)
		}
		if got := desc.attrOf(); got != attr {
			t.Errorf("[spec %d] expected attrs %b; got %b", specIndex, attr, got)
		}
		if attr&AttrWrite != 0 && desc&pteAPReadOnly != 0 {
			t.Errorf("[spec %d] writable mapping encoded read-only", specIndex)
		}
		if attr&AttrUser == 0 && desc&pteNonGlobal != 0 {
			t.Errorf("[spec %d] kernel mapping encoded non-global", specIndex)
		}
	}
}
