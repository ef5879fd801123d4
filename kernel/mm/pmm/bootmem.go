package pmm

import (
	"alixos/kernel"
	"alixos/kernel/mm"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "pmm.bootmem", Message: "boot allocator out of memory"}

// maxBootRegions bounds the usable regions the boot allocator tracks. It
// matches the capacity of the normalized memory map.
const maxBootRegions = 128

type bootRegion struct {
	base, end uintptr

	// cursor is the next unallocated byte; everything in [base, cursor)
	// has been handed out.
	cursor uintptr
}

// BootAllocator is a monotone bump allocator over the usable regions of the
// normalized memory map. It serves the allocations that must happen before
// the bitmap allocator exists (translation tables, the bitmap itself) and
// supports no free: its allocations either live forever or are re-reserved
// in the bitmap allocator at handoff.
type BootAllocator struct {
	regions   [maxBootRegions]bootRegion
	count     int
	activeIdx int

	// allocCount tracks the number of frames served through the frame
	// allocator interface, for the boot summary log.
	allocCount uint64
}

// Init points the allocator at the usable regions of the normalized map.
func (a *BootAllocator) Init(nm *mm.NormalizedMap) {
	a.count, a.activeIdx, a.allocCount = 0, 0, 0
	nm.EachUsable(func(base, end uintptr) {
		if a.count == maxBootRegions {
			return
		}
		a.regions[a.count] = bootRegion{base: base, end: end, cursor: base}
		a.count++
	})
}

// Alloc returns the physical address of a zero-initialized-by-caller range
// of size bytes at the requested alignment. When the active region cannot
// fit the request the allocator moves to the next usable region; the
// skipped tail is wasted but never reused.
func (a *BootAllocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	for ; a.activeIdx < a.count; a.activeIdx++ {
		r := &a.regions[a.activeIdx]
		cur := (r.cursor + align - 1) &^ (align - 1)
		if cur+size <= r.end {
			r.cursor = cur + size
			return cur, nil
		}
	}
	return 0, errBootAllocOutOfMemory
}

// AllocFrame implements mm.FrameAllocatorFn on top of Alloc so early page
// table construction can run before the bitmap allocator is seeded.
func (a *BootAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := a.Alloc(mm.PageSize, mm.PageSize)
	if err != nil {
		return mm.InvalidFrame, err
	}
	a.allocCount++
	return mm.FrameFromAddress(addr), nil
}

// UsedRanges visits every physical range this allocator has handed out. The
// bitmap allocator re-reserves them at handoff so boot allocations stay
// permanent.
func (a *BootAllocator) UsedRanges(visitFn func(base, end uintptr)) {
	for i := 0; i < a.count; i++ {
		if a.regions[i].cursor > a.regions[i].base {
			visitFn(a.regions[i].base, a.regions[i].cursor)
		}
	}
}
