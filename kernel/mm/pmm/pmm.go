package pmm

import (
	"alixos/kernel"
	"alixos/kernel/kfmt"
	"alixos/kernel/mm"
)

var (
	bootAllocator  BootAllocator
	frameAllocator BitmapAllocator
)

// Init points the boot allocator at the normalized memory map and registers
// it as the system frame source. This runs before translation is enabled;
// every allocation it serves is permanent.
func Init(nm *mm.NormalizedMap) {
	bootAllocator.Init(nm)
	mm.SetFrameAllocator(bootAllocator.AllocFrame)
}

// EarlyAlloc carves a permanent physical range out of the boot allocator.
func EarlyAlloc(size, align uintptr) (uintptr, *kernel.Error) {
	return bootAllocator.Alloc(size, align)
}

// Handoff seeds the bitmap allocator from the normalized map and the boot
// allocator's consumption record, then makes it the system frame source.
// The boot allocator must not be used after this point.
func Handoff(nm *mm.NormalizedMap) *kernel.Error {
	if err := frameAllocator.Init(nm, &bootAllocator); err != nil {
		return err
	}
	mm.SetFrameAllocator(frameAllocator.AllocFrame)

	total, allocated, free := frameAllocator.Stats()
	kfmt.Printf("[pmm] managed frames: %d (allocated: %d, free: %d, boot: %d)\n",
		total, allocated, free, bootAllocator.allocCount)
	return nil
}

// AllocFrame reserves one physical frame from the active allocator.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return mm.AllocFrame()
}

// AllocContiguous reserves a run of physically consecutive frames. Only
// valid after Handoff.
func AllocContiguous(count uint64) (mm.Frame, *kernel.Error) {
	return frameAllocator.AllocContiguous(count)
}

// FreeFrame releases one physical frame. Only valid after Handoff; boot
// allocations are permanent and must never reach here.
func FreeFrame(frame mm.Frame) *kernel.Error {
	return frameAllocator.FreeFrame(frame)
}

// Stats reports the managed/allocated/free frame counts of the bitmap
// allocator.
func Stats() (total, allocated, free uint64) {
	return frameAllocator.Stats()
}
