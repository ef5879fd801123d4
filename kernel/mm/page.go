package mm

import "alixos/kernel"

var (
	// frameAllocator points to the currently active frame allocator. It
	// initially targets the boot allocator and is switched to the bitmap
	// allocator once steady-state allocation is available.
	frameAllocator FrameAllocatorFn

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}

	// physmapOffset is the offset added to a physical address to obtain
	// its direct-map virtual address. It is zero while the identity map
	// is active and becomes PhysmapBase once the higher-half tables are
	// loaded.
	physmapOffset uintptr
)

// Frame describes a physical memory page by index. Frame indices are global:
// frame i covers physical bytes [i << PageShift, (i+1) << PageShift).
type Frame uintptr

// InvalidFrame is returned by failing allocation calls.
const InvalidFrame = Frame(^uintptr(0))

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << PageShift
}

// FrameFromAddress returns the frame containing the given physical address.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> PageShift)
}

// Page describes a virtual memory page by index.
type Page uintptr

// Address returns the virtual address of the first byte in this page.
func (p Page) Address() uintptr {
	return uintptr(p) << PageShift
}

// PageFromAddress returns the page containing the given virtual address.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> PageShift)
}

// FrameAllocatorFn hands out one physical frame per call.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// SetFrameAllocator registers the allocator all page consumers draw frames
// from. The boot allocator registers itself first; the bitmap allocator
// takes over at handoff.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// AllocFrame allocates a frame via the registered frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator()
}

// SetPhysmapOffset switches physical-address access over to the direct map.
// Called exactly once, after the higher-half tables are active and before
// the identity map is torn down.
func SetPhysmapOffset(offset uintptr) {
	physmapOffset = offset
}

// PhysToVirt returns the kernel virtual address through which the supplied
// physical address can be dereferenced (identity while the boot identity map
// is live, physmap afterwards).
func PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + physmapOffset
}

// VirtToPhys translates a direct-map virtual address back to physical.
func VirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - physmapOffset
}
