package mm

const (
	// PageShift is the power-of-2 for the page size (4 KiB granule).
	PageShift = 12

	// PageSize is the size of a page frame in bytes.
	PageSize = uintptr(1 << PageShift)

	// PointerShift is the power-of-2 for the pointer size on this arch.
	PointerShift = 3

	// KernelVirtBase is the start of the upper (kernel) half of the
	// virtual address space, with T1SZ=16 giving 48 addressable bits.
	KernelVirtBase = uintptr(0xffff800000000000)

	// PhysmapBase is the virtual base of the direct physical map. All
	// physical RAM appears here at a fixed offset once the higher-half
	// tables are live.
	PhysmapBase = KernelVirtBase

	// KHeapVirtBase is the kernel heap window, placed 1 TiB above the
	// physmap so the two never collide for any supported RAM size.
	KHeapVirtBase = KernelVirtBase + 0x10000000000

	// KStackVirtBase is the window kernel process stacks (and their
	// guard pages) are mapped in.
	KStackVirtBase = KernelVirtBase + 0x20000000000
)
