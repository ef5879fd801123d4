package vmm

import (
	"unsafe"

	"alixos/kernel"
	"alixos/kernel/cpu"
	"alixos/kernel/mm"
	"alixos/kernel/sync"
)

var (
	// ErrMappingConflict is returned by Map when the virtual range
	// already targets a different frame or carries different attributes.
	ErrMappingConflict = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrNotMapped is returned by Unmap, Protect and Translate for a
	// virtual address with no live mapping.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

	errBadVirtAddr = &kernel.Error{Module: "vmm", Message: "virtual address outside this address space's half"}
)

const (
	tableEntries = 512

	// level0Shift is the VA shift of the root table; each level below
	// consumes 9 more bits down to the 12-bit page offset.
	level0Shift = 39

	// vaMask strips the sign-extension bits; table indices come from the
	// low 48 bits on both halves.
	vaMask = uintptr(1)<<48 - 1
)

// AddressSpace owns one translation table hierarchy: either the shared
// kernel upper half (one instance, loaded in TTBR1 on every core) or a
// process's private lower half (loaded in TTBR0 while the process runs).
// Table mutation is serialized per space; the kernel space additionally
// relies on this lock for cross-core exclusion.
type AddressSpace struct {
	mutex sync.IrqSpinlock

	root       mm.Frame
	asid       uint16
	kernelHalf bool
}

// Init allocates and zeroes the root table. Frames come from whatever
// allocator is active, so boot-time spaces draw from the boot allocator and
// live forever while per-process spaces draw from the bitmap allocator.
func (a *AddressSpace) Init(kernelHalf bool, asid uint16) *kernel.Error {
	root, err := allocTable()
	if err != nil {
		return err
	}
	a.root, a.kernelHalf, a.asid = root, kernelHalf, asid
	return nil
}

// Root returns the physical frame of the root translation table.
func (a *AddressSpace) Root() mm.Frame {
	return a.root
}

// ASID returns the address-space identifier TLB entries are tagged with.
func (a *AddressSpace) ASID() uint16 {
	return a.asid
}

// Map installs a mapping from page to frame with the supplied attributes.
// Re-mapping a page to the same frame with the same attributes is a no-op;
// any other overlap is an ErrMappingConflict. Intermediate tables are
// allocated on demand.
func (a *AddressSpace) Map(page mm.Page, frame mm.Frame, attr Attr) *kernel.Error {
	if err := attr.validate(a.kernelHalf); err != nil {
		return err
	}
	if err := a.checkHalf(page.Address()); err != nil {
		return err
	}

	a.mutex.Acquire()
	defer a.mutex.Release()

	entry, err := a.walk(page.Address(), true)
	if err != nil {
		return err
	}

	desc := encodePage(frame, attr)
	if cur := pte(*entry); cur&pteValid != 0 {
		if cur == desc {
			return nil
		}
		return ErrMappingConflict
	}

	*entry = uint64(desc)
	cpu.InvalidateTLBAddr(page.Address())
	return nil
}

// MapRange maps count consecutive pages starting at page to the count
// consecutive frames starting at frame.
func (a *AddressSpace) MapRange(page mm.Page, frame mm.Frame, count uint64, attr Attr) *kernel.Error {
	for i := uint64(0); i < count; i++ {
		if err := a.Map(page+mm.Page(i), frame+mm.Frame(i), attr); err != nil {
			return err
		}
	}
	return nil
}

// Unmap removes the mapping for page and returns the frame it targeted so
// the caller can decide whether to release it.
func (a *AddressSpace) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	a.mutex.Acquire()
	defer a.mutex.Release()

	entry, err := a.walk(page.Address(), false)
	if err != nil {
		return mm.InvalidFrame, err
	}
	if pte(*entry)&pteValid == 0 {
		return mm.InvalidFrame, ErrNotMapped
	}

	frame := pte(*entry).frameOf()
	*entry = 0
	cpu.InvalidateTLBAddr(page.Address())
	return frame, nil
}

// Protect replaces the attributes of an existing mapping.
func (a *AddressSpace) Protect(page mm.Page, attr Attr) *kernel.Error {
	if err := attr.validate(a.kernelHalf); err != nil {
		return err
	}

	a.mutex.Acquire()
	defer a.mutex.Release()

	entry, err := a.walk(page.Address(), false)
	if err != nil {
		return err
	}
	if pte(*entry)&pteValid == 0 {
		return ErrNotMapped
	}

	*entry = uint64(encodePage(pte(*entry).frameOf(), attr))
	cpu.InvalidateTLBAddr(page.Address())
	return nil
}

// Translate resolves a virtual address to its physical address and the
// attributes of the covering mapping.
func (a *AddressSpace) Translate(virtAddr uintptr) (uintptr, Attr, *kernel.Error) {
	a.mutex.Acquire()
	defer a.mutex.Release()

	entry, err := a.walk(virtAddr, false)
	if err != nil {
		return 0, 0, err
	}
	desc := pte(*entry)
	if desc&pteValid == 0 {
		return 0, 0, ErrNotMapped
	}

	return desc.frameOf().Address() + (virtAddr & (mm.PageSize - 1)), desc.attrOf(), nil
}

// Release tears down the hierarchy, invoking freeFn for every mapped frame
// and every table frame. It keeps going past individual free failures and
// reports the first one. Only used for per-process spaces; the kernel space
// is never released.
func (a *AddressSpace) Release(freeFn func(mm.Frame) *kernel.Error) *kernel.Error {
	a.mutex.Acquire()
	defer a.mutex.Release()

	err := releaseLevel(a.root, 0, freeFn)
	a.root = mm.InvalidFrame
	return err
}

func releaseLevel(tableFrame mm.Frame, level int, freeFn func(mm.Frame) *kernel.Error) *kernel.Error {
	var firstErr *kernel.Error

	table := tableAt(tableFrame)
	for i := 0; i < tableEntries; i++ {
		entry := pte(table[i])
		if entry&pteValid == 0 {
			continue
		}

		var err *kernel.Error
		if level < 3 {
			err = releaseLevel(entry.frameOf(), level+1, freeFn)
		} else {
			err = freeFn(entry.frameOf())
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		table[i] = 0
	}

	if err := freeFn(tableFrame); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// walk descends the hierarchy to the level-3 entry covering virtAddr,
// allocating intermediate tables when asked to.
func (a *AddressSpace) walk(virtAddr uintptr, allocate bool) (*uint64, *kernel.Error) {
	va := virtAddr & vaMask
	tableFrame := a.root

	for shift := uint(level0Shift); shift > mm.PageShift; shift -= 9 {
		table := tableAt(tableFrame)
		idx := (va >> shift) & (tableEntries - 1)

		entry := pte(table[idx])
		if entry&pteValid == 0 {
			if !allocate {
				return nil, ErrNotMapped
			}
			next, err := allocTable()
			if err != nil {
				return nil, err
			}
			table[idx] = uint64(encodeTable(next))
			tableFrame = next
			continue
		}
		tableFrame = entry.frameOf()
	}

	table := tableAt(tableFrame)
	return &table[(va>>mm.PageShift)&(tableEntries-1)], nil
}

// checkHalf rejects virtual addresses that do not belong to this space's
// half of the address space.
func (a *AddressSpace) checkHalf(virtAddr uintptr) *kernel.Error {
	if a.kernelHalf {
		if virtAddr < mm.KernelVirtBase {
			return errBadVirtAddr
		}
		return nil
	}
	if virtAddr&^vaMask != 0 {
		return errBadVirtAddr
	}
	return nil
}

// allocTable draws one frame from the active allocator and zeroes it
// through the direct map.
func allocTable() (mm.Frame, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}
	kernel.Memset(mm.PhysToVirt(frame.Address()), 0, mm.PageSize)
	return frame, nil
}

// tableAt overlays the translation table stored in the given frame.
func tableAt(frame mm.Frame) *[tableEntries]uint64 {
	return (*[tableEntries]uint64)(unsafe.Pointer(mm.PhysToVirt(frame.Address())))
}
