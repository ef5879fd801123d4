package vmm

import (
	"alixos/kernel"
	"alixos/kernel/sync"
)

// FaultKind classifies a translation fault for the trap path.
type FaultKind uint8

const (
	// FaultUnmapped is a fault with no registered guard: a stray access.
	FaultUnmapped FaultKind = iota

	// FaultStackOverflow is a fault inside a stack guard page.
	FaultStackOverflow

	// FaultHeapBounds is a fault inside a heap boundary guard page.
	FaultHeapBounds
)

// String implements fmt.Stringer for FaultKind.
func (k FaultKind) String() string {
	switch k {
	case FaultStackOverflow:
		return "stack overflow"
	case FaultHeapBounds:
		return "heap out of bounds"
	}
	return "unmapped address"
}

// GuardKind selects what a guarded range protects.
type GuardKind uint8

const (
	// GuardStack marks the unmapped page(s) at a stack's growth edge.
	GuardStack GuardKind = iota

	// GuardHeap marks the unmapped page(s) at a heap region boundary.
	GuardHeap
)

var errTooManyGuards = &kernel.Error{Module: "vmm", Message: "guard registry is full"}

const maxGuards = 64

// asidGlobal tags guards in the shared kernel half; they classify faults no
// matter which lower-half space is active. User space ASIDs start at 1.
const asidGlobal = uint16(0)

type guardRange struct {
	start, end uintptr
	kind       GuardKind
	asid       uint16
}

var (
	guardMutex sync.IrqSpinlock
	guards     [maxGuards]guardRange
	guardCount int
)

// RegisterGuard records a kernel-half range [start, end) as deliberately
// unmapped so a fault inside it is reported by cause instead of as a stray
// access.
func RegisterGuard(start, end uintptr, kind GuardKind) *kernel.Error {
	return registerGuard(asidGlobal, start, end, kind)
}

// RegisterSpaceGuard records a guard owned by one lower-half space. It only
// classifies faults taken with that space active, so identical user
// addresses in different processes never shadow each other.
func RegisterSpaceGuard(space *AddressSpace, start, end uintptr, kind GuardKind) *kernel.Error {
	return registerGuard(space.ASID(), start, end, kind)
}

func registerGuard(asid uint16, start, end uintptr, kind GuardKind) *kernel.Error {
	guardMutex.Acquire()
	defer guardMutex.Release()

	if guardCount == maxGuards {
		return errTooManyGuards
	}
	guards[guardCount] = guardRange{start: start, end: end, kind: kind, asid: asid}
	guardCount++
	return nil
}

// UnregisterGuard drops the kernel-half guard range starting at start.
// Unknown ranges are ignored; teardown paths call this unconditionally.
func UnregisterGuard(start uintptr) {
	unregisterGuard(asidGlobal, start)
}

// UnregisterSpaceGuard drops the space's guard range starting at start.
func UnregisterSpaceGuard(space *AddressSpace, start uintptr) {
	unregisterGuard(space.ASID(), start)
}

func unregisterGuard(asid uint16, start uintptr) {
	guardMutex.Acquire()
	defer guardMutex.Release()

	for i := 0; i < guardCount; i++ {
		if guards[i].start != start || guards[i].asid != asid {
			continue
		}
		guardCount--
		guards[i] = guards[guardCount]
		return
	}
}

// UnregisterSpaceGuards drops every guard the space owns. Process teardown
// calls it so a dead space cannot strand registry slots.
func UnregisterSpaceGuards(space *AddressSpace) {
	asid := space.ASID()

	guardMutex.Acquire()
	defer guardMutex.Release()

	for i := 0; i < guardCount; {
		if guards[i].asid != asid {
			i++
			continue
		}
		guardCount--
		guards[i] = guards[guardCount]
	}
}

// ClassifyFault maps a faulting virtual address to its cause. asid names the
// lower-half space active at the fault (asidGlobal when the fault came from
// a context with no user space); kernel-half guards match regardless.
func ClassifyFault(virtAddr uintptr, asid uint16) FaultKind {
	guardMutex.Acquire()
	defer guardMutex.Release()

	for i := 0; i < guardCount; i++ {
		if guards[i].asid != asidGlobal && guards[i].asid != asid {
			continue
		}
		if virtAddr >= guards[i].start && virtAddr < guards[i].end {
			if guards[i].kind == GuardStack {
				return FaultStackOverflow
			}
			return FaultHeapBounds
		}
	}
	return FaultUnmapped
}
