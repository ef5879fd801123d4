package mm

import "alixos/kernel"

// maxRegions bounds the number of regions a memory map can carry. Hardware
// descriptions for this class of board emit a handful; the headroom covers
// the splits normalization introduces.
const maxRegions = 128

var errTooManyRegions = &kernel.Error{Module: "mm", Message: "memory map overflow; too many regions"}

// RegionKind describes what a physical memory region is used for. The
// numeric order doubles as the precedence applied when raw regions overlap:
// a higher kind always wins the overlapping span.
type RegionKind uint8

const (
	// RegionUsable is RAM available for allocation.
	RegionUsable RegionKind = iota

	// RegionMmio is a device register window.
	RegionMmio

	// RegionReserved is firmware-reserved RAM.
	RegionReserved

	// RegionBootInfo holds the hardware description blob.
	RegionBootInfo

	// RegionBootStack holds the boot stacks of the cores.
	RegionBootStack

	// RegionKernelImage holds the kernel code and data.
	RegionKernelImage
)

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	switch k {
	case RegionUsable:
		return "usable"
	case RegionMmio:
		return "mmio"
	case RegionReserved:
		return "reserved"
	case RegionBootInfo:
		return "boot-info"
	case RegionBootStack:
		return "boot-stack"
	case RegionKernelImage:
		return "kernel-image"
	}
	return "unknown"
}

// MemoryRegion describes one physical address range and its use.
type MemoryRegion struct {
	Base   uintptr
	Length uintptr
	Kind   RegionKind
}

// End returns the first physical address past the region.
func (r *MemoryRegion) End() uintptr {
	return r.Base + r.Length
}

// MemoryMap accumulates raw, possibly overlapping regions reported by the
// region sources before normalization.
type MemoryMap struct {
	regions [maxRegions]MemoryRegion
	count   int
}

// AddRegion appends a raw region to the map. Zero-length regions are
// silently dropped.
func (m *MemoryMap) AddRegion(base, length uintptr, kind RegionKind) *kernel.Error {
	if length == 0 {
		return nil
	}
	if m.count == maxRegions {
		return errTooManyRegions
	}
	m.regions[m.count] = MemoryRegion{Base: base, Length: length, Kind: kind}
	m.count++
	return nil
}

// Regions returns the raw regions added so far.
func (m *MemoryMap) Regions() []MemoryRegion {
	return m.regions[:m.count]
}

// NormalizedMap is the canonical memory map: sorted by base, pairwise
// non-overlapping, adjacent same-kind regions merged, usable regions
// page-aligned inward.
type NormalizedMap struct {
	regions [maxRegions]MemoryRegion
	count   int
}

// Normalize resolves overlaps between the raw regions and produces the
// canonical map. The operation is deterministic and idempotent:
// normalizing an already-normalized region set reproduces it exactly.
func (m *MemoryMap) Normalize() (NormalizedMap, *kernel.Error) {
	var (
		norm NormalizedMap

		// Every region start and end is a span boundary.
		bounds      [2 * maxRegions]uintptr
		boundsCount int
	)

	for i := 0; i < m.count; i++ {
		boundsCount = insertBoundary(bounds[:], boundsCount, m.regions[i].Base)
		boundsCount = insertBoundary(bounds[:], boundsCount, m.regions[i].End())
	}

	for b := 0; b+1 < boundsCount; b++ {
		spanBase, spanEnd := bounds[b], bounds[b+1]

		kind, covered := RegionUsable, false
		for i := 0; i < m.count; i++ {
			r := &m.regions[i]
			if r.Base > spanBase || r.End() < spanEnd {
				continue
			}
			if !covered || r.Kind > kind {
				kind = r.Kind
			}
			covered = true
		}
		if !covered {
			continue
		}

		// Merge with the previous region when kind-adjacent.
		if norm.count > 0 {
			prev := &norm.regions[norm.count-1]
			if prev.Kind == kind && prev.End() == spanBase {
				prev.Length += spanEnd - spanBase
				continue
			}
		}
		if norm.count == maxRegions {
			return NormalizedMap{}, errTooManyRegions
		}
		norm.regions[norm.count] = MemoryRegion{Base: spanBase, Length: spanEnd - spanBase, Kind: kind}
		norm.count++
	}

	// Usable regions shrink inward to page boundaries; partial pages on
	// the edges cannot be handed to the frame allocator.
	out := 0
	for i := 0; i < norm.count; i++ {
		r := norm.regions[i]
		if r.Kind == RegionUsable {
			alignedBase := (r.Base + PageSize - 1) &^ (PageSize - 1)
			alignedEnd := r.End() &^ (PageSize - 1)
			if alignedEnd <= alignedBase {
				continue
			}
			r.Base, r.Length = alignedBase, alignedEnd-alignedBase
		}
		norm.regions[out] = r
		out++
	}
	norm.count = out

	return norm, nil
}

// insertBoundary inserts addr into the sorted boundary list, dropping
// duplicates, and returns the new list length.
func insertBoundary(bounds []uintptr, count int, addr uintptr) int {
	pos := count
	for i := 0; i < count; i++ {
		if bounds[i] == addr {
			return count
		}
		if bounds[i] > addr {
			pos = i
			break
		}
	}
	copy(bounds[pos+1:count+1], bounds[pos:count])
	bounds[pos] = addr
	return count + 1
}

// Regions returns the normalized regions.
func (n *NormalizedMap) Regions() []MemoryRegion {
	return n.regions[:n.count]
}

// EachUsable invokes visitFn for every usable region, in address order.
func (n *NormalizedMap) EachUsable(visitFn func(base, end uintptr)) {
	for i := 0; i < n.count; i++ {
		if n.regions[i].Kind == RegionUsable {
			visitFn(n.regions[i].Base, n.regions[i].End())
		}
	}
}

// MaxUsableEnd returns the highest physical address covered by a usable
// region. The frame allocator sizes its bitmap from it.
func (n *NormalizedMap) MaxUsableEnd() uintptr {
	var max uintptr
	for i := 0; i < n.count; i++ {
		if n.regions[i].Kind == RegionUsable && n.regions[i].End() > max {
			max = n.regions[i].End()
		}
	}
	return max
}

// UsableFrames returns the total number of page frames in usable regions.
func (n *NormalizedMap) UsableFrames() uint64 {
	var total uint64
	n.EachUsable(func(base, end uintptr) {
		total += uint64((end - base) >> PageShift)
	})
	return total
}
