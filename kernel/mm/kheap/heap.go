package kheap

import (
	"alixos/kernel"
	"alixos/kernel/kfmt"
	"alixos/kernel/mm"
	"alixos/kernel/mm/pmm"
	"alixos/kernel/mm/vmm"
)

// growChunkPages is the minimum frame run requested when the heap grows.
const growChunkPages = 64

var (
	kernelHeap Allocator

	heapSpace     *vmm.AddressSpace
	nextChunkVirt uintptr

	allocContiguousFn = pmm.AllocContiguous
)

// Init carves the initial kernel heap: a contiguous frame run mapped at
// virtBase+PageSize in the supplied (kernel) address space, with guard
// pages below and above. The window starting at virtBase must be unmapped
// and reserved for heap use.
func Init(space *vmm.AddressSpace, virtBase uintptr, pages uint64) *kernel.Error {
	heapSpace = space
	nextChunkVirt = virtBase

	if err := vmm.RegisterGuard(virtBase, virtBase+mm.PageSize, vmm.GuardHeap); err != nil {
		return err
	}
	if err := addChunk(pages); err != nil {
		return err
	}

	kfmt.Printf("[kheap] heap initialized: %d pages at %x\n", pages, virtBase+mm.PageSize)
	return nil
}

// addChunk maps a fresh contiguous frame run right after the trailing guard
// page and hands it to the allocator. Chunks alternate with guard pages so
// every chunk boundary faults loudly.
func addChunk(pages uint64) *kernel.Error {
	frames, err := allocContiguousFn(pages)
	if err != nil {
		return err
	}

	base := nextChunkVirt + mm.PageSize
	if err := heapSpace.MapRange(mm.PageFromAddress(base), frames, pages, vmm.AttrWrite); err != nil {
		return err
	}

	end := base + uintptr(pages)*mm.PageSize
	if err := vmm.RegisterGuard(end, end+mm.PageSize, vmm.GuardHeap); err != nil {
		return err
	}
	nextChunkVirt = end

	return kernelHeap.AddRegion(base, end-base)
}

// Alloc allocates size bytes at the given alignment from the kernel heap,
// growing it by a fresh frame run when the free list cannot satisfy the
// request.
func Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if addr, err := kernelHeap.Alloc(size, align); err == nil {
		return addr, nil
	}

	pages := uint64((size + mm.PageSize - 1) >> mm.PageShift)
	if pages < growChunkPages {
		pages = growChunkPages
	}
	if err := addChunk(pages); err != nil {
		return 0, ErrOutOfMemory
	}
	return kernelHeap.Alloc(size, align)
}

// Free returns an allocation to the kernel heap.
func Free(addr, size uintptr) *kernel.Error {
	return kernelHeap.Free(addr, size)
}

// Realloc resizes a kernel heap allocation, growing the heap if needed.
func Realloc(addr, oldSize, newSize, align uintptr) (uintptr, *kernel.Error) {
	if normalizeSize(newSize) <= normalizeSize(oldSize) {
		return kernelHeap.Realloc(addr, oldSize, newSize, align)
	}

	newAddr, err := Alloc(newSize, align)
	if err != nil {
		return 0, err
	}
	kernel.Memcopy(addr, newAddr, oldSize)
	if err = kernelHeap.Free(addr, oldSize); err != nil {
		return 0, err
	}
	return newAddr, nil
}
