package kheap

import (
	"unsafe"

	"alixos/kernel"
	"alixos/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when no free block can satisfy a
	// request and the heap cannot grow. Callers recover; the heap never
	// panics on its own.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "out of memory"}

	errInvalidFree = &kernel.Error{Module: "kheap", Message: "freed pointer outside heap"}
	errDoubleFree  = &kernel.Error{Module: "kheap", Message: "heap block is already free"}
)

// minBlockSize is the free-list node size; block addresses and sizes are
// kept multiples of it so splits always leave a representable remainder.
const minBlockSize = 16

// freeBlock heads each free region, stored in the free memory itself. The
// list is kept sorted by address so coalescing is a neighbour check.
type freeBlock struct {
	size uintptr
	next *freeBlock
}

// maxHeapRanges bounds the disjoint virtual ranges one heap can span (the
// initial region plus growth chunks, each separated by guard pages).
const maxHeapRanges = 16

type heapRange struct {
	start, end uintptr
}

// Allocator is a first-fit free-list allocator over one or more virtual
// ranges of already-mapped memory.
type Allocator struct {
	mutex sync.IrqSpinlock

	head       *freeBlock
	ranges     [maxHeapRanges]heapRange
	rangeCount int
	freeBytes  uintptr
}

// AddRegion places the virtual range [start, start+size) under management
// as one free block. start and size must be multiples of minBlockSize.
func (h *Allocator) AddRegion(start, size uintptr) *kernel.Error {
	h.mutex.Acquire()
	defer h.mutex.Release()

	if h.rangeCount == maxHeapRanges {
		return ErrOutOfMemory
	}
	h.ranges[h.rangeCount] = heapRange{start: start, end: start + size}
	h.rangeCount++

	return h.insertFree(start, size)
}

// Alloc returns the address of a free range of at least size bytes at the
// requested power-of-2 alignment.
func (h *Allocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	sz := normalizeSize(size)
	if align < minBlockSize {
		align = minBlockSize
	}

	h.mutex.Acquire()
	defer h.mutex.Release()

	for prev, cur := (*freeBlock)(nil), h.head; cur != nil; prev, cur = cur, cur.next {
		blockAddr := uintptr(unsafe.Pointer(cur))
		aligned := (blockAddr + align - 1) &^ (align - 1)
		padding := aligned - blockAddr
		if cur.size < padding+sz {
			continue
		}

		// Carve the tail remainder into its own free block.
		next := cur.next
		if rem := cur.size - padding - sz; rem > 0 {
			tail := (*freeBlock)(unsafe.Pointer(aligned + sz))
			tail.size = rem
			tail.next = next
			next = tail
		}

		if padding > 0 {
			// The front of the block stays free.
			cur.size = padding
			cur.next = next
		} else if prev == nil {
			h.head = next
		} else {
			prev.next = next
		}

		h.freeBytes -= sz
		return aligned, nil
	}

	return 0, ErrOutOfMemory
}

// Free returns the block at addr, allocated with the given size, to the
// free list, coalescing with adjacent free blocks.
func (h *Allocator) Free(addr, size uintptr) *kernel.Error {
	sz := normalizeSize(size)

	h.mutex.Acquire()
	defer h.mutex.Release()

	if addr%minBlockSize != 0 || !h.owns(addr, sz) {
		return errInvalidFree
	}
	return h.insertFree(addr, sz)
}

// Realloc resizes an allocation, moving it when the block cannot satisfy
// the new size in place.
func (h *Allocator) Realloc(addr, oldSize, newSize, align uintptr) (uintptr, *kernel.Error) {
	oldSz, newSz := normalizeSize(oldSize), normalizeSize(newSize)
	if newSz <= oldSz {
		// Shrink in place, releasing the spare tail.
		if rem := oldSz - newSz; rem > 0 {
			if err := h.Free(addr+newSz, rem); err != nil {
				return 0, err
			}
		}
		return addr, nil
	}

	newAddr, err := h.Alloc(newSize, align)
	if err != nil {
		return 0, err
	}

	kernel.Memcopy(addr, newAddr, oldSize)
	if err = h.Free(addr, oldSize); err != nil {
		return 0, err
	}
	return newAddr, nil
}

// FreeBytes reports the bytes currently on the free list.
func (h *Allocator) FreeBytes() uintptr {
	h.mutex.Acquire()
	defer h.mutex.Release()
	return h.freeBytes
}

// insertFree links the range [addr, addr+sz) into the address-ordered free
// list, rejecting overlaps with blocks that are already free. Caller holds
// the lock.
func (h *Allocator) insertFree(addr, sz uintptr) *kernel.Error {
	var prev *freeBlock
	cur := h.head
	for cur != nil && uintptr(unsafe.Pointer(cur)) < addr {
		prev, cur = cur, cur.next
	}

	if prev != nil && uintptr(unsafe.Pointer(prev))+prev.size > addr {
		return errDoubleFree
	}
	if cur != nil && addr+sz > uintptr(unsafe.Pointer(cur)) {
		return errDoubleFree
	}

	node := (*freeBlock)(unsafe.Pointer(addr))
	node.size = sz
	node.next = cur
	if prev == nil {
		h.head = node
	} else {
		prev.next = node
	}
	h.freeBytes += sz

	// Coalesce with the next and previous neighbours.
	if cur != nil && addr+sz == uintptr(unsafe.Pointer(cur)) {
		node.size += cur.size
		node.next = cur.next
	}
	if prev != nil && uintptr(unsafe.Pointer(prev))+prev.size == addr {
		prev.size += node.size
		prev.next = node.next
	}
	return nil
}

// owns reports whether [addr, addr+sz) lies fully inside one managed range.
func (h *Allocator) owns(addr, sz uintptr) bool {
	for i := 0; i < h.rangeCount; i++ {
		if addr >= h.ranges[i].start && addr+sz <= h.ranges[i].end {
			return true
		}
	}
	return false
}

func normalizeSize(size uintptr) uintptr {
	if size < minBlockSize {
		return minBlockSize
	}
	return (size + minBlockSize - 1) &^ (minBlockSize - 1)
}
