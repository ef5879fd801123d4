package pmm

import (
	"reflect"
	"unsafe"

	"alixos/kernel"
	"alixos/kernel/mm"
	"alixos/kernel/sync"
)

var (
	errBitmapOutOfMemory = &kernel.Error{Module: "pmm.bitmap", Message: "out of physical frames"}
	errDoubleFree        = &kernel.Error{Module: "pmm.bitmap", Message: "frame is already free"}
	errFrameNotManaged   = &kernel.Error{Module: "pmm.bitmap", Message: "frame is outside managed physical memory"}
)

// BitmapAllocator is the steady-state physical frame allocator. One bitmap
// covers every frame up to the highest usable address; bit i set means frame
// i is allocated (or not usable at all). All mutation happens under an
// IRQ-masking spinlock since any core, including interrupt handlers, may
// allocate or free.
type BitmapAllocator struct {
	mutex sync.IrqSpinlock

	bitmap []uint64

	// managed mirrors bitmap; bit i set means frame i belongs to this
	// allocator. Reserved and boot-pinned frames have their allocation
	// bit permanently set but are not managed, so FreeFrame can tell a
	// double free from an attempt to free pinned memory.
	managed []uint64

	// frameCount is the number of frames the bitmaps cover.
	frameCount uint64

	// usableFrames counts the frames under this allocator's management:
	// usable RAM minus what the boot allocator consumed.
	usableFrames uint64

	// allocatedFrames counts currently allocated managed frames.
	allocatedFrames uint64
}

// Init sizes the bitmap off the normalized map, carves its storage out of
// the boot allocator, marks usable frames free and re-reserves every range
// the boot allocator handed out.
func (a *BitmapAllocator) Init(nm *mm.NormalizedMap, boot *BootAllocator) *kernel.Error {
	frameCount := uint64(nm.MaxUsableEnd() >> mm.PageShift)
	wordCount := (frameCount + 63) >> 6

	// One slab holds both bitmaps back to back.
	bitmapAddr, err := boot.Alloc(uintptr(2*wordCount)<<mm.PointerShift, 8)
	if err != nil {
		return err
	}

	words := *(*[]uint64)(unsafe.Pointer(&reflect.SliceHeader{
		Data: mm.PhysToVirt(bitmapAddr),
		Len:  int(2 * wordCount),
		Cap:  int(2 * wordCount),
	}))

	a.init(words[:wordCount], words[wordCount:], frameCount)
	nm.EachUsable(a.markFree)
	boot.UsedRanges(a.markReserved)
	return nil
}

// init seeds the allocator with everything marked allocated; ranges become
// managed via markFree.
func (a *BitmapAllocator) init(bitmap, managed []uint64, frameCount uint64) {
	a.bitmap = bitmap
	a.managed = managed
	a.frameCount = frameCount
	a.usableFrames = 0
	a.allocatedFrames = 0
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
		a.managed[i] = 0
	}
}

// markFree clears the bits for the physical range [base, end), placing its
// frames under management.
func (a *BitmapAllocator) markFree(base, end uintptr) {
	for frame := uint64(base >> mm.PageShift); frame < uint64(end>>mm.PageShift); frame++ {
		word, mask := frame>>6, uint64(1)<<(frame&63)
		a.bitmap[word] &^= mask
		a.managed[word] |= mask
		a.usableFrames++
	}
}

// markReserved permanently removes the physical range [base, end) from
// management. Boot allocations are pinned this way at handoff.
func (a *BitmapAllocator) markReserved(base, end uintptr) {
	first := uint64(base >> mm.PageShift)
	last := uint64((end + mm.PageSize - 1) >> mm.PageShift)
	for frame := first; frame < last && frame < a.frameCount; frame++ {
		word, mask := frame>>6, uint64(1)<<(frame&63)
		if a.managed[word]&mask != 0 {
			a.managed[word] &^= mask
			a.usableFrames--
		}
		a.bitmap[word] |= mask
	}
}

// AllocFrame reserves and returns the first free frame.
func (a *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	a.mutex.Acquire()
	defer a.mutex.Release()

	for wi, word := range a.bitmap {
		if word == ^uint64(0) {
			continue
		}
		for bit := uint64(0); bit < 64; bit++ {
			mask := uint64(1) << bit
			if word&mask != 0 {
				continue
			}
			frame := uint64(wi)<<6 + bit
			if frame >= a.frameCount {
				break
			}
			a.bitmap[wi] |= mask
			a.allocatedFrames++
			return mm.Frame(frame), nil
		}
	}
	return mm.InvalidFrame, errBitmapOutOfMemory
}

// AllocContiguous reserves the first run of count consecutive free frames
// and returns the first frame of the run.
func (a *BitmapAllocator) AllocContiguous(count uint64) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, errBitmapOutOfMemory
	}

	a.mutex.Acquire()
	defer a.mutex.Release()

	var runStart, runLen uint64
	for frame := uint64(0); frame < a.frameCount; frame++ {
		if a.bitmap[frame>>6]&(1<<(frame&63)) != 0 {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = frame
		}
		runLen++
		if runLen == count {
			for f := runStart; f <= frame; f++ {
				a.bitmap[f>>6] |= 1 << (f & 63)
			}
			a.allocatedFrames += count
			return mm.Frame(runStart), nil
		}
	}
	return mm.InvalidFrame, errBitmapOutOfMemory
}

// FreeFrame releases an allocated frame. Freeing a frame that is already
// free is reported, not ignored; it always indicates a bookkeeping bug in
// the caller.
func (a *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	a.mutex.Acquire()
	defer a.mutex.Release()

	if uint64(frame) >= a.frameCount {
		return errFrameNotManaged
	}

	word, mask := uint64(frame)>>6, uint64(1)<<(uint64(frame)&63)
	if a.managed[word]&mask == 0 {
		return errFrameNotManaged
	}
	if a.bitmap[word]&mask == 0 {
		return errDoubleFree
	}
	a.bitmap[word] &^= mask
	a.allocatedFrames--
	return nil
}

// Stats returns the managed, allocated and free frame counts. At any point
// after Init, allocated + free equals the managed total.
func (a *BitmapAllocator) Stats() (total, allocated, free uint64) {
	a.mutex.Acquire()
	defer a.mutex.Release()
	return a.usableFrames, a.allocatedFrames, a.usableFrames - a.allocatedFrames
}
