package proc

import (
	"reflect"
	"unsafe"

	"alixos/kernel"
	"alixos/kernel/irq"
	"alixos/kernel/mm"
	"alixos/kernel/mm/vmm"
)

// Syscall numbers. The low numbers belong to the I/O collaborators; the
// memory calls extend the same table.
const (
	SysWrite   = 3
	SysSleep   = 5
	SysAlloc   = 6
	SysRealloc = 7
	SysFree    = 8
)

// sysError is the all-ones error return; valid results never collide with
// it because user addresses fit in 48 bits.
const sysError = ^uint64(0)

// DispatchSyscall services an SVC trap: number in x8, arguments in x0-x2,
// result in x0. Every pointer argument is validated against the calling
// process's own address space; kernel addresses can neither enter nor leak.
func DispatchSyscall(frame *irq.Frame) {
	cur := current[coreIDFn()]
	if cur == nil || cur.mode != ModeUser {
		frame.X[0] = sysError
		return
	}

	switch frame.X[8] {
	case SysAlloc:
		frame.X[0] = sysAlloc(cur, uintptr(frame.X[0]))
	case SysRealloc:
		frame.X[0] = sysRealloc(cur, uintptr(frame.X[0]), uintptr(frame.X[1]), uintptr(frame.X[2]))
	case SysFree:
		frame.X[0] = sysFree(cur, uintptr(frame.X[0]), uintptr(frame.X[1]))
	case SysWrite:
		frame.X[0] = sysWrite(cur, frame.X[0], uintptr(frame.X[1]), uintptr(frame.X[2]))
	case SysSleep:
		// Delay is a collaborator concern; yielding happens on the
		// next rotation regardless.
		frame.X[0] = 0
	default:
		frame.X[0] = sysError
	}
}

// sysAlloc maps a fresh contiguous frame run into the caller's space at its
// heap cursor, page granular, with a trailing guard page.
func sysAlloc(p *Process, size uintptr) uint64 {
	if size == 0 {
		return sysError
	}

	pages := (size + mm.PageSize - 1) >> mm.PageShift
	frames, err := allocContiguousFn(uint64(pages))
	if err != nil {
		return sysError
	}

	base := p.heapNext
	if err = p.space.MapRange(mm.PageFromAddress(base), frames, uint64(pages), vmm.AttrUser|vmm.AttrWrite); err != nil {
		for i := uintptr(0); i < pages; i++ {
			freeFrameFn(frames + mm.Frame(i))
		}
		return sysError
	}

	// The allocation only exists once its guard does; a fault past the run
	// must classify as a heap bounds violation, not a stray access.
	end := base + pages*mm.PageSize
	if err = vmm.RegisterSpaceGuard(&p.space, end, end+mm.PageSize, vmm.GuardHeap); err != nil {
		for i := uintptr(0); i < pages; i++ {
			p.space.Unmap(mm.PageFromAddress(base + i*mm.PageSize))
			freeFrameFn(frames + mm.Frame(i))
		}
		return sysError
	}
	p.heapNext = end + mm.PageSize

	return uint64(base)
}

// sysFree validates that every page of [addr, addr+size) is a user mapping
// owned by the caller, then unmaps and releases the frames.
func sysFree(p *Process, addr, size uintptr) uint64 {
	if addr == 0 || size == 0 || addr%mm.PageSize != 0 {
		return sysError
	}

	pages := (size + mm.PageSize - 1) >> mm.PageShift
	if validateUserRange(p, addr, pages) != nil {
		return sysError
	}

	for i := uintptr(0); i < pages; i++ {
		frame, err := p.space.Unmap(mm.PageFromAddress(addr + i*mm.PageSize))
		if err != nil {
			return sysError
		}
		freeFrameFn(frame)
	}
	vmm.UnregisterSpaceGuard(&p.space, addr+pages*mm.PageSize)
	return 0
}

// sysRealloc allocates a new run, copies min(oldSize, newSize) bytes across
// through the direct map and releases the old run.
func sysRealloc(p *Process, addr, oldSize, newSize uintptr) uint64 {
	if addr == 0 {
		return sysAlloc(p, newSize)
	}
	if newSize == 0 || addr%mm.PageSize != 0 {
		return sysError
	}

	oldPages := (oldSize + mm.PageSize - 1) >> mm.PageShift
	if validateUserRange(p, addr, oldPages) != nil {
		return sysError
	}

	newAddr := sysAlloc(p, newSize)
	if newAddr == sysError {
		return sysError
	}

	n := oldSize
	if newSize < n {
		n = newSize
	}
	if copyBetweenUserRanges(p, addr, uintptr(newAddr), n) != nil {
		sysFree(p, uintptr(newAddr), newSize)
		return sysError
	}
	if sysFree(p, addr, oldSize) == sysError {
		sysFree(p, uintptr(newAddr), newSize)
		return sysError
	}
	return newAddr
}

// sysWrite streams [addr, addr+count) from the caller's space to one of its
// descriptors, page chunk by page chunk through the direct map.
func sysWrite(p *Process, fd uint64, addr, count uintptr) uint64 {
	if fd >= maxFDs || p.fds[fd] == nil {
		return sysError
	}

	var written uintptr
	for written < count {
		pa, attr, err := p.space.Translate(addr + written)
		if err != nil || attr&vmm.AttrUser == 0 {
			return sysError
		}

		chunk := mm.PageSize - (addr+written)&(mm.PageSize-1)
		if rem := count - written; chunk > rem {
			chunk = rem
		}

		n, werr := p.fds[fd].Write(byteSlice(mm.PhysToVirt(pa), chunk))
		written += uintptr(n)
		if werr != nil {
			return sysError
		}
	}
	return uint64(written)
}

// validateUserRange confirms every page in the range is mapped user-
// accessible in p's space.
func validateUserRange(p *Process, addr uintptr, pages uintptr) *kernel.Error {
	for i := uintptr(0); i < pages; i++ {
		_, attr, err := p.space.Translate(addr + i*mm.PageSize)
		if err != nil {
			return err
		}
		if attr&vmm.AttrUser == 0 {
			return errNotUserAddress
		}
	}
	return nil
}

// copyBetweenUserRanges copies n bytes between two validated ranges of p's
// space, resolving each page through the direct map.
func copyBetweenUserRanges(p *Process, src, dst, n uintptr) *kernel.Error {
	var off uintptr
	for off < n {
		srcPA, _, err := p.space.Translate(src + off)
		if err != nil {
			return err
		}
		dstPA, _, err := p.space.Translate(dst + off)
		if err != nil {
			return err
		}

		chunk := n - off
		if rem := mm.PageSize - (src+off)&(mm.PageSize-1); chunk > rem {
			chunk = rem
		}
		if rem := mm.PageSize - (dst+off)&(mm.PageSize-1); chunk > rem {
			chunk = rem
		}

		kernel.Memcopy(mm.PhysToVirt(srcPA), mm.PhysToVirt(dstPA), chunk)
		off += chunk
	}
	return nil
}

func byteSlice(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(size),
		Cap:  int(size),
	}))
}
