package vmm

import (
	"alixos/kernel"
	"alixos/kernel/mm"
)

// Attr describes the portable attributes of a mapping. The zero value is a
// kernel-privilege, read-only, non-executable, cached normal-memory mapping.
type Attr uint32

const (
	// AttrWrite allows stores through the mapping.
	AttrWrite Attr = 1 << iota

	// AttrExec allows instruction fetch through the mapping.
	AttrExec

	// AttrUser makes the mapping accessible from the lowest privilege
	// level. Only valid in lower-half address spaces.
	AttrUser

	// AttrDevice selects device memory attributes (non-cached,
	// non-gathering). Mutually exclusive with AttrExec.
	AttrDevice

	// AttrNoCache selects non-cacheable normal memory.
	AttrNoCache
)

var ErrAttrConflict = &kernel.Error{Module: "vmm", Message: "invalid mapping attribute combination"}

// validate rejects the attribute combinations no mapping is ever allowed to
// carry: writable+executable, executable device memory, and user access in
// the shared kernel half.
func (a Attr) validate(kernelHalf bool) *kernel.Error {
	if a&AttrWrite != 0 && a&AttrExec != 0 {
		return ErrAttrConflict
	}
	if a&AttrDevice != 0 && a&AttrExec != 0 {
		return ErrAttrConflict
	}
	if a&AttrUser != 0 && kernelHalf {
		return ErrAttrConflict
	}
	return nil
}

// Translation table descriptor bits (4 KiB granule, stage 1).
const (
	pteValid = 1 << 0

	// Bit 1 marks a table pointer at levels 0-2 and a page descriptor
	// at level 3.
	pteTable = 1 << 1
	ptePage  = 1 << 1

	pteAttrIdxShift = 2

	pteAPUser     = 1 << 6 // AP[1]
	pteAPReadOnly = 1 << 7 // AP[2]

	pteShareInner = 3 << 8

	pteAccessed  = 1 << 10 // AF
	pteNonGlobal = 1 << 11 // nG

	ptePrivNoExec = 1 << 53 // PXN
	pteUserNoExec = 1 << 54 // UXN

	// pteAddrMask extracts the output address (bits 47:12).
	pteAddrMask = 0x0000fffffffff000
)

// MAIR_EL1 attribute indices referenced by descriptors.
const (
	mairIdxDevice  = 0 // Device-nGnRnE
	mairIdxNormal  = 1 // Normal write-back
	mairIdxNoCache = 2 // Normal non-cacheable
)

type pte uint64

// encodePage builds a level-3 page descriptor for the given frame and
// attributes. Attr validation must have happened already.
func encodePage(frame mm.Frame, attr Attr) pte {
	desc := pte(frame.Address()&pteAddrMask) | pteValid | ptePage | pteAccessed

	switch {
	case attr&AttrDevice != 0:
		desc |= mairIdxDevice << pteAttrIdxShift
	case attr&AttrNoCache != 0:
		desc |= mairIdxNoCache<<pteAttrIdxShift | pteShareInner
	default:
		desc |= mairIdxNormal<<pteAttrIdxShift | pteShareInner
	}

	if attr&AttrWrite == 0 {
		desc |= pteAPReadOnly
	}

	if attr&AttrUser != 0 {
		desc |= pteAPUser | pteNonGlobal
		if attr&AttrExec != 0 {
			// User code must never execute at kernel privilege.
			desc |= ptePrivNoExec
		} else {
			desc |= pteUserNoExec | ptePrivNoExec
		}
	} else {
		desc |= pteUserNoExec
		if attr&AttrExec == 0 {
			desc |= ptePrivNoExec
		}
	}

	return desc
}

// encodeTable builds a table descriptor pointing at the next-level table.
func encodeTable(frame mm.Frame) pte {
	return pte(frame.Address()&pteAddrMask) | pteValid | pteTable
}

// frameOf returns the output frame of a page or table descriptor.
func (d pte) frameOf() mm.Frame {
	return mm.FrameFromAddress(uintptr(d) & pteAddrMask)
}

// attrOf reconstructs the portable attributes of a page descriptor.
func (d pte) attrOf() Attr {
	var attr Attr

	switch (d >> pteAttrIdxShift) & 7 {
	case mairIdxDevice:
		attr |= AttrDevice
	case mairIdxNoCache:
		attr |= AttrNoCache
	}

	if d&pteAPReadOnly == 0 {
		attr |= AttrWrite
	}

	if d&pteAPUser != 0 {
		attr |= AttrUser
		if d&pteUserNoExec == 0 {
			attr |= AttrExec
		}
	} else if d&ptePrivNoExec == 0 {
		attr |= AttrExec
	}

	return attr
}
