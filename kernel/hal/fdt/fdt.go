package fdt

import (
	"reflect"
	"unsafe"

	"alixos/kernel"
	"alixos/kernel/mm"
)

// ErrDescription indicates a malformed or unusable hardware description
// blob. There is no safe default memory map, so boot cannot proceed past it.
var ErrDescription = &kernel.Error{Module: "hal.fdt", Message: "malformed or incomplete device tree blob"}

const (
	fdtMagic = 0xd00dfeed

	tokenBeginNode = 1
	tokenEndNode   = 2
	tokenProp      = 3
	tokenNop       = 4
	tokenEnd       = 9

	// headerSize covers the fields of the v17 header this parser reads.
	headerSize = 40

	// maxNodeDepth bounds the node nesting the walker tracks. Real
	// device trees for this board nest 4-5 levels deep.
	maxNodeDepth = 16
)

// nodeState carries the per-node facts needed to interpret a reg property
// once the node ends.
type nodeState struct {
	// addrCells/sizeCells as set by this node's own properties; children
	// inherit them for decoding their reg entries.
	addrCells, sizeCells uint32

	// decodeAddrCells/decodeSizeCells are the parent's values, which
	// govern this node's own reg property.
	decodeAddrCells, decodeSizeCells uint32

	isMemoryName bool
	isMemoryType bool
	inReserved   bool

	regOff, regLen int
}

// Parse walks the device tree blob at the given physical address, adding the
// memory regions it describes to mmap: /memory nodes become usable RAM,
// /reserved-memory children and memory-reservation block entries become
// reserved. It returns the blob's total size so the caller can reserve the
// blob itself. A blob without at least one memory node is an ErrDescription.
func Parse(dtbAddr uintptr, mmap *mm.MemoryMap) (uintptr, *kernel.Error) {
	if dtbAddr == 0 {
		return 0, ErrDescription
	}

	hdr := overlay(mm.PhysToVirt(dtbAddr), headerSize)
	if be32(hdr, 0) != fdtMagic {
		return 0, ErrDescription
	}

	totalSize := uintptr(be32(hdr, 4))
	blob := overlay(mm.PhysToVirt(dtbAddr), totalSize)
	if err := parseBlob(blob, mmap); err != nil {
		return 0, err
	}
	return totalSize, nil
}

func parseBlob(blob []byte, mmap *mm.MemoryMap) *kernel.Error {
	if len(blob) < headerSize || be32(blob, 0) != fdtMagic {
		return ErrDescription
	}

	var (
		totalSize  = int(be32(blob, 4))
		structOff  = int(be32(blob, 8))
		stringsOff = int(be32(blob, 12))
		memRsvOff  = int(be32(blob, 16))
	)
	if totalSize > len(blob) || structOff >= totalSize || stringsOff >= totalSize {
		return ErrDescription
	}

	// Memory-reservation block: (address, size) big-endian u64 pairs
	// terminated by a zero pair.
	for off := memRsvOff; off+16 <= totalSize; off += 16 {
		base, size := be64(blob, off), be64(blob, off+8)
		if base == 0 && size == 0 {
			break
		}
		if err := mmap.AddRegion(uintptr(base), uintptr(size), mm.RegionReserved); err != nil {
			return err
		}
	}

	var (
		stack      [maxNodeDepth]nodeState
		depth      = 0
		pos        = structOff
		memorySeen = false
	)

	// Depth 0 is a pseudo-parent of the root node carrying the default
	// cell counts (2 address cells, 1 size cell).
	stack[0] = nodeState{addrCells: 2, sizeCells: 1}

	for pos+4 <= totalSize {
		token := int(be32(blob, pos))
		pos += 4

		switch token {
		case tokenBeginNode:
			nameStart := pos
			for pos < totalSize && blob[pos] != 0 {
				pos++
			}
			if pos >= totalSize || depth+1 == maxNodeDepth {
				return ErrDescription
			}
			name := blob[nameStart:pos]
			pos = align4(pos + 1)

			parent := &stack[depth]
			depth++
			stack[depth] = nodeState{
				addrCells:       parent.addrCells,
				sizeCells:       parent.sizeCells,
				decodeAddrCells: parent.addrCells,
				decodeSizeCells: parent.sizeCells,
				isMemoryName:    nodeNameIs(name, "memory"),
				inReserved:      parent.inReserved || nodeNameIs(name, "reserved-memory"),
				regOff:          -1,
			}

		case tokenProp:
			if pos+8 > totalSize || depth == 0 {
				return ErrDescription
			}
			valLen := int(be32(blob, pos))
			nameOff := stringsOff + int(be32(blob, pos+4))
			pos += 8
			if pos+valLen > totalSize || nameOff >= totalSize {
				return ErrDescription
			}
			valStart := pos
			val := blob[pos : pos+valLen]
			pos = align4(pos + valLen)

			node := &stack[depth]
			switch {
			case propNameIs(blob, nameOff, "#address-cells") && valLen == 4:
				node.addrCells = be32(val, 0)
			case propNameIs(blob, nameOff, "#size-cells") && valLen == 4:
				node.sizeCells = be32(val, 0)
			case propNameIs(blob, nameOff, "device_type"):
				node.isMemoryType = valLen >= 6 && string(val[:6]) == "memory"
			case propNameIs(blob, nameOff, "reg"):
				node.regOff, node.regLen = valStart, valLen
			}

		case tokenEndNode:
			if depth == 0 {
				return ErrDescription
			}
			node := &stack[depth]
			depth--

			if node.regOff < 0 {
				continue
			}
			switch {
			case node.isMemoryType || node.isMemoryName:
				memorySeen = true
				if err := emitRegRegions(blob, node, mm.RegionUsable, mmap); err != nil {
					return err
				}
			case node.inReserved && depth >= 1:
				if err := emitRegRegions(blob, node, mm.RegionReserved, mmap); err != nil {
					return err
				}
			}

		case tokenNop:

		case tokenEnd:
			if !memorySeen {
				return ErrDescription
			}
			return nil

		default:
			return ErrDescription
		}
	}

	return ErrDescription
}

// emitRegRegions decodes a reg property (address/size tuples sized by the
// parent's cell counts) into memory map regions.
func emitRegRegions(blob []byte, node *nodeState, kind mm.RegionKind, mmap *mm.MemoryMap) *kernel.Error {
	ac, sc := int(node.decodeAddrCells), int(node.decodeSizeCells)
	if ac < 1 || ac > 2 || sc < 1 || sc > 2 {
		return ErrDescription
	}

	entrySize := (ac + sc) * 4
	if node.regLen%entrySize != 0 {
		return ErrDescription
	}

	for off := node.regOff; off < node.regOff+node.regLen; off += entrySize {
		base := readCells(blob, off, ac)
		size := readCells(blob, off+ac*4, sc)
		if err := mmap.AddRegion(uintptr(base), uintptr(size), kind); err != nil {
			return err
		}
	}
	return nil
}

func readCells(blob []byte, off, cells int) uint64 {
	if cells == 2 {
		return be64(blob, off)
	}
	return uint64(be32(blob, off))
}

// nodeNameIs matches a node name against base, ignoring any @unit-address
// suffix.
func nodeNameIs(name []byte, base string) bool {
	if len(name) < len(base) || string(name[:len(base)]) != base {
		return false
	}
	return len(name) == len(base) || name[len(base)] == '@'
}

// propNameIs compares the NUL-terminated string at off with name.
func propNameIs(blob []byte, off int, name string) bool {
	end := off + len(name)
	if end >= len(blob) {
		return false
	}
	return string(blob[off:end]) == name && blob[end] == 0
}

func be32(b []byte, off int) uint32 {
	return uint32(b[off])<<24 | uint32(b[off+1])<<16 | uint32(b[off+2])<<8 | uint32(b[off+3])
}

func be64(b []byte, off int) uint64 {
	return uint64(be32(b, off))<<32 | uint64(be32(b, off+4))
}

func align4(v int) int {
	return (v + 3) &^ 3
}

// overlay maps size bytes at a kernel virtual address as a byte slice.
func overlay(virtAddr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: virtAddr,
		Len:  int(size),
		Cap:  int(size),
	}))
}
