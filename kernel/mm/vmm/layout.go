package vmm

import (
	"alixos/kernel"
	"alixos/kernel/cpu"
	"alixos/kernel/kfmt"
	"alixos/kernel/mm"
)

// Stage identifies how far the layout migration has progressed. Each stage
// is a safe boot state on its own.
type Stage uint8

const (
	// StageIdentity: virtual equals physical everywhere; one shared
	// space. The initial process runs at kernel privilege here, an
	// explicitly transitional arrangement, not a security boundary.
	StageIdentity Stage = iota

	// StageHigherHalf: kernel and physmap live in the upper half behind
	// TTBR1; the identity map persists in the lower half until every
	// consumer has migrated its pointers.
	StageHigherHalf

	// StagePerProcess: the lower half belongs to whichever process is
	// running on the core; the upper half is shared and never
	// invalidated on a user-only switch.
	StagePerProcess
)

const (
	// MAIR_EL1: index 0 Device-nGnRnE, index 1 normal write-back,
	// index 2 normal non-cacheable.
	mairValue = uint64(0x00) | uint64(0xff)<<8 | uint64(0x44)<<16

	// TCR_EL1: 48-bit VA ranges on both halves (T0SZ/T1SZ = 16), 4 KiB
	// granules (TG0 = 0b00, TG1 = 0b10), write-back cacheable
	// inner-shareable walks, 40-bit PA range, 16-bit ASIDs.
	tcrValue = uint64(16) | // T0SZ
		1<<8 | 1<<10 | 3<<12 | // IRGN0/ORGN0/SH0
		0<<14 | // TG0 4K
		16<<16 | // T1SZ
		1<<24 | 1<<26 | 3<<28 | // IRGN1/ORGN1/SH1
		2<<30 | // TG1 4K
		2<<32 | // IPS 40-bit
		1<<36 // AS 16-bit ASIDs
)

var (
	// kernelSpace is the shared upper half, loaded in TTBR1 on every
	// core for the kernel's lifetime.
	kernelSpace AddressSpace

	// identitySpace is the transitional Stage A lower half.
	identitySpace AddressSpace

	// emptyUserRoot backs TTBR0 while a core runs kernel-only code after
	// the identity map is gone.
	emptyUserRoot = mm.InvalidFrame

	errIdentityStillLive = &kernel.Error{Module: "vmm", Message: "identity map still live; user spaces need Stage C"}

	currentStage Stage
	identityLive bool
)

// KernelImageLayout locates the kernel image sections inside the
// RegionKernelImage range so text can be mapped execute-only-read and the
// rest read-write without ever producing a writable+executable page.
type KernelImageLayout struct {
	TextBase, TextEnd, ImageEnd uintptr
}

// CurrentStage reports the active layout stage.
func CurrentStage() Stage {
	return currentStage
}

// KernelSpace returns the shared kernel address space.
func KernelSpace() *AddressSpace {
	return &kernelSpace
}

// Init builds the identity map (Stage A) and the higher-half kernel map
// with the physmap (Stage B), enables translation and switches physical
// access over to the physmap. The identity map stays live until
// TearDownIdentity.
func Init(nm *mm.NormalizedMap, img KernelImageLayout) *kernel.Error {
	if err := identitySpace.Init(false, 0); err != nil {
		return err
	}
	if err := populateSpace(&identitySpace, nm, img, 0); err != nil {
		return err
	}

	if err := kernelSpace.Init(true, 0); err != nil {
		return err
	}
	if err := populateSpace(&kernelSpace, nm, img, mm.PhysmapBase); err != nil {
		return err
	}

	cpu.EnableMMU(identitySpace.Root().Address(), kernelSpace.Root().Address(), mairValue, tcrValue)

	// From here on, physical memory is reached through the physmap. All
	// frames holding the tables above were boot-allocated and remain
	// identity-reachable too until teardown.
	mm.SetPhysmapOffset(mm.PhysmapBase)
	currentStage = StageHigherHalf
	identityLive = true

	kfmt.Printf("[vmm] translation enabled; kernel root %x, identity root %x\n",
		kernelSpace.Root().Address(), identitySpace.Root().Address())
	return nil
}

// populateSpace maps every normalized region at virtOffset + physical
// address. Regions are visited in address order with a page cursor so
// sub-page neighbours never produce overlapping mappings.
func populateSpace(space *AddressSpace, nm *mm.NormalizedMap, img KernelImageLayout, virtOffset uintptr) *kernel.Error {
	var cursor uintptr

	for _, r := range nm.Regions() {
		base := r.Base &^ (mm.PageSize - 1)
		if base < cursor {
			base = cursor
		}
		end := (r.End() + mm.PageSize - 1) &^ (mm.PageSize - 1)
		if end <= base {
			continue
		}
		cursor = end

		switch r.Kind {
		case mm.RegionUsable, mm.RegionBootStack:
			if err := mapSpan(space, virtOffset, base, end, AttrWrite); err != nil {
				return err
			}
		case mm.RegionMmio:
			if err := mapSpan(space, virtOffset, base, end, AttrDevice|AttrWrite); err != nil {
				return err
			}
		case mm.RegionBootInfo, mm.RegionReserved:
			if err := mapSpan(space, virtOffset, base, end, 0); err != nil {
				return err
			}
		case mm.RegionKernelImage:
			textBase := img.TextBase &^ (mm.PageSize - 1)
			textEnd := (img.TextEnd + mm.PageSize - 1) &^ (mm.PageSize - 1)
			if err := mapSpan(space, virtOffset, base, textBase, 0); err != nil {
				return err
			}
			if err := mapSpan(space, virtOffset, textBase, textEnd, AttrExec); err != nil {
				return err
			}
			if err := mapSpan(space, virtOffset, textEnd, end, AttrWrite); err != nil {
				return err
			}
		}
	}
	return nil
}

func mapSpan(space *AddressSpace, virtOffset, physBase, physEnd uintptr, attr Attr) *kernel.Error {
	if physEnd <= physBase {
		return nil
	}
	return space.MapRange(
		mm.PageFromAddress(virtOffset+physBase),
		mm.FrameFromAddress(physBase),
		uint64((physEnd-physBase)>>mm.PageShift),
		attr,
	)
}

// TearDownIdentity retires the Stage A identity map. Callers assert that no
// code still dereferences identity-mapped pointers; everything must have
// moved to physmap addresses. The identity tables were boot allocations and
// are simply abandoned.
func TearDownIdentity() *kernel.Error {
	if !identityLive {
		return nil
	}

	empty, err := allocTable()
	if err != nil {
		return err
	}
	emptyUserRoot = empty

	cpu.SetUserTableBase(empty.Address())
	cpu.DataSyncBarrier()
	cpu.InvalidateTLB()
	identityLive = false

	kfmt.Printf("[vmm] identity map retired\n")
	return nil
}

// InstallOnCore loads the shared translation state on a secondary core. The
// boot core must have completed Init first; cores brought up after identity
// teardown start directly on the empty lower-half root.
func InstallOnCore() {
	userRoot := emptyUserRoot
	if !userRoot.Valid() {
		userRoot = identitySpace.Root()
	}
	cpu.EnableMMU(userRoot.Address(), kernelSpace.Root().Address(), mairValue, tcrValue)
}

// NewUserSpace builds a private lower-half hierarchy for one process,
// tagged with its address-space identifier. Valid only after the identity
// map is gone; the first user space moves the layout to Stage C.
func NewUserSpace(space *AddressSpace, asid uint16) *kernel.Error {
	if identityLive {
		return errIdentityStillLive
	}
	if err := space.Init(false, asid); err != nil {
		return err
	}
	currentStage = StagePerProcess
	return nil
}

// ActivateUser makes the supplied user space current on this core. The
// switch reprograms only the lower-half base register and invalidates the
// translations tagged with the incoming space's identifier; the shared
// upper half is untouched.
func ActivateUser(space *AddressSpace) {
	if cpu.ActiveUserTableBase() == space.Root().Address() {
		return
	}
	cpu.SetUserTableBase(space.Root().Address())
	cpu.InvalidateTLBASID(uint64(space.ASID()))
}

// DeactivateUser parks TTBR0 on the empty root, used while a core runs
// kernel-only processes.
func DeactivateUser() {
	if !emptyUserRoot.Valid() || cpu.ActiveUserTableBase() == emptyUserRoot.Address() {
		return
	}
	cpu.SetUserTableBase(emptyUserRoot.Address())
	cpu.InvalidateTLB()
}
