package kmain

import (
	"io"

	"alixos/kernel"
	"alixos/kernel/hal/fdt"
	"alixos/kernel/kfmt"
	"alixos/kernel/mm"
	"alixos/kernel/mm/kheap"
	"alixos/kernel/mm/pmm"
	"alixos/kernel/mm/vmm"
	"alixos/kernel/proc"
)

// kheapInitialPages sizes the first kernel heap chunk.
const kheapInitialPages = 256

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	initTask func()
)

// SetConsole registers the boot console. Log output buffered in the early
// ring is flushed to it, and the first process inherits it on descriptors
// 0-2.
func SetConsole(w io.Writer) {
	kfmt.SetOutputSink(w)
	proc.SetInitFDs(w, w, w)
}

// SetInitTask registers the entry point of the first process. It is spawned
// at kernel privilege once memory management is up; anything beyond that
// (loading user programs, opening devices) is its business.
func SetInitTask(entry func()) {
	initTask = entry
}

// Kmain is the only Go symbol visible to the rt0 assembly. It is entered on
// the boot core with translation off, interrupts masked and the device tree
// blob at dtbAddr. img locates the kernel image sections and stackBase/
// stackLen the rt0 boot stack, both as physical ranges.
//
// Kmain is not expected to return. If it does, the rt0 code halts the core.
//
//go:noinline
func Kmain(dtbAddr uintptr, img vmm.KernelImageLayout, stackBase, stackLen uintptr) {
	var mmap mm.MemoryMap

	dtbLen, err := fdt.Parse(dtbAddr, &mmap)
	if err != nil {
		kfmt.Panic(err)
	}
	imageBase := img.TextBase &^ (mm.PageSize - 1)
	if err = mmap.AddRegion(dtbAddr, dtbLen, mm.RegionBootInfo); err != nil {
		kfmt.Panic(err)
	}
	if err = mmap.AddRegion(imageBase, img.ImageEnd-imageBase, mm.RegionKernelImage); err != nil {
		kfmt.Panic(err)
	}
	if err = mmap.AddRegion(stackBase, stackLen, mm.RegionBootStack); err != nil {
		kfmt.Panic(err)
	}

	nm, err := mmap.Normalize()
	if err != nil {
		kfmt.Panic(err)
	}
	printMemoryMap(&nm)

	pmm.Init(&nm)
	if err = vmm.Init(&nm, img); err != nil {
		kfmt.Panic(err)
	}
	if err = pmm.Handoff(&nm); err != nil {
		kfmt.Panic(err)
	}

	// Every subsystem past this point reaches physical memory through the
	// physmap only; the transitional identity map can go.
	if err = vmm.TearDownIdentity(); err != nil {
		kfmt.Panic(err)
	}

	if err = kheap.Init(vmm.KernelSpace(), mm.KHeapVirtBase, kheapInitialPages); err != nil {
		kfmt.Panic(err)
	}

	proc.Init()
	if initTask != nil {
		p, perr := proc.Spawn("init", initTask)
		if perr != nil {
			kfmt.Panic(perr)
		}
		proc.Schedule(p)
	}

	proc.StartOnCPU()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating it as dead code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// KmainSecondary is the entry for every core past the boot core, called by
// rt0 once the boot core has finished memory bring-up. The shared kernel
// root and translation controls are already built; the core only loads them
// and joins the scheduler.
//
//go:noinline
func KmainSecondary() {
	vmm.InstallOnCore()
	proc.StartOnCPU()

	kfmt.Panic(errKmainReturned)
}

func printMemoryMap(nm *mm.NormalizedMap) {
	kfmt.Printf("[kmain] physical memory map:\n")
	for _, r := range nm.Regions() {
		kfmt.Printf("\t%016x - %016x [%s]\n", r.Base, r.End(), r.Kind.String())
	}
	kfmt.Printf("[kmain] usable frames: %d\n", nm.UsableFrames())
}
