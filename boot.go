package main

import (
	"alixos/kernel/kmain"
	"alixos/kernel/mm/vmm"
)

var (
	dtbAddr       uintptr
	kernelImage   vmm.KernelImageLayout
	bootStackBase uintptr
	bootStackLen  uintptr
)

// main is a trampoline for the real kernel entrypoint. The rt0 assembly
// jumps straight into kmain.Kmain with the device tree pointer and the
// linker-provided image/stack bounds in registers; this function only exists
// so the Go compiler keeps the kernel code reachable instead of eliminating
// it as dead. Globals are passed to prevent the call from being inlined and
// folded away.
func main() {
	kmain.Kmain(dtbAddr, kernelImage, bootStackBase, bootStackLen)
}
