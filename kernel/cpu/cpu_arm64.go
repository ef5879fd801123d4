package cpu

// MaxCores is the number of hardware threads the kernel drives. The boot
// protocol parks cores 1-3 in a spin table until released.
const MaxCores = 4

func coreID() uint64
func maskInterrupts() uint64
func restoreInterrupts(flags uint64)
func enableInterrupts()
func disableInterrupts()
func halt()
func waitForInterrupt()
func readFaultAddress() uintptr
func readExceptionSyndrome() uint64
func setMemoryAttributes(mair uint64)
func setTranslationControl(tcr uint64)
func setUserTableBase(pa uintptr)
func setKernelTableBase(pa uintptr)
func activeUserTableBase() uintptr
func enableTranslation()
func invalidateTLB()
func invalidateTLBAddr(virtAddr uintptr)
func invalidateTLBASID(asid uint64)
func dataSyncBarrier()
func instrSyncBarrier()

// The hardware operations are exposed as package vars bound to their
// assembly implementations so tests in any package can substitute them.
// Kernel code always calls through the vars.
var (
	// CoreID returns the index of the executing core (MPIDR_EL1
	// affinity 0).
	CoreID = coreID

	// MaskInterrupts masks IRQs on the current core and returns the
	// previous DAIF value for RestoreInterrupts.
	MaskInterrupts = maskInterrupts

	// RestoreInterrupts restores a DAIF value previously returned by
	// MaskInterrupts.
	RestoreInterrupts = restoreInterrupts

	// EnableInterrupts unmasks IRQ delivery on the current core.
	EnableInterrupts = enableInterrupts

	// DisableInterrupts masks IRQ delivery on the current core.
	DisableInterrupts = disableInterrupts

	// Halt parks the current core in a wait-for-interrupt loop with
	// IRQs masked. It never returns.
	Halt = halt

	// WaitForInterrupt suspends the core until the next interrupt,
	// leaving IRQ delivery enabled. The idle process spins on it.
	WaitForInterrupt = waitForInterrupt

	// ReadFaultAddress returns FAR_EL1, the virtual address that caused
	// the most recent translation fault.
	ReadFaultAddress = readFaultAddress

	// ReadExceptionSyndrome returns ESR_EL1 for the exception being
	// handled.
	ReadExceptionSyndrome = readExceptionSyndrome

	// SetMemoryAttributes programs MAIR_EL1 with the memory attribute
	// table shared by every translation table entry (attr index 0 =
	// device, 1 = normal write-back, 2 = normal non-cacheable).
	SetMemoryAttributes = setMemoryAttributes

	// SetTranslationControl programs TCR_EL1 (granule size, T0SZ/T1SZ
	// address range sizes, cacheability of table walks).
	SetTranslationControl = setTranslationControl

	// SetUserTableBase loads TTBR0_EL1 with the physical address of the
	// root table for the lower (user) half. The caller owns the required
	// TLB invalidation.
	SetUserTableBase = setUserTableBase

	// SetKernelTableBase loads TTBR1_EL1 with the physical address of
	// the root table for the upper (kernel) half.
	SetKernelTableBase = setKernelTableBase

	// ActiveUserTableBase returns the physical address currently loaded
	// in TTBR0_EL1.
	ActiveUserTableBase = activeUserTableBase

	// EnableTranslation sets SCTLR_EL1.M, turning address translation
	// on. MAIR, TCR and both TTBRs must already be programmed.
	EnableTranslation = enableTranslation

	// InvalidateTLB discards all cached translations for the current
	// translation regime (TLBI VMALLE1).
	InvalidateTLB = invalidateTLB

	// InvalidateTLBAddr discards cached translations for a single
	// virtual address across all ASIDs (TLBI VAAE1).
	InvalidateTLBAddr = invalidateTLBAddr

	// InvalidateTLBASID discards cached translations tagged with the
	// supplied address-space identifier, leaving global (kernel half)
	// entries intact (TLBI ASIDE1).
	InvalidateTLBASID = invalidateTLBASID

	// DataSyncBarrier completes all outstanding memory accesses
	// (DSB ISH).
	DataSyncBarrier = dataSyncBarrier

	// InstrSyncBarrier flushes the pipeline so preceding system register
	// writes take effect (ISB).
	InstrSyncBarrier = instrSyncBarrier
)

// EnableMMU performs the full translation bring-up sequence: memory
// attributes, translation control, both table base registers, a full TLB
// invalidation and finally the SCTLR_EL1.M write. Reordering the steps
// leaves a window where the walker can observe a half-programmed
// configuration.
func EnableMMU(userRoot, kernelRoot uintptr, mair, tcr uint64) {
	SetMemoryAttributes(mair)
	SetTranslationControl(tcr)
	InstrSyncBarrier()

	SetUserTableBase(userRoot)
	SetKernelTableBase(kernelRoot)
	InstrSyncBarrier()

	DataSyncBarrier()
	InvalidateTLB()
	DataSyncBarrier()
	InstrSyncBarrier()

	EnableTranslation()
	InstrSyncBarrier()
}
