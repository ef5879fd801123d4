package irq

import (
	"alixos/kernel/cpu"
	"alixos/kernel/kfmt"
)

// ESR_EL1 exception class values this kernel dispatches on.
const (
	ecSVC64        = 0x15
	ecInstAbortLow = 0x20
	ecInstAbortCur = 0x21
	ecDataAbortLow = 0x24
	ecDataAbortCur = 0x25
)

type (
	// TimerHandler runs on every timer interrupt with interrupts masked.
	// It may replace the frame contents to switch execution contexts.
	TimerHandler func(coreID uint64, frame *Frame)

	// SyscallHandler services an SVC trap; arguments and the return
	// value live in the frame registers.
	SyscallHandler func(frame *Frame)

	// FaultHandler services a translation/permission fault. fromUser
	// reports the privilege level the fault came from.
	FaultHandler func(faultAddr uintptr, esr uint64, fromUser bool, frame *Frame)
)

var (
	timerHandler   TimerHandler
	syscallHandler SyscallHandler
	faultHandler   FaultHandler
)

// RegisterTimerHandler installs the scheduler hook for timer interrupts.
func RegisterTimerHandler(handler TimerHandler) {
	timerHandler = handler
}

// RegisterSyscallHandler installs the syscall dispatcher.
func RegisterSyscallHandler(handler SyscallHandler) {
	syscallHandler = handler
}

// RegisterFaultHandler installs the fault path. Without one, any fault is
// treated as an unrecoverable kernel error.
func RegisterFaultHandler(handler FaultHandler) {
	faultHandler = handler
}

// HandleTimer is invoked by the IRQ vector stub with the interrupted
// context saved in frame.
func HandleTimer(frame *Frame) {
	if timerHandler != nil {
		timerHandler(cpu.CoreID(), frame)
	}
}

// HandleSync is invoked by the synchronous-exception vector stub. It routes
// SVC traps to the syscall dispatcher and translation faults to the fault
// path; anything else is fatal.
func HandleSync(frame *Frame) {
	esr := cpu.ReadExceptionSyndrome()

	switch esr >> 26 & 0x3f {
	case ecSVC64:
		if syscallHandler != nil {
			syscallHandler(frame)
			return
		}

	case ecDataAbortLow, ecInstAbortLow:
		dispatchFault(cpu.ReadFaultAddress(), esr, true, frame)
		return

	case ecDataAbortCur, ecInstAbortCur:
		dispatchFault(cpu.ReadFaultAddress(), esr, false, frame)
		return
	}

	fatal(frame, esr)
}

func dispatchFault(faultAddr uintptr, esr uint64, fromUser bool, frame *Frame) {
	if faultHandler != nil {
		faultHandler(faultAddr, esr, fromUser, frame)
		return
	}
	fatal(frame, esr)
}

func fatal(frame *Frame, esr uint64) {
	kfmt.Printf("[irq] unhandled exception, esr=%016x far=%016x\n", esr, cpu.ReadFaultAddress())
	frame.Print()
	kfmt.Panic("unhandled exception")
}
