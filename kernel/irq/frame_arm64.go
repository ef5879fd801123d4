package irq

import "alixos/kernel/kfmt"

// Frame is the register snapshot the exception vectors push on entry and
// restore on return. Layout matches the vector save area: x0-x30, one pad
// slot keeping 16-byte stack alignment, then the resume state.
type Frame struct {
	X [31]uint64 // x0 - x30

	_ uint64

	// ELR is the exception link register: the address execution resumes
	// at on exception return.
	ELR uint64

	// SPSR is the saved processor state (privilege level, IRQ masks).
	SPSR uint64

	// SPEL0 is the user-mode stack pointer.
	SPEL0 uint64

	_ uint64
}

// Print writes a register dump to the active kernel log sink.
func (f *Frame) Print() {
	for i := 0; i < 30; i += 2 {
		kfmt.Printf("x%d%s= %016x x%d%s= %016x\n",
			i, pad(i), f.X[i],
			i+1, pad(i+1), f.X[i+1],
		)
	}
	kfmt.Printf("x30 = %016x\n", f.X[30])
	kfmt.Printf("elr = %016x spsr = %016x sp_el0 = %016x\n", f.ELR, f.SPSR, f.SPEL0)
}

func pad(reg int) string {
	if reg < 10 {
		return "  "
	}
	return " "
}
