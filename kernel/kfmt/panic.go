package kfmt

import (
	"alixos/kernel"
	"alixos/kernel/cpu"
)

// haltFn is overridden by tests so a panic does not park the test binary.
var haltFn = cpu.Halt

// Panic logs the supplied error and halts the current core. It is the
// terminal path for unrecoverable conditions detected after boot logging is
// available.
func Panic(err interface{}) {
	Printf("\n-----------------------------------\n")
	Printf("[kernel] unrecoverable error; halting\n")

	switch v := err.(type) {
	case *kernel.Error:
		Printf("[%s] %s\n", v.Module, v.Message)
	case string:
		Printf("%s\n", v)
	case error:
		Printf("%s\n", v.Error())
	}

	Printf("-----------------------------------\n")
	haltFn()
}
