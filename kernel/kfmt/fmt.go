package kfmt

import (
	"io"
	"unsafe"

	"alixos/kernel"
)

var (
	errMissingArg   = &kernel.Error{Module: "kfmt", Message: "missing argument for format specifier"}
	errWrongArgType = &kernel.Error{Module: "kfmt", Message: "unsupported argument type for format specifier"}

	// singleByte is used by doWrite to avoid a heap allocation per byte.
	singleByte = []byte{0}

	// outputSink is where Printf sends its output once a driver registers
	// one. Until then output accumulates in the boot ring buffer.
	outputSink io.Writer
)

// SetOutputSink registers w as the kernel log destination and drains any
// output buffered before the sink became available.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &bootRing)
	}
}

// Printf formats its arguments using the supplied verbs and writes the
// result to the registered output sink. It supports a subset of the fmt
// verbs: %s, %c, %t, %d, %o, %x and an optional padding width (%08x). It
// performs no memory allocation.
func Printf(format string, args ...interface{}) {
	if outputSink == nil {
		Fprintf(&bootRing, format, args...)
		return
	}
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes to the supplied io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextArg    int
		blockStart int
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}

		if blockStart < i {
			doWriteString(w, format[blockStart:i])
		}

		i++
		if i == len(format) {
			blockStart = i
			break
		}

		if format[i] == '%' {
			doWriteByte(w, '%')
			blockStart = i + 1
			continue
		}

		padLen, padChar := 0, byte(' ')
		if format[i] == '0' {
			padChar = '0'
			i++
		}
		for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = padLen*10 + int(format[i]-'0')
		}
		if i == len(format) {
			blockStart = i
			break
		}

		if nextArg >= len(args) {
			doWriteString(w, errMissingArg.Message)
			blockStart = i + 1
			continue
		}

		var err *kernel.Error
		switch format[i] {
		case 's':
			err = fmtString(w, args[nextArg], padLen)
		case 'c':
			err = fmtChar(w, args[nextArg])
		case 't':
			err = fmtBool(w, args[nextArg])
		case 'd':
			err = fmtInt(w, args[nextArg], 10, padLen, padChar)
		case 'o':
			err = fmtInt(w, args[nextArg], 8, padLen, padChar)
		case 'x':
			err = fmtInt(w, args[nextArg], 16, padLen, padChar)
		default:
			err = errWrongArgType
		}
		if err != nil {
			doWriteString(w, err.Message)
		}

		nextArg++
		blockStart = i + 1
	}

	if blockStart < len(format) {
		doWriteString(w, format[blockStart:])
	}
}

func fmtBool(w io.Writer, arg interface{}) *kernel.Error {
	v, ok := arg.(bool)
	if !ok {
		return errWrongArgType
	}
	if v {
		doWriteString(w, "true")
	} else {
		doWriteString(w, "false")
	}
	return nil
}

func fmtChar(w io.Writer, arg interface{}) *kernel.Error {
	switch v := arg.(type) {
	case byte:
		doWriteByte(w, v)
	case rune:
		doWriteByte(w, byte(v))
	default:
		return errWrongArgType
	}
	return nil
}

func fmtString(w io.Writer, arg interface{}, padLen int) *kernel.Error {
	switch v := arg.(type) {
	case string:
		doWriteString(w, v)
		for pad := len(v); pad < padLen; pad++ {
			doWriteByte(w, ' ')
		}
	case *kernel.Error:
		doWriteString(w, "[")
		doWriteString(w, v.Module)
		doWriteString(w, "] ")
		doWriteString(w, v.Message)
	default:
		return errWrongArgType
	}
	return nil
}

func fmtInt(w io.Writer, arg interface{}, base, padLen int, padChar byte) *kernel.Error {
	var (
		sval     int64
		uval     uint64
		negative bool
	)

	switch v := arg.(type) {
	case uint8:
		uval = uint64(v)
	case uint16:
		uval = uint64(v)
	case uint32:
		uval = uint64(v)
	case uint64:
		uval = v
	case uint:
		uval = uint64(v)
	case uintptr:
		uval = uint64(v)
	case unsafe.Pointer:
		uval = uint64(uintptr(v))
	case int8:
		sval = int64(v)
	case int16:
		sval = int64(v)
	case int32:
		sval = int64(v)
	case int64:
		sval = v
	case int:
		sval = int64(v)
	default:
		return errWrongArgType
	}

	if sval < 0 {
		negative = true
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	// 64-bit octal needs at most 22 digits plus a sign.
	var buf [23]byte
	wi := len(buf)
	for {
		wi--
		d := byte(uval % uint64(base))
		if d < 10 {
			buf[wi] = '0' + d
		} else {
			buf[wi] = 'a' + d - 10
		}
		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	digits := len(buf) - wi
	if negative && padChar == '0' {
		doWriteByte(w, '-')
		negative = false
		digits++
	}
	for pad := digits; pad < padLen; pad++ {
		doWriteByte(w, padChar)
	}
	if negative {
		doWriteByte(w, '-')
	}
	doWrite(w, buf[wi:])
	return nil
}

func doWriteByte(w io.Writer, b byte) {
	singleByte[0] = b
	w.Write(singleByte)
}

func doWriteString(w io.Writer, s string) {
	// Strings share their backing array with the equivalent byte slice;
	// building the slice header by hand avoids the copy a []byte(s)
	// conversion would allocate.
	sh := (*struct {
		Data uintptr
		Len  int
	})(unsafe.Pointer(&s))
	buf := *(*[]byte)(unsafe.Pointer(&struct {
		Data uintptr
		Len  int
		Cap  int
	}{sh.Data, sh.Len, sh.Len}))
	w.Write(buf)
}

func doWrite(w io.Writer, buf []byte) {
	w.Write(buf)
}
