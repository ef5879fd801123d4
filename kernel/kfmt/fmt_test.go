package kfmt

import (
	"bytes"
	"io/ioutil"
	"testing"

	"alixos/kernel"
)

func TestFprintf(t *testing.T) {
	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"no verbs", nil, "no verbs"},
		{"%s and %s", []interface{}{"foo", "bar"}, "foo and bar"},
		{"%5s|", []interface{}{"ab"}, "ab   |"},
		{"%d", []interface{}{42}, "42"},
		{"%d", []interface{}{-42}, "-42"},
		{"%d", []interface{}{uint64(0)}, "0"},
		{"%5d", []interface{}{123}, "  123"},
		{"%05d", []interface{}{-42}, "-0042"},
		{"%o", []interface{}{uint8(511 & 0xff)}, "377"},
		{"%x", []interface{}{uint32(0xbadf00d)}, "badf00d"},
		{"%016x", []interface{}{uintptr(0xffff800000000000)}, "ffff800000000000"},
		{"%c%c", []interface{}{byte('o'), 'k'}, "ok"},
		{"%t/%t", []interface{}{true, false}, "true/false"},
		{"100%% done", nil, "100% done"},
		{"err: %s", []interface{}{&kernel.Error{Module: "pmm", Message: "out of memory"}}, "err: [pmm] out of memory"},
		{"%d", nil, "missing argument for format specifier"},
		{"%d", []interface{}{"not a number"}, "unsupported argument type for format specifier"},
	}

	var buf bytes.Buffer
	for specIndex, spec := range specs {
		buf.Reset()
		Fprintf(&buf, spec.format, spec.args...)
		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestPrintfBuffersUntilSinkRegistered(t *testing.T) {
	defer func() {
		outputSink = nil
		bootRing = ringBuffer{}
	}()
	outputSink = nil
	bootRing = ringBuffer{}

	Printf("early %s output %d", "boot", 1)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "early boot output 1", buf.String(); got != exp {
		t.Fatalf("expected drained output %q; got %q", exp, got)
	}

	Printf(" and more")
	if exp, got := "early boot output 1 and more", buf.String(); got != exp {
		t.Fatalf("expected direct output %q; got %q", exp, got)
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	var rb ringBuffer
	for i := 0; i < ringBufferSize+16; i++ {
		rb.Write([]byte{byte('a' + i%16)})
	}

	out, err := ioutil.ReadAll(&rb)
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := ringBufferSize, len(out); got != exp {
		t.Fatalf("expected %d buffered bytes after overflow; got %d", exp, got)
	}

	// The first 16 writes must have been displaced by the wrap.
	if exp, got := byte('a'+16%16), out[0]; got != exp {
		t.Errorf("expected oldest surviving byte %c; got %c", exp, got)
	}
}

func TestPanicFormatsKernelErrors(t *testing.T) {
	defer func(halt func()) {
		haltFn = halt
		outputSink = nil
	}(haltFn)

	var halted bool
	haltFn = func() { halted = true }

	var buf bytes.Buffer
	SetOutputSink(&buf)

	Panic(&kernel.Error{Module: "vmm", Message: "mapping conflict"})

	if !halted {
		t.Error("expected Panic to halt the core")
	}

	if !bytes.Contains(buf.Bytes(), []byte("[vmm] mapping conflict")) {
		t.Errorf("expected panic output to include the error; got %q", buf.String())
	}
}
