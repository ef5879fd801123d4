package kfmt

import "io"

const ringBufferSize = 2048

// bootRing buffers kernel log output generated before a console driver has
// registered an output sink. Once the buffer fills, the oldest output is
// overwritten.
var bootRing ringBuffer

type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
	wrapped        bool
}

// Write implements io.Writer. Writes never fail; they overwrite the oldest
// buffered bytes when out of space.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		if rb.wrapped && rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) % ringBufferSize
		}
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) % ringBufferSize
		if rb.wIndex == rb.rIndex {
			rb.wrapped = true
		}
	}
	return len(p), nil
}

// Read implements io.Reader, draining buffered output in write order.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex && !rb.wrapped {
		return 0, io.EOF
	}

	var n int
	for n < len(p) {
		if rb.rIndex == rb.wIndex && !rb.wrapped {
			break
		}
		p[n] = rb.buffer[rb.rIndex]
		rb.rIndex = (rb.rIndex + 1) % ringBufferSize
		rb.wrapped = false
		n++
	}
	return n, nil
}
