package benet

import (
	"fmt"
	"io"
)

// ErrWouldOverflow is returned by OutputBuffer.Write when the data does not fit.
var ErrWouldOverflow = fmt.Errorf("benet: output buffer full: %w", io.ErrShortWrite)

// InputBuffer is a read-only view over engine memory handed to a Compressor.
// It is valid only for the duration of one callback.
type InputBuffer struct {
	data []byte
}

// Bytes returns the buffer contents. The caller must not modify or retain them.
func (b InputBuffer) Bytes() []byte { return b.data }

func (b InputBuffer) Len() int { return len(b.data) }

// OutputBuffer is a fixed-capacity sink over engine memory. A Write that does
// not fit writes nothing and returns ErrWouldOverflow.
type OutputBuffer struct {
	buf     []byte
	written int
}

var _ io.Writer = (*OutputBuffer)(nil)

func (b *OutputBuffer) Write(p []byte) (int, error) {
	if len(p) > b.Remaining() {
		return 0, ErrWouldOverflow
	}
	b.written += copy(b.buf[b.written:], p)
	return len(p), nil
}

// Len returns the capacity of the buffer.
func (b *OutputBuffer) Len() int { return len(b.buf) }

// Remaining returns how many more bytes fit.
func (b *OutputBuffer) Remaining() int { return len(b.buf) - b.written }

// Written returns the number of bytes written so far.
func (b *OutputBuffer) Written() int { return b.written }

// NewInputBuffer wraps b. It is meant for exercising a Compressor outside a host.
func NewInputBuffer(b []byte) InputBuffer { return InputBuffer{data: b} }

// NewOutputBuffer returns a sink writing into buf, whose length is the capacity.
func NewOutputBuffer(buf []byte) *OutputBuffer { return &OutputBuffer{buf: buf} }

// Bytes returns the bytes written so far.
func (b *OutputBuffer) Bytes() []byte { return b.buf[:b.written] }
