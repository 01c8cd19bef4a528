package bitstream

import (
	"fmt"
	"math"
)

// Writer packs values into a contiguous bit sequence, most-significant-bit
// first. The zero value is ready to use; Finish returns the packed bytes with
// the final byte zero-padded.
type Writer struct {
	buf  []byte
	bits int
}

// NewWriter constructs a writer with capacity for roughly sizeHint bytes.
func NewWriter(sizeHint int) *Writer {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Write appends the width low-order bits of value. Width must be between 1
// and 32; anything else is a caller bug and panics.
func (w *Writer) Write(value uint32, width int) {
	if width <= 0 || width > 32 {
		panic(fmt.Sprintf("bitstream: invalid write width %d", width))
	}
	for i := width - 1; i >= 0; i-- {
		w.writeBit(byte(value>>uint(i)) & 1)
	}
}

// WriteBool appends a single bit.
func (w *Writer) WriteBool(value bool) {
	if value {
		w.writeBit(1)
	} else {
		w.writeBit(0)
	}
}

// WriteFloat appends the 32-bit IEEE-754 pattern of value.
func (w *Writer) WriteFloat(value float32) {
	w.Write(math.Float32bits(value), 32)
}

// WriteBytes appends a 32-bit length prefix followed by the raw bytes.
func (w *Writer) WriteBytes(data []byte) {
	w.Write(uint32(len(data)), 32)
	for _, b := range data {
		w.Write(uint32(b), 8)
	}
}

// Len reports the number of bits written so far.
func (w *Writer) Len() int {
	return w.bits
}

// Finish returns the packed buffer. The writer remains usable; further
// writes continue from the current cursor.
func (w *Writer) Finish() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}

func (w *Writer) writeBit(bit byte) {
	if w.bits/8 == len(w.buf) {
		w.buf = append(w.buf, 0)
	}
	if bit != 0 {
		w.buf[w.bits/8] |= 1 << uint(7-w.bits%8)
	}
	w.bits++
}
