package bitstream

import (
	"errors"
	"fmt"
	"math"
)

// ErrInsufficientData reports a read past the end of the buffered bits.
var ErrInsufficientData = errors.New("bitstream: insufficient data")

// Reader consumes a bit sequence produced by Writer. The buffer is treated as
// immutable; only the cursor advances.
type Reader struct {
	buf    []byte
	cursor int
}

// NewReader constructs a reader over the provided buffer with the cursor at
// bit zero.
func NewReader(data []byte) *Reader {
	return &Reader{buf: data}
}

// Read returns the next width bits as an unsigned integer. Width must be
// between 1 and 32. It fails with ErrInsufficientData when fewer bits remain
// than requested; the cursor is left unchanged on failure.
func (r *Reader) Read(width int) (uint32, error) {
	if width <= 0 || width > 32 {
		panic(fmt.Sprintf("bitstream: invalid read width %d", width))
	}
	if r.Remaining() < width {
		return 0, ErrInsufficientData
	}
	var value uint32
	for i := 0; i < width; i++ {
		value = value<<1 | uint32(r.readBit())
	}
	return value, nil
}

// ReadBool consumes a single bit.
func (r *Reader) ReadBool() (bool, error) {
	bits, err := r.Read(1)
	if err != nil {
		return false, err
	}
	return bits == 1, nil
}

// ReadFloat consumes a 32-bit IEEE-754 pattern.
func (r *Reader) ReadFloat() (float32, error) {
	bits, err := r.Read(32)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

// ReadBytes consumes a 32-bit length prefix followed by that many bytes.
func (r *Reader) ReadBytes() ([]byte, error) {
	length, err := r.Read(32)
	if err != nil {
		return nil, err
	}
	if r.Remaining() < int(length)*8 {
		return nil, ErrInsufficientData
	}
	data := make([]byte, length)
	for i := range data {
		b, err := r.Read(8)
		if err != nil {
			return nil, err
		}
		data[i] = byte(b)
	}
	return data, nil
}

// Remaining reports the number of unread bits.
func (r *Reader) Remaining() int {
	return len(r.buf)*8 - r.cursor
}

func (r *Reader) readBit() byte {
	bit := r.buf[r.cursor/8] >> uint(7-r.cursor%8) & 1
	r.cursor++
	return bit
}
