package quant

import (
	"fmt"
	"math"

	"stonefall/server/internal/bitstream"
)

// FloatQuantizer maps a bounded float range onto a fixed-width integer range.
// The mapping is linear: [Min,Max] onto [0, 2^Bits-1]. Values outside the
// range clamp to the boundary, so Compress is not invertible there; this is
// the accepted lossy contract, not a defect. Round-trip error is bounded by
// (Max-Min)/2^Bits for in-range inputs.
type FloatQuantizer struct {
	Min  float64
	Max  float64
	Bits int
}

// NewFloatQuantizer validates the configuration. Min must be strictly below
// Max and Bits must fit a uint32 field.
func NewFloatQuantizer(min, max float64, bits int) (FloatQuantizer, error) {
	if min >= max {
		return FloatQuantizer{}, fmt.Errorf("quant: min %v must be below max %v", min, max)
	}
	if bits < 1 || bits > 32 {
		return FloatQuantizer{}, fmt.Errorf("quant: bits %d out of range [1,32]", bits)
	}
	return FloatQuantizer{Min: min, Max: max, Bits: bits}, nil
}

// MustFloatQuantizer is NewFloatQuantizer for compile-time constant configs.
func MustFloatQuantizer(min, max float64, bits int) FloatQuantizer {
	q, err := NewFloatQuantizer(min, max, bits)
	if err != nil {
		panic(err)
	}
	return q
}

// MaxError reports the worst-case reconstruction error for in-range values.
func (q FloatQuantizer) MaxError() float64 {
	return (q.Max - q.Min) / float64(uint64(1)<<uint(q.Bits))
}

// Quantize maps value onto the integer range, clamping out-of-range inputs.
func (q FloatQuantizer) Quantize(value float64) uint32 {
	if value < q.Min {
		value = q.Min
	}
	if value > q.Max {
		value = q.Max
	}
	maxInt := float64(uint64(1)<<uint(q.Bits) - 1)
	scaled := (value - q.Min) / (q.Max - q.Min) * maxInt
	return uint32(math.Round(scaled))
}

// Dequantize is the inverse affine map.
func (q FloatQuantizer) Dequantize(bits uint32) float64 {
	maxInt := float64(uint64(1)<<uint(q.Bits) - 1)
	return q.Min + float64(bits)/maxInt*(q.Max-q.Min)
}

// Compress quantizes value and writes it to the stream.
func (q FloatQuantizer) Compress(w *bitstream.Writer, value float64) {
	w.Write(q.Quantize(value), q.Bits)
}

// Decompress reads a quantized value from the stream and reconstructs it.
func (q FloatQuantizer) Decompress(r *bitstream.Reader) (float64, error) {
	bits, err := r.Read(q.Bits)
	if err != nil {
		return 0, err
	}
	return q.Dequantize(bits), nil
}
