package quant

import (
	"math"

	"stonefall/server/internal/bitstream"
	"stonefall/server/internal/phys"
)

// Smallest-three quaternion compression. A unit quaternion's components
// square-sum to one, so the largest-magnitude component can be omitted and
// reconstructed from the other three. The quaternion is negated when the
// omitted component is negative, which is safe because q and -q describe the
// same rotation; the omitted component is therefore always non-negative. A
// non-dominant component never exceeds 1/sqrt(2) in magnitude, which fixes
// the quantizer range for the three transmitted components.

const (
	// QuatComponentBits is the wire width of each transmitted component.
	QuatComponentBits = 12
	// QuatIndexBits is the wire width of the omitted-component index.
	QuatIndexBits = 2
	// QuatTotalBits is the full encoded size of a quaternion.
	QuatTotalBits = QuatIndexBits + 3*QuatComponentBits
)

var quatComponentQuantizer = MustFloatQuantizer(-maxNonDominant, maxNonDominant, QuatComponentBits)

var maxNonDominant = 1 / math.Sqrt2

// CompressQuat writes q in smallest-three form. The input must be close to
// unit length; callers normalize upstream.
func CompressQuat(w *bitstream.Writer, q phys.Quat) {
	components := [4]float64{q.X, q.Y, q.Z, q.W}

	largest := 0
	for i := 1; i < 4; i++ {
		if math.Abs(components[i]) > math.Abs(components[largest]) {
			largest = i
		}
	}
	if components[largest] < 0 {
		for i := range components {
			components[i] = -components[i]
		}
	}

	w.Write(uint32(largest), QuatIndexBits)
	for i, c := range components {
		if i == largest {
			continue
		}
		quatComponentQuantizer.Compress(w, c)
	}
}

// DecompressQuat reads a smallest-three quaternion and reconstructs the
// omitted component from the unit-norm constraint. The result is normalized
// so quantization error cannot push it off the unit sphere.
func DecompressQuat(r *bitstream.Reader) (phys.Quat, error) {
	largest, err := r.Read(QuatIndexBits)
	if err != nil {
		return phys.Quat{}, err
	}

	var components [4]float64
	sumSquares := 0.0
	for i := 0; i < 4; i++ {
		if i == int(largest) {
			continue
		}
		value, err := quatComponentQuantizer.Decompress(r)
		if err != nil {
			return phys.Quat{}, err
		}
		components[i] = value
		sumSquares += value * value
	}
	components[largest] = math.Sqrt(math.Max(0, 1-sumSquares))

	q := phys.Quat{X: components[0], Y: components[1], Z: components[2], W: components[3]}
	return q.Normalize(), nil
}
