package phys

import "math"

// Quat is a rotation quaternion. Codec and blending paths assume unit length;
// Normalize restores it after accumulated float error.
type Quat struct {
	X, Y, Z, W float64
}

// IdentityQuat returns the neutral rotation.
func IdentityQuat() Quat {
	return Quat{W: 1}
}

// Dot returns the four-component dot product.
func (q Quat) Dot(other Quat) float64 {
	return q.X*other.X + q.Y*other.Y + q.Z*other.Z + q.W*other.W
}

// Neg returns the sign-flipped quaternion. Both q and -q describe the same
// rotation (double cover).
func (q Quat) Neg() Quat {
	return Quat{-q.X, -q.Y, -q.Z, -q.W}
}

// Length returns the Euclidean norm of q.
func (q Quat) Length() float64 {
	return math.Sqrt(q.Dot(q))
}

// Normalize returns q scaled to unit length. A degenerate zero quaternion
// normalizes to the identity.
func (q Quat) Normalize() Quat {
	length := q.Length()
	if length == 0 {
		return IdentityQuat()
	}
	inv := 1 / length
	return Quat{q.X * inv, q.Y * inv, q.Z * inv, q.W * inv}
}

// Slerp spherically blends q toward target by t in [0,1]. The shorter arc is
// taken by flipping the target when the dot product is negative. Nearly
// parallel inputs fall back to a normalized linear blend to avoid dividing by
// a vanishing sine.
func (q Quat) Slerp(target Quat, t float64) Quat {
	dot := q.Dot(target)
	if dot < 0 {
		target = target.Neg()
		dot = -dot
	}
	if dot > 0.9995 {
		return Quat{
			X: q.X + (target.X-q.X)*t,
			Y: q.Y + (target.Y-q.Y)*t,
			Z: q.Z + (target.Z-q.Z)*t,
			W: q.W + (target.W-q.W)*t,
		}.Normalize()
	}
	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sinTheta
	wb := math.Sin(t*theta) / sinTheta
	return Quat{
		X: wa*q.X + wb*target.X,
		Y: wa*q.Y + wb*target.Y,
		Z: wa*q.Z + wb*target.Z,
		W: wa*q.W + wb*target.W,
	}.Normalize()
}

// QuatFromAxisAngle builds the rotation of angle radians around axis. A zero
// axis yields the identity.
func QuatFromAxisAngle(axis Vec3, angle float64) Quat {
	length := axis.Length()
	if length == 0 {
		return IdentityQuat()
	}
	half := angle / 2
	s := math.Sin(half) / length
	return Quat{
		X: axis.X * s,
		Y: axis.Y * s,
		Z: axis.Z * s,
		W: math.Cos(half),
	}
}

// Mul returns the composition q * other (apply other, then q).
func (q Quat) Mul(other Quat) Quat {
	return Quat{
		X: q.W*other.X + q.X*other.W + q.Y*other.Z - q.Z*other.Y,
		Y: q.W*other.Y - q.X*other.Z + q.Y*other.W + q.Z*other.X,
		Z: q.W*other.Z + q.X*other.Y - q.Y*other.X + q.Z*other.W,
		W: q.W*other.W - q.X*other.X - q.Y*other.Y - q.Z*other.Z,
	}
}

// AngleTo returns the rotation angle in radians separating q and other,
// treating q and -q as the same rotation.
func (q Quat) AngleTo(other Quat) float64 {
	dot := math.Abs(q.Dot(other))
	if dot > 1 {
		dot = 1
	}
	return 2 * math.Acos(dot)
}
