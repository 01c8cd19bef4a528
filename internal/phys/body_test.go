package phys

import (
	"math"
	"testing"
)

func TestRigidBodyIntegratesVelocity(t *testing.T) {
	body := NewRigidBody(Vec3{X: 1}, IdentityQuat())
	body.SetVelocity(Vec3{X: 2, Y: -4})

	body.Step(0.5)

	got := body.Position()
	want := Vec3{X: 2, Y: -2}
	if got != want {
		t.Fatalf("position = %+v, want %+v", got, want)
	}
}

func TestRigidBodyIntegratesSpin(t *testing.T) {
	body := NewRigidBody(Vec3{}, IdentityQuat())
	// Half a turn per second around Y.
	body.SetAngularVelocity(Vec4{Y: 1, W: math.Pi})

	body.Step(0.5)

	want := QuatFromAxisAngle(Vec3{Y: 1}, math.Pi/2)
	if angle := body.Orientation().AngleTo(want); angle > 1e-9 {
		t.Fatalf("orientation off by %v radians", angle)
	}
}

func TestResetTransformSkipsOneStep(t *testing.T) {
	body := NewRigidBody(Vec3{}, IdentityQuat())
	body.SetVelocity(Vec3{X: 10})

	body.ResetTransform()
	body.SetPosition(Vec3{X: 50})
	body.Step(1)
	if got := body.Position(); got != (Vec3{X: 50}) {
		t.Fatalf("integration ran through a reset: %+v", got)
	}

	body.Step(1)
	if got := body.Position(); got != (Vec3{X: 60}) {
		t.Fatalf("integration did not resume: %+v", got)
	}
}

func TestSetOrientationNormalizes(t *testing.T) {
	body := NewRigidBody(Vec3{}, IdentityQuat())
	body.SetOrientation(Quat{W: 2})

	if got := body.Orientation(); got != IdentityQuat() {
		t.Fatalf("orientation = %+v, want normalized identity", got)
	}
}

func TestQuatFromAxisAngle(t *testing.T) {
	if got := QuatFromAxisAngle(Vec3{}, 1); got != IdentityQuat() {
		t.Fatalf("zero axis = %+v, want identity", got)
	}

	// A non-unit axis is normalized before building the rotation. Normalizing
	// introduces float rounding, so compare within a loose angular tolerance.
	scaled := QuatFromAxisAngle(Vec3{Y: 5}, math.Pi/3)
	unit := QuatFromAxisAngle(Vec3{Y: 1}, math.Pi/3)
	if angle := scaled.AngleTo(unit); angle > 1e-6 {
		t.Fatalf("scaled axis differs by %v radians", angle)
	}
}

func TestQuatMulComposes(t *testing.T) {
	quarter := QuatFromAxisAngle(Vec3{Z: 1}, math.Pi/2)
	half := quarter.Mul(quarter)

	want := QuatFromAxisAngle(Vec3{Z: 1}, math.Pi)
	if angle := half.AngleTo(want); angle > 1e-9 {
		t.Fatalf("composed rotation off by %v radians", angle)
	}
}

func TestSlerpTakesShorterArc(t *testing.T) {
	from := IdentityQuat()
	to := QuatFromAxisAngle(Vec3{X: 1}, math.Pi/2)

	mid := from.Slerp(to, 0.5)
	want := QuatFromAxisAngle(Vec3{X: 1}, math.Pi/4)
	if angle := mid.AngleTo(want); angle > 1e-9 {
		t.Fatalf("midpoint off by %v radians", angle)
	}

	// The sign-flipped target is the same rotation and must blend the same way.
	flipped := from.Slerp(to.Neg(), 0.5)
	if angle := flipped.AngleTo(want); angle > 1e-9 {
		t.Fatalf("double-cover midpoint off by %v radians", angle)
	}
}
