package phys

import "sync"

// RigidBody is a minimal lock-guarded kinematic body. Locally simulated nodes
// integrate it each tick; replica-driven nodes have their pose pushed into it
// directly, with the next integration step skipped so the remote update is
// not double-counted.
type RigidBody struct {
	mu              sync.Mutex
	position        Vec3
	orientation     Quat
	velocity        Vec3
	angular         Vec4
	skipIntegration bool
}

// NewRigidBody places a body at the given pose with zero kinematics.
func NewRigidBody(position Vec3, orientation Quat) *RigidBody {
	if orientation == (Quat{}) {
		orientation = IdentityQuat()
	}
	return &RigidBody{position: position, orientation: orientation}
}

func (b *RigidBody) Position() Vec3 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

func (b *RigidBody) SetPosition(v Vec3) {
	b.mu.Lock()
	b.position = v
	b.mu.Unlock()
}

func (b *RigidBody) Orientation() Quat {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.orientation
}

func (b *RigidBody) SetOrientation(q Quat) {
	b.mu.Lock()
	b.orientation = q.Normalize()
	b.mu.Unlock()
}

func (b *RigidBody) Velocity() Vec3 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.velocity
}

func (b *RigidBody) SetVelocity(v Vec3) {
	b.mu.Lock()
	b.velocity = v
	b.mu.Unlock()
}

func (b *RigidBody) AngularVelocity() Vec4 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.angular
}

func (b *RigidBody) SetAngularVelocity(v Vec4) {
	b.mu.Lock()
	b.angular = v
	b.mu.Unlock()
}

// ResetTransform marks the current pose as authoritative and suppresses the
// next integration step.
func (b *RigidBody) ResetTransform() {
	b.mu.Lock()
	b.skipIntegration = true
	b.mu.Unlock()
}

// Step integrates position and orientation over dt seconds. A step following
// ResetTransform is a no-op.
func (b *RigidBody) Step(dt float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.skipIntegration {
		b.skipIntegration = false
		return
	}
	if dt <= 0 {
		return
	}
	b.position = b.position.Add(b.velocity.Scale(dt))
	if b.angular.W != 0 {
		spin := QuatFromAxisAngle(b.angular.Axis(), b.angular.W*dt)
		b.orientation = spin.Mul(b.orientation).Normalize()
	}
}
