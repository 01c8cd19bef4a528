package replica

import (
	"stonefall/server/internal/phys"
	"stonefall/server/internal/snapshot"
)

// Body is the physics-body accessor the engine drives when applying remote
// state. Setting pose through ResetTransform plus the setters bypasses
// integration for that tick so remote updates are not double-counted.
type Body interface {
	Position() phys.Vec3
	SetPosition(phys.Vec3)
	Orientation() phys.Quat
	SetOrientation(phys.Quat)
	Velocity() phys.Vec3
	SetVelocity(phys.Vec3)
	AngularVelocity() phys.Vec4
	SetAngularVelocity(phys.Vec4)
	ResetTransform()
}

// ProjectilePool checks pooled bodies in and out on behalf of the engine.
// Slots are identified by their fixed pool index.
type ProjectilePool interface {
	Spawn(index int) (Body, error)
	Despawn(index int) error
}

// AudioSink receives one-shot sound triggers drained from packets.
type AudioSink interface {
	Play(nodeIndex int, kind snapshot.SoundKind)
}

// DelayObserver is notified when the engine enters or leaves the
// network-delay condition. Exactly one call per transition.
type DelayObserver interface {
	NetworkDelayChanged(delayed bool)
}

// DelayObserverFunc adapts a function into a DelayObserver.
type DelayObserverFunc func(delayed bool)

// NetworkDelayChanged implements DelayObserver.
func (f DelayObserverFunc) NetworkDelayChanged(delayed bool) {
	if f == nil {
		return
	}
	f(delayed)
}
