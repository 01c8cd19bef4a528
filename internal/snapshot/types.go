package snapshot

import (
	"math"

	"stonefall/server/internal/phys"
)

// NodeSnapshot carries the pose and kinematics of one physics-bearing node
// for a single tick. Snapshots are regenerated from live simulation state
// every tick and never persisted.
type NodeSnapshot struct {
	Moving          bool
	Position        phys.Vec3
	Orientation     phys.Quat
	Velocity        phys.Vec3
	AngularVelocity phys.Vec4
}

// Producer-side suppression thresholds. A node whose pose stayed inside these
// bounds since the last transmitted snapshot is sent with Moving=false and no
// kinematics payload.
const (
	positionEpsilon    = 0.0001
	orientationEpsilon = 1e-5
)

// MovedSince reports whether the node's pose drifted beyond the suppression
// thresholds relative to prev.
func (s NodeSnapshot) MovedSince(prev NodeSnapshot) bool {
	delta := s.Position.Sub(prev.Position)
	if math.Abs(delta.X) > positionEpsilon || math.Abs(delta.Y) > positionEpsilon || math.Abs(delta.Z) > positionEpsilon {
		return true
	}
	// q and -q are the same rotation, so compare via |dot|.
	return math.Abs(s.Orientation.Dot(prev.Orientation)) < 1-orientationEpsilon
}

// Team identifies projectile ownership on the wire.
type Team uint8

const (
	TeamNone Team = iota
	TeamBlue
	TeamYellow
)

// ProjectileSnapshot mirrors one fixed pool slot. The slot itself is never
// destroyed; Alive toggles with spawn/despawn and the node payload is only
// meaningful while alive.
type ProjectileSnapshot struct {
	Alive bool
	Team  Team
	Node  NodeSnapshot
}

// SoundKind enumerates one-shot collision audio triggers.
type SoundKind uint8

const (
	SoundNone SoundKind = iota
	SoundBounce
	SoundImpactSoft
	SoundImpactHard
	SoundCatapultHit
	SoundBlockBreak
)

// SoundEvent asks the remote audio collaborator to play one trigger at the
// named node. Events ride exactly one packet and are cleared afterwards;
// delivery is at-most-once per occurrence.
type SoundEvent struct {
	NodeIndex int
	Kind      SoundKind
}

// Packet aggregates one tick's worth of replication state. It is immutable
// once built.
type Packet struct {
	Sequence    uint32
	Nodes       []NodeSnapshot
	Projectiles []ProjectileSnapshot
	Sounds      []SoundEvent
}
