package protocol

import (
	"stonefall/server/internal/phys"
	"stonefall/server/internal/snapshot"
)

// Kind is the 2-bit top-level envelope tag.
type Kind uint8

const (
	KindGameAction Kind = iota
	KindBoardSetup
	KindPhysics
	KindStartMusic
)

// Action is the closed union of cross-peer message payloads. Only the types
// in this package satisfy it.
type Action interface {
	ActionKind() Kind
}

// Envelope wraps an action with its optional sender identity. Sender is an
// 8-bit peer index; a nil value means the transport did not attribute the
// message.
type Envelope struct {
	Sender *uint8
	Action Action
}

// GameCode enumerates the nested gameplay action variants. Codes are written
// with the minimum width covering every variant (4 bits).
type GameCode uint8

const (
	GameOneHitKOAnimate GameCode = iota
	GameTryGrab
	GameGrabStart
	GameGrabMove
	GameTryRelease
	GameReleaseEnd
	GameCatapultKnockOut
	GameGrabbableStatus
	GameRequestKnockoutSync
	GamePickup
	GameLeverMove

	gameCodeCount
)

const gameCodeBits = 4

// GrabInfo identifies a grabbable under manipulation together with the
// grabber's reference pose.
type GrabInfo struct {
	GrabbableIndex int
	GrabberID      uint8
	Position       phys.Vec3
	Orientation    phys.Quat
}

// GameAction is one gameplay/control event. Exactly the fields relevant to
// Code are populated.
type GameAction struct {
	Code     GameCode
	Grab     GrabInfo // grab/release/pickup/status variants
	Grabbed  bool     // GameGrabbableStatus
	NodeID   int      // GameOneHitKOAnimate
	Catapult uint8    // GameCatapultKnockOut
	LeverID  uint8    // GameLeverMove
	Value    float32  // GameLeverMove
}

// ActionKind tags GameAction as a top-level variant.
func (GameAction) ActionKind() Kind { return KindGameAction }

// BoardCode enumerates the board-setup variants (1 bit on the wire).
type BoardCode uint8

const (
	BoardRequestLocation BoardCode = iota
	BoardLocation

	boardCodeCount
)

const boardCodeBits = 1

// BoardSetupAction negotiates the shared board placement. WorldData carries
// the opaque world-map blob for BoardLocation and is empty otherwise.
type BoardSetupAction struct {
	Code      BoardCode
	WorldData []byte
}

// ActionKind tags BoardSetupAction as a top-level variant.
func (BoardSetupAction) ActionKind() Kind { return KindBoardSetup }

// PhysicsAction carries one synchronization packet. Physics replication
// shares the envelope with gameplay traffic but is consumed by the
// synchronization engine, not the game layer.
type PhysicsAction struct {
	Packet snapshot.Packet
}

// ActionKind tags PhysicsAction as a top-level variant.
func (PhysicsAction) ActionKind() Kind { return KindPhysics }

// StartMusicAction aligns music playback across peers. Timestamp is seconds
// since the shared session epoch.
type StartMusicAction struct {
	Timestamp float64
}

// ActionKind tags StartMusicAction as a top-level variant.
func (StartMusicAction) ActionKind() Kind { return KindStartMusic }
