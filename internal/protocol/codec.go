package protocol

import (
	"errors"
	"fmt"
	"math"

	"stonefall/server/internal/bitstream"
	"stonefall/server/internal/phys"
	"stonefall/server/internal/quant"
	"stonefall/server/internal/snapshot"
)

const (
	kindBits      = 2
	senderBits    = 8
	grabbableBits = 10
	nodeIndexBits = 10
	catapultBits  = 4
	leverBits     = 4
)

// ErrUnknownTag reports an enumerated code outside the closed union. Unknown
// tags are a hard decode error; there is no forward-compatible skip.
var ErrUnknownTag = errors.New("protocol: unknown tag")

// Encode renders an envelope to packed bytes.
func Encode(e Envelope) ([]byte, error) {
	if e.Action == nil {
		return nil, errors.New("protocol: envelope has no action")
	}
	w := bitstream.NewWriter(64)

	// The kind tag leads; the optional sender identity follows it.
	w.Write(uint32(e.Action.ActionKind()), kindBits)
	w.WriteBool(e.Sender != nil)
	if e.Sender != nil {
		w.Write(uint32(*e.Sender), senderBits)
	}
	switch action := e.Action.(type) {
	case GameAction:
		return encodeGameAction(w, action)
	case BoardSetupAction:
		return encodeBoardSetup(w, action)
	case PhysicsAction:
		if err := snapshot.ValidateCounts(action.Packet); err != nil {
			return nil, err
		}
		snapshot.EncodePacketTo(w, action.Packet)
		return w.Finish(), nil
	case StartMusicAction:
		bits := math.Float64bits(action.Timestamp)
		w.Write(uint32(bits>>32), 32)
		w.Write(uint32(bits), 32)
		return w.Finish(), nil
	default:
		return nil, fmt.Errorf("protocol: unsupported action %T", e.Action)
	}
}

// Decode parses an envelope from packed bytes.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	r := bitstream.NewReader(data)

	kind, err := r.Read(kindBits)
	if err != nil {
		return e, err
	}

	hasSender, err := r.ReadBool()
	if err != nil {
		return e, err
	}
	if hasSender {
		sender, err := r.Read(senderBits)
		if err != nil {
			return e, err
		}
		id := uint8(sender)
		e.Sender = &id
	}

	switch Kind(kind) {
	case KindGameAction:
		e.Action, err = decodeGameAction(r)
	case KindBoardSetup:
		e.Action, err = decodeBoardSetup(r)
	case KindPhysics:
		var packet snapshot.Packet
		if packet, err = snapshot.DecodePacketFrom(r); err == nil {
			e.Action = PhysicsAction{Packet: packet}
		}
	case KindStartMusic:
		var hi, lo uint32
		if hi, err = r.Read(32); err != nil {
			return e, err
		}
		if lo, err = r.Read(32); err != nil {
			return e, err
		}
		e.Action = StartMusicAction{Timestamp: math.Float64frombits(uint64(hi)<<32 | uint64(lo))}
	}
	return e, err
}

func encodeGameAction(w *bitstream.Writer, action GameAction) ([]byte, error) {
	if action.Code >= gameCodeCount {
		return nil, fmt.Errorf("%w: game code %d", ErrUnknownTag, action.Code)
	}
	w.Write(uint32(action.Code), gameCodeBits)
	switch action.Code {
	case GameOneHitKOAnimate:
		w.Write(uint32(action.NodeID), nodeIndexBits)
	case GameTryGrab, GameGrabStart, GameGrabMove, GameTryRelease, GameReleaseEnd, GamePickup:
		encodeGrabInfo(w, action.Grab)
	case GameGrabbableStatus:
		encodeGrabInfo(w, action.Grab)
		w.WriteBool(action.Grabbed)
	case GameCatapultKnockOut:
		w.Write(uint32(action.Catapult), catapultBits)
	case GameRequestKnockoutSync:
		// No payload.
	case GameLeverMove:
		w.Write(uint32(action.LeverID), leverBits)
		w.WriteFloat(action.Value)
	}
	return w.Finish(), nil
}

func decodeGameAction(r *bitstream.Reader) (Action, error) {
	code, err := r.Read(gameCodeBits)
	if err != nil {
		return nil, err
	}
	if GameCode(code) >= gameCodeCount {
		return nil, fmt.Errorf("%w: game code %d", ErrUnknownTag, code)
	}
	action := GameAction{Code: GameCode(code)}
	switch action.Code {
	case GameOneHitKOAnimate:
		index, err := r.Read(nodeIndexBits)
		if err != nil {
			return nil, err
		}
		action.NodeID = int(index)
	case GameTryGrab, GameGrabStart, GameGrabMove, GameTryRelease, GameReleaseEnd, GamePickup:
		if action.Grab, err = decodeGrabInfo(r); err != nil {
			return nil, err
		}
	case GameGrabbableStatus:
		if action.Grab, err = decodeGrabInfo(r); err != nil {
			return nil, err
		}
		if action.Grabbed, err = r.ReadBool(); err != nil {
			return nil, err
		}
	case GameCatapultKnockOut:
		catapult, err := r.Read(catapultBits)
		if err != nil {
			return nil, err
		}
		action.Catapult = uint8(catapult)
	case GameRequestKnockoutSync:
	case GameLeverMove:
		lever, err := r.Read(leverBits)
		if err != nil {
			return nil, err
		}
		action.LeverID = uint8(lever)
		if action.Value, err = r.ReadFloat(); err != nil {
			return nil, err
		}
	}
	return action, nil
}

func encodeBoardSetup(w *bitstream.Writer, action BoardSetupAction) ([]byte, error) {
	if action.Code >= boardCodeCount {
		return nil, fmt.Errorf("%w: board code %d", ErrUnknownTag, action.Code)
	}
	w.Write(uint32(action.Code), boardCodeBits)
	if action.Code == BoardLocation {
		w.WriteBytes(action.WorldData)
	}
	return w.Finish(), nil
}

func decodeBoardSetup(r *bitstream.Reader) (Action, error) {
	code, err := r.Read(boardCodeBits)
	if err != nil {
		return nil, err
	}
	action := BoardSetupAction{Code: BoardCode(code)}
	if action.Code == BoardLocation {
		if action.WorldData, err = r.ReadBytes(); err != nil {
			return nil, err
		}
	}
	return action, nil
}

// Grab poses ride the action path at a low rate, so components are written as
// full floats rather than quantized.
func encodeGrabInfo(w *bitstream.Writer, info GrabInfo) {
	w.Write(uint32(info.GrabbableIndex), grabbableBits)
	w.Write(uint32(info.GrabberID), senderBits)
	w.WriteFloat(float32(info.Position.X))
	w.WriteFloat(float32(info.Position.Y))
	w.WriteFloat(float32(info.Position.Z))
	quant.CompressQuat(w, info.Orientation.Normalize())
}

func decodeGrabInfo(r *bitstream.Reader) (GrabInfo, error) {
	var info GrabInfo
	index, err := r.Read(grabbableBits)
	if err != nil {
		return info, err
	}
	info.GrabbableIndex = int(index)
	grabber, err := r.Read(senderBits)
	if err != nil {
		return info, err
	}
	info.GrabberID = uint8(grabber)
	var x, y, z float32
	if x, err = r.ReadFloat(); err != nil {
		return info, err
	}
	if y, err = r.ReadFloat(); err != nil {
		return info, err
	}
	if z, err = r.ReadFloat(); err != nil {
		return info, err
	}
	info.Position = phys.Vec3{X: float64(x), Y: float64(y), Z: float64(z)}
	info.Orientation, err = quant.DecompressQuat(r)
	return info, err
}
