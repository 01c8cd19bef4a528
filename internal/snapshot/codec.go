package snapshot

import (
	"errors"
	"fmt"
	"math"

	"stonefall/server/internal/bitstream"
	"stonefall/server/internal/phys"
	"stonefall/server/internal/quant"
)

// Wire layout constants. These widths are part of the deployment's wire
// contract and must not change without a protocol revision.
const (
	// SequenceBits is the width of the packet sequence counter; the counter
	// wraps at SequenceModulus.
	SequenceBits     = 15
	SequenceModulus  = 1 << SequenceBits
	nodeCountBits    = 10
	projectileBits   = 6
	soundCountBits   = 6
	soundIndexBits   = nodeCountBits
	soundKindBits    = 4
	teamBits         = 2
	positionRange    = 80.0
	velocityRange    = 200.0
	angularAxisRange = 1.0
	positionBits     = 16
	velocityBits     = 16
	angularAxisBits  = 12
	magnitudeBits    = 16
)

var (
	positionQuantizer  = quant.MustFloatQuantizer(-positionRange, positionRange, positionBits)
	velocityQuantizer  = quant.MustFloatQuantizer(-velocityRange, velocityRange, velocityBits)
	axisQuantizer      = quant.MustFloatQuantizer(-angularAxisRange, angularAxisRange, angularAxisBits)
	magnitudeQuantizer = quant.MustFloatQuantizer(-velocityRange, velocityRange, magnitudeBits)
)

// ErrTooManyEntries reports a packet whose element counts overflow their wire
// fields.
var ErrTooManyEntries = errors.New("snapshot: entry count exceeds wire field")

// EncodeNode writes one node record. Order: moving flag, position,
// orientation, then kinematics only when moving.
func EncodeNode(w *bitstream.Writer, s NodeSnapshot) {
	w.WriteBool(s.Moving)
	compressVec3(w, positionQuantizer, s.Position)
	quant.CompressQuat(w, s.Orientation.Normalize())
	if !s.Moving {
		return
	}
	compressVec3(w, velocityQuantizer, s.Velocity)

	angular := s.AngularVelocity
	if math.IsNaN(angular.W) {
		// Uninitialized physics state; transmit the reserved zero vector,
		// which consumers ignore rather than apply.
		angular = phys.Vec4{}
	}
	axisQuantizer.Compress(w, angular.X)
	axisQuantizer.Compress(w, angular.Y)
	axisQuantizer.Compress(w, angular.Z)
	magnitudeQuantizer.Compress(w, angular.W)
}

// DecodeNode reads one node record. Non-moving records decode to zero
// velocity and a zero angular vector so stale kinematics are never replayed.
func DecodeNode(r *bitstream.Reader) (NodeSnapshot, error) {
	var s NodeSnapshot
	moving, err := r.ReadBool()
	if err != nil {
		return s, err
	}
	s.Moving = moving
	if s.Position, err = decompressVec3(r, positionQuantizer); err != nil {
		return s, err
	}
	if s.Orientation, err = quant.DecompressQuat(r); err != nil {
		return s, err
	}
	if !moving {
		return s, nil
	}
	if s.Velocity, err = decompressVec3(r, velocityQuantizer); err != nil {
		return s, err
	}

	var codes [4]uint32
	widths := [4]int{angularAxisBits, angularAxisBits, angularAxisBits, magnitudeBits}
	for i, bits := range widths {
		if codes[i], err = r.Read(bits); err != nil {
			return s, err
		}
	}
	// The quantizers cannot represent 0 exactly, so the reserved no-update
	// vector is recognized by its codes rather than its dequantized values.
	axisZero := axisQuantizer.Quantize(0)
	if codes[0] == axisZero && codes[1] == axisZero && codes[2] == axisZero && codes[3] == magnitudeQuantizer.Quantize(0) {
		return s, nil
	}
	s.AngularVelocity = phys.Vec4{
		X: axisQuantizer.Dequantize(codes[0]),
		Y: axisQuantizer.Dequantize(codes[1]),
		Z: axisQuantizer.Dequantize(codes[2]),
		W: magnitudeQuantizer.Dequantize(codes[3]),
	}
	return s, nil
}

// EncodeProjectile writes one pool-slot record.
func EncodeProjectile(w *bitstream.Writer, p ProjectileSnapshot) {
	w.WriteBool(p.Alive)
	w.Write(uint32(p.Team), teamBits)
	EncodeNode(w, p.Node)
}

// DecodeProjectile reads one pool-slot record.
func DecodeProjectile(r *bitstream.Reader) (ProjectileSnapshot, error) {
	var p ProjectileSnapshot
	alive, err := r.ReadBool()
	if err != nil {
		return p, err
	}
	p.Alive = alive
	team, err := r.Read(teamBits)
	if err != nil {
		return p, err
	}
	p.Team = Team(team)
	p.Node, err = DecodeNode(r)
	return p, err
}

// ValidateCounts confirms the packet's element counts fit their wire fields.
func ValidateCounts(p Packet) error {
	if len(p.Nodes) >= 1<<nodeCountBits {
		return fmt.Errorf("%w: %d nodes", ErrTooManyEntries, len(p.Nodes))
	}
	if len(p.Projectiles) >= 1<<projectileBits {
		return fmt.Errorf("%w: %d projectiles", ErrTooManyEntries, len(p.Projectiles))
	}
	if len(p.Sounds) >= 1<<soundCountBits {
		return fmt.Errorf("%w: %d sounds", ErrTooManyEntries, len(p.Sounds))
	}
	return nil
}

// EncodePacket renders a full synchronization packet to packed bytes.
func EncodePacket(p Packet) ([]byte, error) {
	if err := ValidateCounts(p); err != nil {
		return nil, err
	}

	w := bitstream.NewWriter(64 + 16*len(p.Nodes))
	EncodePacketTo(w, p)
	return w.Finish(), nil
}

// EncodePacketTo writes the packet into an existing stream so it can ride
// inside a larger envelope. Counts must already be validated.
func EncodePacketTo(w *bitstream.Writer, p Packet) {
	w.Write(p.Sequence%SequenceModulus, SequenceBits)
	w.Write(uint32(len(p.Nodes)), nodeCountBits)
	for _, node := range p.Nodes {
		EncodeNode(w, node)
	}
	w.Write(uint32(len(p.Projectiles)), projectileBits)
	for _, projectile := range p.Projectiles {
		EncodeProjectile(w, projectile)
	}
	w.Write(uint32(len(p.Sounds)), soundCountBits)
	for _, sound := range p.Sounds {
		w.Write(uint32(sound.NodeIndex), soundIndexBits)
		w.Write(uint32(sound.Kind), soundKindBits)
	}
}

// DecodePacket parses a packet from packed bytes.
func DecodePacket(data []byte) (Packet, error) {
	return DecodePacketFrom(bitstream.NewReader(data))
}

// DecodePacketFrom parses a packet from an existing stream cursor.
func DecodePacketFrom(r *bitstream.Reader) (Packet, error) {
	var p Packet
	sequence, err := r.Read(SequenceBits)
	if err != nil {
		return p, err
	}
	p.Sequence = sequence

	nodeCount, err := r.Read(nodeCountBits)
	if err != nil {
		return p, err
	}
	p.Nodes = make([]NodeSnapshot, nodeCount)
	for i := range p.Nodes {
		if p.Nodes[i], err = DecodeNode(r); err != nil {
			return p, err
		}
	}

	projectileCount, err := r.Read(projectileBits)
	if err != nil {
		return p, err
	}
	p.Projectiles = make([]ProjectileSnapshot, projectileCount)
	for i := range p.Projectiles {
		if p.Projectiles[i], err = DecodeProjectile(r); err != nil {
			return p, err
		}
	}

	soundCount, err := r.Read(soundCountBits)
	if err != nil {
		return p, err
	}
	if soundCount > 0 {
		p.Sounds = make([]SoundEvent, soundCount)
		for i := range p.Sounds {
			index, err := r.Read(soundIndexBits)
			if err != nil {
				return p, err
			}
			kind, err := r.Read(soundKindBits)
			if err != nil {
				return p, err
			}
			p.Sounds[i] = SoundEvent{NodeIndex: int(index), Kind: SoundKind(kind)}
		}
	}
	return p, nil
}

func compressVec3(w *bitstream.Writer, q quant.FloatQuantizer, v phys.Vec3) {
	q.Compress(w, v.X)
	q.Compress(w, v.Y)
	q.Compress(w, v.Z)
}

func decompressVec3(r *bitstream.Reader, q quant.FloatQuantizer) (phys.Vec3, error) {
	var v phys.Vec3
	var err error
	if v.X, err = q.Decompress(r); err != nil {
		return v, err
	}
	if v.Y, err = q.Decompress(r); err != nil {
		return v, err
	}
	v.Z, err = q.Decompress(r)
	return v, err
}
