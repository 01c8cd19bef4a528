package server

import (
	"fmt"
	"sync"

	"stonefall/server/internal/replica"
	"stonefall/server/internal/snapshot"
)

type boardNode struct {
	body     replica.Body
	bound    bool
	lastSent snapshot.NodeSnapshot
	sent     bool
}

type boardProjectile struct {
	alive bool
	team  snapshot.Team
	body  replica.Body
}

// Board is the producer side of replication: the registry of locally
// simulated bodies whose poses are sampled into one packet per tick.
type Board struct {
	mu          sync.Mutex
	nodes       []boardNode
	projectiles []boardProjectile
	sounds      []snapshot.SoundEvent
	sequence    uint32
	modulus     uint32
}

// NewBoard allocates fixed node and projectile arenas.
func NewBoard(nodeSlots, projectileSlots int, modulus uint32) *Board {
	if nodeSlots <= 0 {
		nodeSlots = boardNodeLimit
	}
	if projectileSlots <= 0 {
		projectileSlots = projectileLimit
	}
	if modulus == 0 {
		modulus = snapshot.SequenceModulus
	}
	return &Board{
		nodes:       make([]boardNode, nodeSlots),
		projectiles: make([]boardProjectile, projectileSlots),
		modulus:     modulus,
	}
}

// BindNode attaches a simulated body to a wire index.
func (b *Board) BindNode(index int, body replica.Body) error {
	if body == nil {
		return fmt.Errorf("board: nil body for node %d", index)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.nodes) {
		return fmt.Errorf("board: node index %d out of range", index)
	}
	if b.nodes[index].bound {
		return fmt.Errorf("board: node index %d already bound", index)
	}
	b.nodes[index] = boardNode{body: body, bound: true}
	return nil
}

// ReleaseNode detaches a body from its slot.
func (b *Board) ReleaseNode(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.nodes) || !b.nodes[index].bound {
		return fmt.Errorf("board: node index %d not bound", index)
	}
	b.nodes[index] = boardNode{}
	return nil
}

// NodeBody returns the body bound at index, if any.
func (b *Board) NodeBody(index int) (replica.Body, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.nodes) || !b.nodes[index].bound {
		return nil, false
	}
	return b.nodes[index].body, true
}

// SpawnProjectile marks a pool slot live under local authority.
func (b *Board) SpawnProjectile(index int, team snapshot.Team, body replica.Body) error {
	if body == nil {
		return fmt.Errorf("board: nil body for projectile %d", index)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.projectiles) {
		return fmt.Errorf("board: projectile index %d out of range", index)
	}
	if b.projectiles[index].alive {
		return fmt.Errorf("board: projectile slot %d already live", index)
	}
	b.projectiles[index] = boardProjectile{alive: true, team: team, body: body}
	return nil
}

// DespawnProjectile returns a slot to the pool. The slot is reset, never
// destroyed.
func (b *Board) DespawnProjectile(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.projectiles) || !b.projectiles[index].alive {
		return fmt.Errorf("board: projectile slot %d not live", index)
	}
	b.projectiles[index] = boardProjectile{}
	return nil
}

// QueueSound schedules a one-shot audio trigger for the next packet. Extra
// triggers beyond one packet's worth are dropped rather than deferred, since
// late collision audio is worse than none.
func (b *Board) QueueSound(nodeIndex int, kind snapshot.SoundKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sounds) >= pendingSoundLimit {
		return
	}
	b.sounds = append(b.sounds, snapshot.SoundEvent{NodeIndex: nodeIndex, Kind: kind})
}

// Step advances every locally simulated body by dt seconds.
func (b *Board) Step(dt float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.nodes {
		if stepper, ok := b.nodes[i].body.(interface{ Step(float64) }); ok && b.nodes[i].bound {
			stepper.Step(dt)
		}
	}
	for i := range b.projectiles {
		if stepper, ok := b.projectiles[i].body.(interface{ Step(float64) }); ok && b.projectiles[i].alive {
			stepper.Step(dt)
		}
	}
}

// BuildPacket samples every bound body into a fresh packet, advancing the
// sequence number and draining pending sounds. The Moving flag compares each
// pose against the one last sent with full kinematics, so a resting node
// costs only its pose bits.
func (b *Board) BuildPacket() snapshot.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequence = (b.sequence + 1) % b.modulus
	packet := snapshot.Packet{Sequence: b.sequence}

	highest := -1
	for i := range b.nodes {
		if b.nodes[i].bound {
			highest = i
		}
	}
	for i := 0; i <= highest; i++ {
		slot := &b.nodes[i]
		if !slot.bound {
			packet.Nodes = append(packet.Nodes, snapshot.NodeSnapshot{})
			continue
		}
		snap := sampleBody(slot.body)
		snap.Moving = !slot.sent || snap.MovedSince(slot.lastSent)
		if snap.Moving {
			slot.lastSent = snap
			slot.sent = true
		}
		packet.Nodes = append(packet.Nodes, snap)
	}

	highest = -1
	for i := range b.projectiles {
		if b.projectiles[i].alive {
			highest = i
		}
	}
	for i := 0; i <= highest; i++ {
		slot := &b.projectiles[i]
		if !slot.alive {
			packet.Projectiles = append(packet.Projectiles, snapshot.ProjectileSnapshot{})
			continue
		}
		snap := sampleBody(slot.body)
		snap.Moving = true
		packet.Projectiles = append(packet.Projectiles, snapshot.ProjectileSnapshot{
			Alive: true,
			Team:  slot.team,
			Node:  snap,
		})
	}

	if len(b.sounds) > 0 {
		packet.Sounds = append(packet.Sounds, b.sounds...)
		b.sounds = b.sounds[:0]
	}
	return packet
}

// Sequence reports the last built packet's sequence number.
func (b *Board) Sequence() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequence
}

func sampleBody(body replica.Body) snapshot.NodeSnapshot {
	return snapshot.NodeSnapshot{
		Position:        body.Position(),
		Orientation:     body.Orientation(),
		Velocity:        body.Velocity(),
		AngularVelocity: body.AngularVelocity(),
	}
}
