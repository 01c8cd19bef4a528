package server

import (
	"fmt"
	"sync"

	"stonefall/server/internal/phys"
	"stonefall/server/internal/replica"
)

// BodyPool is the default projectile pool: a fixed arena of rigid bodies
// checked out when the synchronization engine spawns a remote projectile and
// reset on despawn.
type BodyPool struct {
	mu     sync.Mutex
	bodies []*phys.RigidBody
	live   []bool
}

// NewBodyPool allocates the arena up front so Spawn never allocates on the
// replication path.
func NewBodyPool(size int) *BodyPool {
	if size <= 0 {
		size = projectileLimit
	}
	pool := &BodyPool{
		bodies: make([]*phys.RigidBody, size),
		live:   make([]bool, size),
	}
	for i := range pool.bodies {
		pool.bodies[i] = phys.NewRigidBody(phys.Vec3{}, phys.IdentityQuat())
	}
	return pool
}

// Spawn checks a slot out and returns its body.
func (p *BodyPool) Spawn(index int) (replica.Body, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.bodies) {
		return nil, fmt.Errorf("pool: slot %d out of range", index)
	}
	if p.live[index] {
		return nil, fmt.Errorf("pool: slot %d already live", index)
	}
	p.live[index] = true
	return p.bodies[index], nil
}

// Despawn checks a slot back in, zeroing its kinematics for reuse.
func (p *BodyPool) Despawn(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.bodies) {
		return fmt.Errorf("pool: slot %d out of range", index)
	}
	if !p.live[index] {
		return fmt.Errorf("pool: slot %d not live", index)
	}
	p.live[index] = false
	body := p.bodies[index]
	body.SetPosition(phys.Vec3{})
	body.SetOrientation(phys.IdentityQuat())
	body.SetVelocity(phys.Vec3{})
	body.SetAngularVelocity(phys.Vec4{})
	return nil
}

// Live reports whether a slot is checked out.
func (p *BodyPool) Live(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.live) {
		return false
	}
	return p.live[index]
}
