package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stonefall/server/internal/phys"
	"stonefall/server/internal/snapshot"
	"stonefall/server/internal/telemetry"
	"stonefall/server/logging"
	replicationlog "stonefall/server/logging/replication"
)

// State names the jitter buffer's buffering mode.
type State uint8

const (
	// StateRefilling buffers arrivals without producing output until the
	// queue reaches the high-water mark.
	StateRefilling State = iota
	// StateNormal consumes one packet per tick.
	StateNormal
	// StateStarvedHalfway stretches each packet across two ticks with an
	// interpolated half-step while the queue sits at or below the
	// low-water mark.
	StateStarvedHalfway
	// StateDisconnectedStall holds the last known pose while the queue is
	// empty.
	StateDisconnectedStall
)

func (s State) String() string {
	switch s {
	case StateRefilling:
		return "refilling"
	case StateNormal:
		return "normal"
	case StateStarvedHalfway:
		return "starved_halfway"
	case StateDisconnectedStall:
		return "disconnected_stall"
	default:
		return "unknown"
	}
}

// Telemetry counter keys published by the engine.
const (
	MetricStaleDrop      = "replica_stale_drop"
	MetricDecodeError    = "replica_decode_error"
	MetricQueueOverflow  = "replica_queue_overflow"
	MetricPacketsApplied = "replica_packets_applied"
)

// Config tunes the jitter buffer. Zero capacities and the zero Modulus fall
// back to defaults; watermarks are validated as given.
type Config struct {
	NodeCapacity       int
	ProjectileCapacity int
	HighWater          int
	LowWater           int
	QueueCap           int
	Modulus            uint32
	QuietPeriod        time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		NodeCapacity:       256,
		ProjectileCapacity: 64,
		HighWater:          8,
		LowWater:           4,
		QueueCap:           50,
		Modulus:            snapshot.SequenceModulus,
		QuietPeriod:        defaultQuietPeriod,
	}
}

// Deps carries the engine's collaborators. Pool, Audio and Delay must be
// resolved before construction; the engine refuses to start without them.
type Deps struct {
	Pool      ProjectilePool
	Audio     AudioSink
	Delay     DelayObserver
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Clock     func() time.Time
}

type nodeSlot struct {
	body  Body
	bound bool
	snap  snapshot.NodeSnapshot
}

type projectileSlot struct {
	alive bool
	team  snapshot.Team
	body  Body
	snap  snapshot.NodeSnapshot
}

// Engine is the jitter-buffered synchronization core. A transport goroutine
// feeds it decoded packets through Enqueue; the simulation goroutine drives
// it once per tick through Tick. All shared state sits behind one mutex that
// is never held across a collaborator call.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	nodes       []nodeSlot
	projectiles []projectileSlot
	ignore      map[int]struct{}
	queue       []snapshot.Packet
	lastApplied uint32
	hasApplied  bool
	state       State
	halfPending bool
	tick        uint64

	pool      ProjectilePool
	audio     AudioSink
	delay     DelayObserver
	policy    *Policy
	publisher logging.Publisher
	metrics   telemetry.Metrics
	clock     func() time.Time
}

// NewEngine validates the configuration and collaborator set. A nil pool,
// audio sink or delay observer is a setup error, not a runtime condition.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if cfg.NodeCapacity <= 0 {
		cfg.NodeCapacity = 256
	}
	if cfg.ProjectileCapacity <= 0 {
		cfg.ProjectileCapacity = 64
	}
	if cfg.Modulus == 0 {
		cfg.Modulus = snapshot.SequenceModulus
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 50
	}
	if cfg.HighWater < 1 {
		return nil, errors.New("replica: high-water mark must be at least 1")
	}
	if cfg.LowWater < 0 || cfg.LowWater >= cfg.HighWater {
		return nil, errors.New("replica: low-water mark must be below the high-water mark")
	}
	if cfg.QueueCap < cfg.HighWater {
		return nil, errors.New("replica: queue capacity must cover the high-water mark")
	}
	if cfg.Modulus < 2 || cfg.Modulus%2 != 0 {
		return nil, errors.New("replica: sequence modulus must be a positive even number")
	}
	if deps.Pool == nil {
		return nil, errors.New("replica: projectile pool collaborator missing")
	}
	if deps.Audio == nil {
		return nil, errors.New("replica: audio sink collaborator missing")
	}
	if deps.Delay == nil {
		return nil, errors.New("replica: delay observer collaborator missing")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Engine{
		cfg:         cfg,
		nodes:       make([]nodeSlot, cfg.NodeCapacity),
		projectiles: make([]projectileSlot, cfg.ProjectileCapacity),
		ignore:      make(map[int]struct{}),
		queue:       make([]snapshot.Packet, 0, cfg.QueueCap),
		state:       StateRefilling,
		pool:        deps.Pool,
		audio:       deps.Audio,
		delay:       deps.Delay,
		policy:      NewPolicy(cfg.QuietPeriod),
		publisher:   publisher,
		metrics:     deps.Metrics,
		clock:       clock,
	}, nil
}

// RegisterNode binds a physics body to an arena slot. The slot index is the
// node's wire index; it never changes for the lifetime of the session.
func (e *Engine) RegisterNode(index int, body Body) error {
	if body == nil {
		return errors.New("replica: nil body")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.nodes) {
		return fmt.Errorf("replica: node index %d out of range", index)
	}
	if e.nodes[index].bound {
		return fmt.Errorf("replica: node index %d already registered", index)
	}
	e.nodes[index] = nodeSlot{body: body, bound: true}
	return nil
}

// UnregisterNode releases a slot. The slot's last pose is discarded.
func (e *Engine) UnregisterNode(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.nodes) || !e.nodes[index].bound {
		return fmt.Errorf("replica: node index %d not registered", index)
	}
	e.nodes[index] = nodeSlot{}
	delete(e.ignore, index)
	return nil
}

// Ignore excludes a node from remote application while it is under local
// authority, such as during an active grab.
func (e *Engine) Ignore(index int) {
	e.mu.Lock()
	e.ignore[index] = struct{}{}
	e.mu.Unlock()
}

// Unignore returns a node to remote authority.
func (e *Engine) Unignore(index int) {
	e.mu.Lock()
	delete(e.ignore, index)
	e.mu.Unlock()
}

// Ignored reports whether a node is currently excluded.
func (e *Engine) Ignored(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.ignore[index]
	return ok
}

// EnqueueRaw decodes a wire frame and enqueues the packet. Malformed frames
// are counted, logged and dropped without disturbing buffered state.
func (e *Engine) EnqueueRaw(data []byte) error {
	p, err := snapshot.DecodePacket(data)
	if err != nil {
		e.count(MetricDecodeError, 1)
		replicationlog.DecodeError(context.Background(), e.publisher, e.currentTick(), logging.EntityRef{Kind: logging.EntityKindWorld}, replicationlog.DecodeErrorPayload{
			Reason: err.Error(),
			Bytes:  len(data),
		}, nil)
		return fmt.Errorf("decode sync packet: %w", err)
	}
	e.Enqueue(p)
	return nil
}

// Enqueue appends a packet to the jitter buffer. Packets not newer than the
// newest known sequence are dropped as stale or duplicate; the queue is
// truncated from the head when it exceeds its capacity.
func (e *Engine) Enqueue(p snapshot.Packet) {
	p.Sequence %= e.cfg.Modulus

	e.mu.Lock()
	ref, haveRef := e.newestSequence()
	if haveRef && !e.newer(p.Sequence, ref) {
		tick := e.tick
		e.mu.Unlock()
		e.count(MetricStaleDrop, 1)
		replicationlog.StaleDrop(context.Background(), e.publisher, tick, replicationlog.StaleDropPayload{
			Sequence: p.Sequence,
			Newest:   ref,
		}, nil)
		return
	}
	e.queue = append(e.queue, p)
	var evicted []uint32
	for len(e.queue) > e.cfg.QueueCap {
		evicted = append(evicted, e.queue[0].Sequence)
		e.queue = e.queue[1:]
	}
	tick := e.tick
	e.mu.Unlock()

	if len(evicted) > 0 {
		e.count(MetricQueueOverflow, uint64(len(evicted)))
		for _, seq := range evicted {
			replicationlog.QueueOverflow(context.Background(), e.publisher, tick, replicationlog.OverflowPayload{
				Evicted:  seq,
				Capacity: e.cfg.QueueCap,
			}, nil)
		}
	}
}

// newestSequence returns the sequence any arrival must beat: the tail of the
// queue when packets are buffered, otherwise the last applied sequence.
func (e *Engine) newestSequence() (uint32, bool) {
	if n := len(e.queue); n > 0 {
		return e.queue[n-1].Sequence, true
	}
	return e.lastApplied, e.hasApplied
}

// newer reports whether candidate follows ref under modulo ordering. The
// half-range rule makes a wrapped sequence (1 after 15 with modulus 16)
// compare as newer.
func (e *Engine) newer(candidate, ref uint32) bool {
	m := e.cfg.Modulus
	candidate %= m
	ref %= m
	if candidate == ref {
		return false
	}
	return (candidate+m-ref)%m < m/2
}

// Tick advances the state machine by one simulation step and applies at most
// one packet (plus, when starved, one interpolated half-step on the
// following tick). Collaborator calls happen after the lock is released.
func (e *Engine) Tick() {
	now := e.clock()

	e.mu.Lock()
	e.tick++
	tick := e.tick
	prev := e.state

	var plan applyPlan
	if e.state == StateRefilling && len(e.queue) < e.cfg.HighWater {
		// Keep buffering; no output until the high-water mark.
	} else {
		if e.state == StateRefilling {
			e.state = StateNormal
		}
		switch {
		case len(e.queue) == 0:
			e.state = StateDisconnectedStall
			e.halfPending = false
			e.policy.NoteStarved(now)
		case e.halfPending:
			// Second tick of a stretched packet: consume it for real.
			p := e.queue[0]
			e.queue = e.queue[1:]
			plan = e.planFull(p)
			e.halfPending = false
			if len(e.queue) <= e.cfg.LowWater {
				e.state = StateStarvedHalfway
			} else {
				e.state = StateNormal
			}
			e.policy.NoteHealthy(now)
		case len(e.queue) <= e.cfg.LowWater:
			// Low buffer: blend halfway toward the oldest packet now and
			// leave it queued for a full apply next tick.
			plan = e.planHalf(e.queue[0])
			e.halfPending = true
			e.state = StateStarvedHalfway
			e.policy.NoteHealthy(now)
		default:
			p := e.queue[0]
			e.queue = e.queue[1:]
			plan = e.planFull(p)
			e.state = StateNormal
			e.policy.NoteHealthy(now)
		}
	}
	next := e.state
	queued := len(e.queue)
	signal, fire := e.policy.Consume()
	e.mu.Unlock()

	if next != prev {
		replicationlog.StateChanged(context.Background(), e.publisher, tick, replicationlog.StatePayload{
			Previous: prev.String(),
			Next:     next.String(),
			Queued:   queued,
		}, nil)
	}
	e.execute(plan)
	if fire {
		if e.delay == nil {
			panic("replica: delay observer missing at dispatch time")
		}
		e.delay.NetworkDelayChanged(signal.Delayed)
	}
}

// State reports the current buffering mode.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// QueueLen reports the number of buffered packets.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// LastApplied reports the sequence of the most recently applied packet.
func (e *Engine) LastApplied() (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastApplied, e.hasApplied
}

// NodePose reports a slot's current replica snapshot.
func (e *Engine) NodePose(index int) (snapshot.NodeSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.nodes) || !e.nodes[index].bound {
		return snapshot.NodeSnapshot{}, false
	}
	return e.nodes[index].snap, true
}

// ProjectileAlive reports whether a pool slot is live on this replica.
func (e *Engine) ProjectileAlive(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.projectiles) {
		return false
	}
	return e.projectiles[index].alive
}

func (e *Engine) currentTick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

func (e *Engine) count(key string, delta uint64) {
	if e.metrics == nil {
		return
	}
	e.metrics.Add(key, delta)
}

// applyPlan is the set of collaborator calls computed under the lock and
// executed after it is released.
type applyPlan struct {
	bodies   []bodyOp
	spawns   []spawnOp
	despawns []int
	sounds   []snapshot.SoundEvent
}

type bodyOp struct {
	body Body
	snap snapshot.NodeSnapshot
	full bool
}

type spawnOp struct {
	index int
	snap  snapshot.NodeSnapshot
}

// planFull applies a packet to the arena. Caller holds the lock.
func (e *Engine) planFull(p snapshot.Packet) applyPlan {
	var plan applyPlan
	for i, snap := range p.Nodes {
		if i >= len(e.nodes) {
			break
		}
		if _, skip := e.ignore[i]; skip {
			continue
		}
		slot := &e.nodes[i]
		slot.snap = snap
		if slot.body != nil {
			plan.bodies = append(plan.bodies, bodyOp{body: slot.body, snap: snap, full: true})
		}
	}
	for i, ps := range p.Projectiles {
		if i >= len(e.projectiles) {
			break
		}
		slot := &e.projectiles[i]
		switch {
		case ps.Alive && !slot.alive:
			slot.alive = true
			slot.team = ps.Team
			slot.snap = ps.Node
			plan.spawns = append(plan.spawns, spawnOp{index: i, snap: ps.Node})
		case !ps.Alive && slot.alive:
			slot.alive = false
			slot.body = nil
			plan.despawns = append(plan.despawns, i)
		case ps.Alive:
			slot.team = ps.Team
			slot.snap = ps.Node
			if slot.body != nil {
				plan.bodies = append(plan.bodies, bodyOp{body: slot.body, snap: ps.Node, full: true})
			}
		}
	}
	plan.sounds = p.Sounds
	e.lastApplied = p.Sequence
	e.hasApplied = true
	e.count(MetricPacketsApplied, 1)
	return plan
}

// planHalf blends node poses 50% toward the packet without consuming it or
// touching velocities, spawn state or sounds. Caller holds the lock.
func (e *Engine) planHalf(p snapshot.Packet) applyPlan {
	var plan applyPlan
	for i, target := range p.Nodes {
		if i >= len(e.nodes) {
			break
		}
		if _, skip := e.ignore[i]; skip {
			continue
		}
		slot := &e.nodes[i]
		slot.snap.Position = slot.snap.Position.Lerp(target.Position, 0.5)
		slot.snap.Orientation = slot.snap.Orientation.Slerp(target.Orientation, 0.5)
		if slot.body != nil {
			plan.bodies = append(plan.bodies, bodyOp{body: slot.body, snap: slot.snap, full: false})
		}
	}
	for i, target := range p.Projectiles {
		if i >= len(e.projectiles) {
			break
		}
		slot := &e.projectiles[i]
		if !slot.alive || !target.Alive {
			continue
		}
		slot.snap.Position = slot.snap.Position.Lerp(target.Node.Position, 0.5)
		slot.snap.Orientation = slot.snap.Orientation.Slerp(target.Node.Orientation, 0.5)
		if slot.body != nil {
			plan.bodies = append(plan.bodies, bodyOp{body: slot.body, snap: slot.snap, full: false})
		}
	}
	return plan
}

// execute performs the collaborator calls for a plan. The lock is not held;
// a missing collaborator here violates the construction contract and panics.
func (e *Engine) execute(plan applyPlan) {
	for _, op := range plan.spawns {
		if e.pool == nil {
			panic("replica: projectile pool missing at spawn time")
		}
		body, err := e.pool.Spawn(op.index)
		if err != nil {
			e.publisher.Publish(context.Background(), logging.Event{
				Type:     "replication.spawn_failed",
				Severity: logging.SeverityWarn,
				Category: "replication",
				Payload:  map[string]any{"index": op.index, "reason": err.Error()},
			})
			continue
		}
		if body != nil {
			e.mu.Lock()
			if op.index < len(e.projectiles) && e.projectiles[op.index].alive {
				e.projectiles[op.index].body = body
			}
			e.mu.Unlock()
			driveBody(body, op.snap, true)
		}
	}
	for _, index := range plan.despawns {
		if e.pool == nil {
			panic("replica: projectile pool missing at despawn time")
		}
		if err := e.pool.Despawn(index); err != nil {
			e.publisher.Publish(context.Background(), logging.Event{
				Type:     "replication.despawn_failed",
				Severity: logging.SeverityWarn,
				Category: "replication",
				Payload:  map[string]any{"index": index, "reason": err.Error()},
			})
		}
	}
	for _, op := range plan.bodies {
		driveBody(op.body, op.snap, op.full)
	}
	for _, sound := range plan.sounds {
		if e.audio == nil {
			panic("replica: audio sink missing at dispatch time")
		}
		e.audio.Play(sound.NodeIndex, sound.Kind)
	}
}

// driveBody pushes a snapshot into a physics body. A half-step only moves
// the pose. An all-zero angular velocity is "no update", never "stop
// rotating"; not-moving snapshots zero the kinematics outright.
func driveBody(body Body, snap snapshot.NodeSnapshot, full bool) {
	body.ResetTransform()
	body.SetPosition(snap.Position)
	body.SetOrientation(snap.Orientation)
	if !full {
		return
	}
	if !snap.Moving {
		body.SetVelocity(phys.Vec3{})
		body.SetAngularVelocity(phys.Vec4{})
		return
	}
	body.SetVelocity(snap.Velocity)
	if !snap.AngularVelocity.IsZero() {
		body.SetAngularVelocity(snap.AngularVelocity)
	}
}
