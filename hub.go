package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"stonefall/server/internal/protocol"
	"stonefall/server/internal/replica"
	"stonefall/server/internal/snapshot"
	"stonefall/server/internal/telemetry"
	"stonefall/server/logging"
	transportlog "stonefall/server/logging/transport"
)

// Telemetry counter keys published by the hub.
const (
	MetricFrameDecodeError = "hub_frame_decode_error"
	MetricFramesRelayed    = "hub_frames_relayed"
	MetricBroadcastBytes   = "hub_broadcast_bytes"
)

// PeerSession is the write side of one connected peer. The websocket session
// type satisfies it; tests substitute fakes.
type PeerSession interface {
	WriteBinary(data []byte) error
	Close() error
	RemoteAddr() string
}

type peerState struct {
	id            uint8
	session       PeerSession
	lastHeartbeat time.Time
	lastRTT       time.Duration
	joinedAt      time.Time
}

// Hub owns the local board, the synchronization engine for remote authority,
// and the set of connected peers. One packet is built and broadcast per tick.
type Hub struct {
	mu    sync.Mutex
	cfg   HubConfig
	peers map[uint8]*peerState

	worldData  []byte
	musicStart float64
	hasMusic   bool

	board  *Board
	engine *replica.Engine

	publisher logging.Publisher
	registry  *logging.Metrics
	logger    telemetry.Logger
	metrics   telemetry.Metrics
}

// NewHub builds a hub with default tuning and hub-owned collaborators.
func NewHub() (*Hub, error) {
	return NewHubWithConfig(DefaultHubConfig(), nil)
}

// NewHubWithConfig wires the hub against a logging router. A nil router
// leaves events unpublished, which keeps tests quiet.
func NewHubWithConfig(cfg HubConfig, router *logging.Router) (*Hub, error) {
	cfg = cfg.Normalized()

	var publisher logging.Publisher = logging.NopPublisher()
	var registry *logging.Metrics
	if router != nil {
		publisher = router
		registry = router.Metrics()
	}

	metrics := cfg.Metrics
	if metrics == nil {
		if registry == nil {
			registry = &logging.Metrics{}
		}
		metrics = telemetry.WrapMetrics(registry)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}

	hub := &Hub{
		cfg:       cfg,
		peers:     make(map[uint8]*peerState),
		board:     NewBoard(cfg.NodeLimit, cfg.ProjectileLimit, cfg.Engine.Modulus),
		publisher: publisher,
		registry:  registry,
		logger:    logger,
		metrics:   metrics,
	}

	pool := cfg.Pool
	if pool == nil {
		pool = NewBodyPool(cfg.ProjectileLimit)
	}
	audio := cfg.Audio
	if audio == nil {
		audio = &loggingAudioSink{publisher: publisher}
	}
	delay := cfg.Delay
	if delay == nil {
		delay = &loggingDelayObserver{publisher: publisher}
	}

	engine, err := replica.NewEngine(cfg.Engine, replica.Deps{
		Pool:      pool,
		Audio:     audio,
		Delay:     delay,
		Publisher: publisher,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build synchronization engine: %w", err)
	}
	hub.engine = engine
	return hub, nil
}

// Board exposes the producer-side registry for gameplay wiring.
func (h *Hub) Board() *Board { return h.board }

// Engine exposes the synchronization engine for gameplay wiring.
func (h *Hub) Engine() *replica.Engine { return h.engine }

// JoinResponse is the payload returned to a joining peer.
type JoinResponse struct {
	ID              uint8  `json:"id"`
	ProtocolVersion int    `json:"ver"`
	TickRate        int    `json:"tickRate"`
	HeartbeatMillis int64  `json:"heartbeatMillis"`
	WorldData       []byte `json:"worldData,omitempty"`
}

// Join allocates the lowest free peer identity.
func (h *Hub) Join() (JoinResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var id uint8
	for candidate := uint8(1); int(candidate) <= h.cfg.MaxPeers; candidate++ {
		if _, taken := h.peers[candidate]; !taken {
			id = candidate
			break
		}
	}
	if id == 0 {
		return JoinResponse{}, fmt.Errorf("hub: peer roster full (%d)", h.cfg.MaxPeers)
	}

	now := time.Now()
	h.peers[id] = &peerState{id: id, lastHeartbeat: now, joinedAt: now}
	return JoinResponse{
		ID:              id,
		ProtocolVersion: ProtocolVersion,
		TickRate:        h.cfg.TickRate,
		HeartbeatMillis: h.cfg.HeartbeatInterval.Milliseconds(),
		WorldData:       append([]byte(nil), h.worldData...),
	}, nil
}

// Subscribe attaches a session to a joined peer, replacing any existing one.
func (h *Hub) Subscribe(peerID uint8, session PeerSession) bool {
	if session == nil {
		return false
	}
	h.mu.Lock()
	state, ok := h.peers[peerID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	previous := state.session
	state.session = session
	state.lastHeartbeat = time.Now()
	h.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	transportlog.PeerConnected(context.Background(), h.publisher, h.currentTick(), peerRef(peerID), transportlog.PeerPayload{
		RemoteAddr: session.RemoteAddr(),
	}, nil)
	return true
}

// Disconnect removes a peer and closes its session.
func (h *Hub) Disconnect(peerID uint8, reason string) {
	h.mu.Lock()
	state, ok := h.peers[peerID]
	if ok {
		delete(h.peers, peerID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	if state.session != nil {
		state.session.Close()
	}
	transportlog.PeerDisconnected(context.Background(), h.publisher, h.currentTick(), peerRef(peerID), transportlog.PeerPayload{
		Reason: reason,
	}, nil)
}

// UpdateHeartbeat records the latest heartbeat and, when the client echoed a
// send time, the measured round trip.
func (h *Hub) UpdateHeartbeat(peerID uint8, receivedAt time.Time, clientSent int64) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.peers[peerID]
	if !ok {
		return 0, false
	}
	state.lastHeartbeat = receivedAt

	if clientSent > 0 {
		clientTime := time.UnixMilli(clientSent)
		if clientTime.Before(receivedAt.Add(5 * time.Second)) {
			rtt := receivedAt.Sub(clientTime)
			if rtt < 0 {
				rtt = 0
			}
			state.lastRTT = rtt
		}
	}
	return state.lastRTT, true
}

// HandleFrame decodes one inbound envelope and dispatches it. Physics packets
// feed the engine; gameplay traffic mutates local authority state and is
// relayed to the other peers.
func (h *Hub) HandleFrame(peerID uint8, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		h.metrics.Add(MetricFrameDecodeError, 1)
		return fmt.Errorf("decode frame from peer %d: %w", peerID, err)
	}

	switch action := env.Action.(type) {
	case protocol.PhysicsAction:
		h.engine.Enqueue(action.Packet)
	case protocol.GameAction:
		h.applyGameAction(action)
		h.relay(peerID, data)
	case protocol.BoardSetupAction:
		switch action.Code {
		case protocol.BoardRequestLocation:
			h.sendWorldData(peerID)
		case protocol.BoardLocation:
			h.mu.Lock()
			h.worldData = append([]byte(nil), action.WorldData...)
			h.mu.Unlock()
		}
	case protocol.StartMusicAction:
		h.mu.Lock()
		h.musicStart = action.Timestamp
		h.hasMusic = true
		h.mu.Unlock()
		h.relay(peerID, data)
	}
	return nil
}

// applyGameAction updates local authority bookkeeping for grab traffic. While
// a remote peer manipulates a grabbable its node stays under that peer's
// authority, so remote snapshots for it must not be ignored locally; our own
// grabs enter the ignore set through Board gameplay wiring instead.
func (h *Hub) applyGameAction(action protocol.GameAction) {
	switch action.Code {
	case protocol.GameGrabStart:
		// The remote grabber owns the node now; stop protecting any stale
		// local claim.
		h.engine.Unignore(action.Grab.GrabbableIndex)
	case protocol.GameCatapultKnockOut:
		h.board.QueueSound(int(action.Catapult), snapshot.SoundCatapultHit)
	}
}

// GrabLocal marks a node as locally held so incoming snapshots cannot fight
// the player's hand.
func (h *Hub) GrabLocal(nodeIndex int) {
	h.engine.Ignore(nodeIndex)
}

// ReleaseLocal returns a node to remote authority.
func (h *Hub) ReleaseLocal(nodeIndex int) {
	h.engine.Unignore(nodeIndex)
}

// SetWorldData stores the opaque board placement blob shared with joining
// peers.
func (h *Hub) SetWorldData(data []byte) {
	h.mu.Lock()
	h.worldData = append([]byte(nil), data...)
	h.mu.Unlock()
}

// MusicStart reports the agreed music timestamp, if any peer sent one.
func (h *Hub) MusicStart() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.musicStart, h.hasMusic
}

func (h *Hub) sendWorldData(peerID uint8) {
	h.mu.Lock()
	data := append([]byte(nil), h.worldData...)
	state, ok := h.peers[peerID]
	var session PeerSession
	if ok {
		session = state.session
	}
	h.mu.Unlock()
	if session == nil {
		return
	}

	sender := uint8(0)
	frame, err := protocol.Encode(protocol.Envelope{
		Sender: &sender,
		Action: protocol.BoardSetupAction{Code: protocol.BoardLocation, WorldData: data},
	})
	if err != nil {
		h.logger.Printf("encode board location for peer %d: %v", peerID, err)
		return
	}
	if err := session.WriteBinary(frame); err != nil {
		h.Disconnect(peerID, "write failed")
	}
}

// relay forwards a raw frame to every peer except its origin.
func (h *Hub) relay(from uint8, data []byte) {
	h.mu.Lock()
	sessions := make(map[uint8]PeerSession, len(h.peers))
	for id, state := range h.peers {
		if id == from || state.session == nil {
			continue
		}
		sessions[id] = state.session
	}
	h.mu.Unlock()

	for id, session := range sessions {
		if err := session.WriteBinary(data); err != nil {
			transportlog.SendFailed(context.Background(), h.publisher, h.currentTick(), peerRef(id), transportlog.SendFailedPayload{
				Bytes:  len(data),
				Reason: err.Error(),
			}, nil)
			h.Disconnect(id, "relay write failed")
			continue
		}
		h.metrics.Add(MetricFramesRelayed, 1)
	}
}

// RunSimulation drives the fixed-rate tick loop until stop closes.
func (h *Hub) RunSimulation(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second / time.Duration(h.cfg.TickRate))
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			if dt <= 0 {
				dt = 1.0 / float64(h.cfg.TickRate)
			}
			last = now
			h.Advance(now, dt)
			h.BroadcastState()
		}
	}
}

// Advance runs one simulation step: expire silent peers, integrate local
// bodies, and let the engine consume buffered remote packets.
func (h *Hub) Advance(now time.Time, dt float64) {
	var stale []uint8
	h.mu.Lock()
	for id, state := range h.peers {
		if now.Sub(state.lastHeartbeat) > h.cfg.DisconnectAfter {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()
	for _, id := range stale {
		h.logger.Printf("disconnecting peer %d due to heartbeat timeout", id)
		h.Disconnect(id, "heartbeat timeout")
	}

	h.board.Step(dt)
	h.engine.Tick()
}

// BroadcastState builds this tick's packet and sends it to every subscribed
// peer.
func (h *Hub) BroadcastState() {
	packet := h.board.BuildPacket()

	sender := uint8(0)
	frame, err := protocol.Encode(protocol.Envelope{
		Sender: &sender,
		Action: protocol.PhysicsAction{Packet: packet},
	})
	if err != nil {
		h.logger.Printf("encode sync packet %d: %v", packet.Sequence, err)
		return
	}

	h.mu.Lock()
	sessions := make(map[uint8]PeerSession, len(h.peers))
	for id, state := range h.peers {
		if state.session != nil {
			sessions[id] = state.session
		}
	}
	h.mu.Unlock()

	for id, session := range sessions {
		if err := session.WriteBinary(frame); err != nil {
			transportlog.SendFailed(context.Background(), h.publisher, h.currentTick(), peerRef(id), transportlog.SendFailedPayload{
				Bytes:  len(frame),
				Reason: err.Error(),
			}, nil)
			h.Disconnect(id, "broadcast write failed")
		}
	}
	if len(sessions) > 0 {
		h.metrics.Add(MetricBroadcastBytes, uint64(len(frame))*uint64(len(sessions)))
	}
}

type diagnosticsPeer struct {
	ID            uint8 `json:"id"`
	LastHeartbeat int64 `json:"lastHeartbeat"`
	RTTMillis     int64 `json:"rtt"`
}

// DiagnosticsSnapshot summarizes live session and buffer health for the
// diagnostics endpoint.
type DiagnosticsSnapshot struct {
	Peers       []diagnosticsPeer `json:"peers"`
	EngineState string            `json:"engineState"`
	QueueDepth  int               `json:"queueDepth"`
	Sequence    uint32            `json:"sequence"`
}

func (h *Hub) DiagnosticsSnapshot() DiagnosticsSnapshot {
	h.mu.Lock()
	peers := make([]diagnosticsPeer, 0, len(h.peers))
	for _, state := range h.peers {
		peers = append(peers, diagnosticsPeer{
			ID:            state.id,
			LastHeartbeat: state.lastHeartbeat.UnixMilli(),
			RTTMillis:     state.lastRTT.Milliseconds(),
		})
	}
	h.mu.Unlock()

	return DiagnosticsSnapshot{
		Peers:       peers,
		EngineState: h.engine.State().String(),
		QueueDepth:  h.engine.QueueLen(),
		Sequence:    h.board.Sequence(),
	}
}

// TelemetrySnapshot copies the counter registry for diagnostics.
func (h *Hub) TelemetrySnapshot() map[string]uint64 {
	return h.registry.Snapshot()
}

func (h *Hub) currentTick() uint64 {
	return uint64(h.board.Sequence())
}

func peerRef(id uint8) logging.EntityRef {
	return logging.EntityRef{ID: fmt.Sprintf("peer-%d", id), Kind: logging.EntityKindPeer}
}

// loggingAudioSink is the default audio collaborator on a headless server:
// triggers become log events for downstream consumers.
type loggingAudioSink struct {
	publisher logging.Publisher
}

func (s *loggingAudioSink) Play(nodeIndex int, kind snapshot.SoundKind) {
	s.publisher.Publish(context.Background(), logging.Event{
		Type:     "replication.sound",
		Severity: logging.SeverityDebug,
		Category: "replication",
		Payload:  map[string]any{"node": nodeIndex, "kind": int(kind)},
	})
}

// loggingDelayObserver surfaces delay transitions as log events.
type loggingDelayObserver struct {
	publisher logging.Publisher
}

func (o *loggingDelayObserver) NetworkDelayChanged(delayed bool) {
	o.publisher.Publish(context.Background(), logging.Event{
		Type:     "replication.network_delay",
		Severity: logging.SeverityInfo,
		Category: "replication",
		Payload:  map[string]any{"delayed": delayed},
	})
}
