package server

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"stonefall/server/internal/protocol"
	"stonefall/server/internal/snapshot"
)

type fakeSession struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func (s *fakeSession) WriteBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSessionDown
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) RemoteAddr() string { return "test:0" }

func (s *fakeSession) sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *fakeSession) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type sessionError string

func (e sessionError) Error() string { return string(e) }

const errSessionDown = sessionError("session down")

func newTestHub(t *testing.T, mutate func(*HubConfig)) *Hub {
	t.Helper()
	cfg := DefaultHubConfig()
	cfg.NodeLimit = 8
	cfg.ProjectileLimit = 4
	if mutate != nil {
		mutate(&cfg)
	}
	hub, err := NewHubWithConfig(cfg, nil)
	if err != nil {
		t.Fatalf("NewHubWithConfig: %v", err)
	}
	return hub
}

func encodeFrame(t *testing.T, sender uint8, action protocol.Action) []byte {
	t.Helper()
	frame, err := protocol.Encode(protocol.Envelope{Sender: &sender, Action: action})
	if err != nil {
		t.Fatalf("encode %T: %v", action, err)
	}
	return frame
}

func TestJoinAllocatesLowestFreeID(t *testing.T) {
	hub := newTestHub(t, func(cfg *HubConfig) { cfg.MaxPeers = 2 })

	first, err := hub.Join()
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	if first.ID != 1 {
		t.Fatalf("first peer id = %d, want 1", first.ID)
	}
	if first.ProtocolVersion != ProtocolVersion {
		t.Fatalf("protocol version = %d, want %d", first.ProtocolVersion, ProtocolVersion)
	}

	second, err := hub.Join()
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if second.ID != 2 {
		t.Fatalf("second peer id = %d, want 2", second.ID)
	}

	if _, err := hub.Join(); err == nil {
		t.Fatalf("join beyond roster capacity accepted")
	}

	// Freed identities are reissued lowest-first.
	hub.Disconnect(1, "test")
	third, err := hub.Join()
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if third.ID != 1 {
		t.Fatalf("rejoin id = %d, want reclaimed 1", third.ID)
	}
}

func TestSubscribeRequiresJoinedPeer(t *testing.T) {
	hub := newTestHub(t, nil)
	if hub.Subscribe(7, &fakeSession{}) {
		t.Fatalf("subscribe accepted for unknown peer")
	}

	resp, err := hub.Join()
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	old := &fakeSession{}
	if !hub.Subscribe(resp.ID, old) {
		t.Fatalf("subscribe rejected for joined peer")
	}

	// A reconnect replaces and closes the stale session.
	replacement := &fakeSession{}
	if !hub.Subscribe(resp.ID, replacement) {
		t.Fatalf("resubscribe rejected")
	}
	if !old.wasClosed() {
		t.Fatalf("replaced session left open")
	}
}

func TestHandleFramePhysicsFeedsEngine(t *testing.T) {
	hub := newTestHub(t, nil)
	resp, err := hub.Join()
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	frame := encodeFrame(t, resp.ID, protocol.PhysicsAction{Packet: snapshot.Packet{Sequence: 1}})
	if err := hub.HandleFrame(resp.ID, frame); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	if got := hub.Engine().QueueLen(); got != 1 {
		t.Fatalf("engine queue depth = %d, want 1", got)
	}
}

func TestHandleFrameCountsDecodeErrors(t *testing.T) {
	hub := newTestHub(t, nil)
	if err := hub.HandleFrame(1, nil); err == nil {
		t.Fatalf("empty frame accepted")
	}
	if got := hub.TelemetrySnapshot()[MetricFrameDecodeError]; got != 1 {
		t.Fatalf("decode error counter = %d, want 1", got)
	}
}

func TestGameActionRelaySkipsOrigin(t *testing.T) {
	hub := newTestHub(t, nil)
	var sessions [2]*fakeSession
	for i := range sessions {
		resp, err := hub.Join()
		if err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
		sessions[i] = &fakeSession{}
		hub.Subscribe(resp.ID, sessions[i])
	}

	frame := encodeFrame(t, 1, protocol.GameAction{Code: protocol.GameLeverMove, LeverID: 2, Value: 0.5})
	if err := hub.HandleFrame(1, frame); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	if len(sessions[0].sent()) != 0 {
		t.Fatalf("origin received its own relay")
	}
	relayed := sessions[1].sent()
	if len(relayed) != 1 || !bytes.Equal(relayed[0], frame) {
		t.Fatalf("peer 2 relay = %v, want the original frame", relayed)
	}
	if got := hub.TelemetrySnapshot()[MetricFramesRelayed]; got != 1 {
		t.Fatalf("relay counter = %d, want 1", got)
	}
}

func TestRelayWriteFailureDisconnectsPeer(t *testing.T) {
	hub := newTestHub(t, nil)
	origin, _ := hub.Join()
	target, _ := hub.Join()
	broken := &fakeSession{fail: true}
	hub.Subscribe(target.ID, broken)

	frame := encodeFrame(t, origin.ID, protocol.GameAction{Code: protocol.GameLeverMove})
	if err := hub.HandleFrame(origin.ID, frame); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	if !broken.wasClosed() {
		t.Fatalf("failing session not closed")
	}
	diag := hub.DiagnosticsSnapshot()
	for _, peer := range diag.Peers {
		if peer.ID == target.ID {
			t.Fatalf("peer %d still rostered after write failure", target.ID)
		}
	}
}

func TestGrabAuthority(t *testing.T) {
	hub := newTestHub(t, nil)

	hub.GrabLocal(5)
	if !hub.Engine().Ignored(5) {
		t.Fatalf("local grab did not claim authority")
	}
	hub.ReleaseLocal(5)
	if hub.Engine().Ignored(5) {
		t.Fatalf("local release did not return authority")
	}

	// A remote grab overrides any lingering local claim on the same node.
	hub.GrabLocal(5)
	frame := encodeFrame(t, 2, protocol.GameAction{
		Code: protocol.GameGrabStart,
		Grab: protocol.GrabInfo{GrabbableIndex: 5, GrabberID: 2},
	})
	if err := hub.HandleFrame(2, frame); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	if hub.Engine().Ignored(5) {
		t.Fatalf("remote grab left node under local authority")
	}
}

func TestCatapultHitQueuesSound(t *testing.T) {
	hub := newTestHub(t, nil)
	frame := encodeFrame(t, 1, protocol.GameAction{Code: protocol.GameCatapultKnockOut, Catapult: 3})
	if err := hub.HandleFrame(1, frame); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	packet := hub.Board().BuildPacket()
	if len(packet.Sounds) != 1 || packet.Sounds[0].NodeIndex != 3 || packet.Sounds[0].Kind != snapshot.SoundCatapultHit {
		t.Fatalf("sounds = %+v, want one catapult hit at node 3", packet.Sounds)
	}
}

func TestWorldDataRequestResponse(t *testing.T) {
	hub := newTestHub(t, nil)
	world := []byte{0xde, 0xad, 0xbe, 0xef}

	// The first peer places the board.
	placer, _ := hub.Join()
	place := encodeFrame(t, placer.ID, protocol.BoardSetupAction{Code: protocol.BoardLocation, WorldData: world})
	if err := hub.HandleFrame(placer.ID, place); err != nil {
		t.Fatalf("place frame: %v", err)
	}

	// A later peer asks for it.
	joiner, _ := hub.Join()
	session := &fakeSession{}
	hub.Subscribe(joiner.ID, session)
	request := encodeFrame(t, joiner.ID, protocol.BoardSetupAction{Code: protocol.BoardRequestLocation})
	if err := hub.HandleFrame(joiner.ID, request); err != nil {
		t.Fatalf("request frame: %v", err)
	}

	frames := session.sent()
	if len(frames) != 1 {
		t.Fatalf("joiner received %d frames, want 1", len(frames))
	}
	env, err := protocol.Decode(frames[0])
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	setup, ok := env.Action.(protocol.BoardSetupAction)
	if !ok || setup.Code != protocol.BoardLocation {
		t.Fatalf("response action = %+v, want a board location", env.Action)
	}
	if !bytes.Equal(setup.WorldData, world) {
		t.Fatalf("world data = %x, want %x", setup.WorldData, world)
	}
}

func TestMusicStartStoredAndRelayed(t *testing.T) {
	hub := newTestHub(t, nil)
	first, _ := hub.Join()
	second, _ := hub.Join()
	listener := &fakeSession{}
	hub.Subscribe(second.ID, listener)

	if _, ok := hub.MusicStart(); ok {
		t.Fatalf("music reported before anyone started it")
	}

	frame := encodeFrame(t, first.ID, protocol.StartMusicAction{Timestamp: 12.5})
	if err := hub.HandleFrame(first.ID, frame); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	at, ok := hub.MusicStart()
	if !ok || at != 12.5 {
		t.Fatalf("music start = %v %v, want 12.5 true", at, ok)
	}
	if len(listener.sent()) != 1 {
		t.Fatalf("music start not relayed")
	}
}

func TestBroadcastStateSendsOneFramePerPeer(t *testing.T) {
	hub := newTestHub(t, nil)
	var sessions [2]*fakeSession
	for i := range sessions {
		resp, _ := hub.Join()
		sessions[i] = &fakeSession{}
		hub.Subscribe(resp.ID, sessions[i])
	}

	hub.BroadcastState()

	for i, session := range sessions {
		frames := session.sent()
		if len(frames) != 1 {
			t.Fatalf("peer %d received %d frames, want 1", i+1, len(frames))
		}
		env, err := protocol.Decode(frames[0])
		if err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		physics, ok := env.Action.(protocol.PhysicsAction)
		if !ok {
			t.Fatalf("broadcast action = %T, want physics", env.Action)
		}
		if physics.Packet.Sequence != 1 {
			t.Fatalf("broadcast sequence = %d, want 1", physics.Packet.Sequence)
		}
		if env.Sender == nil || *env.Sender != 0 {
			t.Fatalf("broadcast sender = %v, want host 0", env.Sender)
		}
	}
}

func TestHeartbeatTimeoutPrunesPeer(t *testing.T) {
	hub := newTestHub(t, nil)
	resp, _ := hub.Join()
	session := &fakeSession{}
	hub.Subscribe(resp.ID, session)

	now := time.Now()
	hub.Advance(now, 1.0/30)
	if len(hub.DiagnosticsSnapshot().Peers) != 1 {
		t.Fatalf("healthy peer pruned")
	}

	hub.Advance(now.Add(DefaultHubConfig().DisconnectAfter+time.Second), 1.0/30)
	if len(hub.DiagnosticsSnapshot().Peers) != 0 {
		t.Fatalf("silent peer survived the timeout")
	}
	if !session.wasClosed() {
		t.Fatalf("pruned peer's session left open")
	}
}

func TestUpdateHeartbeatMeasuresRTT(t *testing.T) {
	hub := newTestHub(t, nil)
	resp, _ := hub.Join()

	now := time.Now()
	rtt, ok := hub.UpdateHeartbeat(resp.ID, now, now.Add(-40*time.Millisecond).UnixMilli())
	if !ok {
		t.Fatalf("heartbeat rejected for joined peer")
	}
	if rtt < 39*time.Millisecond || rtt > 41*time.Millisecond {
		t.Fatalf("rtt = %v, want about 40ms", rtt)
	}

	if _, ok := hub.UpdateHeartbeat(99, now, 0); ok {
		t.Fatalf("heartbeat accepted for unknown peer")
	}
}
