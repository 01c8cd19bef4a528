package protocol

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"stonefall/server/internal/bitstream"
	"stonefall/server/internal/phys"
	"stonefall/server/internal/snapshot"
)

func roundTrip(t *testing.T, e Envelope) Envelope {
	t.Helper()
	data, err := Encode(e)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	return got
}

func TestGameActionRoundTrip(t *testing.T) {
	grab := GrabInfo{
		GrabbableIndex: 42,
		GrabberID:      3,
		Position:       phys.Vec3{X: 1.5, Y: -2.25, Z: 0.125},
		Orientation:    phys.IdentityQuat(),
	}

	cases := []struct {
		name   string
		action GameAction
	}{
		{"try grab", GameAction{Code: GameTryGrab, Grab: grab}},
		{"grab start", GameAction{Code: GameGrabStart, Grab: grab}},
		{"grab move", GameAction{Code: GameGrabMove, Grab: grab}},
		{"try release", GameAction{Code: GameTryRelease, Grab: grab}},
		{"release end", GameAction{Code: GameReleaseEnd, Grab: grab}},
		{"pickup", GameAction{Code: GamePickup, Grab: grab}},
		{"grabbable status", GameAction{Code: GameGrabbableStatus, Grab: grab, Grabbed: true}},
		{"one hit ko", GameAction{Code: GameOneHitKOAnimate, NodeID: 511}},
		{"catapult knockout", GameAction{Code: GameCatapultKnockOut, Catapult: 5}},
		{"knockout sync", GameAction{Code: GameRequestKnockoutSync}},
		{"lever move", GameAction{Code: GameLeverMove, LeverID: 2, Value: 0.75}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := roundTrip(t, Envelope{Action: tc.action})
			action, ok := got.Action.(GameAction)
			if !ok {
				t.Fatalf("expected GameAction, got %T", got.Action)
			}
			if action.Code != tc.action.Code {
				t.Fatalf("expected code %d, got %d", tc.action.Code, action.Code)
			}
			if action.NodeID != tc.action.NodeID {
				t.Fatalf("expected node %d, got %d", tc.action.NodeID, action.NodeID)
			}
			if action.Catapult != tc.action.Catapult {
				t.Fatalf("expected catapult %d, got %d", tc.action.Catapult, action.Catapult)
			}
			if action.LeverID != tc.action.LeverID || action.Value != tc.action.Value {
				t.Fatalf("expected lever %d=%v, got %d=%v", tc.action.LeverID, tc.action.Value, action.LeverID, action.Value)
			}
			if action.Grabbed != tc.action.Grabbed {
				t.Fatalf("expected grabbed %t, got %t", tc.action.Grabbed, action.Grabbed)
			}
			if action.Grab.GrabbableIndex != tc.action.Grab.GrabbableIndex || action.Grab.GrabberID != tc.action.Grab.GrabberID {
				t.Fatalf("grab identity mismatch: %+v vs %+v", tc.action.Grab, action.Grab)
			}
			if action.Grab.Position != tc.action.Grab.Position {
				t.Fatalf("expected grab position %+v, got %+v", tc.action.Grab.Position, action.Grab.Position)
			}
		})
	}
}

func TestSenderIdentityRoundTrip(t *testing.T) {
	sender := uint8(7)
	got := roundTrip(t, Envelope{Sender: &sender, Action: GameAction{Code: GameRequestKnockoutSync}})
	if got.Sender == nil || *got.Sender != sender {
		t.Fatalf("expected sender %d, got %v", sender, got.Sender)
	}

	got = roundTrip(t, Envelope{Action: GameAction{Code: GameRequestKnockoutSync}})
	if got.Sender != nil {
		t.Fatalf("expected anonymous envelope, got sender %d", *got.Sender)
	}
}

func TestBoardSetupRoundTrip(t *testing.T) {
	got := roundTrip(t, Envelope{Action: BoardSetupAction{Code: BoardRequestLocation}})
	request, ok := got.Action.(BoardSetupAction)
	if !ok || request.Code != BoardRequestLocation {
		t.Fatalf("expected board location request, got %+v", got.Action)
	}
	if len(request.WorldData) != 0 {
		t.Fatalf("request must not carry world data")
	}

	worldData := []byte{0xCA, 0xFE, 0x00, 0x42, 0xFF}
	got = roundTrip(t, Envelope{Action: BoardSetupAction{Code: BoardLocation, WorldData: worldData}})
	location, ok := got.Action.(BoardSetupAction)
	if !ok || location.Code != BoardLocation {
		t.Fatalf("expected board location, got %+v", got.Action)
	}
	if !bytes.Equal(location.WorldData, worldData) {
		t.Fatalf("expected world data %v, got %v", worldData, location.WorldData)
	}
}

func TestPhysicsRoundTrip(t *testing.T) {
	packet := snapshot.Packet{
		Sequence: 777,
		Nodes: []snapshot.NodeSnapshot{
			{Moving: true, Position: phys.Vec3{X: 4, Y: 5, Z: 6}, Orientation: phys.IdentityQuat(), Velocity: phys.Vec3{X: 10}},
		},
		Sounds: []snapshot.SoundEvent{{NodeIndex: 0, Kind: snapshot.SoundBounce}},
	}

	got := roundTrip(t, Envelope{Action: PhysicsAction{Packet: packet}})
	physicsAction, ok := got.Action.(PhysicsAction)
	if !ok {
		t.Fatalf("expected PhysicsAction, got %T", got.Action)
	}
	if physicsAction.Packet.Sequence != packet.Sequence {
		t.Fatalf("expected sequence %d, got %d", packet.Sequence, physicsAction.Packet.Sequence)
	}
	if len(physicsAction.Packet.Nodes) != 1 || !physicsAction.Packet.Nodes[0].Moving {
		t.Fatalf("node payload mismatch: %+v", physicsAction.Packet.Nodes)
	}
	if len(physicsAction.Packet.Sounds) != 1 || physicsAction.Packet.Sounds[0].Kind != snapshot.SoundBounce {
		t.Fatalf("sound payload mismatch: %+v", physicsAction.Packet.Sounds)
	}
}

func TestStartMusicRoundTrip(t *testing.T) {
	timestamps := []float64{0, 1.5, 123456.789, math.Pi}
	for _, ts := range timestamps {
		got := roundTrip(t, Envelope{Action: StartMusicAction{Timestamp: ts}})
		music, ok := got.Action.(StartMusicAction)
		if !ok {
			t.Fatalf("expected StartMusicAction, got %T", got.Action)
		}
		if music.Timestamp != ts {
			t.Fatalf("expected timestamp %v, got %v", ts, music.Timestamp)
		}
	}
}

func TestUnknownGameCode(t *testing.T) {
	w := bitstream.NewWriter(0)
	w.Write(uint32(KindGameAction), 2)           // outer tag
	w.WriteBool(false)                           // no sender
	w.Write(uint32(gameCodeCount), gameCodeBits) // first unused code

	if _, err := Decode(w.Finish()); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestKindTagLeadsEnvelope(t *testing.T) {
	sender := uint8(7)
	envelopes := []Envelope{
		{Action: StartMusicAction{Timestamp: 1}},
		{Sender: &sender, Action: StartMusicAction{Timestamp: 1}},
	}
	for _, e := range envelopes {
		data, err := Encode(e)
		if err != nil {
			t.Fatalf("unexpected encode error: %v", err)
		}
		kind, err := bitstream.NewReader(data).Read(2)
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		if Kind(kind) != KindStartMusic {
			t.Fatalf("expected leading kind tag %d, got %d", KindStartMusic, kind)
		}
	}
}

func TestEncodeRejectsUnknownCode(t *testing.T) {
	if _, err := Encode(Envelope{Action: GameAction{Code: GameCode(15)}}); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	data, err := Encode(Envelope{Action: GameAction{Code: GameGrabMove, Grab: GrabInfo{GrabbableIndex: 1}}})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if _, err := Decode(data[:3]); !errors.Is(err, bitstream.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestDecodeEmpty(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, bitstream.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}
