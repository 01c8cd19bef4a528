package transport

import (
	"context"

	"stonefall/server/logging"
)

const (
	// EventPeerConnected is emitted when a websocket session completes its
	// handshake.
	EventPeerConnected logging.EventType = "transport.peer_connected"
	// EventPeerDisconnected is emitted when a session closes.
	EventPeerDisconnected logging.EventType = "transport.peer_disconnected"
	// EventSendFailed is emitted when a frame cannot be written to a peer.
	EventSendFailed logging.EventType = "transport.send_failed"
)

// PeerPayload captures session details.
type PeerPayload struct {
	RemoteAddr string `json:"remoteAddr"`
	Reason     string `json:"reason,omitempty"`
}

// SendFailedPayload captures a failed outbound write.
type SendFailedPayload struct {
	Bytes  int    `json:"bytes"`
	Reason string `json:"reason"`
}

// PeerConnected publishes an info event when a peer joins.
func PeerConnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PeerPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerConnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "transport",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PeerDisconnected publishes an info event when a peer leaves.
func PeerDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PeerPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerDisconnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "transport",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// SendFailed publishes a warning event when an outbound write fails.
func SendFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SendFailedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSendFailed,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: "transport",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
