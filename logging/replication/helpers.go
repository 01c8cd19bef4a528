package replication

import (
	"context"

	"stonefall/server/logging"
)

const (
	// EventStateChanged is emitted when the synchronization engine moves
	// between buffering states.
	EventStateChanged logging.EventType = "replication.state_changed"
	// EventStaleDrop is emitted when an arriving snapshot is older than the
	// newest buffered one and is discarded.
	EventStaleDrop logging.EventType = "replication.stale_drop"
	// EventDecodeError is emitted when an inbound snapshot fails to decode.
	EventDecodeError logging.EventType = "replication.decode_error"
	// EventQueueOverflow is emitted when the jitter buffer reaches capacity
	// and evicts its oldest snapshot.
	EventQueueOverflow logging.EventType = "replication.queue_overflow"
)

// StatePayload captures a buffering state transition.
type StatePayload struct {
	Previous string `json:"previous"`
	Next     string `json:"next"`
	Queued   int    `json:"queued"`
}

// StaleDropPayload captures a discarded out-of-order snapshot.
type StaleDropPayload struct {
	Sequence uint32 `json:"sequence"`
	Newest   uint32 `json:"newest"`
}

// DecodeErrorPayload captures an undecodable inbound frame.
type DecodeErrorPayload struct {
	Reason string `json:"reason"`
	Bytes  int    `json:"bytes"`
}

// OverflowPayload captures a jitter buffer eviction.
type OverflowPayload struct {
	Evicted  uint32 `json:"evicted"`
	Capacity int    `json:"capacity"`
}

// StateChanged publishes an info event when the engine changes state.
func StateChanged(ctx context.Context, pub logging.Publisher, tick uint64, payload StatePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventStateChanged,
		Tick:     tick,
		Severity: logging.SeverityInfo,
		Category: "replication",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// StaleDrop publishes a debug event when a late snapshot is discarded.
func StaleDrop(ctx context.Context, pub logging.Publisher, tick uint64, payload StaleDropPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventStaleDrop,
		Tick:     tick,
		Severity: logging.SeverityDebug,
		Category: "replication",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// DecodeError publishes a warning event when an inbound frame cannot be
// decoded.
func DecodeError(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DecodeErrorPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventDecodeError,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: "replication",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// QueueOverflow publishes a warning event when the jitter buffer evicts a
// snapshot.
func QueueOverflow(ctx context.Context, pub logging.Publisher, tick uint64, payload OverflowPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventQueueOverflow,
		Tick:     tick,
		Severity: logging.SeverityWarn,
		Category: "replication",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
