package server

import "time"

const (
	ProtocolVersion   = 1
	tickRate          = 30 // ticks per second
	writeWait         = 10 * time.Second
	heartbeatInterval = 2 * time.Second
	disconnectAfter   = 3 * heartbeatInterval
	maxPeers          = 8
	boardNodeLimit    = 256
	projectileLimit   = 64
	pendingSoundLimit = 63 // one packet's worth; the wire count field is 6 bits
)

// TickRate reports the fixed simulation rate for diagnostics payloads.
func TickRate() int { return tickRate }

// HeartbeatInterval reports how often peers are expected to ping.
func HeartbeatInterval() time.Duration { return heartbeatInterval }
