package server

import (
	"time"

	"stonefall/server/internal/replica"
	"stonefall/server/internal/telemetry"
)

// HubConfig bundles the hub's tuning and collaborators. Zero-valued fields
// fall back to production defaults; nil collaborators are replaced with
// hub-owned implementations at construction.
type HubConfig struct {
	TickRate          int
	HeartbeatInterval time.Duration
	DisconnectAfter   time.Duration
	MaxPeers          int
	NodeLimit         int
	ProjectileLimit   int

	Engine replica.Config

	Pool  replica.ProjectilePool
	Audio replica.AudioSink
	Delay replica.DelayObserver

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// DefaultHubConfig returns the production tuning without collaborators.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		TickRate:          tickRate,
		HeartbeatInterval: heartbeatInterval,
		DisconnectAfter:   disconnectAfter,
		MaxPeers:          maxPeers,
		NodeLimit:         boardNodeLimit,
		ProjectileLimit:   projectileLimit,
		Engine:            replica.DefaultConfig(),
	}
}

// Normalized fills unset fields with defaults.
func (c HubConfig) Normalized() HubConfig {
	defaults := DefaultHubConfig()
	if c.TickRate <= 0 {
		c.TickRate = defaults.TickRate
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.DisconnectAfter <= 0 {
		c.DisconnectAfter = 3 * c.HeartbeatInterval
	}
	if c.MaxPeers <= 0 || c.MaxPeers > 255 {
		c.MaxPeers = defaults.MaxPeers
	}
	if c.NodeLimit <= 0 {
		c.NodeLimit = defaults.NodeLimit
	}
	if c.ProjectileLimit <= 0 {
		c.ProjectileLimit = defaults.ProjectileLimit
	}
	if c.Engine.HighWater == 0 {
		c.Engine = defaults.Engine
	}
	c.Engine.NodeCapacity = c.NodeLimit
	c.Engine.ProjectileCapacity = c.ProjectileLimit
	return c
}
