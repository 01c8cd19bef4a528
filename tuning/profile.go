package tuning

import (
	"encoding/json"
	"fmt"
	"os"

	"stonefall/server/internal/quant"
)

// AxisRange is one quantizer's designer-facing description.
type AxisRange struct {
	Min  float64 `json:"min" jsonschema:"title=Minimum value"`
	Max  float64 `json:"max" jsonschema:"title=Maximum value"`
	Bits int     `json:"bits" jsonschema:"title=Bit width,minimum=1,maximum=32"`
}

// JitterProfile describes the synchronization engine's buffering behavior.
type JitterProfile struct {
	HighWater    int     `json:"highWater" jsonschema:"title=Refill target,minimum=1"`
	LowWater     int     `json:"lowWater" jsonschema:"title=Starvation threshold,minimum=0"`
	QueueCap     int     `json:"queueCap" jsonschema:"title=Maximum buffered packets,minimum=1"`
	QuietSeconds float64 `json:"quietSeconds" jsonschema:"title=Delay clear period in seconds"`
}

// CompressionProfile is the designer-authored tuning document for the
// replication wire format and jitter buffer. The shipped wire constants are
// fixed for interoperability; the profile exists for build-time experiments
// and editor validation against the generated schema.
type CompressionProfile struct {
	Position         AxisRange     `json:"position"`
	Velocity         AxisRange     `json:"velocity"`
	AngularAxis      AxisRange     `json:"angularAxis"`
	AngularMagnitude AxisRange     `json:"angularMagnitude"`
	OrientationBits  int           `json:"orientationBits" jsonschema:"title=Bits per quaternion component,minimum=1,maximum=32"`
	Jitter           JitterProfile `json:"jitter"`
}

// DefaultProfile mirrors the shipped wire constants.
func DefaultProfile() CompressionProfile {
	return CompressionProfile{
		Position:         AxisRange{Min: -80, Max: 80, Bits: 16},
		Velocity:         AxisRange{Min: -200, Max: 200, Bits: 16},
		AngularAxis:      AxisRange{Min: -1, Max: 1, Bits: 12},
		AngularMagnitude: AxisRange{Min: -200, Max: 200, Bits: 16},
		OrientationBits:  12,
		Jitter: JitterProfile{
			HighWater:    8,
			LowWater:     4,
			QueueCap:     50,
			QuietSeconds: 3,
		},
	}
}

// Validate rejects ranges a quantizer cannot represent and inconsistent
// watermarks.
func (p CompressionProfile) Validate() error {
	ranges := map[string]AxisRange{
		"position":         p.Position,
		"velocity":         p.Velocity,
		"angularAxis":      p.AngularAxis,
		"angularMagnitude": p.AngularMagnitude,
	}
	for name, r := range ranges {
		if _, err := quant.NewFloatQuantizer(r.Min, r.Max, r.Bits); err != nil {
			return fmt.Errorf("tuning: %s: %w", name, err)
		}
	}
	if p.OrientationBits < 1 || p.OrientationBits > 32 {
		return fmt.Errorf("tuning: orientationBits %d out of range", p.OrientationBits)
	}
	if p.Jitter.HighWater < 1 {
		return fmt.Errorf("tuning: jitter highWater must be at least 1")
	}
	if p.Jitter.LowWater < 0 || p.Jitter.LowWater >= p.Jitter.HighWater {
		return fmt.Errorf("tuning: jitter lowWater must be below highWater")
	}
	if p.Jitter.QueueCap < p.Jitter.HighWater {
		return fmt.Errorf("tuning: jitter queueCap must cover highWater")
	}
	if p.Jitter.QuietSeconds < 0 {
		return fmt.Errorf("tuning: jitter quietSeconds must not be negative")
	}
	return nil
}

// Quantizers materializes the profile's float compressors.
func (p CompressionProfile) Quantizers() (position, velocity, angularAxis, angularMagnitude quant.FloatQuantizer, err error) {
	if err = p.Validate(); err != nil {
		return
	}
	position = quant.MustFloatQuantizer(p.Position.Min, p.Position.Max, p.Position.Bits)
	velocity = quant.MustFloatQuantizer(p.Velocity.Min, p.Velocity.Max, p.Velocity.Bits)
	angularAxis = quant.MustFloatQuantizer(p.AngularAxis.Min, p.AngularAxis.Max, p.AngularAxis.Bits)
	angularMagnitude = quant.MustFloatQuantizer(p.AngularMagnitude.Min, p.AngularMagnitude.Max, p.AngularMagnitude.Bits)
	return
}

// Load reads and validates a profile document.
func Load(path string) (CompressionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CompressionProfile{}, fmt.Errorf("tuning: read profile: %w", err)
	}
	var profile CompressionProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return CompressionProfile{}, fmt.Errorf("tuning: parse profile: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return CompressionProfile{}, err
	}
	return profile, nil
}
