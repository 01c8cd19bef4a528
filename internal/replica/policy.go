package replica

import (
	"fmt"
	"time"
)

// DelaySignal describes one network-delay transition ready for dispatch to
// the observer.
type DelaySignal struct {
	Delayed bool
	Stalls  uint64
}

// Policy tracks starvation of the jitter buffer and decides when the
// network-delay status flips. A transition is surfaced exactly once: entering
// delay on the first starved tick, leaving it after a quiet period with no
// further starvation.
type Policy struct {
	quiet     time.Duration
	delayed   bool
	pending   bool
	nextState bool
	stalls    uint64
	lastStall time.Time
}

const defaultQuietPeriod = 3 * time.Second

func NewPolicy(quiet time.Duration) *Policy {
	if quiet <= 0 {
		quiet = defaultQuietPeriod
	}
	return &Policy{quiet: quiet}
}

// NoteStarved records a tick that found the queue empty.
func (p *Policy) NoteStarved(now time.Time) {
	if p == nil {
		return
	}
	p.stalls++
	p.lastStall = now
	if !p.delayed {
		p.delayed = true
		p.pending = true
		p.nextState = true
	}
}

// NoteHealthy records a tick that produced output. The delay status clears
// only once the quiet period has elapsed since the last starved tick.
func (p *Policy) NoteHealthy(now time.Time) {
	if p == nil || !p.delayed {
		return
	}
	if now.Sub(p.lastStall) >= p.quiet {
		p.delayed = false
		p.pending = true
		p.nextState = false
	}
}

// Delayed reports the current status without consuming a transition.
func (p *Policy) Delayed() bool {
	if p == nil {
		return false
	}
	return p.delayed
}

// Consume returns the pending transition, if any, and resets it.
func (p *Policy) Consume() (DelaySignal, bool) {
	if p == nil || !p.pending {
		return DelaySignal{}, false
	}
	signal := DelaySignal{Delayed: p.nextState, Stalls: p.stalls}
	p.pending = false
	if !p.nextState {
		p.stalls = 0
	}
	return signal, true
}

// Summary renders the signal for diagnostics logs.
func (s DelaySignal) Summary() string {
	return fmt.Sprintf("delayed=%t stalls=%d", s.Delayed, s.Stalls)
}
