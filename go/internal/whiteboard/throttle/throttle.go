// Package throttle rate-limits outgoing whiteboard broadcasts and guards against re-broadcasting
// updates that just arrived from peers.
//
// Both types are owned by a single session goroutine and take the current time from the caller.
package throttle

import "time"

const (
	DefaultInterval   = 50 * time.Millisecond
	DefaultEchoWindow = 100 * time.Millisecond
)

// Throttle allows at most one send per interval. Edits that arrive in between are coalesced by the
// caller into the next allowed send.
type Throttle struct {
	interval time.Duration
	last     time.Time
	sent     bool
}

// New creates a throttle; a non-positive interval uses DefaultInterval
func New(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{interval: interval}
}

// Interval returns the minimum gap between sends
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// ShouldSend reports whether a send may happen at now and, if so, records it
func (t *Throttle) ShouldSend(now time.Time) bool {
	if t.sent && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	t.sent = true
	return true
}

// NextAllowed returns the earliest time ShouldSend can return true again
func (t *Throttle) NextAllowed() time.Time {
	if !t.sent {
		return time.Time{}
	}
	return t.last.Add(t.interval)
}

// Wait returns how long to wait from now until the next allowed send
func (t *Throttle) Wait(now time.Time) time.Duration {
	next := t.NextAllowed()
	if next.IsZero() || !next.After(now) {
		return 0
	}
	return next.Sub(now)
}

// EchoGuard marks a short window after a remote update is applied. Change notifications inside the
// window are treated as the echo of that update rather than a local edit. A local edit landing right
// at the boundary may still leak one rebroadcast, which the receivers' idempotent merge absorbs.
type EchoGuard struct {
	window time.Duration
	until  time.Time
}

// NewEchoGuard creates a guard; a non-positive window uses DefaultEchoWindow
func NewEchoGuard(window time.Duration) *EchoGuard {
	if window <= 0 {
		window = DefaultEchoWindow
	}
	return &EchoGuard{window: window}
}

// Begin opens the window; call immediately before applying a remote update
func (g *EchoGuard) Begin(now time.Time) {
	g.until = now.Add(g.window)
}

// Active reports whether now falls inside the window
func (g *EchoGuard) Active(now time.Time) bool {
	return now.Before(g.until)
}

// Remaining returns how long the window stays open after now
func (g *EchoGuard) Remaining(now time.Time) time.Duration {
	if !g.Active(now) {
		return 0
	}
	return g.until.Sub(now)
}
