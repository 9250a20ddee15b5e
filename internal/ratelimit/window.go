package ratelimit

import "time"

// Policy is a fixed-window limit with an optional block once exceeded.
type Policy struct {
	MaxRequests int
	Window      time.Duration
	Block       time.Duration
}

// State is the persisted counter for one (identifier, endpoint) pair.
type State struct {
	WindowStart  time.Time
	Count        int
	BlockedUntil *time.Time
}

// Decision is the outcome of counting one request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Step counts one request against prev (nil when no row exists yet) and
// returns the new state. Every backend must produce exactly this transition
// as one atomic operation:
//
//   - while blocked, the state is unchanged and the request is denied
//   - an expired window restarts at count 1 and clears any old block
//   - otherwise the count grows and, past the limit, a block begins
func Step(prev *State, p Policy, now time.Time) State {
	if prev == nil {
		return State{WindowStart: now, Count: 1}
	}
	if prev.BlockedUntil != nil && prev.BlockedUntil.After(now) {
		return *prev
	}
	if !prev.WindowStart.After(now.Add(-p.Window)) {
		return State{WindowStart: now, Count: 1}
	}

	next := State{WindowStart: prev.WindowStart, Count: prev.Count + 1, BlockedUntil: prev.BlockedUntil}
	if next.Count > p.MaxRequests {
		until := now.Add(p.Block)
		if p.Block <= 0 {
			until = prev.WindowStart.Add(p.Window)
		}
		next.BlockedUntil = &until
	}
	return next
}

// Decide turns the state produced by Step into a Decision.
func Decide(s State, p Policy, now time.Time) Decision {
	d := Decision{Limit: p.MaxRequests, ResetAt: s.WindowStart.Add(p.Window)}

	if s.BlockedUntil != nil && s.BlockedUntil.After(now) {
		d.ResetAt = *s.BlockedUntil
		return d
	}

	d.Allowed = true
	d.Remaining = p.MaxRequests - s.Count
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d
}
