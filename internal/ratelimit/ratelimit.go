// Package ratelimit implements per-identifier, per-endpoint fixed-window rate
// limiting with block extension, backed either by process memory or by
// Postgres for multi-instance deployments.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// FailOpen controls what happens when the backing store errors: requests
// are allowed and the error is logged.
const FailOpen = true

// Counter counts one request and reports whether it is allowed. The read and
// the write must happen as a single atomic step.
type Counter interface {
	Hit(ctx context.Context, identifier, endpoint string, p Policy) (Decision, error)
}

type key struct {
	identifier string
	endpoint   string
}

// Limiter is an in-memory Counter for single-instance deployments and tests.
type Limiter struct {
	mu     sync.Mutex
	states map[key]State
	now    func() time.Time // injectable clock for testing
}

// New creates an empty in-memory Limiter.
func New() *Limiter {
	return &Limiter{
		states: make(map[key]State),
		now:    time.Now,
	}
}

// Hit implements Counter.
func (l *Limiter) Hit(_ context.Context, identifier, endpoint string, p Policy) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := key{identifier: identifier, endpoint: endpoint}

	var prev *State
	if s, ok := l.states[k]; ok {
		prev = &s
	}
	next := Step(prev, p, now)
	l.states[k] = next

	return Decide(next, p, now), nil
}

// Prune drops entries whose window and block have both lapsed. It keeps the
// map from growing without bound when identifiers are client IPs.
func (l *Limiter) Prune(maxWindow time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, s := range l.states {
		if s.BlockedUntil != nil && s.BlockedUntil.After(now) {
			continue
		}
		if s.WindowStart.Add(maxWindow).Before(now) {
			delete(l.states, k)
			removed++
		}
	}
	return removed
}
