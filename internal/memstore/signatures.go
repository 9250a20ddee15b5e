package memstore

import (
	"context"
	"time"
)

// Signatures implements the consumed-signature store and maintenance
// throttle.
type Signatures struct{ *db }

// Seen reports whether sig has already been consumed.
func (s *Signatures) Seen(_ context.Context, sig string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.signatures[sig]
	return ok, nil
}

// Consume records sig as used, returning false if it already was.
func (s *Signatures) Consume(_ context.Context, sig, agentName string, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signatures[sig]; ok {
		return false, nil
	}
	s.signatures[sig] = signatureRow{agentName: agentName, usedAt: usedAt}
	return true, nil
}

// ClaimRun wins the named task if it last ran at or before now-interval.
func (s *Signatures) ClaimRun(_ context.Context, name string, now time.Time, interval time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.runs[name]; ok && last.After(now.Add(-interval)) {
		return false, nil
	}
	s.runs[name] = now
	return true, nil
}

// PurgeBefore deletes signatures consumed before horizon.
func (s *Signatures) PurgeBefore(_ context.Context, horizon time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for sig, row := range s.signatures {
		if row.usedAt.Before(horizon) {
			delete(s.signatures, sig)
			n++
		}
	}
	return n, nil
}

// Count returns the number of stored signatures.
func (s *Signatures) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signatures)
}
