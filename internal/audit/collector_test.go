package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/outpost/internal/apierr"
	"github.com/alecgard/outpost/internal/auth"
	"github.com/alecgard/outpost/internal/metrics"
)

// mockStore records all batches that were inserted.
type mockStore struct {
	mu       sync.Mutex
	batches  [][]Event
	insertFn func(ctx context.Context, events []Event) error
}

func (m *mockStore) BatchInsert(ctx context.Context, events []Event) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, events)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Event, len(events))
	copy(cp, events)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *mockStore) totalInserted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func sampleEvent(code string) Event {
	return Event{Code: code, AgentName: "web-01", IPAddress: "10.0.0.1", Endpoint: "heartbeat"}
}

func TestCollector_RecordAddsToBuffer(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour, nil)

	c.Record(sampleEvent("AUTH_REPLAY_DETECTED"))
	c.Record(sampleEvent("AUTH_INVALID_SIGNATURE"))

	if c.Buffered() != 2 {
		t.Fatalf("expected buffer length 2, got %d", c.Buffered())
	}
	if ms.totalInserted() != 0 {
		t.Fatalf("expected 0 inserted before flush, got %d", ms.totalInserted())
	}
}

func TestCollector_FlushOnBatchSize(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		records   int
		wantFlush int
	}{
		{"exact batch size triggers flush", 3, 3, 3},
		{"under batch size does not flush", 5, 3, 0},
		{"double batch size triggers two flushes", 2, 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockStore{}
			c := NewCollector(ms, tt.batchSize, time.Hour, nil)

			for i := 0; i < tt.records; i++ {
				c.Record(sampleEvent("AUTH_REPLAY_DETECTED"))
			}

			if got := ms.totalInserted(); got != tt.wantFlush {
				t.Errorf("expected %d flushed events, got %d", tt.wantFlush, got)
			}
		})
	}
}

func TestCollector_StopDoesFinalFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour, nil)

	go c.Start(context.Background())

	c.Record(sampleEvent("AUTH_REPLAY_DETECTED"))
	c.Record(sampleEvent("AUTH_INVALID_SIGNATURE"))
	c.Record(sampleEvent("RATE_LIMITED"))

	c.Stop()

	if got := ms.totalInserted(); got != 3 {
		t.Fatalf("expected 3 events after Stop, got %d", got)
	}
}

func TestCollector_TimerFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, 20*time.Millisecond, nil)

	go c.Start(context.Background())
	defer c.Stop()

	c.Record(sampleEvent("AUTH_REPLAY_DETECTED"))

	deadline := time.Now().Add(2 * time.Second)
	for ms.totalInserted() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := ms.totalInserted(); got != 1 {
		t.Fatalf("expected 1 event after timer flush, got %d", got)
	}
}

func TestCollector_ConcurrentRecords(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 10, time.Hour, nil)

	go c.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Record(sampleEvent("AUTH_REPLAY_DETECTED"))
		}()
	}
	wg.Wait()
	c.Stop()

	if got := ms.totalInserted(); got != 50 {
		t.Fatalf("expected 50 events, got %d", got)
	}
}

func TestCollector_FlushErrorIsCounted(t *testing.T) {
	m := metrics.New()
	ms := &mockStore{insertFn: func(context.Context, []Event) error { return errors.New("db down") }}
	c := NewCollector(ms, 1, time.Hour, m)

	c.Record(sampleEvent("AUTH_REPLAY_DETECTED"))

	s, err := m.Summarize()
	if err != nil {
		t.Fatal(err)
	}
	if s.Collector.FlushErrors != 1 {
		t.Errorf("expected 1 flush error, got %v", s.Collector.FlushErrors)
	}
	if c.Buffered() != 0 {
		t.Errorf("failed batches are dropped, buffer has %d", c.Buffered())
	}
}

func TestRecordFailure(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 1, time.Hour, nil)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c.RecordFailure(auth.Failure{
		Code:      apierr.CodeReplayDetected,
		AgentName: "web-01",
		ClientIP:  "10.0.0.9",
		Endpoint:  "poll-jobs",
		RequestID: "req-1",
		At:        at,
	})

	if len(ms.batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(ms.batches))
	}
	e := ms.batches[0][0]
	if e.Code != "AUTH_REPLAY_DETECTED" || e.IPAddress != "10.0.0.9" || !e.OccurredAt.Equal(at) {
		t.Errorf("unexpected event %+v", e)
	}
}

func TestBuildWhereClause(t *testing.T) {
	where, args := buildWhereClause(Query{})
	if where != "" || len(args) != 0 {
		t.Errorf("empty query: got %q %v", where, args)
	}

	where, args = buildWhereClause(Query{Code: "AUTH_REPLAY_DETECTED", AgentName: "web-01"})
	if where != " WHERE code = $1 AND agent_name = $2" {
		t.Errorf("where = %q", where)
	}
	if len(args) != 2 {
		t.Errorf("expected 2 args, got %d", len(args))
	}
}
