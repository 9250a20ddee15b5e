package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alecgard/outpost/internal/auth"
	"github.com/alecgard/outpost/internal/metrics"
)

// BatchInserter is the interface used by Collector to persist events.
type BatchInserter interface {
	BatchInsert(ctx context.Context, events []Event) error
}

// Collector buffers events in memory and periodically flushes them to the
// store in batches. It is safe for concurrent use.
type Collector struct {
	store         BatchInserter
	metrics       *metrics.Metrics
	buffer        []Event
	mu            sync.Mutex
	flushMu       sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopped       chan struct{}
	stopOnce      sync.Once
}

// NewCollector creates a Collector that flushes to store when the buffer
// reaches batchSize or every flushInterval, whichever comes first. m may be
// nil.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration, m *metrics.Metrics) *Collector {
	return &Collector{
		store:         store,
		metrics:       m,
		buffer:        make([]Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Start flushes buffered events on a timer. It blocks until Stop is called
// or the context is cancelled, then flushes once more.
func (c *Collector) Start(ctx context.Context) {
	defer close(c.stopped)
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds an event to the buffer and logs it. If the buffer reaches
// batchSize, a flush is triggered immediately.
func (c *Collector) Record(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	slog.Warn("security event",
		"code", e.Code,
		"agent", e.AgentName,
		"ip", e.IPAddress,
		"endpoint", e.Endpoint,
		"request_id", e.RequestID,
	)

	c.mu.Lock()
	c.buffer = append(c.buffer, e)
	n := len(c.buffer)
	c.mu.Unlock()
	c.metrics.SetCollectorBuffer(n)

	if n >= c.batchSize {
		c.flush()
	}
}

// RecordFailure adapts an auth failure into an event. Register it with
// auth.Guard.OnFailure.
func (c *Collector) RecordFailure(f auth.Failure) {
	c.Record(Event{
		OccurredAt: f.At,
		Code:       string(f.Code),
		AgentName:  f.AgentName,
		IPAddress:  f.ClientIP,
		Endpoint:   f.Endpoint,
		RequestID:  f.RequestID,
	})
}

// Buffered returns the number of events waiting to be flushed.
func (c *Collector) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// flush drains all buffered events and writes them to the store. It logs
// errors rather than returning them so callers are not blocked.
func (c *Collector) flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Event, 0, c.batchSize)
	c.mu.Unlock()
	c.metrics.SetCollectorBuffer(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := c.store.BatchInsert(ctx, batch)
	c.metrics.ObserveFlush(len(batch), time.Since(start), err)
	if err != nil {
		slog.Error("failed to flush security events", "count", len(batch), "error", err)
	}
}

// Stop signals the background goroutine to exit and waits for the final
// flush. It must only be called after Start.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	<-c.stopped
}
