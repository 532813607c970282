package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perimeterlabs/vantage/internal/scan"
)

const defaultEventBuffer = 256

// Collector consumes WorkerMetrics snapshots and lifecycle events off a
// dedicated channel and aggregates them into a run summary. It is passive:
// nothing about job correctness depends on it.
type Collector struct {
	events chan event
	stopCh chan struct{}
	doneCh chan struct{}
	clock  scan.Clock
	logger *zap.Logger

	mu        sync.RWMutex
	started   time.Time
	submitted int
	persisted int
	workers   map[int]scan.WorkerMetrics
	crashes   map[int]string
	finalized bool

	closeOnce sync.Once
}

type event struct {
	snapshot *scan.WorkerMetrics
	crash    *crashEvent
}

type crashEvent struct {
	workerID int
	reason   string
}

// NewCollector starts a Collector and its background aggregation
// goroutine. A nil logger falls back to a no-op logger.
func NewCollector(clock scan.Clock, logger *zap.Logger) *Collector {
	Init()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		events:  make(chan event, defaultEventBuffer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		clock:   clock,
		logger:  logger,
		started: clock.Now(),
		workers: make(map[int]scan.WorkerMetrics),
		crashes: make(map[int]string),
	}
	go c.run()
	return c
}

// Publish hands a worker's counter snapshot to the collector. It blocks
// only while the event buffer is full; snapshots are never reordered per
// worker because each worker publishes sequentially.
func (c *Collector) Publish(snapshot scan.WorkerMetrics) {
	select {
	case c.events <- event{snapshot: &snapshot}:
	case <-c.stopCh:
		// Late publish during shutdown: fold it in directly so the final
		// snapshot is not lost.
		c.apply(event{snapshot: &snapshot})
	}
}

// ReportCrash records a worker that terminated abnormally.
func (c *Collector) ReportCrash(workerID int, reason string) {
	select {
	case c.events <- event{crash: &crashEvent{workerID: workerID, reason: reason}}:
	case <-c.stopCh:
		c.apply(event{crash: &crashEvent{workerID: workerID, reason: reason}})
	}
}

// AddSubmitted grows the submitted-jobs total.
func (c *Collector) AddSubmitted(n int) {
	c.mu.Lock()
	c.submitted += n
	c.mu.Unlock()
}

// SetPersisted records how many results the writer confirmed persisted.
func (c *Collector) SetPersisted(n int) {
	c.mu.Lock()
	c.persisted = n
	c.mu.Unlock()
}

// Finalize stops the aggregation goroutine, drains pending events, and
// returns the final summary. Safe to call once shutdown is confirmed.
func (c *Collector) Finalize(ctx context.Context) (Summary, error) {
	c.closeOnce.Do(func() {
		close(c.stopCh)
	})
	select {
	case <-c.doneCh:
	case <-ctx.Done():
		return Summary{}, fmt.Errorf("collector finalize wait: %w", ctx.Err())
	}
	c.mu.Lock()
	c.finalized = true
	c.mu.Unlock()
	return c.Summary(), nil
}

func (c *Collector) run() {
	defer close(c.doneCh)
	for {
		select {
		case evt := <-c.events:
			c.apply(evt)
		case <-c.stopCh:
			for {
				select {
				case evt := <-c.events:
					c.apply(evt)
				default:
					return
				}
			}
		}
	}
}

func (c *Collector) apply(evt event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case evt.snapshot != nil:
		c.workers[evt.snapshot.WorkerID] = *evt.snapshot
	case evt.crash != nil:
		c.crashes[evt.crash.workerID] = evt.crash.reason
		c.logger.Warn("worker crashed",
			zap.Int("worker_id", evt.crash.workerID),
			zap.String("reason", evt.crash.reason),
		)
	}
}
