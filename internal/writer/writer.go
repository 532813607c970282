// Package writer implements the single result writer. It is the only
// component that ever touches the result store: workers hand finished
// results to it over the result queue and it persists them in batches.
package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/perimeterlabs/vantage/internal/metrics"
	"github.com/perimeterlabs/vantage/internal/scan"
)

// Config controls batching behavior.
type Config struct {
	// BatchSize triggers a flush when the buffer reaches this many results.
	BatchSize int
	// FlushInterval triggers a flush for a non-empty buffer even when the
	// batch is not full, so a slow trickle of results still lands.
	FlushInterval time.Duration
	// MaxFlushRetries bounds the per-flush retry loop. When exhausted the
	// writer stops and reports a run-level error.
	MaxFlushRetries uint64
	// RetryBase is the initial flush retry delay.
	RetryBase time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxFlushRetries == 0 {
		c.MaxFlushRetries = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
}

// FlushError is the run-level error reported when a batch could not be
// persisted after all retries. Buffered counts the results held in the
// writer's buffer when it gave up.
type FlushError struct {
	Buffered int
	Err      error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("result flush failed with %d results buffered: %v", e.Buffered, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// Writer drains the result queue into the store.
type Writer struct {
	store   scan.ResultStore
	results scan.ResultQueue
	cfg     Config
	logger  *zap.Logger

	// onPersisted is called after every successful flush with the batch
	// size, so the pool can track run completion.
	onPersisted func(n int)
}

// New builds a Writer. onPersisted may be nil.
func New(store scan.ResultStore, results scan.ResultQueue, cfg Config, logger *zap.Logger, onPersisted func(n int)) *Writer {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:       store,
		results:     results,
		cfg:         cfg,
		logger:      logger.Named("writer"),
		onPersisted: onPersisted,
	}
}

// Run consumes the result queue until it sees the shutdown sentinel, then
// performs a final flush and returns. It returns a *FlushError when a
// batch could not be persisted, and the context error on cancellation.
func (w *Writer) Run(ctx context.Context) error {
	// Child context so the dequeue goroutine unblocks when Run returns.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	buffer := make([]scan.Result, 0, w.cfg.BatchSize)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	deq := make(chan scan.ResultEnvelope)
	deqErr := make(chan error, 1)
	go func() {
		for {
			env, err := w.results.Dequeue(ctx)
			if err != nil {
				deqErr <- err
				return
			}
			select {
			case deq <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case env := <-deq:
			if env.Shutdown {
				w.logger.Debug("shutdown sentinel received", zap.Int("buffered", len(buffer)))
				if err := w.flush(ctx, buffer); err != nil {
					return &FlushError{Buffered: len(buffer), Err: err}
				}
				return nil
			}
			buffer = append(buffer, env.Result)
			if len(buffer) < w.cfg.BatchSize {
				continue
			}
			if err := w.flush(ctx, buffer); err != nil {
				return &FlushError{Buffered: len(buffer), Err: err}
			}
			buffer = buffer[:0]
			ticker.Reset(w.cfg.FlushInterval)

		case <-ticker.C:
			if len(buffer) == 0 {
				continue
			}
			if err := w.flush(ctx, buffer); err != nil {
				return &FlushError{Buffered: len(buffer), Err: err}
			}
			buffer = buffer[:0]

		case err := <-deqErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("result dequeue: %w", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flush writes the batch in one transaction, retrying transient store
// errors with exponential backoff before giving up.
func (w *Writer) flush(ctx context.Context, batch []scan.Result) error {
	if len(batch) == 0 {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.RetryBase
	policy.MaxInterval = 10 * w.cfg.RetryBase
	bounded := backoff.WithContext(
		backoff.WithMaxRetries(policy, w.cfg.MaxFlushRetries),
		ctx,
	)

	start := time.Now()
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := w.store.WriteBatch(ctx, batch); err != nil {
			metrics.ObserveFlushError()
			w.logger.Warn("batch flush failed",
				zap.Int("batch", len(batch)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		return nil
	}, bounded)
	if err != nil {
		return err
	}

	metrics.ObserveFlush(len(batch), time.Since(start).Seconds())
	w.logger.Debug("batch flushed", zap.Int("batch", len(batch)), zap.Int("attempts", attempt))
	if w.onPersisted != nil {
		w.onPersisted(len(batch))
	}
	return nil
}

// IsFlushError reports whether err is a run-level flush failure.
func IsFlushError(err error) bool {
	var fe *FlushError
	return errors.As(err, &fe)
}
