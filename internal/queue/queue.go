// Package queue provides the bounded in-memory channels connecting the
// pool, the workers, and the result writer. Bounded capacity is the
// system's backpressure boundary: a full job queue blocks submission and a
// full result queue blocks workers when the writer falls behind.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/perimeterlabs/vantage/internal/scan"
)

// ErrClosed is returned when dequeuing from a closed queue.
var ErrClosed = errors.New("queue closed")

// Jobs is a bounded queue of job envelopes with context-aware operations.
type Jobs struct {
	ch chan scan.Envelope
}

// NewJobs constructs a job queue with the provided capacity.
func NewJobs(capacity int) *Jobs {
	return &Jobs{ch: make(chan scan.Envelope, capacity)}
}

// Enqueue pushes an envelope, blocking while the queue is full. It returns
// if the context ends first; a job is never silently dropped.
func (q *Jobs) Enqueue(ctx context.Context, env scan.Envelope) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("job enqueue canceled: %w", ctx.Err())
	case q.ch <- env:
		return nil
	}
}

// Dequeue pops the next envelope, respecting context cancellation.
func (q *Jobs) Dequeue(ctx context.Context) (scan.Envelope, error) {
	select {
	case <-ctx.Done():
		return scan.Envelope{}, fmt.Errorf("job dequeue canceled: %w", ctx.Err())
	case env, ok := <-q.ch:
		if !ok {
			return scan.Envelope{}, ErrClosed
		}
		return env, nil
	}
}

// Len reports the number of queued envelopes.
func (q *Jobs) Len() int {
	return len(q.ch)
}

// Results is a bounded queue of result envelopes.
type Results struct {
	ch chan scan.ResultEnvelope
}

// NewResults constructs a result queue with the provided capacity.
func NewResults(capacity int) *Results {
	return &Results{ch: make(chan scan.ResultEnvelope, capacity)}
}

// Enqueue pushes a result envelope, blocking while the queue is full.
func (q *Results) Enqueue(ctx context.Context, env scan.ResultEnvelope) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("result enqueue canceled: %w", ctx.Err())
	case q.ch <- env:
		return nil
	}
}

// Dequeue pops the next result envelope, respecting context cancellation.
func (q *Results) Dequeue(ctx context.Context) (scan.ResultEnvelope, error) {
	select {
	case <-ctx.Done():
		return scan.ResultEnvelope{}, fmt.Errorf("result dequeue canceled: %w", ctx.Err())
	case env, ok := <-q.ch:
		if !ok {
			return scan.ResultEnvelope{}, ErrClosed
		}
		return env, nil
	}
}

// Len reports the number of queued envelopes.
func (q *Results) Len() int {
	return len(q.ch)
}
