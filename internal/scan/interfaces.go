package scan

import (
	"context"
	"time"
)

// Inspector is a handle to the external inspection engine. Handles are
// expensive, crash-prone, and not safe to share: each worker owns exactly
// one and may discard and recreate it mid-run without affecting siblings.
type Inspector interface {
	Inspect(ctx context.Context, job Job) (*Inspection, error)
	// Alive reports whether the underlying engine still responds; a false
	// return tells the owner to discard and recreate the handle.
	Alive(ctx context.Context) bool
	Close(ctx context.Context) error
}

// InspectorFactory builds a fresh Inspector bound to a worker's private
// workspace directory.
type InspectorFactory func(ctx context.Context, workerID int, workspace string) (Inspector, error)

// ResultStore persists results. The store must support exactly one live
// writer; the Result Writer is the only component that ever holds one.
type ResultStore interface {
	// WriteBatch applies the batch in a single transaction, all-or-nothing.
	WriteBatch(ctx context.Context, results []Result) error
}

// Analyzer enriches a successful inspection via the remote analysis
// service. Its failures are classified exactly like inspection failures.
type Analyzer interface {
	Analyze(ctx context.Context, payload *Inspection) (map[string]string, error)
}

// JobQueue carries job envelopes from the pool to the workers.
type JobQueue interface {
	Enqueue(ctx context.Context, env Envelope) error
	Dequeue(ctx context.Context) (Envelope, error)
}

// ResultQueue carries result envelopes from the workers to the writer.
type ResultQueue interface {
	Enqueue(ctx context.Context, env ResultEnvelope) error
	Dequeue(ctx context.Context) (ResultEnvelope, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
