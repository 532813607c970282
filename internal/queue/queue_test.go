package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perimeterlabs/vantage/internal/scan"
)

func TestJobsEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewJobs(2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, scan.Envelope{Job: scan.Job{ID: "a"}}))
	require.NoError(t, q.Enqueue(ctx, scan.Envelope{Shutdown: true}))
	require.Equal(t, 2, q.Len())

	env, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", env.Job.ID)
	require.False(t, env.Shutdown)

	env, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, env.Shutdown)
}

func TestJobsEnqueueBlocksWhenFull(t *testing.T) {
	t.Parallel()

	q := NewJobs(1)
	require.NoError(t, q.Enqueue(context.Background(), scan.Envelope{Job: scan.Job{ID: "first"}}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := q.Enqueue(ctx, scan.Envelope{Job: scan.Job{ID: "second"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	// The blocked job was not silently dropped into the queue.
	require.Equal(t, 1, q.Len())
}

func TestResultsDequeueHonorsCancel(t *testing.T) {
	t.Parallel()

	q := NewResults(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
