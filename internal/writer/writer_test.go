package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlabs/vantage/internal/metrics"
	"github.com/perimeterlabs/vantage/internal/queue"
	"github.com/perimeterlabs/vantage/internal/scan"
	"github.com/perimeterlabs/vantage/internal/store/memory"
)

func TestMain(m *testing.M) {
	// The writer's metrics calls assume the process has initialized the
	// package-level collectors, as pool.Start does in production.
	metrics.Init()
	os.Exit(m.Run())
}

// flakyStore fails the first failures calls to WriteBatch, then delegates
// to an in-memory store.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    *memory.Store
}

func (s *flakyStore) WriteBatch(ctx context.Context, results []scan.Result) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("disk unavailable")
	}
	return s.inner.WriteBatch(ctx, results)
}

func (s *flakyStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func result(i int) scan.Result {
	return scan.Result{
		JobID:  fmt.Sprintf("job-%d", i),
		Target: fmt.Sprintf("https://host-%d.example", i),
		Status: scan.StatusSuccess,
	}
}

func TestWriterFlushesFullBatch(t *testing.T) {
	t.Parallel()

	store := memory.New()
	results := queue.NewResults(16)
	var persisted atomic.Int64
	w := New(store, results, Config{BatchSize: 3, FlushInterval: time.Hour}, nil, func(n int) {
		persisted.Add(int64(n))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, results.Enqueue(ctx, scan.ResultEnvelope{Result: result(i)}))
	}

	require.Eventually(t, func() bool { return store.Len() == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Len(t, store.Batches(), 1, "full batch should land as one transaction")

	require.NoError(t, results.Enqueue(ctx, scan.ResultEnvelope{Shutdown: true}))
	require.NoError(t, <-done)
	assert.Equal(t, int64(3), persisted.Load())
}

func TestWriterFlushesOnInterval(t *testing.T) {
	t.Parallel()

	store := memory.New()
	results := queue.NewResults(16)
	w := New(store, results, Config{BatchSize: 100, FlushInterval: 50 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, results.Enqueue(ctx, scan.ResultEnvelope{Result: result(0)}))

	// A single result, far below the batch size, still lands.
	require.Eventually(t, func() bool { return store.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, results.Enqueue(ctx, scan.ResultEnvelope{Shutdown: true}))
	require.NoError(t, <-done)
}

func TestWriterSentinelFlushesPartialBatch(t *testing.T) {
	t.Parallel()

	store := memory.New()
	results := queue.NewResults(16)
	w := New(store, results, Config{BatchSize: 100, FlushInterval: time.Hour}, nil, nil)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, results.Enqueue(ctx, scan.ResultEnvelope{Result: result(0)}))
	require.NoError(t, results.Enqueue(ctx, scan.ResultEnvelope{Result: result(1)}))
	require.NoError(t, results.Enqueue(ctx, scan.ResultEnvelope{Shutdown: true}))

	require.NoError(t, <-done)
	assert.Equal(t, 2, store.Len())
}

func TestWriterRetriesTransientFlushFailure(t *testing.T) {
	t.Parallel()

	store := &flakyStore{failures: 2, inner: memory.New()}
	results := queue.NewResults(16)
	w := New(store, results, Config{
		BatchSize:       1,
		FlushInterval:   time.Hour,
		MaxFlushRetries: 5,
		RetryBase:       time.Millisecond,
	}, nil, nil)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, results.Enqueue(ctx, scan.ResultEnvelope{Result: result(0)}))
	require.NoError(t, results.Enqueue(ctx, scan.ResultEnvelope{Shutdown: true}))

	require.NoError(t, <-done)
	assert.Equal(t, 1, store.inner.Len())
	assert.Equal(t, 3, store.callCount())
}

func TestWriterEscalatesAfterRetryExhaustion(t *testing.T) {
	t.Parallel()

	store := &flakyStore{failures: 1000, inner: memory.New()}
	results := queue.NewResults(16)
	w := New(store, results, Config{
		BatchSize:       2,
		FlushInterval:   time.Hour,
		MaxFlushRetries: 2,
		RetryBase:       time.Millisecond,
	}, nil, nil)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, results.Enqueue(ctx, scan.ResultEnvelope{Result: result(0)}))
	require.NoError(t, results.Enqueue(ctx, scan.ResultEnvelope{Result: result(1)}))

	err := <-done
	require.True(t, IsFlushError(err))
	var fe *FlushError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 2, fe.Buffered)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, store.callCount())
}

func TestWriterStopsOnCancel(t *testing.T) {
	t.Parallel()

	w := New(memory.New(), queue.NewResults(1), Config{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
