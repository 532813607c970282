package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlabs/vantage/internal/clock/system"
	"github.com/perimeterlabs/vantage/internal/metrics"
	"github.com/perimeterlabs/vantage/internal/queue"
	"github.com/perimeterlabs/vantage/internal/scan"
)

// scriptedEngine pops one outcome per Inspect call from a script shared
// across engine restarts.
type script struct {
	mu       sync.Mutex
	outcomes []error
	inspects int
	builds   int
}

func (s *script) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inspects++
	if len(s.outcomes) == 0 {
		return nil
	}
	out := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return out
}

type scriptedEngine struct {
	script *script
	closed bool
}

func (e *scriptedEngine) Inspect(_ context.Context, job scan.Job) (*scan.Inspection, error) {
	if err := e.script.next(); err != nil {
		return nil, err
	}
	return &scan.Inspection{Target: job.Target, StatusCode: 200, Title: "ok"}, nil
}

func (e *scriptedEngine) Alive(context.Context) bool { return !e.closed }

func (e *scriptedEngine) Close(context.Context) error {
	e.closed = true
	return nil
}

func (s *script) factory() scan.InspectorFactory {
	return func(context.Context, int, string) (scan.Inspector, error) {
		s.mu.Lock()
		s.builds++
		s.mu.Unlock()
		return &scriptedEngine{script: s}, nil
	}
}

type mapAnalyzer struct {
	attrs map[string]string
	err   error
}

func (a *mapAnalyzer) Analyze(context.Context, *scan.Inspection) (map[string]string, error) {
	return a.attrs, a.err
}

type harness struct {
	jobs    *queue.Jobs
	results *queue.Results
	coll    *metrics.Collector
	worker  *Worker
	done    chan error
}

func newHarness(t *testing.T, sc *script, analyzer scan.Analyzer) *harness {
	t.Helper()

	h := &harness{
		jobs:    queue.NewJobs(16),
		results: queue.NewResults(16),
		coll:    metrics.NewCollector(system.New(), nil),
		done:    make(chan error, 1),
	}
	h.worker = New(
		1,
		Config{WorkspaceRoot: t.TempDir(), JobTimeout: 5 * time.Second},
		sc.factory(),
		h.jobs,
		h.results,
		analyzer,
		scan.ScaledRetryPolicy(0.001),
		h.coll,
		system.New(),
		nil,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = h.coll.Finalize(ctx)
	})
	return h
}

func (h *harness) start(ctx context.Context) {
	go func() { h.done <- h.worker.Run(ctx) }()
}

func (h *harness) submit(t *testing.T, job scan.Job) {
	t.Helper()
	require.NoError(t, h.jobs.Enqueue(context.Background(), scan.Envelope{Job: job}))
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, h.jobs.Enqueue(context.Background(), scan.Envelope{Shutdown: true}))
	require.NoError(t, <-h.done)
	assert.Equal(t, scan.WorkerStopped, h.worker.State())
}

func (h *harness) nextResult(t *testing.T) scan.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := h.results.Dequeue(ctx)
	require.NoError(t, err)
	require.False(t, env.Shutdown)
	return env.Result
}

func job(id string) scan.Job {
	return scan.Job{ID: id, Target: "https://" + id + ".example", Submitted: time.Now()}
}

func TestWorkerProcessesJobSuccessfully(t *testing.T) {
	t.Parallel()

	sc := &script{}
	h := newHarness(t, sc, nil)
	h.start(context.Background())

	h.submit(t, job("j1"))
	res := h.nextResult(t)

	assert.Equal(t, "j1", res.JobID)
	assert.Equal(t, scan.StatusSuccess, res.Status)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, 1, res.WorkerID)
	require.NotNil(t, res.Payload)
	assert.Equal(t, 200, res.Payload.StatusCode)

	h.stop(t)
}

func TestWorkerRetriesTimeoutThenSucceeds(t *testing.T) {
	t.Parallel()

	sc := &script{outcomes: []error{context.DeadlineExceeded}}
	h := newHarness(t, sc, nil)
	h.start(context.Background())

	h.submit(t, job("j1"))
	res := h.nextResult(t)

	assert.Equal(t, scan.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Retries)

	h.stop(t)
}

func TestWorkerExhaustsTimeoutRetries(t *testing.T) {
	t.Parallel()

	// Three timeouts: initial attempt plus the full retry budget of two.
	sc := &script{outcomes: []error{
		context.DeadlineExceeded,
		context.DeadlineExceeded,
		context.DeadlineExceeded,
	}}
	h := newHarness(t, sc, nil)
	h.start(context.Background())

	h.submit(t, job("j1"))
	res := h.nextResult(t)

	assert.Equal(t, scan.StatusFailed, res.Status)
	assert.Equal(t, scan.FailureTimeout, res.FailureClass)
	assert.Equal(t, 2, res.Retries)

	h.stop(t)

	// Exactly one result for the exhausted job.
	assert.Equal(t, 0, h.results.Len())
}

func TestWorkerRestartsEngineAfterCrash(t *testing.T) {
	t.Parallel()

	sc := &script{outcomes: []error{scan.ErrEngineCrashed}}
	h := newHarness(t, sc, nil)
	h.start(context.Background())

	h.submit(t, job("j1"))
	res := h.nextResult(t)

	assert.Equal(t, scan.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Retries)

	sc.mu.Lock()
	builds := sc.builds
	sc.mu.Unlock()
	assert.Equal(t, 2, builds, "crash should force a fresh engine")

	h.stop(t)
}

func TestWorkerGivesUpAfterConsecutiveEngineCrashes(t *testing.T) {
	t.Parallel()

	sc := &script{outcomes: []error{scan.ErrEngineCrashed, scan.ErrEngineCrashed}}
	h := newHarness(t, sc, nil)
	h.start(context.Background())

	h.submit(t, job("doomed"))
	res := h.nextResult(t)

	assert.Equal(t, scan.StatusError, res.Status)
	assert.Equal(t, scan.FailureEngine, res.FailureClass)

	// The worker survives and processes the next job.
	h.submit(t, job("next"))
	res = h.nextResult(t)
	assert.Equal(t, scan.StatusSuccess, res.Status)

	h.stop(t)
}

func TestWorkerUnknownFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	sc := &script{outcomes: []error{errors.New("certificate has expired")}}
	h := newHarness(t, sc, nil)
	h.start(context.Background())

	h.submit(t, job("j1"))
	res := h.nextResult(t)

	assert.Equal(t, scan.StatusFailed, res.Status)
	assert.Equal(t, scan.FailureUnknown, res.FailureClass)
	assert.Equal(t, 0, res.Retries)

	h.stop(t)
}

func TestWorkerEnrichesWhenAnalyzeEnabled(t *testing.T) {
	t.Parallel()

	sc := &script{}
	h := newHarness(t, sc, &mapAnalyzer{attrs: map[string]string{"framework": "drupal"}})
	h.start(context.Background())

	j := job("j1")
	j.Config.AnalyzeEnabled = true
	h.submit(t, j)

	res := h.nextResult(t)
	require.NotNil(t, res.Payload)
	assert.Equal(t, "drupal", res.Payload.Enrichment["framework"])

	h.stop(t)
}

func TestWorkerSkipsAnalyzerWhenDisabled(t *testing.T) {
	t.Parallel()

	sc := &script{}
	h := newHarness(t, sc, &mapAnalyzer{err: errors.New("should not be called")})
	h.start(context.Background())

	h.submit(t, job("j1"))
	res := h.nextResult(t)
	assert.Equal(t, scan.StatusSuccess, res.Status)

	h.stop(t)
}

type failingFactory struct{}

func (failingFactory) build(context.Context, int, string) (scan.Inspector, error) {
	return nil, errors.New("chrome binary not found")
}

func TestWorkerInitFailureIsFatalToWorkerOnly(t *testing.T) {
	t.Parallel()

	coll := metrics.NewCollector(system.New(), nil)
	w := New(
		7,
		Config{WorkspaceRoot: t.TempDir()},
		failingFactory{}.build,
		queue.NewJobs(1),
		queue.NewResults(1),
		nil,
		scan.DefaultRetryPolicy(),
		coll,
		system.New(),
		nil,
	)

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, scan.WorkerCrashed, w.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	summary, err := coll.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CrashedWorkers)
}

type panickyEngine struct{ calls int }

func (e *panickyEngine) Inspect(_ context.Context, job scan.Job) (*scan.Inspection, error) {
	e.calls++
	if e.calls == 1 {
		panic("nil dereference in render path")
	}
	return &scan.Inspection{Target: job.Target, StatusCode: 200}, nil
}

func (e *panickyEngine) Alive(context.Context) bool  { return true }
func (e *panickyEngine) Close(context.Context) error { return nil }

func TestWorkerRecoversFromJobPanic(t *testing.T) {
	t.Parallel()

	engine := &panickyEngine{}
	coll := metrics.NewCollector(system.New(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = coll.Finalize(ctx)
	})

	jobs := queue.NewJobs(16)
	results := queue.NewResults(16)
	w := New(
		1,
		Config{WorkspaceRoot: t.TempDir()},
		func(context.Context, int, string) (scan.Inspector, error) { return engine, nil },
		jobs,
		results,
		nil,
		scan.DefaultRetryPolicy(),
		coll,
		system.New(),
		nil,
	)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, jobs.Enqueue(ctx, scan.Envelope{Job: job("boom")}))

	env, err := results.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, scan.StatusError, env.Result.Status)
	assert.Contains(t, env.Result.ErrorDetail, "panic")

	// The loop survives the panic.
	require.NoError(t, jobs.Enqueue(ctx, scan.Envelope{Job: job("after")}))
	env, err = results.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, scan.StatusSuccess, env.Result.Status)

	require.NoError(t, jobs.Enqueue(ctx, scan.Envelope{Shutdown: true}))
	require.NoError(t, <-done)
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	sc := &script{}
	h := newHarness(t, sc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx)
	cancel()

	require.ErrorIs(t, <-h.done, context.Canceled)
	assert.Equal(t, scan.WorkerStopped, h.worker.State())
}

func TestWorkerResultsCarryDistinctJobIDs(t *testing.T) {
	t.Parallel()

	sc := &script{}
	h := newHarness(t, sc, nil)
	h.start(context.Background())

	const n = 5
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		h.submit(t, job(fmt.Sprintf("j%d", i)))
	}
	for i := 0; i < n; i++ {
		res := h.nextResult(t)
		require.False(t, seen[res.JobID], "job %s produced two results", res.JobID)
		seen[res.JobID] = true
	}

	h.stop(t)
}
