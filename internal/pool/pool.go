// Package pool implements the scan pool manager: it owns the job and
// result queues, the isolated workers, and the single result writer, and
// exposes the run lifecycle (submit, wait, shutdown) to callers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/perimeterlabs/vantage/internal/metrics"
	"github.com/perimeterlabs/vantage/internal/queue"
	"github.com/perimeterlabs/vantage/internal/scan"
	"github.com/perimeterlabs/vantage/internal/worker"
	"github.com/perimeterlabs/vantage/internal/writer"
)

// Config controls pool sizing and pacing.
type Config struct {
	// Workers is the number of isolated workers. Must be at least 1.
	Workers int
	// JobQueueDepth bounds the job queue; a full queue blocks Submit.
	JobQueueDepth int
	// ResultQueueDepth bounds the result queue; a full queue applies
	// backpressure to workers until the writer catches up.
	ResultQueueDepth int
	// Stagger spaces out worker startup so N browser processes do not
	// spawn in the same instant.
	Stagger time.Duration
	// Worker carries per-worker settings.
	Worker worker.Config
	// Writer carries result writer settings.
	Writer writer.Config
	// DefaultJob is applied to submissions that carry a zero JobConfig.
	DefaultJob scan.JobConfig
}

// Validate rejects unusable configurations before any goroutine starts.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("pool: workers must be at least 1, got %d", c.Workers)
	}
	if c.JobQueueDepth < 1 {
		return fmt.Errorf("pool: job queue depth must be at least 1, got %d", c.JobQueueDepth)
	}
	if c.ResultQueueDepth < 1 {
		return fmt.Errorf("pool: result queue depth must be at least 1, got %d", c.ResultQueueDepth)
	}
	return nil
}

// ErrNotStarted is returned by operations that require a running pool.
var ErrNotStarted = errors.New("pool not started")

// Pool wires workers, queues, and the writer into one run.
type Pool struct {
	cfg      Config
	factory  scan.InspectorFactory
	analyzer scan.Analyzer
	store    scan.ResultStore
	policy   scan.RetryPolicy
	clock    scan.Clock
	ids      scan.IDGenerator
	logger   *zap.Logger

	jobs    *queue.Jobs
	results *queue.Results
	coll    *metrics.Collector
	workers []*worker.Worker

	runCtx    context.Context
	cancel    context.CancelFunc
	workerWG  sync.WaitGroup
	writerRes chan error

	started   atomic.Bool
	submitted atomic.Int64
	persisted atomic.Int64
}

// New constructs an idle Pool. Call Start before submitting.
func New(
	cfg Config,
	factory scan.InspectorFactory,
	analyzer scan.Analyzer,
	store scan.ResultStore,
	policy scan.RetryPolicy,
	clock scan.Clock,
	ids scan.IDGenerator,
	logger *zap.Logger,
) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:       cfg,
		factory:   factory,
		analyzer:  analyzer,
		store:     store,
		policy:    policy,
		clock:     clock,
		ids:       ids,
		logger:    logger.Named("pool"),
		writerRes: make(chan error, 1),
	}, nil
}

// Start launches the writer and the workers. Worker startup is staggered;
// an individual worker's initialization failure is contained to that
// worker and surfaces in the run summary, not here.
func (p *Pool) Start(ctx context.Context) error {
	if p.started.Swap(true) {
		return errors.New("pool already started")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.runCtx = ctx
	p.jobs = queue.NewJobs(p.cfg.JobQueueDepth)
	p.results = queue.NewResults(p.cfg.ResultQueueDepth)
	p.coll = metrics.NewCollector(p.clock, p.logger)

	w := writer.New(p.store, p.results, p.cfg.Writer, p.logger, func(n int) {
		total := p.persisted.Add(int64(n))
		p.coll.SetPersisted(int(total))
	})
	go func() {
		err := w.Run(ctx)
		if err != nil {
			// A dead writer means nothing further persists. Cancel the
			// run so workers blocked on a full result queue exit instead
			// of wedging Shutdown.
			p.cancel()
		}
		p.writerRes <- err
	}()

	for i := 1; i <= p.cfg.Workers; i++ {
		wk := worker.New(
			i,
			p.cfg.Worker,
			p.factory,
			p.jobs,
			p.results,
			p.analyzer,
			p.policy,
			p.coll,
			p.clock,
			p.logger,
		)
		p.workers = append(p.workers, wk)

		delay := time.Duration(i-1) * p.cfg.Stagger
		p.workerWG.Add(1)
		go func(wk *worker.Worker, delay time.Duration) {
			defer p.workerWG.Done()
			if delay > 0 {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-ctx.Done():
					return
				}
			}
			if err := wk.Run(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("worker exited abnormally",
					zap.Int("worker_id", wk.ID()),
					zap.Error(err),
				)
			}
		}(wk, delay)
	}

	p.logger.Info("pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("job_queue_depth", p.cfg.JobQueueDepth),
		zap.Int("result_queue_depth", p.cfg.ResultQueueDepth),
	)
	return nil
}

// Submit creates a job for the target and enqueues it, blocking while the
// job queue is full. It returns the assigned job ID.
func (p *Pool) Submit(ctx context.Context, target string, cfg scan.JobConfig) (string, error) {
	if !p.started.Load() {
		return "", ErrNotStarted
	}
	if cfg == (scan.JobConfig{}) {
		cfg = p.cfg.DefaultJob
	}

	id, err := p.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := scan.Job{
		ID:        id,
		Target:    target,
		Config:    cfg,
		Submitted: p.clock.Now(),
	}
	if err := p.SubmitJob(ctx, job); err != nil {
		return "", err
	}
	return id, nil
}

// SubmitJob enqueues a fully-formed job. Callers that register jobs with
// the store ahead of the run build them first and hand them in here.
func (p *Pool) SubmitJob(ctx context.Context, job scan.Job) error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	if err := p.jobs.Enqueue(ctx, scan.Envelope{Job: job}); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	p.submitted.Add(1)
	p.coll.AddSubmitted(1)
	return nil
}

// WaitForCompletion blocks until every submitted job has a persisted
// result, the timeout passes, or the writer dies. It returns whether the
// run completed and how many jobs remain unresolved. Jobs owned by a
// crashed worker never resolve; the timeout is what bounds the wait.
func (p *Pool) WaitForCompletion(ctx context.Context, timeout time.Duration) (bool, int) {
	if !p.started.Load() {
		return false, 0
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		outstanding := int(p.submitted.Load() - p.persisted.Load())
		if outstanding <= 0 {
			return true, 0
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return false, outstanding
		case err := <-p.writerRes:
			// Writer died mid-run; nothing further will persist.
			p.writerRes <- err
			return false, outstanding
		case <-ctx.Done():
			return false, outstanding
		}
	}
}

// Shutdown stops the pool. Graceful shutdown sends one sentinel per
// worker, waits for them to drain, then sends the writer its sentinel and
// waits for the final flush. Non-graceful shutdown cancels everything
// in flight. Either way the run summary is returned.
func (p *Pool) Shutdown(ctx context.Context, graceful bool) (metrics.Summary, error) {
	if !p.started.Load() {
		return metrics.Summary{}, ErrNotStarted
	}

	// Sentinel sends are bounded by the run context as well as the
	// caller's: once the writer dies the run is canceled and nothing
	// drains the queues, so a plain send could block forever.
	sctx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(p.runCtx, stop)()

	var shutdownErr error
	if graceful {
		for range p.workers {
			if err := p.jobs.Enqueue(sctx, scan.Envelope{Shutdown: true}); err != nil {
				if p.runCtx.Err() == nil {
					shutdownErr = fmt.Errorf("enqueue worker sentinel: %w", err)
				}
				break
			}
		}
	} else {
		p.cancel()
	}

	p.workerWG.Wait()

	if graceful && shutdownErr == nil && p.runCtx.Err() == nil {
		if err := p.results.Enqueue(sctx, scan.ResultEnvelope{Shutdown: true}); err != nil && p.runCtx.Err() == nil {
			shutdownErr = fmt.Errorf("enqueue writer sentinel: %w", err)
		}
	}
	if !graceful || shutdownErr != nil {
		p.cancel()
	}

	writerErr := <-p.writerRes
	p.cancel()

	if writerErr != nil && !errors.Is(writerErr, context.Canceled) {
		shutdownErr = errors.Join(shutdownErr, writerErr)
	}

	summary, err := p.coll.Finalize(ctx)
	if err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	p.logger.Info("pool stopped",
		zap.Bool("graceful", graceful),
		zap.Int64("submitted", p.submitted.Load()),
		zap.Int64("persisted", p.persisted.Load()),
	)
	return summary, shutdownErr
}

// Collector returns the run's metrics collector, nil before Start.
func (p *Pool) Collector() *metrics.Collector {
	return p.coll
}

// WorkerStates reports each worker's current lifecycle state, keyed by
// worker ID.
func (p *Pool) WorkerStates() map[int]scan.WorkerState {
	states := make(map[int]scan.WorkerState, len(p.workers))
	for _, wk := range p.workers {
		states[wk.ID()] = wk.State()
	}
	return states
}

// Submitted returns the number of jobs accepted so far.
func (p *Pool) Submitted() int64 { return p.submitted.Load() }

// Persisted returns the number of results flushed to the store.
func (p *Pool) Persisted() int64 { return p.persisted.Load() }
