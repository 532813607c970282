// Package worker implements the isolated scan worker: a goroutine that
// owns a private workspace and a dedicated inspection engine, consumes
// jobs from the shared queue, and emits exactly one result per job.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perimeterlabs/vantage/internal/logging"
	"github.com/perimeterlabs/vantage/internal/metrics"
	"github.com/perimeterlabs/vantage/internal/scan"
)

// Config controls per-worker behavior.
type Config struct {
	// WorkspaceRoot is the directory under which each worker creates its
	// private workspace.
	WorkspaceRoot string
	// JobTimeout bounds a single inspection attempt when the job itself
	// does not carry a timeout.
	JobTimeout time.Duration
}

// Worker consumes job envelopes and executes the inspection pipeline.
// Nothing it owns is shared: its inspector handle, workspace directory,
// and counters are all private, so a crash here never corrupts a sibling.
type Worker struct {
	id       int
	cfg      Config
	factory  scan.InspectorFactory
	jobs     scan.JobQueue
	results  scan.ResultQueue
	analyzer scan.Analyzer
	policy   scan.RetryPolicy
	coll     *metrics.Collector
	clock    scan.Clock
	logger   *zap.Logger

	workspace string
	inspector scan.Inspector
	stats     scan.WorkerMetrics

	mu    sync.RWMutex
	state scan.WorkerState
}

// New constructs a Worker. analyzer may be nil when enrichment is off.
func New(
	id int,
	cfg Config,
	factory scan.InspectorFactory,
	jobs scan.JobQueue,
	results scan.ResultQueue,
	analyzer scan.Analyzer,
	policy scan.RetryPolicy,
	coll *metrics.Collector,
	clock scan.Clock,
	logger *zap.Logger,
) *Worker {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	return &Worker{
		id:       id,
		cfg:      cfg,
		factory:  factory,
		jobs:     jobs,
		results:  results,
		analyzer: analyzer,
		policy:   policy,
		coll:     coll,
		clock:    clock,
		logger:   logging.ForWorker(logger, id),
		state:    scan.WorkerIdle,
		stats: scan.WorkerMetrics{
			WorkerID:      id,
			ErrorsByClass: make(map[scan.FailureClass]int64),
		},
	}
}

// ID returns the worker's numeric identity.
func (w *Worker) ID() int { return w.id }

// State returns the worker's current lifecycle state.
func (w *Worker) State() scan.WorkerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s scan.WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run blocks until the worker receives a shutdown sentinel or the context
// is canceled. An initialization failure is fatal to this worker only; it
// reports the crash and returns without touching its siblings.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.initialize(ctx); err != nil {
		w.setState(scan.WorkerCrashed)
		w.coll.ReportCrash(w.id, err.Error())
		w.logger.Error("worker initialization failed", zap.Error(err))
		return err
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer w.teardown()

	for {
		w.setState(scan.WorkerFetching)
		env, err := w.jobs.Dequeue(ctx)
		if err != nil {
			w.setState(scan.WorkerStopped)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("job dequeue: %w", err)
		}
		if env.Shutdown {
			w.setState(scan.WorkerStopped)
			w.logger.Debug("shutdown sentinel received",
				zap.Int64("processed", w.stats.Processed),
			)
			return nil
		}

		w.processJob(ctx, env.Job)
		w.coll.Publish(w.stats.Clone())
		w.setState(scan.WorkerIdle)
	}
}

func (w *Worker) initialize(ctx context.Context) error {
	w.workspace = filepath.Join(w.cfg.WorkspaceRoot, fmt.Sprintf("worker-%d", w.id))
	if err := os.MkdirAll(w.workspace, 0o750); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	insp, err := w.factory(ctx, w.id, w.workspace)
	if err != nil {
		return fmt.Errorf("create inspector: %w", err)
	}
	w.inspector = insp
	w.logger.Debug("worker initialized", zap.String("workspace", w.workspace))
	return nil
}

func (w *Worker) teardown() {
	if w.inspector != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.inspector.Close(ctx); err != nil {
			w.logger.Warn("inspector close failed", zap.Error(err))
		}
		w.inspector = nil
	}
	if w.workspace != "" {
		if err := os.RemoveAll(w.workspace); err != nil {
			w.logger.Warn("workspace cleanup failed", zap.Error(err))
		}
	}
}

// processJob runs one job to its terminal outcome and emits exactly one
// result. A panic inside the pipeline is contained here and converted
// into an error result.
func (w *Worker) processJob(ctx context.Context, job scan.Job) {
	start := w.clock.Now()
	emitted := false
	var retries int

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
			)
			if !emitted {
				res := w.buildFailure(job, start, retries, scan.FailureUnknown,
					fmt.Sprintf("panic: %v", r), scan.StatusError)
				w.emit(ctx, res)
			}
		}
	}()

	if err := w.applyJitter(ctx, job.Config.Jitter); err != nil {
		return
	}

	w.setState(scan.WorkerExecuting)
	attempts := make(map[scan.FailureClass]int)
	engineStreak := 0

	for {
		payload, err := w.attempt(ctx, job)
		if err == nil {
			res := scan.Result{
				JobID:       job.ID,
				Target:      job.Target,
				Status:      scan.StatusSuccess,
				Payload:     payload,
				Retries:     retries,
				Duration:    w.clock.Now().Sub(start),
				WorkerID:    w.id,
				CompletedAt: w.clock.Now(),
			}
			w.emit(ctx, res)
			emitted = true
			return
		}
		if ctx.Err() != nil {
			return
		}

		class := scan.Classify(err)
		w.stats.ErrorsByClass[class]++
		w.logger.Warn("job attempt failed",
			zap.String("job_id", job.ID),
			zap.String("target", job.Target),
			zap.String("class", string(class)),
			zap.Error(err),
		)

		if class == scan.FailureEngine {
			engineStreak++
			if engineStreak >= 2 {
				// Two engine deaths in a row on the same job: give up on
				// the job, keep the worker.
				res := w.buildFailure(job, start, retries, class, err.Error(), scan.StatusError)
				w.emit(ctx, res)
				emitted = true
				return
			}
		} else {
			engineStreak = 0
		}

		plan := w.policy.PlanFor(class)
		used := attempts[class]
		if used >= plan.MaxRetries {
			res := w.buildFailure(job, start, retries, class, err.Error(), scan.StatusFailed)
			w.emit(ctx, res)
			emitted = true
			return
		}

		delay := plan.Backoff(used)
		attempts[class] = used + 1
		retries++
		w.stats.Retried++
		metrics.ObserveRetry(class)

		if plan.RestartEngine {
			w.restartInspector(ctx)
		}

		w.setState(scan.WorkerRetrying)
		if !sleepCtx(ctx, delay) {
			return
		}
		w.setState(scan.WorkerExecuting)
	}
}

// attempt performs one bounded inspection pass, enrichment included.
func (w *Worker) attempt(ctx context.Context, job scan.Job) (*scan.Inspection, error) {
	if w.inspector == nil || !w.inspector.Alive(ctx) {
		if err := w.rebuildInspector(ctx); err != nil {
			return nil, fmt.Errorf("%w: rebuild: %v", scan.ErrEngineCrashed, err)
		}
	}

	timeout := job.Config.Timeout
	if timeout <= 0 {
		timeout = w.cfg.JobTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := w.inspector.Inspect(attemptCtx, job)
	if err != nil {
		return nil, err
	}

	if job.Config.AnalyzeEnabled && w.analyzer != nil {
		enrichment, err := w.analyzer.Analyze(attemptCtx, payload)
		if err != nil {
			return nil, err
		}
		payload.Enrichment = enrichment
	}
	return payload, nil
}

// restartInspector tears down the dead handle and builds a fresh one.
// A rebuild failure is deferred: the next attempt will retry it and
// classify the failure as an engine crash.
func (w *Worker) restartInspector(ctx context.Context) {
	if w.inspector != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.inspector.Close(closeCtx); err != nil {
			w.logger.Debug("dead inspector close failed", zap.Error(err))
		}
		cancel()
		w.inspector = nil
	}
	if err := w.rebuildInspector(ctx); err != nil {
		w.logger.Warn("inspector rebuild failed", zap.Error(err))
	}
}

func (w *Worker) rebuildInspector(ctx context.Context) error {
	insp, err := w.factory(ctx, w.id, w.workspace)
	if err != nil {
		return err
	}
	w.inspector = insp
	w.stats.EngineRestarts++
	metrics.ObserveEngineRestart()
	w.logger.Info("inspection engine restarted")
	return nil
}

func (w *Worker) buildFailure(
	job scan.Job,
	start time.Time,
	retries int,
	class scan.FailureClass,
	detail string,
	status scan.ResultStatus,
) scan.Result {
	return scan.Result{
		JobID:        job.ID,
		Target:       job.Target,
		Status:       status,
		ErrorDetail:  detail,
		FailureClass: class,
		Retries:      retries,
		Duration:     w.clock.Now().Sub(start),
		WorkerID:     w.id,
		CompletedAt:  w.clock.Now(),
	}
}

// emit hands the result to the writer and updates the worker's counters.
func (w *Worker) emit(ctx context.Context, res scan.Result) {
	w.setState(scan.WorkerEmitting)

	w.stats.Processed++
	w.stats.BusyTime += res.Duration
	w.stats.Durations = append(w.stats.Durations, res.Duration)
	if res.Status == scan.StatusSuccess {
		w.stats.Succeeded++
	} else {
		w.stats.Failed++
		w.stats.FailedTargets = append(w.stats.FailedTargets, scan.FailedTarget{
			Target: res.Target,
			Reason: res.ErrorDetail,
		})
	}
	metrics.ObserveJob(res.Status, res.Duration.Seconds())

	if err := w.results.Enqueue(ctx, scan.ResultEnvelope{Result: res}); err != nil {
		w.logger.Error("result enqueue failed",
			zap.String("job_id", res.JobID),
			zap.Error(err),
		)
	}
}

// applyJitter sleeps a random duration in [0, max) before the first
// attempt so workers do not hammer a shared target in lockstep.
func (w *Worker) applyJitter(ctx context.Context, max time.Duration) error {
	if max <= 0 {
		return nil
	}
	return sleepErr(ctx, time.Duration(rand.Int63n(int64(max))))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	return sleepErr(ctx, d) == nil
}

func sleepErr(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
