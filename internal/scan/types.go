// Package scan defines core types shared across subsystems.
package scan

import (
	"net/http"
	"time"
)

// Job is one unit of work: a single target to visit and inspect. It is
// created once at submission time and never mutated afterwards.
type Job struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Config    JobConfig `json:"config"`
	Submitted time.Time `json:"submitted_at"`
}

// JobConfig is the per-job configuration snapshot frozen at submission.
type JobConfig struct {
	Timeout        time.Duration `json:"timeout"`
	UserAgent      string        `json:"user_agent"`
	ResolveHost    bool          `json:"resolve_host"`
	Jitter         time.Duration `json:"jitter"`
	AnalyzeEnabled bool          `json:"analyze_enabled"`
}

// ResultStatus represents the terminal outcome of a job.
type ResultStatus string

// Result status values persisted in the result store.
const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
	StatusError   ResultStatus = "error"
)

// Inspection is the opaque payload produced by the inspection engine for
// one target.
type Inspection struct {
	Target         string            `json:"target"`
	FinalURL       string            `json:"final_url"`
	ResolvedAddr   string            `json:"resolved_addr,omitempty"`
	StatusCode     int               `json:"status_code"`
	Title          string            `json:"title"`
	Headers        http.Header       `json:"headers"`
	ServerBanner   string            `json:"server_banner,omitempty"`
	ScreenshotPath string            `json:"screenshot_path,omitempty"`
	SourcePath     string            `json:"source_path,omitempty"`
	Enrichment     map[string]string `json:"enrichment,omitempty"`
}

// Result is the outcome record for exactly one Job. Every job a worker
// finishes produces exactly one Result, terminal failures included.
type Result struct {
	JobID        string        `json:"job_id"`
	Target       string        `json:"target"`
	Status       ResultStatus  `json:"status"`
	Payload      *Inspection   `json:"payload,omitempty"`
	ErrorDetail  string        `json:"error_detail,omitempty"`
	FailureClass FailureClass  `json:"failure_class,omitempty"`
	Retries      int           `json:"retries"`
	Duration     time.Duration `json:"duration"`
	WorkerID     int           `json:"worker_id"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// Envelope wraps a Job on the job queue. Shutdown marks the sentinel that
// tells a worker to drain and exit; it never collides with real job data.
type Envelope struct {
	Job      Job
	Shutdown bool
}

// ResultEnvelope wraps a Result on the result queue, with the same
// explicit sentinel variant for the writer.
type ResultEnvelope struct {
	Result   Result
	Shutdown bool
}

// FailedTarget pairs a target with the reason its job failed.
type FailedTarget struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// WorkerMetrics is a point-in-time snapshot of one worker's counters. Each
// worker owns its counters exclusively and publishes copies to the
// collector; the collector never writes back.
type WorkerMetrics struct {
	WorkerID       int
	Processed      int64
	Succeeded      int64
	Failed         int64
	Retried        int64
	EngineRestarts int64
	BusyTime       time.Duration
	Durations      []time.Duration
	ErrorsByClass  map[FailureClass]int64
	FailedTargets  []FailedTarget
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m WorkerMetrics) Clone() WorkerMetrics {
	out := m
	out.ErrorsByClass = make(map[FailureClass]int64, len(m.ErrorsByClass))
	for class, n := range m.ErrorsByClass {
		out.ErrorsByClass[class] = n
	}
	out.FailedTargets = append([]FailedTarget(nil), m.FailedTargets...)
	out.Durations = append([]time.Duration(nil), m.Durations...)
	return out
}

// WorkerState is the lifecycle state of an isolated worker.
type WorkerState string

// Worker lifecycle states. Crashed and Stopped are terminal.
const (
	WorkerIdle      WorkerState = "idle"
	WorkerFetching  WorkerState = "fetching_job"
	WorkerExecuting WorkerState = "executing"
	WorkerRetrying  WorkerState = "retrying"
	WorkerEmitting  WorkerState = "emitting"
	WorkerCrashed   WorkerState = "crashed"
	WorkerStopped   WorkerState = "stopped"
)
