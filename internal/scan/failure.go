package scan

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// FailureClass buckets job-level errors for retry decisions and reporting.
type FailureClass string

// Failure classes recognized by the retry taxonomy.
const (
	FailureTimeout     FailureClass = "timeout"
	FailureConnRefused FailureClass = "connection_refused"
	FailureEngine      FailureClass = "engine_crashed"
	FailureProtocol    FailureClass = "protocol"
	FailureUnknown     FailureClass = "unknown"
)

// Sentinel errors raised at the collaborator boundaries. Implementations
// wrap these so Classify can match with errors.Is.
var (
	// ErrEngineCrashed marks an inspection engine that died mid-call.
	ErrEngineCrashed = errors.New("inspection engine crashed")
	// ErrProtocol marks a transient protocol or service-side error.
	ErrProtocol = errors.New("protocol error")
	// ErrThrottled marks a rate-limit rejection from the analysis service.
	ErrThrottled = errors.New("analysis service throttled")
)

// Classify maps an error onto its failure class. Unrecognized errors fall
// into FailureUnknown, which is never retried.
func Classify(err error) FailureClass {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrEngineCrashed):
		return FailureEngine
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrThrottled):
		return FailureProtocol
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return FailureConnRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		return FailureTimeout
	case strings.Contains(msg, "connection refused"):
		return FailureConnRefused
	case strings.Contains(msg, "chrome not reachable") ||
		strings.Contains(msg, "session deleted") ||
		strings.Contains(msg, "target crashed") ||
		strings.Contains(msg, "browser closed"):
		return FailureEngine
	}
	return FailureUnknown
}

// RetryPlan describes retry behavior for one failure class.
type RetryPlan struct {
	MaxRetries int
	// Schedule lists fixed delays per attempt; attempts beyond its length
	// reuse the last entry. Empty means Exponential is used instead.
	Schedule []time.Duration
	// Exponential enables base*2^attempt backoff capped at MaxDelay.
	Exponential bool
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RestartEngine forces the worker to discard and recreate its
	// inspector handle before the next attempt.
	RestartEngine bool
}

// Backoff returns the delay before retry number attempt (zero-based).
func (p RetryPlan) Backoff(attempt int) time.Duration {
	if len(p.Schedule) > 0 {
		if attempt >= len(p.Schedule) {
			attempt = len(p.Schedule) - 1
		}
		return p.Schedule[attempt]
	}
	if !p.Exponential {
		return 0
	}
	delay := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// RetryPolicy maps failure classes to their retry plans.
type RetryPolicy struct {
	plans map[FailureClass]RetryPlan
}

// DefaultRetryPolicy returns the production taxonomy: timeouts retry twice
// on a fixed increasing schedule, refused connections and engine crashes
// retry once after a short delay (the latter forcing a handle rebuild),
// transient protocol errors retry up to three times exponentially, and
// anything unknown fails immediately.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{plans: map[FailureClass]RetryPlan{
		FailureTimeout: {
			MaxRetries: 2,
			Schedule:   []time.Duration{5 * time.Second, 10 * time.Second},
		},
		FailureConnRefused: {
			MaxRetries: 1,
			Schedule:   []time.Duration{3 * time.Second},
		},
		FailureEngine: {
			MaxRetries:    1,
			Schedule:      []time.Duration{2 * time.Second},
			RestartEngine: true,
		},
		FailureProtocol: {
			MaxRetries:  3,
			Exponential: true,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
	}}
}

// ScaledRetryPolicy returns the default policy with every delay multiplied
// by factor. Tests use a tiny factor so retries run in milliseconds.
func ScaledRetryPolicy(factor float64) RetryPolicy {
	base := DefaultRetryPolicy()
	scaled := RetryPolicy{plans: make(map[FailureClass]RetryPlan, len(base.plans))}
	for class, plan := range base.plans {
		for i, d := range plan.Schedule {
			plan.Schedule[i] = time.Duration(float64(d) * factor)
		}
		plan.BaseDelay = time.Duration(float64(plan.BaseDelay) * factor)
		plan.MaxDelay = time.Duration(float64(plan.MaxDelay) * factor)
		scaled.plans[class] = plan
	}
	return scaled
}

// PlanFor returns the plan for a class; unknown classes get a zero plan,
// meaning no retries.
func (p RetryPolicy) PlanFor(class FailureClass) RetryPlan {
	return p.plans[class]
}
