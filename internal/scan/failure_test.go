package scan

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, FailureTimeout},
		{"wrapped deadline", fmt.Errorf("navigate: %w", context.DeadlineExceeded), FailureTimeout},
		{"timeout text", errors.New("page load timed out"), FailureTimeout},
		{"refused", syscall.ECONNREFUSED, FailureConnRefused},
		{"refused text", errors.New("dial tcp 10.0.0.1:443: connect: connection refused"), FailureConnRefused},
		{"engine sentinel", fmt.Errorf("inspect: %w", ErrEngineCrashed), FailureEngine},
		{"engine text", errors.New("chrome not reachable"), FailureEngine},
		{"session deleted", errors.New("session deleted because of page crash"), FailureEngine},
		{"protocol sentinel", fmt.Errorf("analyze: %w", ErrProtocol), FailureProtocol},
		{"throttled", ErrThrottled, FailureProtocol},
		{"unknown", errors.New("something else"), FailureUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestDefaultRetryPolicy_Taxonomy(t *testing.T) {
	t.Parallel()

	policy := DefaultRetryPolicy()

	timeout := policy.PlanFor(FailureTimeout)
	require.Equal(t, 2, timeout.MaxRetries)
	require.Equal(t, 5*time.Second, timeout.Backoff(0))
	require.Equal(t, 10*time.Second, timeout.Backoff(1))
	// Attempts past the schedule reuse the last delay.
	require.Equal(t, 10*time.Second, timeout.Backoff(5))

	refused := policy.PlanFor(FailureConnRefused)
	require.Equal(t, 1, refused.MaxRetries)
	require.Equal(t, 3*time.Second, refused.Backoff(0))
	require.False(t, refused.RestartEngine)

	engine := policy.PlanFor(FailureEngine)
	require.Equal(t, 1, engine.MaxRetries)
	require.True(t, engine.RestartEngine)

	protocol := policy.PlanFor(FailureProtocol)
	require.Equal(t, 3, protocol.MaxRetries)
	require.Equal(t, time.Second, protocol.Backoff(0))
	require.Equal(t, 2*time.Second, protocol.Backoff(1))
	require.Equal(t, 4*time.Second, protocol.Backoff(2))

	unknown := policy.PlanFor(FailureUnknown)
	require.Zero(t, unknown.MaxRetries)
}

func TestScaledRetryPolicy(t *testing.T) {
	t.Parallel()

	policy := ScaledRetryPolicy(0.001)
	require.Equal(t, 5*time.Millisecond, policy.PlanFor(FailureTimeout).Backoff(0))
	require.Equal(t, time.Millisecond, policy.PlanFor(FailureProtocol).Backoff(0))
	// Retry counts are untouched by scaling.
	require.Equal(t, 2, policy.PlanFor(FailureTimeout).MaxRetries)
}

func TestWorkerMetricsClone(t *testing.T) {
	t.Parallel()

	src := WorkerMetrics{
		WorkerID:      3,
		Processed:     10,
		ErrorsByClass: map[FailureClass]int64{FailureTimeout: 2},
		FailedTargets: []FailedTarget{{Target: "https://a.example", Reason: "timeout"}},
		Durations:     []time.Duration{time.Second},
	}
	dst := src.Clone()
	dst.ErrorsByClass[FailureTimeout] = 99
	dst.FailedTargets[0].Reason = "changed"
	dst.Durations[0] = 0

	require.Equal(t, int64(2), src.ErrorsByClass[FailureTimeout])
	require.Equal(t, "timeout", src.FailedTargets[0].Reason)
	require.Equal(t, time.Second, src.Durations[0])
}
