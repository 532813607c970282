package analyze

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/perimeterlabs/vantage/internal/scan"
)

type fakeClock struct {
	now atomic.Pointer[time.Time]
}

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.now.Store(&t)
	return c
}

func (c *fakeClock) Now() time.Time { return *c.now.Load() }

func (c *fakeClock) Advance(d time.Duration) {
	next := c.Now().Add(d)
	c.now.Store(&next)
}

func TestBreakerLifecycle(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Unix(1000, 0))
	b := NewBreaker(3, 10*time.Second, clock)

	require.Equal(t, StateClosed, b.State())
	require.True(t, b.Allow())

	b.Failure()
	b.Failure()
	require.Equal(t, StateClosed, b.State())
	b.Failure()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	// Cooldown elapses: exactly one trial request passes.
	clock.Advance(11 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())
	require.True(t, b.Allow())
	require.False(t, b.Allow())

	// Trial failure reopens with a fresh cooldown.
	b.Failure()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	clock.Advance(11 * time.Second)
	require.True(t, b.Allow())
	b.Success()
	require.Equal(t, StateClosed, b.State())
	require.True(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Unix(1000, 0))
	b := NewBreaker(2, time.Minute, clock)

	b.Failure()
	b.Success()
	b.Failure()
	require.Equal(t, StateClosed, b.State())
}

func TestClientEnrichesInspection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/analyze", r.URL.Path)
		assert.Equal(t, "Bearer sekret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"attributes":{"framework":"wordpress","login_page":"true"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{Endpoint: srv.URL, APIKey: "sekret"}, nil, zap.NewNop())
	require.NoError(t, err)

	attrs, err := client.Analyze(context.Background(), &scan.Inspection{
		Target:     "https://example.com",
		StatusCode: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, "wordpress", attrs["framework"])
	assert.Equal(t, "true", attrs["login_page"])
}

func TestClientClassifiesServiceFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{name: "throttled", status: http.StatusTooManyRequests, sentinel: scan.ErrThrottled},
		{name: "server error", status: http.StatusBadGateway, sentinel: scan.ErrProtocol},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			client, err := NewClient(Config{Endpoint: srv.URL}, nil, nil)
			require.NoError(t, err)

			_, err = client.Analyze(context.Background(), &scan.Inspection{Target: "https://example.com"})
			require.ErrorIs(t, err, tc.sentinel)
		})
	}
}

func TestClientBreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	clock := newFakeClock(time.Unix(1000, 0))
	client, err := NewClient(Config{
		Endpoint:          srv.URL,
		RequestsPerSecond: 1000,
		BreakerThreshold:  2,
		BreakerCooldown:   time.Minute,
	}, clock, nil)
	require.NoError(t, err)

	payload := &scan.Inspection{Target: "https://example.com"}
	for i := 0; i < 2; i++ {
		_, err = client.Analyze(context.Background(), payload)
		require.ErrorIs(t, err, scan.ErrProtocol)
	}

	require.Equal(t, StateOpen, client.BreakerState())
	_, err = client.Analyze(context.Background(), payload)
	require.ErrorIs(t, err, scan.ErrThrottled)
}

func TestClientRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, nil, nil)
	require.Error(t, err)
}
