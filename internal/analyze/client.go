// Package analyze talks to the remote analysis service that enriches
// successful inspections with fingerprinting attributes. Access is rate
// limited and guarded by a circuit breaker so a degraded service cannot
// slow the whole run down.
package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/perimeterlabs/vantage/internal/scan"
)

// Config controls the analysis client.
type Config struct {
	// Endpoint is the base URL of the analysis service.
	Endpoint string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// RequestsPerSecond caps the aggregate request rate across workers.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit; BreakerCooldown is how long it stays open.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Client implements scan.Analyzer against the remote service.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *Breaker
	logger  *zap.Logger
}

// NewClient builds an analysis client. The limiter and breaker are shared
// state, so one Client should serve all workers.
func NewClient(cfg Config, clock scan.Clock, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("analyze: endpoint is required")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, clockOrSystem(clock)),
		logger:  logger,
	}, nil
}

type request struct {
	Target       string      `json:"target"`
	FinalURL     string      `json:"final_url,omitempty"`
	StatusCode   int         `json:"status_code"`
	Title        string      `json:"title,omitempty"`
	ServerBanner string      `json:"server_banner,omitempty"`
	Headers      http.Header `json:"headers,omitempty"`
}

type response struct {
	Attributes map[string]string `json:"attributes"`
}

// Analyze submits the inspection for enrichment. Rejections from the
// breaker or the service's rate limiter come back wrapped in
// scan.ErrThrottled; other service-side failures in scan.ErrProtocol.
func (c *Client) Analyze(ctx context.Context, payload *scan.Inspection) (map[string]string, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit open for %s", scan.ErrThrottled, c.cfg.Endpoint)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		c.breaker.Cancel()
		return nil, err
	}

	attrs, err := c.post(ctx, payload)
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}
	c.breaker.Success()
	return attrs, nil
}

func (c *Client) post(ctx context.Context, payload *scan.Inspection) (map[string]string, error) {
	body, err := json.Marshal(request{
		Target:       payload.Target,
		FinalURL:     payload.FinalURL,
		StatusCode:   payload.StatusCode,
		Title:        payload.Title,
		ServerBanner: payload.ServerBanner,
		Headers:      payload.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("encode analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrProtocol, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: service returned 429", scan.ErrThrottled)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: service returned %d", scan.ErrProtocol, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("analysis rejected with %d: %s", resp.StatusCode, snippet)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", scan.ErrProtocol, err)
	}
	c.logger.Debug("analysis complete",
		zap.String("target", payload.Target),
		zap.Int("attributes", len(out.Attributes)),
	)
	return out.Attributes, nil
}

// BreakerState exposes the circuit state for the status endpoint.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func clockOrSystem(clock scan.Clock) scan.Clock {
	if clock == nil {
		return systemClock{}
	}
	return clock
}
