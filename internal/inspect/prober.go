package inspect

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// ProbeResult carries the lightweight metadata gathered before the
// browser visit.
type ProbeResult struct {
	StatusCode   int
	Headers      http.Header
	ServerBanner string
}

// Prober performs a cheap plain-HTTP pre-flight against a target so header
// and banner data survive even when the full browser visit fails. It is
// stateless and safe to share across workers.
type Prober struct {
	base    *colly.Collector
	timeout time.Duration
}

// NewProber builds a Prober with the given request timeout.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	return &Prober{base: c, timeout: timeout}
}

// Probe issues a single GET and captures status, headers, and the Server
// banner. The context deadline is respected via the collector timeout.
func (p *Prober) Probe(ctx context.Context, target, userAgent string) (ProbeResult, error) {
	collector := p.base.Clone()
	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	collector.SetRequestTimeout(timeout)
	if userAgent != "" {
		collector.UserAgent = userAgent
	}

	var (
		result   ProbeResult
		probeErr error
	)
	collector.OnResponse(func(resp *colly.Response) {
		result.StatusCode = resp.StatusCode
		if resp.Headers != nil {
			result.Headers = resp.Headers.Clone()
			result.ServerBanner = resp.Headers.Get("Server")
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		probeErr = err
	})

	if err := collector.Visit(target); err != nil {
		return ProbeResult{}, fmt.Errorf("probe visit: %w", err)
	}
	collector.Wait()
	if probeErr != nil {
		return ProbeResult{}, fmt.Errorf("probe %s: %w", target, probeErr)
	}
	return result, nil
}
