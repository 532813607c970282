package inspect

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/perimeterlabs/vantage/internal/scan"
)

// NoopInspector visits targets with the pre-flight prober only, skipping
// the browser entirely. It backs --no-browser runs and keeps the rest of
// the pipeline exercisable on hosts without Chrome.
type NoopInspector struct {
	prober *Prober
	closed atomic.Bool
}

// NewNoopInspector wraps the prober as a full Inspector.
func NewNoopInspector(prober *Prober) *NoopInspector {
	return &NoopInspector{prober: prober}
}

// NoopFactory returns an InspectorFactory producing NoopInspectors that
// share the given prober.
func NoopFactory(prober *Prober) scan.InspectorFactory {
	return func(_ context.Context, _ int, _ string) (scan.Inspector, error) {
		return NewNoopInspector(prober), nil
	}
}

func (n *NoopInspector) Inspect(ctx context.Context, job scan.Job) (*scan.Inspection, error) {
	probe, err := n.prober.Probe(ctx, job.Target, job.Config.UserAgent)
	if err != nil {
		return nil, err
	}
	headers := probe.Headers
	if headers == nil {
		headers = http.Header{}
	}
	return &scan.Inspection{
		Target:       job.Target,
		FinalURL:     job.Target,
		StatusCode:   probe.StatusCode,
		Title:        http.StatusText(probe.StatusCode),
		Headers:      headers,
		ServerBanner: probe.ServerBanner,
	}, nil
}

func (n *NoopInspector) Alive(context.Context) bool { return !n.closed.Load() }

func (n *NoopInspector) Close(context.Context) error {
	n.closed.Store(true)
	return nil
}
