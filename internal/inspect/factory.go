package inspect

import (
	"context"

	"github.com/perimeterlabs/vantage/internal/scan"
)

// EngineFactory returns an InspectorFactory that builds one browser
// engine per worker, each rooted in the worker's private workspace.
// The prober is shared; it holds no per-worker state.
func EngineFactory(base Config, prober *Prober) scan.InspectorFactory {
	return func(ctx context.Context, _ int, workspace string) (scan.Inspector, error) {
		cfg := base
		cfg.Workspace = workspace
		return NewEngine(ctx, cfg, prober)
	}
}
