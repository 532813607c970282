package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/perimeterlabs/vantage/internal/scan"
)

// Summary is the aggregated view of a run. It always reports submitted,
// succeeded, failed, and unresolved counts; a run is only fully resolved
// when Unresolved is zero.
type Summary struct {
	Submitted      int                         `json:"submitted"`
	Processed      int64                       `json:"processed"`
	Succeeded      int64                       `json:"succeeded"`
	Failed         int64                       `json:"failed"`
	Persisted      int                         `json:"persisted"`
	Unresolved     int                         `json:"unresolved"`
	Retried        int64                       `json:"retried"`
	EngineRestarts int64                       `json:"engine_restarts"`
	WorkersUsed    int                         `json:"workers_used"`
	CrashedWorkers int                         `json:"crashed_workers"`
	Elapsed        time.Duration               `json:"elapsed"`
	Throughput     float64                     `json:"throughput_per_second"`
	MeanLatency    time.Duration               `json:"mean_latency"`
	P50Latency     time.Duration               `json:"p50_latency"`
	P95Latency     time.Duration               `json:"p95_latency"`
	ErrorsByClass  map[scan.FailureClass]int64 `json:"errors_by_class"`
	FailedTargets  []scan.FailedTarget         `json:"failed_targets,omitempty"`
}

// Summary builds a point-in-time summary from the snapshots received so
// far. It is usable mid-run and final once the pool confirms shutdown.
func (c *Collector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Summary{
		Submitted:     c.submitted,
		Persisted:     c.persisted,
		WorkersUsed:   len(c.workers),
		ErrorsByClass: make(map[scan.FailureClass]int64),
	}
	var durations []time.Duration
	for _, m := range c.workers {
		s.Processed += m.Processed
		s.Succeeded += m.Succeeded
		s.Failed += m.Failed
		s.Retried += m.Retried
		s.EngineRestarts += m.EngineRestarts
		for class, n := range m.ErrorsByClass {
			s.ErrorsByClass[class] += n
		}
		s.FailedTargets = append(s.FailedTargets, m.FailedTargets...)
		durations = append(durations, m.Durations...)
	}
	s.CrashedWorkers = len(c.crashes)
	s.Unresolved = s.Submitted - s.Persisted
	if s.Unresolved < 0 {
		s.Unresolved = 0
	}

	s.Elapsed = c.clock.Now().Sub(c.started)
	if secs := s.Elapsed.Seconds(); secs > 0 {
		s.Throughput = float64(s.Processed) / secs
	}

	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		var total time.Duration
		for _, d := range durations {
			total += d
		}
		s.MeanLatency = total / time.Duration(len(durations))
		s.P50Latency = percentile(durations, 0.50)
		s.P95Latency = percentile(durations, 0.95)
	}
	return s
}

// Resolved reports whether every submitted job is accounted for.
func (s Summary) Resolved() bool {
	return s.Unresolved == 0
}

// String renders the human-readable run summary block.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "submitted=%d processed=%d succeeded=%d failed=%d persisted=%d unresolved=%d\n",
		s.Submitted, s.Processed, s.Succeeded, s.Failed, s.Persisted, s.Unresolved)
	fmt.Fprintf(&b, "elapsed=%s throughput=%.2f/s mean=%s p50=%s p95=%s\n",
		s.Elapsed.Round(time.Millisecond), s.Throughput,
		s.MeanLatency.Round(time.Millisecond), s.P50Latency.Round(time.Millisecond), s.P95Latency.Round(time.Millisecond))
	fmt.Fprintf(&b, "workers=%d crashed=%d retries=%d engine_restarts=%d\n",
		s.WorkersUsed, s.CrashedWorkers, s.Retried, s.EngineRestarts)
	if len(s.ErrorsByClass) > 0 {
		classes := make([]string, 0, len(s.ErrorsByClass))
		for class := range s.ErrorsByClass {
			classes = append(classes, string(class))
		}
		sort.Strings(classes)
		b.WriteString("errors:")
		for _, class := range classes {
			fmt.Fprintf(&b, " %s=%d", class, s.ErrorsByClass[scan.FailureClass(class)])
		}
		b.WriteString("\n")
	}
	return b.String()
}

// SaveFailedTargets writes the failed target list (one target per line,
// ready to re-run) plus a detailed variant with error reasons. It returns
// the plain file's path, or empty when nothing failed.
func (s Summary) SaveFailedTargets(dir string) (string, error) {
	if len(s.FailedTargets) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	plainPath := filepath.Join(dir, "failed_targets.txt")
	var plain strings.Builder
	for _, ft := range s.FailedTargets {
		plain.WriteString(ft.Target)
		plain.WriteString("\n")
	}
	if err := os.WriteFile(plainPath, []byte(plain.String()), 0o640); err != nil {
		return "", fmt.Errorf("write failed targets: %w", err)
	}

	var detailed strings.Builder
	detailed.WriteString("# Failed targets with error reasons\n")
	fmt.Fprintf(&detailed, "# Total failed: %d\n\n", len(s.FailedTargets))
	for _, ft := range s.FailedTargets {
		fmt.Fprintf(&detailed, "%s\n  # Error: %s\n\n", ft.Target, ft.Reason)
	}
	detailedPath := filepath.Join(dir, "failed_targets_detailed.txt")
	if err := os.WriteFile(detailedPath, []byte(detailed.String()), 0o640); err != nil {
		return "", fmt.Errorf("write detailed failed targets: %w", err)
	}
	return plainPath, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
