package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perimeterlabs/vantage/internal/analyze"
	"github.com/perimeterlabs/vantage/internal/clock/system"
	"github.com/perimeterlabs/vantage/internal/config"
	"github.com/perimeterlabs/vantage/internal/id/uuid"
	"github.com/perimeterlabs/vantage/internal/inspect"
	"github.com/perimeterlabs/vantage/internal/pool"
	"github.com/perimeterlabs/vantage/internal/scan"
	"github.com/perimeterlabs/vantage/internal/server"
	"github.com/perimeterlabs/vantage/internal/store"
	"github.com/perimeterlabs/vantage/internal/worker"
	"github.com/perimeterlabs/vantage/internal/writer"
)

type scanFlags struct {
	targetsFile string
	noBrowser   bool
	resume      bool
	maxRuntime  time.Duration
}

func newScanCmd() *cobra.Command {
	flags := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan [targets...]",
		Short: "Scan a list of targets",
		Long: `Visits every target with the worker pool and records one result per
target in the embedded database. Targets come from positional arguments,
a targets file (one per line, # comments allowed), or both.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), flags, args)
		},
	}

	cmd.Flags().StringVarP(&flags.targetsFile, "targets", "t", "", "file with one target per line")
	cmd.Flags().BoolVar(&flags.noBrowser, "no-browser", false, "probe targets over plain HTTP, skip the browser")
	cmd.Flags().BoolVar(&flags.resume, "resume", false, "rescan targets left incomplete by a previous run")
	cmd.Flags().DurationVar(&flags.maxRuntime, "max-runtime", 24*time.Hour, "hard ceiling on total run time")

	return cmd
}

func runScan(ctx context.Context, flags *scanFlags, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // stderr sync is best-effort

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenSingleWriter(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("store close failed", zap.Error(cerr))
		}
	}()

	targets, err := collectTargets(ctx, flags, cfg, db, args)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("no targets to scan")
	}
	logger.Info("scan starting",
		zap.Int("targets", len(targets)),
		zap.Int("workers", cfg.Pool.Workers),
		zap.Bool("browser", !flags.noBrowser),
	)

	clock := system.New()
	ids := uuid.New()
	jobCfg := scan.JobConfig{
		Timeout:        cfg.JobTimeout(),
		UserAgent:      cfg.Engine.UserAgent,
		ResolveHost:    cfg.Scan.ResolveHost,
		Jitter:         cfg.Jitter(),
		AnalyzeEnabled: cfg.Analyze.Enabled,
	}
	jobs := make([]scan.Job, 0, len(targets))
	for _, target := range targets {
		id, err := ids.NewID()
		if err != nil {
			return fmt.Errorf("generate job id: %w", err)
		}
		jobs = append(jobs, scan.Job{
			ID:        id,
			Target:    target,
			Config:    jobCfg,
			Submitted: clock.Now(),
		})
	}
	// Pending rows go in before any worker or the writer exists, so
	// interrupted runs stay resumable without a second live writer.
	if err := db.RegisterJobs(ctx, jobs); err != nil {
		return err
	}

	p, err := buildPool(cfg, flags, db, clock, ids, logger)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}

	if cfg.Server.Enabled {
		srv := server.New(p, p.Collector(), db, logger)
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			if serr := srv.Serve(ctx, addr); serr != nil && !errors.Is(serr, context.Canceled) {
				logger.Warn("status server stopped", zap.Error(serr))
			}
		}()
	}

	for _, job := range jobs {
		if err := p.SubmitJob(ctx, job); err != nil {
			logger.Error("submit failed", zap.String("target", job.Target), zap.Error(err))
			break
		}
	}

	completed, unresolved := p.WaitForCompletion(ctx, flags.maxRuntime)
	graceful := ctx.Err() == nil

	summary, err := p.Shutdown(context.Background(), graceful)
	if err != nil {
		logger.Error("shutdown reported errors", zap.Error(err))
	}

	fmt.Println(summary.String())
	if len(summary.FailedTargets) > 0 {
		path, serr := summary.SaveFailedTargets(cfg.Scan.OutputDir)
		if serr != nil {
			logger.Warn("failed-target report not written", zap.Error(serr))
		} else {
			logger.Info("failed-target report written", zap.String("path", path))
		}
	}

	switch {
	case err != nil:
		return err
	case !graceful:
		return fmt.Errorf("scan interrupted with %d targets unresolved", unresolved)
	case !completed:
		return fmt.Errorf("scan incomplete: %d targets unresolved", unresolved)
	}
	return nil
}

func buildPool(
	cfg config.Config,
	flags *scanFlags,
	db *store.SQLite,
	clock scan.Clock,
	ids scan.IDGenerator,
	logger *zap.Logger,
) (*pool.Pool, error) {
	prober := inspect.NewProber(cfg.JobTimeout())

	var factory scan.InspectorFactory
	if flags.noBrowser {
		factory = inspect.NoopFactory(prober)
	} else {
		factory = inspect.EngineFactory(inspect.Config{
			OutputDir:  cfg.Scan.OutputDir,
			NavTimeout: cfg.NavTimeout(),
			Width:      cfg.Engine.Width,
			Height:     cfg.Engine.Height,
			UserAgent:  cfg.Engine.UserAgent,
		}, prober)
	}

	var analyzer scan.Analyzer
	if cfg.Analyze.Enabled {
		client, err := analyze.NewClient(analyze.Config{
			Endpoint:          cfg.Analyze.Endpoint,
			APIKey:            cfg.Analyze.APIKey,
			RequestsPerSecond: cfg.Analyze.RPS,
			Burst:             cfg.Analyze.Burst,
			BreakerThreshold:  cfg.Analyze.BreakerFails,
			BreakerCooldown:   time.Duration(cfg.Analyze.BreakerCoolSec) * time.Second,
		}, clock, logger)
		if err != nil {
			return nil, err
		}
		analyzer = client
	}

	workspaceRoot := cfg.Engine.WorkspaceRoot
	if workspaceRoot == "" {
		workspaceRoot = filepath.Join(os.TempDir(), "vantage")
	}

	return pool.New(
		pool.Config{
			Workers:          cfg.Pool.Workers,
			JobQueueDepth:    cfg.Pool.JobQueueDepth,
			ResultQueueDepth: cfg.Pool.ResultQueueDepth,
			Stagger:          cfg.Stagger(),
			Worker: worker.Config{
				WorkspaceRoot: workspaceRoot,
				JobTimeout:    cfg.JobTimeout(),
			},
			Writer: writer.Config{
				BatchSize:       cfg.Writer.BatchSize,
				FlushInterval:   cfg.FlushInterval(),
				MaxFlushRetries: uint64(cfg.Writer.FlushRetries),
			},
		},
		factory,
		analyzer,
		db,
		scan.DefaultRetryPolicy(),
		clock,
		ids,
		logger,
	)
}

// collectTargets merges positional targets with the targets file, or pulls
// the incomplete set from the store when resuming.
func collectTargets(ctx context.Context, flags *scanFlags, cfg config.Config, db *store.SQLite, args []string) ([]string, error) {
	if flags.resume {
		targets, err := db.IncompleteTargets(ctx)
		if err != nil {
			return nil, err
		}
		// The resumed jobs get fresh IDs; drop the stale pending rows.
		if err := db.ClearIncomplete(ctx); err != nil {
			return nil, err
		}
		return targets, nil
	}

	var targets []string
	seen := make(map[string]bool)
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		target := normalizeTarget(raw)
		if seen[target] {
			return
		}
		seen[target] = true
		targets = append(targets, target)
	}

	for _, arg := range args {
		add(arg)
	}
	file := flags.targetsFile
	if file == "" {
		file = cfg.Scan.TargetsFile
	}
	if file != "" {
		fromFile, err := readTargetsFile(file)
		if err != nil {
			return nil, err
		}
		for _, target := range fromFile {
			add(target)
		}
	}
	return targets, nil
}

func readTargetsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open targets file: %w", err)
	}
	defer f.Close()

	var targets []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		target := normalizeTarget(line)
		if seen[target] {
			continue
		}
		seen[target] = true
		targets = append(targets, target)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return targets, nil
}

// normalizeTarget defaults bare hosts to http.
func normalizeTarget(target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	return "http://" + target
}
