// Package config loads and validates scanner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Pool    PoolConfig    `mapstructure:"pool"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Writer  WriterConfig  `mapstructure:"writer"`
	Store   StoreConfig   `mapstructure:"store"`
	Analyze AnalyzeConfig `mapstructure:"analyze"`
	Scan    ScanConfig    `mapstructure:"scan"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// PoolConfig governs worker fan-out and queue sizing.
type PoolConfig struct {
	Workers          int `mapstructure:"workers"`
	JobQueueDepth    int `mapstructure:"job_queue_depth"`
	ResultQueueDepth int `mapstructure:"result_queue_depth"`
	// StaggerMs delays each worker start to avoid a browser startup
	// stampede; 0 disables staggering.
	StaggerMs int `mapstructure:"stagger_ms"`
}

// EngineConfig configures the headless inspection engine.
type EngineConfig struct {
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	Width         int    `mapstructure:"width"`
	Height        int    `mapstructure:"height"`
	UserAgent     string `mapstructure:"user_agent"`
	// WorkspaceRoot is the parent directory for per-worker private
	// profile directories; empty means the system temp dir.
	WorkspaceRoot string `mapstructure:"workspace_root"`
}

// WriterConfig controls result batching and flushing.
type WriterConfig struct {
	BatchSize       int `mapstructure:"batch_size"`
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
	FlushRetries    int `mapstructure:"flush_retries"`
}

// StoreConfig sets the embedded database location.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// AnalyzeConfig configures the optional remote analysis service client.
type AnalyzeConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Endpoint       string  `mapstructure:"endpoint"`
	APIKey         string  `mapstructure:"api_key"`
	RPS            float64 `mapstructure:"rps"`
	Burst          int     `mapstructure:"burst"`
	BreakerFails   int     `mapstructure:"breaker_failures"`
	BreakerCoolSec int     `mapstructure:"breaker_cooldown_seconds"`
}

// ScanConfig holds per-run inspection options snapshotted into each job.
type ScanConfig struct {
	TimeoutSec  int    `mapstructure:"timeout_seconds"`
	JitterMs    int    `mapstructure:"jitter_ms"`
	ResolveHost bool   `mapstructure:"resolve_host"`
	OutputDir   string `mapstructure:"output_dir"`
	TargetsFile string `mapstructure:"targets_file"`
}

// ServerConfig controls the observability HTTP endpoint.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	Verbose     bool `mapstructure:"verbose"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VANTAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.workers", 4)
	v.SetDefault("pool.job_queue_depth", 256)
	v.SetDefault("pool.result_queue_depth", 64)
	v.SetDefault("pool.stagger_ms", 500)
	v.SetDefault("engine.nav_timeout_seconds", 30)
	v.SetDefault("engine.width", 1920)
	v.SetDefault("engine.height", 1080)
	v.SetDefault("engine.user_agent", "")
	v.SetDefault("engine.workspace_root", "")
	v.SetDefault("writer.batch_size", 10)
	v.SetDefault("writer.flush_interval_ms", 5000)
	v.SetDefault("writer.flush_retries", 5)
	v.SetDefault("store.path", "vantage.db")
	v.SetDefault("analyze.enabled", false)
	v.SetDefault("analyze.rps", 1)
	v.SetDefault("analyze.burst", 1)
	v.SetDefault("analyze.breaker_failures", 5)
	v.SetDefault("analyze.breaker_cooldown_seconds", 30)
	v.SetDefault("scan.timeout_seconds", 30)
	v.SetDefault("scan.jitter_ms", 0)
	v.SetDefault("scan.resolve_host", false)
	v.SetDefault("scan.output_dir", "output")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.verbose", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be >= 1")
	}
	if c.Pool.JobQueueDepth <= 0 {
		return fmt.Errorf("pool.job_queue_depth must be > 0")
	}
	if c.Pool.ResultQueueDepth <= 0 {
		return fmt.Errorf("pool.result_queue_depth must be > 0")
	}
	if c.Writer.BatchSize <= 0 {
		return fmt.Errorf("writer.batch_size must be > 0")
	}
	if c.Writer.FlushIntervalMs <= 0 {
		return fmt.Errorf("writer.flush_interval_ms must be > 0")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must be set")
	}
	if c.Scan.TimeoutSec <= 0 {
		return fmt.Errorf("scan.timeout_seconds must be > 0")
	}
	if c.Analyze.Enabled && c.Analyze.Endpoint == "" {
		return fmt.Errorf("analyze.endpoint must be set when analyze is enabled")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when server is enabled")
	}
	return nil
}

// NavTimeout converts the engine navigation timeout to a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Engine.NavTimeoutSec) * time.Second
}

// FlushInterval converts the writer flush interval to a duration.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Writer.FlushIntervalMs) * time.Millisecond
}

// Stagger converts the pool stagger delay to a duration.
func (c Config) Stagger() time.Duration {
	return time.Duration(c.Pool.StaggerMs) * time.Millisecond
}

// JobTimeout converts the per-target inspection timeout to a duration.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Scan.TimeoutSec) * time.Second
}

// Jitter converts the post-job jitter ceiling to a duration.
func (c Config) Jitter() time.Duration {
	return time.Duration(c.Scan.JitterMs) * time.Millisecond
}
