// Package config loads engine configuration from a YAML file with
// JOBDOCK_* environment overrides applied on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the operator API listen settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// QueueConfig holds claim-loop and retry settings.
type QueueConfig struct {
	// MaxRetries bounds failed_retryable -> queued transitions per job.
	MaxRetries     int  `yaml:"max_retries"`
	PollIntervalMs int  `yaml:"poll_interval_ms"`
	MaxBackoffMs   int  `yaml:"max_backoff_ms"`
	PoolSize       int  `yaml:"pool_size"`
	RecoverOrphans bool `yaml:"recover_orphans"`
}

// HeartbeatConfig holds monitor tick settings.
type HeartbeatConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	StalledAfterSeconds int `yaml:"stalled_after_seconds"`
}

// AbortConfig holds cooperative cancellation settings.
type AbortConfig struct {
	// GracePeriodSeconds is how long a signaled process gets before force kill.
	GracePeriodSeconds int `yaml:"grace_period_seconds"`
}

// RunnerConfig describes how the external task runner is launched.
type RunnerConfig struct {
	// Mode selects the execution backend: "exec" or "docker".
	Mode    string   `yaml:"mode"`
	Command []string `yaml:"command"`
	// Image is the container image used in docker mode.
	Image          string `yaml:"image"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LogAccessConfig holds tail and stream settings.
type LogAccessConfig struct {
	TailLines    int `yaml:"tail_lines"`
	StreamPollMs int `yaml:"stream_poll_ms"`
}

// ObservabilityConfig holds trace export settings. An empty endpoint
// disables tracing; metrics are always served on /metrics.
type ObservabilityConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// RateLimitConfig bounds API requests per client host.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
}

// IntakeConfig holds drop-directory watcher settings.
type IntakeConfig struct {
	// SettleWindowMs is how long a dropped file's size and mtime must hold
	// still before it is claimable.
	SettleWindowMs int `yaml:"settle_window_ms"`
}

// Config holds all configuration values for the engine.
type Config struct {
	JobsRoot string `yaml:"jobs_root"`
	DropRoot string `yaml:"drop_root"`
	RunsRoot string `yaml:"runs_root"`
	LogLevel string `yaml:"log_level"`

	Server        ServerConfig        `yaml:"server"`
	Queue         QueueConfig         `yaml:"queue"`
	Intake        IntakeConfig        `yaml:"intake"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	Abort         AbortConfig         `yaml:"abort"`
	Runner        RunnerConfig        `yaml:"runner"`
	LogAccess     LogAccessConfig     `yaml:"log_access"`
	Observability ObservabilityConfig `yaml:"observability"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
}

// Default returns the engine defaults. Load decodes the config file over
// this struct, so absent keys keep their default values.
func Default() *Config {
	return &Config{
		JobsRoot: "data/jobs",
		DropRoot: "data/drop",
		RunsRoot: "data/runs",
		LogLevel: "info",
		Server:   ServerConfig{ListenAddr: "127.0.0.1:8484"},
		Queue: QueueConfig{
			MaxRetries:     3,
			PollIntervalMs: 1000,
			MaxBackoffMs:   30000,
			PoolSize:       1,
			RecoverOrphans: true,
		},
		Intake:    IntakeConfig{SettleWindowMs: 2000},
		Heartbeat: HeartbeatConfig{IntervalSeconds: 5, StalledAfterSeconds: 120},
		Abort:     AbortConfig{GracePeriodSeconds: 10},
		Runner:    RunnerConfig{Mode: "exec"},
		LogAccess: LogAccessConfig{TailLines: 200, StreamPollMs: 500},
		RateLimit: RateLimitConfig{PerMinute: 120},
	}
}

// Load reads configuration from the given YAML file (optional, "" skips it)
// and then from environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("JOBDOCK_JOBS_ROOT"); v != "" {
		cfg.JobsRoot = v
	}
	if v := os.Getenv("JOBDOCK_DROP_ROOT"); v != "" {
		cfg.DropRoot = v
	}
	if v := os.Getenv("JOBDOCK_RUNS_ROOT"); v != "" {
		cfg.RunsRoot = v
	}
	if v := os.Getenv("JOBDOCK_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("JOBDOCK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JOBDOCK_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid JOBDOCK_POOL_SIZE: %w", err)
		}
		cfg.Queue.PoolSize = n
	}
	if v := os.Getenv("JOBDOCK_RUNNER_COMMAND"); v != "" {
		cfg.Runner.Command = strings.Fields(v)
	}
	return nil
}

func (c *Config) validate() error {
	if c.JobsRoot == "" {
		return fmt.Errorf("jobs_root is required")
	}
	if c.Queue.PoolSize < 1 {
		return fmt.Errorf("queue.pool_size must be at least 1")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}
	if c.Queue.PollIntervalMs <= 0 || c.Heartbeat.IntervalSeconds <= 0 || c.LogAccess.StreamPollMs <= 0 {
		return fmt.Errorf("poll and tick intervals must be positive")
	}
	switch c.Runner.Mode {
	case "exec":
		if len(c.Runner.Command) == 0 {
			return fmt.Errorf("runner.command is required in exec mode")
		}
	case "docker":
		if c.Runner.Image == "" {
			return fmt.Errorf("runner.image is required in docker mode")
		}
	default:
		return fmt.Errorf("runner.mode must be \"exec\" or \"docker\", got %q", c.Runner.Mode)
	}
	return nil
}
