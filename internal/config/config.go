// Package config defines the Stagehand configuration surface. Values are
// loaded through viper from config.yaml, environment variables with the
// STAGEHAND_ prefix, and command-line flags, in increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Stagehand configuration
type Config struct {
	State    StateConfig    `mapstructure:"state"`
	Lock     LockConfig     `mapstructure:"lock"`
	Events   EventConfig    `mapstructure:"events"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Branch   BranchConfig   `mapstructure:"branch"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StateConfig controls the persistent state store
type StateConfig struct {
	// Dir is the root directory for persisted state (sessions, tasks,
	// checkpoints). If empty, defaults to ".stagehand" relative to the
	// repository root. Supports ~ for home directory expansion.
	Dir string `mapstructure:"dir"`
	// HistoryLimit is the number of archived record versions kept per task
	HistoryLimit int `mapstructure:"history_limit"`
}

// LockConfig controls the TTL lock manager
type LockConfig struct {
	// DefaultTTLSeconds is the lease duration granted to a lock holder
	DefaultTTLSeconds int `mapstructure:"default_ttl_seconds"`
	// PollIntervalMs is how often a blocked acquirer re-checks the lock
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	// AcquireTimeoutSeconds bounds how long an acquirer polls before giving up
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds"`
}

// EventConfig controls the event bus
type EventConfig struct {
	// HistoryLimit bounds the replay buffer of recent events
	HistoryLimit int `mapstructure:"history_limit"`
	// AggregationWindowMs is the batching window for high-frequency events
	AggregationWindowMs int `mapstructure:"aggregation_window_ms"`
}

// PipelineConfig controls the task pipeline coordinator
type PipelineConfig struct {
	// MaxConcurrentTasks bounds how many tasks run stages simultaneously
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	// MaxCorrectionAttempts is the number of correction rounds before a
	// task fails with reason "max_attempts_reached"
	MaxCorrectionAttempts int `mapstructure:"max_correction_attempts"`
	// StageTimeoutMinutes is the maximum runtime for a single stage (0 = disabled)
	StageTimeoutMinutes int `mapstructure:"stage_timeout_minutes"`
	// HeartbeatIntervalSeconds is the expected cadence of agent progress reports
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	// HeartbeatGraceMultiplier marks a stage unhealthy after this many
	// missed heartbeat intervals
	HeartbeatGraceMultiplier int `mapstructure:"heartbeat_grace_multiplier"`
	// ReviewStrictness tunes the reviewer verdict threshold
	// Options: "lenient", "normal", "strict"
	ReviewStrictness string `mapstructure:"review_strictness"`
}

// PoolConfig controls the agent resource pool
type PoolConfig struct {
	// MinSize is the number of slots kept warm even when idle
	MinSize int `mapstructure:"min_size"`
	// MaxSize is the hard ceiling on concurrently leased slots
	MaxSize int `mapstructure:"max_size"`
	// IdleTimeoutMinutes reaps slots above MinSize after this long unused
	IdleTimeoutMinutes int `mapstructure:"idle_timeout_minutes"`
	// AcquireTimeoutSeconds bounds how long a caller waits for a slot
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds"`
}

// BreakerConfig controls the circuit breaker guarding agent dispatch
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the breaker
	FailureThreshold int `mapstructure:"failure_threshold"`
	// SuccessThreshold is the consecutive success count that closes a
	// half-open breaker
	SuccessThreshold int `mapstructure:"success_threshold"`
	// ResetTimeoutSeconds is how long an open breaker waits before probing
	ResetTimeoutSeconds int `mapstructure:"reset_timeout_seconds"`
}

// RetryConfig controls the bounded retry combinator for transient failures
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first
	MaxAttempts int `mapstructure:"max_attempts"`
	// BaseDelayMs is the delay before the first retry; later retries back
	// off exponentially
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	// MaxDelayMs caps the backoff delay
	MaxDelayMs int `mapstructure:"max_delay_ms"`
}

// BranchConfig controls branch naming conventions
type BranchConfig struct {
	// Prefix is the branch name prefix (default: "stagehand")
	// Task branches are named <prefix>/<task-id>
	Prefix string `mapstructure:"prefix"`
}

// CleanupConfig controls the safe cleanup protocol
type CleanupConfig struct {
	// KeepRemoteBranches prevents deletion of remote branches (default: false)
	KeepRemoteBranches bool `mapstructure:"keep_remote_branches"`
	// WarnOnStale logs a warning on start when preserved resources exist
	WarnOnStale bool `mapstructure:"warn_on_stale"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		State: StateConfig{
			Dir:          "", // Empty means use default: .stagehand
			HistoryLimit: 20,
		},
		Lock: LockConfig{
			DefaultTTLSeconds:     30,
			PollIntervalMs:        50,
			AcquireTimeoutSeconds: 10,
		},
		Events: EventConfig{
			HistoryLimit:        256,
			AggregationWindowMs: 500,
		},
		Pipeline: PipelineConfig{
			MaxConcurrentTasks:       4,
			MaxCorrectionAttempts:    3,
			StageTimeoutMinutes:      30,
			HeartbeatIntervalSeconds: 15,
			HeartbeatGraceMultiplier: 3,
			ReviewStrictness:         "normal",
		},
		Pool: PoolConfig{
			MinSize:               1,
			MaxSize:               8,
			IdleTimeoutMinutes:    5,
			AcquireTimeoutSeconds: 30,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			SuccessThreshold:    2,
			ResetTimeoutSeconds: 60,
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelayMs: 100,
			MaxDelayMs:  5000,
		},
		Branch: BranchConfig{
			Prefix: "stagehand",
		},
		Cleanup: CleanupConfig{
			KeepRemoteBranches: false,
			WarnOnStale:        true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultTTL returns the lock lease duration as a time.Duration
func (c *LockConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// PollInterval returns the lock poll interval as a time.Duration
func (c *LockConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// AcquireTimeout returns the lock acquire timeout as a time.Duration
func (c *LockConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// AggregationWindow returns the event batching window as a time.Duration
func (c *EventConfig) AggregationWindow() time.Duration {
	return time.Duration(c.AggregationWindowMs) * time.Millisecond
}

// StageTimeout returns the stage timeout as a time.Duration (0 means disabled)
func (c *PipelineConfig) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutMinutes) * time.Minute
}

// HeartbeatInterval returns the heartbeat cadence as a time.Duration
func (c *PipelineConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatGrace returns how long a stage may go without progress before
// being marked unhealthy.
func (c *PipelineConfig) HeartbeatGrace() time.Duration {
	return c.HeartbeatInterval() * time.Duration(c.HeartbeatGraceMultiplier)
}

// IdleTimeout returns the pool slot idle timeout as a time.Duration
func (c *PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// AcquireTimeout returns the pool acquire timeout as a time.Duration
func (c *PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// ResetTimeout returns the breaker reset timeout as a time.Duration
func (c *BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutSeconds) * time.Second
}

// BaseDelay returns the first retry delay as a time.Duration
func (c *RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap as a time.Duration
func (c *RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// ResolveStateDir returns the resolved state directory path.
// If Dir is empty, it returns the default path relative to baseDir.
// If Dir starts with ~, it expands to the user's home directory.
// If Dir is a relative path, it's resolved relative to baseDir.
func (c *StateConfig) ResolveStateDir(baseDir string) string {
	if c.Dir == "" {
		return filepath.Join(baseDir, ".stagehand")
	}

	path := c.Dir

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	return path
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// State defaults
	viper.SetDefault("state.dir", defaults.State.Dir)
	viper.SetDefault("state.history_limit", defaults.State.HistoryLimit)

	// Lock defaults
	viper.SetDefault("lock.default_ttl_seconds", defaults.Lock.DefaultTTLSeconds)
	viper.SetDefault("lock.poll_interval_ms", defaults.Lock.PollIntervalMs)
	viper.SetDefault("lock.acquire_timeout_seconds", defaults.Lock.AcquireTimeoutSeconds)

	// Event defaults
	viper.SetDefault("events.history_limit", defaults.Events.HistoryLimit)
	viper.SetDefault("events.aggregation_window_ms", defaults.Events.AggregationWindowMs)

	// Pipeline defaults
	viper.SetDefault("pipeline.max_concurrent_tasks", defaults.Pipeline.MaxConcurrentTasks)
	viper.SetDefault("pipeline.max_correction_attempts", defaults.Pipeline.MaxCorrectionAttempts)
	viper.SetDefault("pipeline.stage_timeout_minutes", defaults.Pipeline.StageTimeoutMinutes)
	viper.SetDefault("pipeline.heartbeat_interval_seconds", defaults.Pipeline.HeartbeatIntervalSeconds)
	viper.SetDefault("pipeline.heartbeat_grace_multiplier", defaults.Pipeline.HeartbeatGraceMultiplier)
	viper.SetDefault("pipeline.review_strictness", defaults.Pipeline.ReviewStrictness)

	// Pool defaults
	viper.SetDefault("pool.min_size", defaults.Pool.MinSize)
	viper.SetDefault("pool.max_size", defaults.Pool.MaxSize)
	viper.SetDefault("pool.idle_timeout_minutes", defaults.Pool.IdleTimeoutMinutes)
	viper.SetDefault("pool.acquire_timeout_seconds", defaults.Pool.AcquireTimeoutSeconds)

	// Breaker defaults
	viper.SetDefault("breaker.failure_threshold", defaults.Breaker.FailureThreshold)
	viper.SetDefault("breaker.success_threshold", defaults.Breaker.SuccessThreshold)
	viper.SetDefault("breaker.reset_timeout_seconds", defaults.Breaker.ResetTimeoutSeconds)

	// Retry defaults
	viper.SetDefault("retry.max_attempts", defaults.Retry.MaxAttempts)
	viper.SetDefault("retry.base_delay_ms", defaults.Retry.BaseDelayMs)
	viper.SetDefault("retry.max_delay_ms", defaults.Retry.MaxDelayMs)

	// Branch defaults
	viper.SetDefault("branch.prefix", defaults.Branch.Prefix)

	// Cleanup defaults
	viper.SetDefault("cleanup.keep_remote_branches", defaults.Cleanup.KeepRemoteBranches)
	viper.SetDefault("cleanup.warn_on_stale", defaults.Cleanup.WarnOnStale)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "stagehand")
	}
	// Fall back to ~/.config/stagehand
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stagehand"
	}
	return filepath.Join(home, ".config", "stagehand")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidReviewStrictness returns the list of valid review strictness values
func ValidReviewStrictness() []string {
	return []string{"lenient", "normal", "strict"}
}

// IsValidReviewStrictness checks if the given strictness is valid
func IsValidReviewStrictness(s string) bool {
	for _, valid := range ValidReviewStrictness() {
		if s == valid {
			return true
		}
	}
	return false
}
