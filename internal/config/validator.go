package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pool.max_size")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// branchPrefixRegex validates branch prefix characters
// Branch names should start with alphanumeric and can contain alphanumeric, hyphen, underscore
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateState()...)
	errors = append(errors, c.validateLock()...)
	errors = append(errors, c.validateEvents()...)
	errors = append(errors, c.validatePipeline()...)
	errors = append(errors, c.validatePool()...)
	errors = append(errors, c.validateBreaker()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validateBranch()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateState validates the StateConfig
func (c *Config) validateState() []ValidationError {
	var errors []ValidationError

	if c.State.HistoryLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "state.history_limit",
			Value:   c.State.HistoryLimit,
			Message: "must be at least 1",
		})
	}

	const maxHistoryLimit = 1000
	if c.State.HistoryLimit > maxHistoryLimit {
		errors = append(errors, ValidationError{
			Field:   "state.history_limit",
			Value:   c.State.HistoryLimit,
			Message: fmt.Sprintf("exceeds maximum of %d", maxHistoryLimit),
		})
	}

	if c.State.Dir != "" && strings.ContainsRune(c.State.Dir, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "state.dir",
			Value:   c.State.Dir,
			Message: "path contains invalid null character",
		})
	}

	return errors
}

// validateLock validates the LockConfig
func (c *Config) validateLock() []ValidationError {
	var errors []ValidationError

	if c.Lock.DefaultTTLSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "lock.default_ttl_seconds",
			Value:   c.Lock.DefaultTTLSeconds,
			Message: "must be at least 1 second",
		})
	}

	const minPollIntervalMs = 10
	if c.Lock.PollIntervalMs < minPollIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "lock.poll_interval_ms",
			Value:   c.Lock.PollIntervalMs,
			Message: fmt.Sprintf("must be at least %dms", minPollIntervalMs),
		})
	}

	if c.Lock.AcquireTimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "lock.acquire_timeout_seconds",
			Value:   c.Lock.AcquireTimeoutSeconds,
			Message: "must be at least 1 second",
		})
	}

	return errors
}

// validateEvents validates the EventConfig
func (c *Config) validateEvents() []ValidationError {
	var errors []ValidationError

	if c.Events.HistoryLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "events.history_limit",
			Value:   c.Events.HistoryLimit,
			Message: "must be at least 1",
		})
	}

	if c.Events.AggregationWindowMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "events.aggregation_window_ms",
			Value:   c.Events.AggregationWindowMs,
			Message: "must be non-negative (0 disables batching)",
		})
	}

	return errors
}

// validatePipeline validates the PipelineConfig
func (c *Config) validatePipeline() []ValidationError {
	var errors []ValidationError

	const minConcurrent = 1
	const maxConcurrent = 64

	if c.Pipeline.MaxConcurrentTasks < minConcurrent {
		errors = append(errors, ValidationError{
			Field:   "pipeline.max_concurrent_tasks",
			Value:   c.Pipeline.MaxConcurrentTasks,
			Message: fmt.Sprintf("must be at least %d", minConcurrent),
		})
	}
	if c.Pipeline.MaxConcurrentTasks > maxConcurrent {
		errors = append(errors, ValidationError{
			Field:   "pipeline.max_concurrent_tasks",
			Value:   c.Pipeline.MaxConcurrentTasks,
			Message: fmt.Sprintf("exceeds maximum of %d", maxConcurrent),
		})
	}

	if c.Pipeline.MaxCorrectionAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.max_correction_attempts",
			Value:   c.Pipeline.MaxCorrectionAttempts,
			Message: "must be at least 1",
		})
	}

	// Stage timeout of 0 disables it; negative is invalid
	if c.Pipeline.StageTimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.stage_timeout_minutes",
			Value:   c.Pipeline.StageTimeoutMinutes,
			Message: "must be non-negative (0 disables timeout)",
		})
	}

	if c.Pipeline.HeartbeatIntervalSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.heartbeat_interval_seconds",
			Value:   c.Pipeline.HeartbeatIntervalSeconds,
			Message: "must be at least 1 second",
		})
	}

	if c.Pipeline.HeartbeatGraceMultiplier < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.heartbeat_grace_multiplier",
			Value:   c.Pipeline.HeartbeatGraceMultiplier,
			Message: "must be at least 1",
		})
	}

	if c.Pipeline.ReviewStrictness != "" && !IsValidReviewStrictness(c.Pipeline.ReviewStrictness) {
		errors = append(errors, ValidationError{
			Field:   "pipeline.review_strictness",
			Value:   c.Pipeline.ReviewStrictness,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidReviewStrictness(), ", ")),
		})
	}

	return errors
}

// validatePool validates the PoolConfig
func (c *Config) validatePool() []ValidationError {
	var errors []ValidationError

	if c.Pool.MinSize < 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.min_size",
			Value:   c.Pool.MinSize,
			Message: "must be non-negative",
		})
	}

	if c.Pool.MaxSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "pool.max_size",
			Value:   c.Pool.MaxSize,
			Message: "must be at least 1",
		})
	}

	if c.Pool.MaxSize >= 1 && c.Pool.MinSize > c.Pool.MaxSize {
		errors = append(errors, ValidationError{
			Field:   "pool.min_size",
			Value:   c.Pool.MinSize,
			Message: fmt.Sprintf("cannot exceed max_size (%d)", c.Pool.MaxSize),
		})
	}

	if c.Pool.IdleTimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.idle_timeout_minutes",
			Value:   c.Pool.IdleTimeoutMinutes,
			Message: "must be non-negative (0 disables reaping)",
		})
	}

	if c.Pool.AcquireTimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "pool.acquire_timeout_seconds",
			Value:   c.Pool.AcquireTimeoutSeconds,
			Message: "must be at least 1 second",
		})
	}

	return errors
}

// validateBreaker validates the BreakerConfig
func (c *Config) validateBreaker() []ValidationError {
	var errors []ValidationError

	if c.Breaker.FailureThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.failure_threshold",
			Value:   c.Breaker.FailureThreshold,
			Message: "must be at least 1",
		})
	}

	if c.Breaker.SuccessThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.success_threshold",
			Value:   c.Breaker.SuccessThreshold,
			Message: "must be at least 1",
		})
	}

	if c.Breaker.ResetTimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.reset_timeout_seconds",
			Value:   c.Breaker.ResetTimeoutSeconds,
			Message: "must be at least 1 second",
		})
	}

	return errors
}

// validateRetry validates the RetryConfig
func (c *Config) validateRetry() []ValidationError {
	var errors []ValidationError

	if c.Retry.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "retry.max_attempts",
			Value:   c.Retry.MaxAttempts,
			Message: "must be at least 1",
		})
	}

	if c.Retry.BaseDelayMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "retry.base_delay_ms",
			Value:   c.Retry.BaseDelayMs,
			Message: "must be non-negative",
		})
	}

	if c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		errors = append(errors, ValidationError{
			Field:   "retry.max_delay_ms",
			Value:   c.Retry.MaxDelayMs,
			Message: fmt.Sprintf("cannot be less than base_delay_ms (%d)", c.Retry.BaseDelayMs),
		})
	}

	return errors
}

// validateBranch validates the BranchConfig
func (c *Config) validateBranch() []ValidationError {
	var errors []ValidationError

	if c.Branch.Prefix == "" {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "cannot be empty",
		})
	} else if !branchPrefixRegex.MatchString(c.Branch.Prefix) {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "must start with a letter and contain only alphanumeric characters, hyphens, or underscores",
		})
	}

	// Git branch names have length limits
	const maxBranchPrefixLength = 50
	if len(c.Branch.Prefix) > maxBranchPrefixLength {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", maxBranchPrefixLength),
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
