package config

import (
	"strings"
	"testing"
)

// findError returns the first validation error for the given field, if any.
func findError(errs []ValidationError, field string) *ValidationError {
	for i := range errs {
		if errs[i].Field == field {
			return &errs[i]
		}
	}
	return nil
}

func TestValidate_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"history limit too small", func(c *Config) { c.State.HistoryLimit = 0 }, "state.history_limit"},
		{"history limit too large", func(c *Config) { c.State.HistoryLimit = 5000 }, "state.history_limit"},
		{"lock ttl zero", func(c *Config) { c.Lock.DefaultTTLSeconds = 0 }, "lock.default_ttl_seconds"},
		{"poll interval too fast", func(c *Config) { c.Lock.PollIntervalMs = 1 }, "lock.poll_interval_ms"},
		{"event history zero", func(c *Config) { c.Events.HistoryLimit = 0 }, "events.history_limit"},
		{"negative aggregation window", func(c *Config) { c.Events.AggregationWindowMs = -1 }, "events.aggregation_window_ms"},
		{"concurrency zero", func(c *Config) { c.Pipeline.MaxConcurrentTasks = 0 }, "pipeline.max_concurrent_tasks"},
		{"concurrency huge", func(c *Config) { c.Pipeline.MaxConcurrentTasks = 100 }, "pipeline.max_concurrent_tasks"},
		{"correction attempts zero", func(c *Config) { c.Pipeline.MaxCorrectionAttempts = 0 }, "pipeline.max_correction_attempts"},
		{"negative stage timeout", func(c *Config) { c.Pipeline.StageTimeoutMinutes = -5 }, "pipeline.stage_timeout_minutes"},
		{"bad strictness", func(c *Config) { c.Pipeline.ReviewStrictness = "brutal" }, "pipeline.review_strictness"},
		{"min above max", func(c *Config) { c.Pool.MinSize = 10; c.Pool.MaxSize = 2 }, "pool.min_size"},
		{"pool max zero", func(c *Config) { c.Pool.MaxSize = 0 }, "pool.max_size"},
		{"failure threshold zero", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "breaker.failure_threshold"},
		{"retry attempts zero", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"retry cap below base", func(c *Config) { c.Retry.BaseDelayMs = 500; c.Retry.MaxDelayMs = 100 }, "retry.max_delay_ms"},
		{"empty branch prefix", func(c *Config) { c.Branch.Prefix = "" }, "branch.prefix"},
		{"invalid branch prefix", func(c *Config) { c.Branch.Prefix = "9lives" }, "branch.prefix"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if findError(errs, tt.field) == nil {
				t.Errorf("expected a validation error on %s, got: %v", tt.field, errs)
			}
		})
	}
}

func TestValidate_ZeroTimeoutsAllowed(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.StageTimeoutMinutes = 0
	cfg.Pool.IdleTimeoutMinutes = 0
	cfg.Events.AggregationWindowMs = 0

	if errs := cfg.Validate(); len(errs) > 0 {
		t.Errorf("zero disables these timeouts and should validate, got: %v", errs)
	}
}

func TestValidationErrors_Formatting(t *testing.T) {
	single := ValidationErrors{{Field: "pool.max_size", Value: 0, Message: "must be at least 1"}}
	if got := single.Error(); !strings.Contains(got, "pool.max_size") {
		t.Errorf("single error format: %q", got)
	}

	multi := ValidationErrors{
		{Field: "pool.max_size", Value: 0, Message: "must be at least 1"},
		{Field: "branch.prefix", Value: "", Message: "cannot be empty"},
	}
	got := multi.Error()
	if !strings.Contains(got, "2 validation errors") {
		t.Errorf("multi error format should include count: %q", got)
	}
	if !strings.Contains(got, "branch.prefix") {
		t.Errorf("multi error format should list each error: %q", got)
	}
}
