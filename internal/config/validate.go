package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s: %s", e.Field, e.Message)
}

// ValidationResult contains validation errors.
type ValidationResult struct {
	Errors []*ValidationError
}

// Valid returns true if there are no validation errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Error returns a formatted error string.
func (r *ValidationResult) Error() string {
	if r.Valid() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{
		Errors: make([]*ValidationError, 0),
	}

	result.validateOrchestrator(c)
	result.validateFeatureGate(c)
	result.validateStorage(c)

	return result
}

func (r *ValidationResult) validateOrchestrator(c *Config) {
	o := c.Orchestrator
	if o.DefaultMaxDepth < 0 {
		r.add("orchestrator.default_max_depth", "must be >= 0")
	}
	if o.DefaultMaxFanout < 0 {
		r.add("orchestrator.default_max_fanout", "must be >= 0")
	}
	if o.DefaultMaxChildrenTotal < 0 {
		r.add("orchestrator.default_max_children_total", "must be >= 0")
	}
	if o.DefaultJoinTimeoutS <= 0 {
		r.add("orchestrator.default_join_timeout_s", "must be > 0")
	}
	if o.GrantTTL <= 0 {
		r.add("orchestrator.grant_ttl", "must be > 0")
	}
	if o.GrantSweepInterval <= 0 {
		r.add("orchestrator.grant_sweep_interval", "must be > 0")
	}
	if o.IdempotencyCoalesceTTL < 0 {
		r.add("orchestrator.idempotency_coalesce_ttl", "must be >= 0")
	}
	if o.EvaluateAndReplanBatch <= 0 {
		r.add("orchestrator.evaluate_and_replan_batch", "must be > 0")
	}
}

func (r *ValidationResult) validateFeatureGate(c *Config) {
	// booleans and a comma-separated tenant list are always structurally
	// valid; nothing to check beyond the storage/orchestrator sections.
	_ = c.FeatureGate
}

func (r *ValidationResult) validateStorage(c *Config) {
	s := c.Storage
	if s.DSN == "" {
		r.add("storage.dsn", "must not be empty")
	}
	if s.MaxOpenConns < 1 {
		r.add("storage.max_open_conns", "must be >= 1")
	}
	if s.BusyTimeout <= 0 {
		r.add("storage.busy_timeout", "must be > 0")
	}
}

func (r *ValidationResult) add(field, message string) {
	r.Errors = append(r.Errors, &ValidationError{
		Field:   field,
		Message: message,
	})
}

// MustValidate validates the config and panics if invalid.
func (c *Config) MustValidate() {
	result := c.Validate()
	if !result.Valid() {
		panic(result.Error())
	}
}

// ValidateWithDefaults validates and applies defaults for missing values.
func (c *Config) ValidateWithDefaults() error {
	defaults := Default()

	if c.Orchestrator.DefaultMaxDepth == 0 {
		c.Orchestrator.DefaultMaxDepth = defaults.Orchestrator.DefaultMaxDepth
	}
	if c.Orchestrator.DefaultMaxFanout == 0 {
		c.Orchestrator.DefaultMaxFanout = defaults.Orchestrator.DefaultMaxFanout
	}
	if c.Orchestrator.DefaultMaxChildrenTotal == 0 {
		c.Orchestrator.DefaultMaxChildrenTotal = defaults.Orchestrator.DefaultMaxChildrenTotal
	}
	if c.Orchestrator.DefaultJoinTimeoutS == 0 {
		c.Orchestrator.DefaultJoinTimeoutS = defaults.Orchestrator.DefaultJoinTimeoutS
	}
	if c.Orchestrator.GrantTTL == 0 {
		c.Orchestrator.GrantTTL = defaults.Orchestrator.GrantTTL
	}
	if c.Orchestrator.GrantSweepInterval == 0 {
		c.Orchestrator.GrantSweepInterval = defaults.Orchestrator.GrantSweepInterval
	}
	if c.Orchestrator.EvaluateAndReplanBatch == 0 {
		c.Orchestrator.EvaluateAndReplanBatch = defaults.Orchestrator.EvaluateAndReplanBatch
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = defaults.Storage.DSN
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = defaults.Storage.MaxOpenConns
	}
	if c.Storage.BusyTimeout == 0 {
		c.Storage.BusyTimeout = defaults.Storage.BusyTimeout
	}

	result := c.Validate()
	if !result.Valid() {
		return fmt.Errorf("configuration validation failed: %s", result.Error())
	}

	return nil
}
