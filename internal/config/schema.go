// Package config provides typed, validated configuration for the
// orchestration kernel.
//
// Resolution order (highest priority last):
// 1. Defaults
// 2. Config file (~/.orchestrator/config.json or ORCH_CONFIG_PATH)
// 3. Environment variables (ORCH_*)
package config

import "time"

// Config is the root configuration tree for the kernel process.
type Config struct {
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	FeatureGate  FeatureGateConfig  `json:"feature_gate"`
	Storage      StorageConfig      `json:"storage"`
}

// OrchestratorConfig holds orchestrator-wide policy and timing knobs.
// Only GrantTTL is read outside this package (the CLI hands it to the
// kernel). The policy service does not read the Default* fields: when a
// tenant has no policy row it uses its own built-in defaults. The sweep,
// coalescing and batch fields are loaded and validated only.
type OrchestratorConfig struct {
	DefaultMaxDepth         int           `json:"default_max_depth" env:"ORCH_DEFAULT_MAX_DEPTH" default:"5"`
	DefaultMaxFanout        int           `json:"default_max_fanout" env:"ORCH_DEFAULT_MAX_FANOUT" default:"10"`
	DefaultMaxChildrenTotal int           `json:"default_max_children_total" env:"ORCH_DEFAULT_MAX_CHILDREN_TOTAL" default:"100"`
	DefaultJoinTimeoutS     int           `json:"default_join_timeout_s" env:"ORCH_DEFAULT_JOIN_TIMEOUT_S" default:"3600"`
	GrantTTL                time.Duration `json:"grant_ttl" env:"ORCH_GRANT_TTL" default:"24h"`
	GrantSweepInterval      time.Duration `json:"grant_sweep_interval" env:"ORCH_GRANT_SWEEP_INTERVAL" default:"1m"`
	IdempotencyCoalesceTTL  time.Duration `json:"idempotency_coalesce_ttl" env:"ORCH_IDEMPOTENCY_COALESCE_TTL" default:"30s"`
	EvaluateAndReplanBatch  int           `json:"evaluate_and_replan_batch" env:"ORCH_EVALUATE_AND_REPLAN_BATCH" default:"500"`
}

// FeatureGateConfig controls which tenants may exercise the orchestration
// surfaces at all, independent of any individual tenant's policy row.
type FeatureGateConfig struct {
	RuntimeOrchestrationEnabled bool   `json:"runtime_orchestration_enabled" env:"ORCH_RUNTIME_ENABLED" default:"true"`
	GraphSpecV2Enabled         bool   `json:"graphspec_v2_enabled" env:"ORCH_GRAPHSPEC_V2_ENABLED" default:"true"`
	TenantAllowlistPath        string `json:"tenant_allowlist_path" env:"ORCH_TENANT_ALLOWLIST_PATH" default:""`
	// DisabledTenants is a comma-separated tenant_id list; featuregate
	// splits it rather than this package growing a slice codec.
	DisabledTenants string `json:"disabled_tenants" env:"ORCH_DISABLED_TENANTS" default:""`
}

// StorageConfig points the run store at its backing SQLite database.
// Only DSN is passed to the store; MaxOpenConns, BusyTimeout, WALEnabled
// and ForeignKeys are loaded and validated but not applied (the store
// always enables WAL and foreign keys).
type StorageConfig struct {
	DSN          string        `json:"dsn" env:"ORCH_STORAGE_DSN" default:"orchestrator.db"`
	MaxOpenConns int           `json:"max_open_conns" env:"ORCH_STORAGE_MAX_OPEN_CONNS" default:"8"`
	BusyTimeout  time.Duration `json:"busy_timeout" env:"ORCH_STORAGE_BUSY_TIMEOUT" default:"5s"`
	WALEnabled   bool          `json:"wal_enabled" env:"ORCH_STORAGE_WAL_ENABLED" default:"true"`
	ForeignKeys  bool          `json:"foreign_keys" env:"ORCH_STORAGE_FOREIGN_KEYS" default:"true"`
}

// Default returns a Config populated with the values documented in the
// struct tags above, independent of the environment.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			DefaultMaxDepth:         5,
			DefaultMaxFanout:        10,
			DefaultMaxChildrenTotal: 100,
			DefaultJoinTimeoutS:     3600,
			GrantTTL:                24 * time.Hour,
			GrantSweepInterval:      time.Minute,
			IdempotencyCoalesceTTL:  30 * time.Second,
			EvaluateAndReplanBatch:  500,
		},
		FeatureGate: FeatureGateConfig{
			RuntimeOrchestrationEnabled: true,
			GraphSpecV2Enabled:          true,
		},
		Storage: StorageConfig{
			DSN:          "orchestrator.db",
			MaxOpenConns: 8,
			BusyTimeout:  5 * time.Second,
			WALEnabled:   true,
			ForeignKeys:  true,
		},
	}
}
