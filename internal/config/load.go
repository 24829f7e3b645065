package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load loads configuration from defaults, file, and environment.
// Resolution order (highest priority last):
// 1. Defaults
// 2. Config file
// 3. Environment variables
func Load() (*Config, error) {
	cfg := Default()

	if path := configFilePath(); path != "" {
		if err := loadFromFile(cfg, path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

func loadFromEnv(cfg *Config) error {
	return loadStructFromEnv(reflect.ValueOf(cfg).Elem(), "")
}

// loadStructFromEnv recursively loads struct fields from environment.
func loadStructFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			if field.Kind() == reflect.Struct {
				if err := loadStructFromEnv(field, prefix); err != nil {
					return err
				}
			}
			continue
		}

		if value := os.Getenv(envTag); value != "" {
			if err := setField(field, value); err != nil {
				return fmt.Errorf("setting %s: %w", envTag, err)
			}
		}
	}

	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("parsing duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("parsing int: %w", err)
			}
			field.SetInt(n)
		}
	case reflect.Int32:
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing int32: %w", err)
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parsing bool: %w", err)
		}
		field.SetBool(b)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("parsing float64: %w", err)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// configFilePath returns the path to the config file.
func configFilePath() string {
	if path := os.Getenv("ORCH_CONFIG_PATH"); path != "" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	paths := []string{
		filepath.Join(home, ".orchestrator", "config.json"),
		filepath.Join(home, ".orchestrator.json"),
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// Save saves configuration to a file.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// GetEnvDocs returns documentation for all environment variables.
func GetEnvDocs() map[string]string {
	return map[string]string{
		"ORCH_DEFAULT_MAX_DEPTH":          "Default max spawn depth when a tenant policy leaves it unset (default: 5)",
		"ORCH_DEFAULT_MAX_FANOUT":         "Default max fanout per spawn_group call (default: 10)",
		"ORCH_DEFAULT_MAX_CHILDREN_TOTAL": "Default max total children per run subtree (default: 100)",
		"ORCH_DEFAULT_JOIN_TIMEOUT_S":     "Default join timeout in seconds when a group omits one (default: 3600)",
		"ORCH_GRANT_TTL":                  "Delegation grant time-to-live (default: 24h)",
		"ORCH_GRANT_SWEEP_INTERVAL":       "Expired-grant sweep interval (default: 1m)",
		"ORCH_IDEMPOTENCY_COALESCE_TTL":   "In-process singleflight coalescing window (default: 30s)",
		"ORCH_EVALUATE_AND_REPLAN_BATCH":  "Max children scanned per evaluate_and_replan call (default: 500)",
		"ORCH_RUNTIME_ENABLED":            "Enable runtime orchestration primitives (default: true)",
		"ORCH_GRAPHSPEC_V2_ENABLED":       "Enable GraphSpec v2 static validation (default: true)",
		"ORCH_TENANT_ALLOWLIST_PATH":      "Path to a per-tenant feature allowlist file",
		"ORCH_DISABLED_TENANTS":           "Comma-separated tenant_ids denied orchestration regardless of allowlist",
		"ORCH_STORAGE_DSN":                "SQLite DSN/file path for the run store (default: orchestrator.db)",
		"ORCH_STORAGE_MAX_OPEN_CONNS":     "Max open pooled connections (default: 8)",
		"ORCH_STORAGE_BUSY_TIMEOUT":       "SQLite busy_timeout (default: 5s)",
		"ORCH_STORAGE_WAL_ENABLED":        "Enable WAL journal mode (default: true)",
		"ORCH_STORAGE_FOREIGN_KEYS":       "Enable foreign_keys pragma (default: true)",
		"ORCH_CONFIG_PATH":                "Path to config file",
	}
}

// PrintEnvDocs prints environment variable documentation.
func PrintEnvDocs() {
	fmt.Println("Orchestrator Environment Variables")
	fmt.Println("===================================")
	fmt.Println()

	categories := map[string][]string{
		"Orchestrator": {},
		"Feature Gate": {},
		"Storage":      {},
		"General":      {},
	}

	docs := GetEnvDocs()
	for env, doc := range docs {
		category := "General"
		switch {
		case strings.HasPrefix(env, "ORCH_DEFAULT_") || strings.HasPrefix(env, "ORCH_GRANT_") || strings.HasPrefix(env, "ORCH_IDEMPOTENCY_") || strings.HasPrefix(env, "ORCH_EVALUATE_"):
			category = "Orchestrator"
		case strings.HasPrefix(env, "ORCH_RUNTIME_") || strings.HasPrefix(env, "ORCH_GRAPHSPEC_") || strings.HasPrefix(env, "ORCH_TENANT_") || strings.HasPrefix(env, "ORCH_DISABLED_"):
			category = "Feature Gate"
		case strings.HasPrefix(env, "ORCH_STORAGE_"):
			category = "Storage"
		}
		categories[category] = append(categories[category], fmt.Sprintf("  %-35s %s", env, doc))
	}

	for category, vars := range categories {
		if len(vars) > 0 {
			fmt.Printf("%s:\n", category)
			for _, v := range vars {
				fmt.Println(v)
			}
			fmt.Println()
		}
	}
}
