// Package config loads and validates the pipeline's YAML configuration
// document (see SPEC_FULL.md §6/§1.3).
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment is the deployment tier a config document targets.
type Environment string

const (
	EnvLocal   Environment = "local"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// knownTopLevelKeys enumerates the keys §6 allows at the document root;
// anything else fails validation.
var knownTopLevelKeys = map[string]bool{
	"config_version":   true,
	"environment":      true,
	"db_path":          true,
	"metrics_log_path": true,
	"app_log_path":     true,
	"log_level":        true,
	"decision":         true,
	"execution":        true,
	"safety":           true,
	"ingest":           true,
	"orchestrator":     true,
}

// SizingConfig selects and parameterizes the Decision service's position
// sizing mode.
type SizingConfig struct {
	Mode              string  `yaml:"mode"`
	FixedQty          float64 `yaml:"fixed_qty"`
	ProportionalRatio float64 `yaml:"proportional_ratio"`
	KellyWinRate      float64 `yaml:"kelly_win_rate"`
	KellyEdge         float64 `yaml:"kelly_edge"`
	KellyFraction     float64 `yaml:"kelly_fraction"`
	MaxQty            float64 `yaml:"max_qty"`
}

// DecisionConfig parameterizes the Decision service.
type DecisionConfig struct {
	MaxStaleMs              int64        `yaml:"max_stale_ms"`
	MaxFutureMs             int64        `yaml:"max_future_ms"`
	PriceMaxStaleMs         int64        `yaml:"price_max_stale_ms"`
	ExpectedPriceMaxStaleMs int64        `yaml:"expected_price_max_stale_ms"`
	StrategyVersion         string       `yaml:"strategy_version"`
	ReplayPolicy            string       `yaml:"replay_policy"`
	PriceFallbackEnabled    bool         `yaml:"price_fallback_enabled"`
	PriceFallbackMaxStaleMs int64        `yaml:"price_fallback_max_stale_ms"`
	PriceFailurePolicy      string       `yaml:"price_failure_policy"`
	FiltersEnabled          bool         `yaml:"filters_enabled"`
	FiltersFailurePolicy    string       `yaml:"filters_failure_policy"`
	BlacklistSymbols        []string     `yaml:"blacklist_symbols"`
	SlippageCapPct          float64      `yaml:"slippage_cap_pct"`
	Sizing                  SizingConfig `yaml:"sizing"`
}

// DefaultDecisionConfig mirrors the original source's defaults.
func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfig{
		ReplayPolicy:         "close_only",
		PriceFailurePolicy:   "allow_without_price",
		FiltersFailurePolicy: "allow_without_filters",
	}
}

// ExecutionConfig parameterizes the Execution service.
type ExecutionConfig struct {
	TIFSeconds                 int64   `yaml:"tif_seconds"`
	OrderPollIntervalSec       int64   `yaml:"order_poll_interval_sec"`
	RetryBudgetMaxAttempts     int     `yaml:"retry_budget_max_attempts"`
	RetryBudgetWindowSec       int64   `yaml:"retry_budget_window_sec"`
	UnknownPollIntervalSec     int64   `yaml:"unknown_poll_interval_sec"`
	RetryBudgetMode            string  `yaml:"retry_budget_mode"`
	MarketFallbackEnabled      bool    `yaml:"market_fallback_enabled"`
	MarketFallbackThresholdPct float64 `yaml:"market_fallback_threshold_pct"`
	MarketSlippageCapPct       float64 `yaml:"market_slippage_cap_pct"`
}

// SafetyConfig parameterizes the Safety service's reconciliation.
type SafetyConfig struct {
	WarnThresholdPct                float64 `yaml:"warn_threshold_pct"`
	CriticalThresholdPct            float64 `yaml:"critical_threshold_pct"`
	SnapshotMaxStaleMs              int64   `yaml:"snapshot_max_stale_ms"`
	ZeroEpsilon                     float64 `yaml:"zero_epsilon"`
	AllowAutoPromote                bool    `yaml:"allow_auto_promote"`
	HaltRecoveryNonCriticalRequired int     `yaml:"halt_recovery_noncritical_required"`
	HaltRecoveryWindowSec           int64   `yaml:"halt_recovery_window_sec"`
}

// IngestConfig parameterizes the Ingest coordinator and adapter.
type IngestConfig struct {
	BackfillWindowMs     int64             `yaml:"backfill_window_ms"`
	CursorOverlapMs      int64             `yaml:"cursor_overlap_ms"`
	MaintenanceSkipGap   bool              `yaml:"maintenance_skip_gap"`
	SymbolMapping        map[string]string `yaml:"symbol_mapping"`
	RateLimitMaxRequests int               `yaml:"rate_limit_max_requests"`
	RateLimitPerSeconds  float64           `yaml:"rate_limit_per_seconds"`
	RateLimitCooldownSec float64           `yaml:"rate_limit_cooldown_seconds"`
	WSURL                string            `yaml:"ws_url"`
}

// OrchestratorConfig parameterizes boot/loop behavior.
type OrchestratorConfig struct {
	LoopIntervalSec      int64 `yaml:"loop_interval_sec"`
	LoopIdleSleepSec     int64 `yaml:"loop_idle_sleep_sec"`
	LoopMaxIdleSleepSec  int64 `yaml:"loop_max_idle_sleep_sec"`
	LoopActiveSleepSec   int64 `yaml:"loop_active_sleep_sec"`
	ReconcileIntervalSec int64 `yaml:"reconcile_interval_sec"`
	RunLoop              bool  `yaml:"run_loop"`
	EmitBootEvent        bool  `yaml:"emit_boot_event"`
}

// Config is the top-level configuration document (§6).
type Config struct {
	ConfigVersion  string              `yaml:"config_version"`
	Environment    Environment         `yaml:"environment"`
	DBPath         string              `yaml:"db_path"`
	MetricsLogPath string              `yaml:"metrics_log_path"`
	AppLogPath     string              `yaml:"app_log_path"`
	LogLevel       string              `yaml:"log_level"`
	Decision       *DecisionConfig     `yaml:"decision"`
	Execution      *ExecutionConfig    `yaml:"execution"`
	Safety         *SafetyConfig       `yaml:"safety"`
	Ingest         *IngestConfig       `yaml:"ingest"`
	Orchestrator   *OrchestratorConfig `yaml:"orchestrator"`

	raw []byte
}

// Load reads and validates a config document from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Config, error) {
	if err := validateTopLevelKeys(raw); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.raw = raw

	if cfg.Decision != nil && cfg.Decision.StrategyVersion == "" {
		return nil, fmt.Errorf("config invalid: decision.strategy_version is required when decision section exists")
	}

	return &cfg, nil
}

func validateTopLevelKeys(raw []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if len(root.Content) == 0 {
		return nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return fmt.Errorf("config invalid: document root must be a mapping")
	}
	for i := 0; i < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		if !knownTopLevelKeys[key] {
			return fmt.Errorf("config invalid: unknown top-level key %q", key)
		}
	}
	return nil
}

// ComputeHash returns the sha256 hex digest of the raw config bytes, used
// to detect config changes across restarts (§4.7 step 1).
func (c *Config) ComputeHash() string {
	sum := sha256.Sum256(c.raw)
	return hex.EncodeToString(sum[:])
}

// EffectiveLogLevel returns the configured log level, defaulting to info.
func (c *Config) EffectiveLogLevel() string {
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}

// LoopActiveSleep returns the orchestrator's active-tick sleep duration,
// defaulting to 1s when unconfigured.
func (o *OrchestratorConfig) LoopActiveSleep() time.Duration {
	if o == nil || o.LoopActiveSleepSec <= 0 {
		return time.Second
	}
	return time.Duration(o.LoopActiveSleepSec) * time.Second
}

// LoopIdleSleep returns the orchestrator's initial idle-tick sleep
// duration, defaulting to 2s when unconfigured.
func (o *OrchestratorConfig) LoopIdleSleep() time.Duration {
	if o == nil || o.LoopIdleSleepSec <= 0 {
		return 2 * time.Second
	}
	return time.Duration(o.LoopIdleSleepSec) * time.Second
}

// LoopMaxIdleSleep returns the orchestrator's idle-tick sleep ceiling,
// defaulting to 60s when unconfigured.
func (o *OrchestratorConfig) LoopMaxIdleSleep() time.Duration {
	if o == nil || o.LoopMaxIdleSleepSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(o.LoopMaxIdleSleepSec) * time.Second
}
