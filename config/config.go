// Package config loads the kernel's runtime configuration from a YAML
// file with environment-variable overrides, following the layered
// configuration idiom used across the example pack (kernel/config.go,
// kernel/config.go of the kernel and kadirpekel-hector repos).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object for an embedded kernel process.
type Config struct {
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	Engine      EngineConfig      `yaml:"engine"`
	ToolCache   ToolCacheConfig   `yaml:"tool_cache"`
}

// CheckpointConfig configures the Checkpoint Manager (spec.md §4.2).
type CheckpointConfig struct {
	MinEvents         uint32 `yaml:"min_events"`
	MaxIntervalSecs   uint64 `yaml:"max_interval_secs"`
	MaxCheckpoints    int    `yaml:"max_checkpoints"`
	EnableCompression bool   `yaml:"enable_compression"`
	EnableIncremental bool   `yaml:"enable_incremental"`
}

// EnforcementConfig configures the Enforcement Gateway (spec.md §4.5).
type EnforcementConfig struct {
	RateLimitPerKeyRPS           float64 `yaml:"rate_limit_per_key_rps"`
	RateRedisURL                 string  `yaml:"rate_redis_url"`
	RateRedisPrefix               string  `yaml:"rate_redis_prefix"`
	RateRedisTTLSecs              uint64  `yaml:"rate_redis_ttl_secs"`
	CircuitBreakerFailureThreshold uint32  `yaml:"circuit_breaker_failure_threshold"`
	CircuitBreakerCooldownSecs    uint64  `yaml:"circuit_breaker_cooldown_secs"`
	CircuitBreakerSuccessThreshold uint32 `yaml:"circuit_breaker_success_threshold"`
	RollingWindowSecs             uint64  `yaml:"rolling_window_secs"`
	RollingWindowMinRequests       int     `yaml:"rolling_window_min_requests"`
	RollingWindowErrorThreshold    float64 `yaml:"rolling_window_error_threshold"`
	PerRequestMaxTokens            int     `yaml:"per_request_max_tokens"`
	PerRequestTimeoutSecs           uint64  `yaml:"per_request_timeout_secs"`
}

// SandboxConfig configures default WASM Sandbox budgets (spec.md §4.3).
type SandboxConfig struct {
	DefaultTimeoutMs    uint64 `yaml:"default_timeout_ms"`
	DefaultCPUBudget    uint64 `yaml:"default_cpu_budget"`
	DefaultMemoryPages  uint32 `yaml:"default_memory_pages"`
	ModuleCacheSize     int    `yaml:"module_cache_size"`
}

// WorkspaceConfig configures the Session Workspace Manager (spec.md §4.4).
type WorkspaceConfig struct {
	BaseDir            string `yaml:"base_dir"`
	MaxDirWalkEntries  int    `yaml:"max_dir_walk_entries"`
}

// EngineConfig configures the Workflow Engine (spec.md §4.9).
type EngineConfig struct {
	MaxConcurrent          int `yaml:"max_concurrent"`
	BroadcastCapacity      int `yaml:"broadcast_capacity"`
	MaxToolIterations      int `yaml:"max_tool_iterations"`
}

// ToolCacheConfig configures the Tool Cache (spec.md §4.11).
type ToolCacheConfig struct {
	MaxEntries     int   `yaml:"max_entries"`
	DefaultTTLSecs int64 `yaml:"default_ttl_secs"`
}

// Default returns the configuration used when no file is supplied,
// matching the defaults named explicitly in spec.md (e.g.
// MAX_TOOL_ITERATIONS=10, 1000-entry/5-minute tool cache).
func Default() Config {
	return Config{
		Checkpoint: CheckpointConfig{
			MinEvents:         10,
			MaxIntervalSecs:   300,
			MaxCheckpoints:    3,
			EnableCompression: true,
			EnableIncremental: true,
		},
		Enforcement: EnforcementConfig{
			RateLimitPerKeyRPS:             10,
			RateRedisPrefix:                "agentkernel:ratelimit:",
			RateRedisTTLSecs:               60,
			CircuitBreakerFailureThreshold: 5,
			CircuitBreakerCooldownSecs:     60,
			CircuitBreakerSuccessThreshold: 3,
			RollingWindowSecs:              60,
			RollingWindowMinRequests:       10,
			RollingWindowErrorThreshold:    0.5,
			PerRequestMaxTokens:            128_000,
			PerRequestTimeoutSecs:          30,
		},
		Sandbox: SandboxConfig{
			DefaultTimeoutMs:   5_000,
			DefaultCPUBudget:   10_000_000,
			DefaultMemoryPages: 256,
			ModuleCacheSize:    32,
		},
		Workspace: WorkspaceConfig{
			BaseDir:           "/tmp/agentkernel-sessions",
			MaxDirWalkEntries: 50_000,
		},
		Engine: EngineConfig{
			MaxConcurrent:     16,
			BroadcastCapacity: 64,
			MaxToolIterations: 10,
		},
		ToolCache: ToolCacheConfig{
			MaxEntries:     1000,
			DefaultTTLSecs: 300,
		},
	}
}

// Load reads a YAML config file, merging it over Default(), then applies
// environment overrides via ApplyEnv.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		ApplyEnv(&cfg)
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	ApplyEnv(&cfg)
	return cfg, nil
}

// ApplyEnv overlays environment variable overrides on top of cfg. Only a
// handful of operationally hot knobs are exposed this way; everything else
// belongs in the YAML file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("AGENTKERNEL_RATE_REDIS_URL"); v != "" {
		cfg.Enforcement.RateRedisURL = v
	}
	if v := os.Getenv("AGENTKERNEL_WORKSPACE_BASE_DIR"); v != "" {
		cfg.Workspace.BaseDir = v
	}
	if v := os.Getenv("AGENTKERNEL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxConcurrent = n
		}
	}
}

// RollingWindow returns the rolling window duration as a time.Duration.
func (c EnforcementConfig) RollingWindow() time.Duration {
	return time.Duration(c.RollingWindowSecs) * time.Second
}
