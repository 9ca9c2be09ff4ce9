package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/mermend/internal/engine"
	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/internal/isolation"
	"github.com/rendis/mermend/internal/plugins"
	"github.com/rendis/mermend/internal/recovery"
	"github.com/rendis/mermend/internal/scheduler"
)

// Config holds all mermend configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	PoolSize   int    `json:"pool_size"`

	// Renderers.
	MmdcPath        string                   `json:"mmdc_path"`
	ASCIIBinDir     string                   `json:"ascii_bin_dir"`
	DisableGraphviz bool                     `json:"disable_graphviz"`
	UseCgroups      bool                     `json:"use_cgroups"`
	RenderTimeoutMs int                      `json:"render_timeout_ms"`
	External        []plugins.ExternalConfig `json:"external_renderers,omitempty"`

	// Grammar normalization: "static" trusts AcceptedGrammars, "cli" probes
	// spellings with mmdc.
	ParserMode       string   `json:"parser_mode"`
	AcceptedGrammars []string `json:"accepted_grammars,omitempty"`
	ParserVersion    string   `json:"parser_version"`

	// Orchestration.
	ThemeDebounceMs         int    `json:"theme_debounce_ms"`
	LowPowerThemeDebounceMs int    `json:"low_power_theme_debounce_ms"`
	MaxRetries              int    `json:"max_retries"`
	RetryDelayMs            int    `json:"retry_delay_ms"`
	RetryBackoff            string `json:"retry_backoff"`
	BreakerThreshold        int    `json:"breaker_threshold"`
	BreakerCooldownMs       int    `json:"breaker_cooldown_ms"`
	DisableCache            bool   `json:"disable_cache"`

	// Maintenance.
	SessionIdleTTLMin int    `json:"session_idle_ttl_min"`
	SweepSpec         string `json:"sweep_spec"`
	CacheRetentionH   int    `json:"cache_retention_hours"`
	PruneSpec         string `json:"prune_spec"`

	RecoveryRules []recovery.Rule `json:"recovery_rules,omitempty"`
}

func defaultConfig() Config {
	retry := engine.DefaultRetryPolicy()
	breaker := engine.DefaultCircuitBreakerConfig()
	return Config{
		ListenAddr:              ":4200",
		DBPath:                  filepath.Join(mermendDir(), "mermend.db"),
		LogLevel:                "info",
		PoolSize:                engine.DefaultPoolSize,
		MmdcPath:                "mmdc",
		ASCIIBinDir:             filepath.Join(mermendDir(), "bin"),
		RenderTimeoutMs:         20000,
		ParserMode:              "static",
		ParserVersion:           "builtin",
		ThemeDebounceMs:         150,
		LowPowerThemeDebounceMs: 400,
		MaxRetries:              retry.MaxRetries,
		RetryDelayMs:            int(retry.Delay / time.Millisecond),
		RetryBackoff:            retry.Backoff,
		BreakerThreshold:        breaker.FailureThreshold,
		BreakerCooldownMs:       int(breaker.Cooldown / time.Millisecond),
		SessionIdleTTLMin:       30,
		SweepSpec:               "@every 5m",
		CacheRetentionH:         24 * 7,
		PruneSpec:               "@daily",
	}
}

func mermendDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mermend"
	}
	return filepath.Join(home, ".mermend")
}

func settingsPath() string {
	return filepath.Join(mermendDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(mermendDir(), "mermend.pid")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	applyEnv(&cfg, os.Getenv)
	return cfg
}

func applyEnv(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("MERMEND_LISTEN_ADDR", &cfg.ListenAddr)
	str("MERMEND_DB_PATH", &cfg.DBPath)
	str("MERMEND_LOG_LEVEL", &cfg.LogLevel)
	num("MERMEND_POOL_SIZE", &cfg.PoolSize)
	str("MERMEND_MMDC_PATH", &cfg.MmdcPath)
	str("MERMEND_ASCII_BIN_DIR", &cfg.ASCIIBinDir)
	flag("MERMEND_DISABLE_GRAPHVIZ", &cfg.DisableGraphviz)
	flag("MERMEND_USE_CGROUPS", &cfg.UseCgroups)
	num("MERMEND_RENDER_TIMEOUT_MS", &cfg.RenderTimeoutMs)
	str("MERMEND_PARSER_MODE", &cfg.ParserMode)
	str("MERMEND_PARSER_VERSION", &cfg.ParserVersion)
	if v := getenv("MERMEND_ACCEPTED_GRAMMARS"); v != "" {
		cfg.AcceptedGrammars = strings.Split(v, ",")
	}
	num("MERMEND_THEME_DEBOUNCE_MS", &cfg.ThemeDebounceMs)
	num("MERMEND_LOW_POWER_THEME_DEBOUNCE_MS", &cfg.LowPowerThemeDebounceMs)
	num("MERMEND_MAX_RETRIES", &cfg.MaxRetries)
	num("MERMEND_RETRY_DELAY_MS", &cfg.RetryDelayMs)
	str("MERMEND_RETRY_BACKOFF", &cfg.RetryBackoff)
	num("MERMEND_BREAKER_THRESHOLD", &cfg.BreakerThreshold)
	num("MERMEND_BREAKER_COOLDOWN_MS", &cfg.BreakerCooldownMs)
	flag("MERMEND_DISABLE_CACHE", &cfg.DisableCache)
	num("MERMEND_SESSION_IDLE_TTL_MIN", &cfg.SessionIdleTTLMin)
	str("MERMEND_SWEEP_SPEC", &cfg.SweepSpec)
	num("MERMEND_CACHE_RETENTION_HOURS", &cfg.CacheRetentionH)
	str("MERMEND_PRUNE_SPEC", &cfg.PruneSpec)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// engineConfig maps the flat settings onto orchestrator tuning.
func (c Config) engineConfig() engine.Config {
	ec := engine.DefaultConfig()
	if c.PoolSize > 0 {
		ec.PoolSize = c.PoolSize
	}
	ec.ThemeDebounce = ms(c.ThemeDebounceMs)
	ec.LowPowerThemeDebounce = ms(c.LowPowerThemeDebounceMs)
	ec.Retry.MaxRetries = c.MaxRetries
	ec.Retry.Delay = ms(c.RetryDelayMs)
	if c.RetryBackoff != "" {
		ec.Retry.Backoff = c.RetryBackoff
	}
	if c.BreakerThreshold > 0 {
		ec.CircuitBreaker.FailureThreshold = c.BreakerThreshold
	}
	if c.BreakerCooldownMs > 0 {
		ec.CircuitBreaker.Cooldown = ms(c.BreakerCooldownMs)
	}
	ec.DisableCache = c.DisableCache
	return ec
}

// pluginConfig maps the settings onto the builtin renderer set.
func (c Config) pluginConfig(iso isolation.Isolator) plugins.Config {
	tool := plugins.Tool{
		Isolator: iso,
		Limits:   isolation.Limits{Timeout: ms(c.RenderTimeoutMs)},
	}
	return plugins.Config{
		MermaidCLI:      plugins.MermaidCLIConfig{Command: c.MmdcPath, Tool: tool},
		ASCIIBinDir:     c.ASCIIBinDir,
		DisableGraphviz: c.DisableGraphviz,
		External:        c.External,
		Tool:            tool,
	}
}

// acceptedGrammars returns the configured spellings, or the builtin list.
func (c Config) acceptedGrammars() []grammar.Type {
	if len(c.AcceptedGrammars) == 0 {
		return nil
	}
	out := make([]grammar.Type, 0, len(c.AcceptedGrammars))
	for _, g := range c.AcceptedGrammars {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, grammar.Type(g))
		}
	}
	return out
}

func (c Config) maintenance() scheduler.MaintenanceConfig {
	return scheduler.MaintenanceConfig{
		SweepSpec:  c.SweepSpec,
		SessionTTL: time.Duration(c.SessionIdleTTLMin) * time.Minute,
		PruneSpec:  c.PruneSpec,
		Retention:  time.Duration(c.CacheRetentionH) * time.Hour,
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.MmdcPath != new.MmdcPath || old.ASCIIBinDir != new.ASCIIBinDir || len(old.External) != len(new.External) {
		d.RestartNeeded = append(d.RestartNeeded, "renderers")
	}
	return d
}
