package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides: EXACTAVG_SECTION__KEY sets section.key.
const EnvPrefix = "EXACTAVG_"

// Config represents the top-level application config plus resolved rule-loading config.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Precision   PrecisionConfig   `koanf:"precision"`
	Log         LogConfig         `koanf:"log"`

	// RuleLoading is populated by Load after parsing rule files.
	RuleLoading RuleLoadingConfig `koanf:"-"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	Type         string `koanf:"type"`
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type AggregationConfig struct {
	ConfigDir    string `koanf:"config_dir"`
	RequireRules bool   `koanf:"require_rules"`
	Enabled      bool   `koanf:"enabled"`
	CronInterval string `koanf:"cron_interval"` // parsed and validated on startup
	BatchSize    int    `koanf:"batch_size"`
	WorkerCount  int    `koanf:"worker_count"`
}

// PrecisionConfig tunes the planner and the final division.
type PrecisionConfig struct {
	MaxPrecision int32  `koanf:"max_precision"`
	GuardDigits  int32  `koanf:"guard_digits"`
	OutputGrowth int32  `koanf:"output_growth"`
	Rounding     string `koanf:"rounding"` // half_up | half_even | down
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug | info | warn | error
	Format string `koanf:"format"` // text | json
}

type RuleLoadingConfig struct {
	ConfigDir string
	Rules     []coreagg.AggregationRule
}

// Planner builds the precision planner described by this section.
func (c PrecisionConfig) Planner() (coreagg.Planner, error) {
	return coreagg.NewPlanner(c.MaxPrecision, c.GuardDigits, c.OutputGrowth)
}

// RoundingMode parses the configured rounding.
func (c PrecisionConfig) RoundingMode() (numeric.Rounding, error) {
	return numeric.ParseRounding(c.Rounding)
}

// CronIntervalDuration returns the parsed scheduler interval. Valid after Validate.
func (c AggregationConfig) CronIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.CronInterval)
	return d
}

// SlogLevel maps log.level onto slog.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}
	if c.Database.Type != "" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}

	if strings.TrimSpace(c.Aggregation.ConfigDir) == "" {
		return fmt.Errorf("aggregation.config_dir is required")
	}
	interval, err := time.ParseDuration(c.Aggregation.CronInterval)
	if err != nil {
		return fmt.Errorf("invalid aggregation.cron_interval %q: %w", c.Aggregation.CronInterval, err)
	}
	if interval <= 0 {
		return fmt.Errorf("aggregation.cron_interval must be > 0")
	}
	if c.Aggregation.BatchSize <= 0 {
		return fmt.Errorf("aggregation.batch_size must be > 0")
	}
	if c.Aggregation.WorkerCount <= 0 {
		return fmt.Errorf("aggregation.worker_count must be > 0")
	}

	if _, err := c.Precision.Planner(); err != nil {
		return fmt.Errorf("invalid precision config: %w", err)
	}
	if _, err := c.Precision.RoundingMode(); err != nil {
		return fmt.Errorf("invalid precision.rounding: %w", err)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format %q (must be text or json)", c.Log.Format)
	}

	return nil
}

// Load parses config from file + env, validates it, then loads and plans averaging rules.
func Load(configPath string) (*Config, error) {
	cfg, err := LoadSettings(configPath)
	if err != nil {
		return nil, err
	}

	planner, _ := cfg.Precision.Planner()
	rounding, _ := cfg.Precision.RoundingMode()
	repo, err := coreagg.NewFileSystemRuleRepository(cfg.Aggregation.ConfigDir, coreagg.RuleLoadOptions{
		Planner:  planner,
		Rounding: rounding,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregation rules: %w", err)
	}
	rules := repo.GetRules()
	if cfg.Aggregation.Enabled && cfg.Aggregation.RequireRules && len(rules) == 0 {
		return nil, fmt.Errorf("no aggregation rules found in %q", cfg.Aggregation.ConfigDir)
	}

	cfg.RuleLoading = RuleLoadingConfig{
		ConfigDir: cfg.Aggregation.ConfigDir,
		Rules:     rules,
	}

	return cfg, nil
}

// LoadSettings parses and validates config from file + env without touching rule files.
func LoadSettings(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":               8080,
		"server.host":               "0.0.0.0",
		"server.max_body_size_mb":   1,
		"server.mode":               "release",
		"database.type":             "postgres",
		"database.dsn":              "postgres://localhost:5432/exactavg?sslmode=disable",
		"database.max_open_conns":   25,
		"database.max_idle_conns":   25,
		"database.auto_migrate":     true,
		"aggregation.config_dir":    "./config/averages",
		"aggregation.require_rules": true,
		"aggregation.enabled":       true,
		"aggregation.cron_interval": "2m",
		"aggregation.batch_size":    50000,
		"aggregation.worker_count":  10,
		"precision.max_precision":   int(numeric.MaxPrecision),
		"precision.guard_digits":    int(coreagg.DefaultGuardDigits),
		"precision.output_growth":   int(coreagg.DefaultOutputGrowth),
		"precision.rounding":        numeric.RoundHalfUp.String(),
		"log.level":                 "info",
		"log.format":                "text",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
