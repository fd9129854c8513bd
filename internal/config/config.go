package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"irrcontract/internal/contract"
	"irrcontract/internal/schedule"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all irrcontract configuration.
type Config struct {
	Paths    PathsConfig      `yaml:"paths"`
	Schedule ScheduleConfig   `yaml:"schedule"`
	Rules    RulesConfig      `yaml:"rules"`
	Columns  contract.Columns `yaml:"columns"`
	Gateway  GatewayConfig    `yaml:"gateway"`
	Logging  LoggingConfig    `yaml:"logging"`
}

// PathsConfig locates inputs and outputs. Relative data and out
// directories get a YYYYMMDD subdirectory per statistics date.
type PathsConfig struct {
	DataDir   string `yaml:"data_dir"`
	OutDir    string `yaml:"out_dir"`
	SQLDir    string `yaml:"sql_dir"`
	Whitelist string `yaml:"whitelist"` // .json, .jsonc, .csv or .xlsx; empty for none
	HistoryDB string `yaml:"history_db"`
}

// ScheduleConfig picks the statistics date.
type ScheduleConfig struct {
	StatisticsDay string `yaml:"statistics_day"` // MON..SUN
	Timezone      string `yaml:"timezone"`       // IANA name; empty for local
}

// RulesConfig tunes the irregularity rules.
type RulesConfig struct {
	SettlementGraceDays int    `yaml:"settlement_grace_days"`
	UnbilledTolerance   string `yaml:"unbilled_tolerance"` // decimal amount
}

// GatewayConfig holds non-secret gateway options. URLs and credentials
// come from the environment.
type GatewayConfig struct {
	Timeout string `yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:   "data",
			OutDir:    "out",
			SQLDir:    "sql",
			HistoryDB: "data/history.db",
		},
		Schedule: ScheduleConfig{
			StatisticsDay: schedule.THU.String(),
		},
		Rules: RulesConfig{
			SettlementGraceDays: 30,
			UnbilledTolerance:   "0.01",
		},
		Columns: contract.DefaultColumns(),
		Gateway: GatewayConfig{
			Timeout: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("IRR_DATA_DIR"); dir != "" {
		c.Paths.DataDir = dir
	}
	if dir := os.Getenv("IRR_OUT_DIR"); dir != "" {
		c.Paths.OutDir = dir
	}
	if path := os.Getenv("IRR_HISTORY_DB"); path != "" {
		c.Paths.HistoryDB = path
	}
	if day := os.Getenv("IRR_STATISTICS_DAY"); day != "" {
		c.Schedule.StatisticsDay = day
	}
	if days := os.Getenv("IRR_SETTLEMENT_GRACE_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil {
			c.Rules.SettlementGraceDays = n
		}
	}
}

// StatisticsDay returns the configured weekday.
func (c *Config) StatisticsDay() (schedule.Weekday, error) {
	return schedule.ParseWeekday(c.Schedule.StatisticsDay)
}

// Location returns the time zone dates are interpreted in.
func (c *Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Schedule.Timezone)
}

// Tolerance returns the unbilled tolerance. Empty means zero.
func (c *Config) Tolerance() (decimal.Decimal, error) {
	if c.Rules.UnbilledTolerance == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(c.Rules.UnbilledTolerance)
}

// GetGatewayTimeout returns the per-request gateway timeout, or zero when
// unset so the environment default stands.
func (c *Config) GetGatewayTimeout() time.Duration {
	if c.Gateway.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Gateway.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir is required")
	}
	if c.Paths.OutDir == "" {
		return fmt.Errorf("paths.out_dir is required")
	}
	if c.Paths.SQLDir == "" {
		return fmt.Errorf("paths.sql_dir is required")
	}
	if _, err := c.StatisticsDay(); err != nil {
		return fmt.Errorf("schedule.statistics_day: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	if c.Rules.SettlementGraceDays < 0 {
		return fmt.Errorf("rules.settlement_grace_days must not be negative, got %d", c.Rules.SettlementGraceDays)
	}
	tol, err := c.Tolerance()
	if err != nil {
		return fmt.Errorf("rules.unbilled_tolerance: %w", err)
	}
	if tol.IsNegative() {
		return fmt.Errorf("rules.unbilled_tolerance must not be negative, got %s", tol)
	}
	if c.Columns.ContractNo == "" {
		return fmt.Errorf("columns.contract_no is required")
	}
	if c.Gateway.Timeout != "" {
		if _, err := time.ParseDuration(c.Gateway.Timeout); err != nil {
			return fmt.Errorf("gateway.timeout: %w", err)
		}
	}
	return c.Logging.Validate()
}
