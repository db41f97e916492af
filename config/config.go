// Package config loads smartp settings from defaults, an optional YAML file
// and SMARTP_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dianlight/smartp/orchestrator"
	"github.com/dianlight/smartp/selftest"
)

// EnvPrefix prefixes every environment override, e.g. SMARTP_CONCURRENCY.
const EnvPrefix = "SMARTP"

// Config is the settings of one invocation.
type Config struct {
	TestKind              string        `mapstructure:"test_kind"`
	Concurrency           int           `mapstructure:"concurrency"`
	Verbose               bool          `mapstructure:"verbose"`
	JSON                  bool          `mapstructure:"json"`
	SmartctlPath          string        `mapstructure:"smartctl_path"`
	LsblkPath             string        `mapstructure:"lsblk_path"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	PollTimeout           time.Duration `mapstructure:"poll_timeout"`
	BudgetMultiplier      int           `mapstructure:"budget_multiplier"`
	DefaultPollingMinutes int           `mapstructure:"default_polling_minutes"`
}

// Load reads config from the optional YAML file at path, then overlays
// environment variables with the SMARTP_ prefix.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("test_kind", string(selftest.Short))
	v.SetDefault("concurrency", orchestrator.DefaultConcurrency)
	v.SetDefault("verbose", false)
	v.SetDefault("json", false)
	// Empty means look smartctl up in PATH.
	v.SetDefault("smartctl_path", "")
	v.SetDefault("lsblk_path", "lsblk")
	v.SetDefault("poll_interval", selftest.DefaultPollInterval)
	// Zero bounds each smartctl call by the remaining wait budget only.
	v.SetDefault("poll_timeout", time.Duration(0))
	v.SetDefault("budget_multiplier", selftest.DefaultBudgetMultiplier)
	v.SetDefault("default_polling_minutes", selftest.DefaultPollingMinutes)
}

// Kind returns the configured test kind.
func (c *Config) Kind() (selftest.Kind, error) {
	return selftest.ParseKind(c.TestKind)
}

// Validate rejects settings the runner cannot work with.
func (c *Config) Validate() error {
	if _, err := c.Kind(); err != nil {
		return err
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.PollTimeout < 0 {
		return fmt.Errorf("poll_timeout must not be negative, got %s", c.PollTimeout)
	}
	if c.BudgetMultiplier < 1 {
		return fmt.Errorf("budget_multiplier must be at least 1, got %d", c.BudgetMultiplier)
	}
	if c.DefaultPollingMinutes < 1 {
		return fmt.Errorf("default_polling_minutes must be at least 1, got %d", c.DefaultPollingMinutes)
	}
	return nil
}
