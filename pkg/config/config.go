package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/failsafe/pkg/coord"
	"github.com/openfroyo/failsafe/pkg/engine"
	"github.com/openfroyo/failsafe/pkg/runners"
	"github.com/openfroyo/failsafe/pkg/stores"
	"github.com/openfroyo/failsafe/pkg/telemetry"
)

// Deployment environments.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// AppConfig is the deployment configuration of the failsafe CLI.
type AppConfig struct {
	Environment string `yaml:"environment" validate:"required,oneof=development staging production"`

	Recovery  RecoveryConfig      `yaml:"recovery"`
	Execution ExecutionConfig     `yaml:"execution"`
	Store     stores.Config       `yaml:"store"`
	Archive   stores.ArchiveConfig `yaml:"archive"`
	Redis     coord.Config        `yaml:"redis"`
	Runners   RunnersConfig       `yaml:"runners"`
	Policies  PoliciesConfig      `yaml:"policies"`
	Telemetry telemetry.Config    `yaml:"telemetry"`

	// Catalog is the default plan catalog file for setup.
	Catalog string `yaml:"catalog"`
}

// RecoveryConfig holds the gates applied to every run.
type RecoveryConfig struct {
	// RequireApproval is forced on in production.
	RequireApproval bool          `yaml:"require_approval"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout" validate:"gt=0"`

	// MaxDowntimeMinutes bounds estimated plan downtime. Zero disables the check.
	MaxDowntimeMinutes int `yaml:"max_downtime_minutes" validate:"gte=0"`

	EnableAutomatedRecovery bool `yaml:"enable_automated_recovery"`

	// StrictPrerequisites fails prerequisites that carry neither a check nor a policy.
	StrictPrerequisites bool `yaml:"strict_prerequisites"`

	// TestMode makes setup rehearse every plan as a dry run outside production.
	TestMode bool `yaml:"test_mode"`
}

// ExecutionConfig tunes the step executor and worker pool.
type ExecutionConfig struct {
	MaxParallel        int                  `yaml:"max_parallel" validate:"gte=1,lte=64"`
	GracePeriod        time.Duration        `yaml:"grace_period" validate:"gte=0"`
	DefaultStepTimeout time.Duration        `yaml:"default_step_timeout" validate:"gt=0"`
	CheckTimeout       time.Duration        `yaml:"check_timeout" validate:"gt=0"`
	Backoff            engine.BackoffConfig `yaml:"backoff"`
}

// RunnersConfig configures local and remote action execution.
type RunnersConfig struct {
	runners.Config `yaml:",inline"`

	Hosts []runners.Host `yaml:"hosts"`
}

// PoliciesConfig lists extra policy sources.
type PoliciesConfig struct {
	Paths []string `yaml:"paths"`

	// Watch reloads policies when files under Paths change.
	Watch bool `yaml:"watch"`
}

// Default returns the development defaults.
func Default() *AppConfig {
	return &AppConfig{
		Environment: EnvDevelopment,
		Recovery: RecoveryConfig{
			RequireApproval:         false,
			ApprovalTimeout:         30 * time.Minute,
			MaxDowntimeMinutes:      240,
			EnableAutomatedRecovery: true,
		},
		Execution: ExecutionConfig{
			MaxParallel:        4,
			GracePeriod:        10 * time.Second,
			DefaultStepTimeout: 5 * time.Minute,
			CheckTimeout:       time.Minute,
			Backoff: engine.BackoffConfig{
				Strategy:   engine.BackoffExponential,
				Initial:    2 * time.Second,
				Max:        time.Minute,
				Multiplier: 2,
				Jitter:     0.1,
			},
		},
		Store: stores.Config{
			Path:         "failsafe.db",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		Archive: stores.ArchiveConfig{
			Prefix: "reports",
			UseSSL: true,
		},
		Redis: coord.Config{
			Prefix:  "failsafe",
			LockTTL: 30 * time.Second,
		},
		Runners: RunnersConfig{
			Config: runners.DefaultConfig(),
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a YAML configuration file over the defaults. A .env file in the
// working directory is loaded first and ${VAR} references are expanded.
// An empty path returns the defaults.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	if env := os.Getenv("FAILSAFE_ENV"); env != "" {
		cfg.Environment = env
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse expands environment variables in data and decodes it into cfg.
func Parse(data []byte, cfg *AppConfig) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *AppConfig) applyDefaults() {
	d := Default()

	if c.Environment == EnvProduction {
		c.Recovery.RequireApproval = true
	}
	if c.Recovery.ApprovalTimeout <= 0 {
		c.Recovery.ApprovalTimeout = d.Recovery.ApprovalTimeout
	}
	if c.Execution.MaxParallel == 0 {
		c.Execution.MaxParallel = d.Execution.MaxParallel
	}
	if c.Execution.DefaultStepTimeout <= 0 {
		c.Execution.DefaultStepTimeout = d.Execution.DefaultStepTimeout
	}
	if c.Execution.CheckTimeout <= 0 {
		c.Execution.CheckTimeout = d.Execution.CheckTimeout
	}
	if c.Execution.Backoff.Strategy == "" {
		c.Execution.Backoff.Strategy = d.Execution.Backoff.Strategy
	}
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = d.Redis.Prefix
	}
	if c.Redis.LockTTL <= 0 {
		c.Redis.LockTTL = d.Redis.LockTTL
	}
	c.Telemetry.Environment = c.Environment
}

// Validate checks the configuration, including nested sections.
func (c *AppConfig) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Environment == EnvProduction && !c.Recovery.RequireApproval {
		return fmt.Errorf("invalid configuration: approval cannot be disabled in production")
	}
	if c.Archive.Enabled {
		if err := c.Archive.Validate(); err != nil {
			return fmt.Errorf("invalid archive configuration: %w", err)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	seen := make(map[string]bool, len(c.Runners.Hosts))
	for i := range c.Runners.Hosts {
		name := c.Runners.Hosts[i].Name
		if seen[name] {
			return fmt.Errorf("invalid configuration: duplicate host %q", name)
		}
		seen[name] = true
	}
	return nil
}

// IsProduction reports whether the configuration targets production.
func (c *AppConfig) IsProduction() bool {
	return c.Environment == EnvProduction
}

// RedisEnabled reports whether a Redis URL is configured.
func (c *AppConfig) RedisEnabled() bool {
	return c.Redis.URL != ""
}

// Settings returns the values exposed to policies as input.settings.
func (c *AppConfig) Settings() map[string]interface{} {
	return map[string]interface{}{
		"environment":               c.Environment,
		"require_approval":          c.Recovery.RequireApproval,
		"max_downtime_minutes":      c.Recovery.MaxDowntimeMinutes,
		"enable_automated_recovery": c.Recovery.EnableAutomatedRecovery,
		"strict_prerequisites":      c.Recovery.StrictPrerequisites,
		"test_mode":                 c.Recovery.TestMode,
		"max_parallel":              c.Execution.MaxParallel,
	}
}
