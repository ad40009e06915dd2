// Package config handles configuration loading and management for Convoy.
// It supports a YAML config file, environment variable overrides, and
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Convoy service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	State     StateConfig     `mapstructure:"state"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Agents    AgentsConfig    `mapstructure:"agents"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `mapstructure:"addr"`
}

// AnthropicConfig holds LLM provider settings.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key. If empty, ANTHROPIC_API_KEY is used.
	APIKey string `mapstructure:"api_key"`
	// Model is the model identifier for planning calls.
	Model string `mapstructure:"model"`
	// ClassifierModel is the cheaper model for relevance classification.
	ClassifierModel string `mapstructure:"classifier_model"`
	// UseAWSBedrock routes calls through AWS Bedrock instead of the direct API.
	UseAWSBedrock bool `mapstructure:"use_aws_bedrock"`
	// AWSRegion is the Bedrock region, e.g. "us-west-2".
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the optional AWS shared-config profile.
	AWSProfile string `mapstructure:"aws_profile"`
}

// RegistryConfig holds capability catalog settings.
type RegistryConfig struct {
	// CatalogPath is the YAML file describing agent capabilities.
	CatalogPath string `mapstructure:"catalog_path"`
	// Watch enables hot reload of the catalog on file changes.
	Watch bool `mapstructure:"watch"`
}

// StateConfig holds persistence settings.
type StateConfig struct {
	// DBPath is the SQLite database file path.
	DBPath string `mapstructure:"db_path"`
}

// QuotaConfig holds the three-tier quota ceilings.
type QuotaConfig struct {
	// MaxTokensPerPlanning is the per-request ceiling for planner calls.
	MaxTokensPerPlanning int64 `mapstructure:"max_tokens_per_planning"`
	// MaxTokensPerAgentCall is the per-request ceiling for agent calls.
	MaxTokensPerAgentCall int64 `mapstructure:"max_tokens_per_agent_call"`
	// MaxTokensPerUserPerDay is the user daily token ceiling.
	MaxTokensPerUserPerDay int64 `mapstructure:"max_tokens_per_user_per_day"`
	// MaxRequestsPerUserPerDay is the user daily request ceiling.
	MaxRequestsPerUserPerDay int64 `mapstructure:"max_requests_per_user_per_day"`
	// MaxTokensPerSystemPerHour is the system hourly token ceiling.
	MaxTokensPerSystemPerHour int64 `mapstructure:"max_tokens_per_system_per_hour"`
	// MaxConcurrentWorkflows bounds in-flight workflows across all users.
	MaxConcurrentWorkflows int `mapstructure:"max_concurrent_workflows"`
}

// PlannerConfig holds planner settings.
type PlannerConfig struct {
	// MaxStepsPerWorkflow bounds plan length.
	MaxStepsPerWorkflow int `mapstructure:"max_steps_per_workflow"`
	// MaxPlanningRetries is how many times an invalid plan is re-prompted.
	MaxPlanningRetries int `mapstructure:"max_planning_retries"`
}

// SafetyConfig holds approval gate settings.
type SafetyConfig struct {
	// ApprovalTTL is how long a pending action waits before expiring.
	ApprovalTTL time.Duration `mapstructure:"approval_ttl"`
}

// AgentsConfig holds agent client transport settings.
type AgentsConfig struct {
	// Endpoints maps agent names to their base URLs.
	Endpoints map[string]string `mapstructure:"endpoints"`
	// CallTimeout is the per-call HTTP timeout.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// MaxAttempts bounds retries for transient failures.
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryBaseDelay is the initial backoff delay.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// Credentials are opaque key-value pairs forwarded to agents on every
	// call, e.g. service account tokens.
	Credentials map[string]string `mapstructure:"credentials"`
}

// Load loads configuration with the following precedence (highest first):
//  1. Environment variables (CONVOY_* and ANTHROPIC_API_KEY)
//  2. Config file (explicit path, or convoy.yaml in the working directory)
//  3. Built-in defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("convoy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultConfigDir())
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CONVOY")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that configured ceilings are coherent.
func (c *Config) Validate() error {
	if c.Quota.MaxTokensPerUserPerDay <= 0 {
		return fmt.Errorf("quota.max_tokens_per_user_per_day must be positive")
	}
	if c.Quota.MaxTokensPerPlanning > c.Quota.MaxTokensPerUserPerDay {
		return fmt.Errorf("quota.max_tokens_per_planning exceeds the daily ceiling")
	}
	if c.Quota.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("quota.max_concurrent_workflows must be positive")
	}
	if c.Planner.MaxStepsPerWorkflow <= 0 {
		return fmt.Errorf("planner.max_steps_per_workflow must be positive")
	}
	if c.Safety.ApprovalTTL <= 0 {
		return fmt.Errorf("safety.approval_ttl must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.classifier_model", "claude-3-5-haiku-20241022")

	v.SetDefault("registry.catalog_path", "capabilities.yaml")
	v.SetDefault("registry.watch", true)

	v.SetDefault("state.db_path", defaultDBPath())

	v.SetDefault("quota.max_tokens_per_planning", 12_000)
	v.SetDefault("quota.max_tokens_per_agent_call", 8_000)
	v.SetDefault("quota.max_tokens_per_user_per_day", 500_000)
	v.SetDefault("quota.max_requests_per_user_per_day", 200)
	v.SetDefault("quota.max_tokens_per_system_per_hour", 2_000_000)
	v.SetDefault("quota.max_concurrent_workflows", 25)

	v.SetDefault("planner.max_steps_per_workflow", 10)
	v.SetDefault("planner.max_planning_retries", 2)

	v.SetDefault("safety.approval_ttl", time.Hour)

	v.SetDefault("agents.call_timeout", 60*time.Second)
	v.SetDefault("agents.max_attempts", 3)
	v.SetDefault("agents.retry_base_delay", 2*time.Second)
}

// defaultConfigDir returns the XDG config directory for convoy.
func defaultConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "convoy")
}

// defaultDBPath returns the XDG data path for the convoy database.
func defaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "convoy", "convoy.db")
}
