package policy

import (
	"os"
	"strconv"
	"strings"
)

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but only logs denials
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration
type Config struct {
	// Enabled controls whether the policy engine is active
	Enabled bool `mapstructure:"enabled"`

	// Mode controls policy enforcement behavior
	Mode Mode `mapstructure:"mode"`

	// Path to the directory containing .rego policy files
	Path string `mapstructure:"path"`

	// FailClosed denies every source when policies cannot be loaded or
	// evaluated; otherwise sources are admitted.
	FailClosed bool `mapstructure:"fail_closed"`

	// Environment is passed to policies as input.environment
	Environment string `mapstructure:"environment"`
}

// DefaultConfig has the engine switched off.
func DefaultConfig() Config {
	return Config{
		Mode:        ModeOff,
		Path:        "/app/config/policies",
		Environment: "dev",
	}
}

// ApplyEnv overrides c with any RESEARCH_POLICY_* variables that are set.
func (c *Config) ApplyEnv() {
	c.Enabled = getEnvBool("RESEARCH_POLICY_ENABLED", c.Enabled)
	c.Mode = Mode(getEnvString("RESEARCH_POLICY_MODE", string(c.Mode)))
	c.Path = getEnvString("RESEARCH_POLICY_PATH", c.Path)
	c.FailClosed = getEnvBool("RESEARCH_POLICY_FAIL_CLOSED", c.FailClosed)
	c.Environment = getEnvString("ENVIRONMENT", c.Environment)
}

// Normalize maps unknown modes to off and disables the engine when off.
func (c *Config) Normalize() {
	switch c.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	default:
		c.Mode = ModeOff
	}
	if c.Mode == ModeOff {
		c.Enabled = false
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on", "enabled":
		return true
	case "false", "0", "no", "off", "disabled":
		return false
	}
	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed
	}
	return defaultValue
}
