package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Pull policies for the service image.
const (
	PullAlways  = "always"
	PullMissing = "missing"
	PullNever   = "never"
	PullBuild   = "build"
)

// Config holds runtime configuration for deployctl
type Config struct {
	// Descriptor location and interpolation
	File              string   `json:"file" yaml:"file"`
	EnvFile           string   `json:"env_file" yaml:"env_file"`
	ProjectName       string   `json:"project_name" yaml:"project_name"`
	Service           string   `json:"service" yaml:"service"`
	RequiredVariables []string `json:"required_variables" yaml:"required_variables"`
	// ResolveVersion treats a VERSION that is a semver constraint (e.g. "^1.2")
	// as a policy and resolves it against the registry's tags.
	ResolveVersion bool `json:"resolve_version" yaml:"resolve_version"`

	// Docker engine
	DockerHost   string `json:"docker_host" yaml:"docker_host"`
	RegistryUser string `json:"registry_user" yaml:"registry_user"`
	RegistryPass string `json:"registry_pass" yaml:"registry_pass"`
	PullPolicy   string `json:"pull_policy" yaml:"pull_policy"`
	// PruneImages removes the previous image after a successful recreate.
	PruneImages bool `json:"prune_images" yaml:"prune_images"`

	// Health verification after (re)creating the container
	VerifyTimeout  time.Duration `json:"verify_timeout" yaml:"verify_timeout"`
	VerifyInterval time.Duration `json:"verify_interval" yaml:"verify_interval"`
	HealthPath     string        `json:"health_path" yaml:"health_path"`
	HealthHost     string        `json:"health_host" yaml:"health_host"`
	StopTimeout    time.Duration `json:"stop_timeout" yaml:"stop_timeout"`

	// Watch mode
	PollInterval           time.Duration `json:"poll_interval" yaml:"poll_interval"`
	AutoApply              bool          `json:"auto_apply" yaml:"auto_apply"`
	HealthFailureThreshold int           `json:"health_failure_threshold" yaml:"health_failure_threshold"`
	// Circuit breaker triggers to avoid notification storms (number of failures within cooldown)
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  time.Duration `json:"circuit_breaker_cooldown" yaml:"circuit_breaker_cooldown"`

	// Notification configuration
	NotificationLevel string `json:"notification_level" yaml:"notification_level"` // "all", "failure", "none"
	SlackWebhook      string `json:"slack_webhook" yaml:"slack_webhook"`
	DiscordWebhook    string `json:"discord_webhook" yaml:"discord_webhook"`
	GenericWebhookURL string `json:"generic_webhook_url" yaml:"generic_webhook_url"`

	// Metrics
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsPort    int  `json:"metrics_port" yaml:"metrics_port"`

	// InfluxDB (push)
	InfluxURL      string        `json:"influx_url" yaml:"influx_url"`
	InfluxToken    string        `json:"influx_token" yaml:"influx_token"`
	InfluxOrg      string        `json:"influx_org" yaml:"influx_org"`
	InfluxBucket   string        `json:"influx_bucket" yaml:"influx_bucket"`
	InfluxInterval time.Duration `json:"influx_interval" yaml:"influx_interval"`

	// StateDir holds rename and deployment records.
	StateDir string `json:"state_dir" yaml:"state_dir"`

	LogLevel string `json:"log_level" yaml:"log_level"`
	LogFile  string `json:"log_file" yaml:"log_file"`

	// Dry-run: plan what would change without touching containers
	DryRun bool `json:"dry_run" yaml:"dry_run"`
}

// DefaultConfig returns a sane default configuration
func DefaultConfig() *Config {
	return &Config{
		File:              "docker-compose.yml",
		Service:           "profile",
		RequiredVariables: []string{"VERSION", "FLASK_ENV", "FLASK_DEBUG"},

		PullPolicy: PullMissing,

		VerifyTimeout:  60 * time.Second,
		VerifyInterval: 2 * time.Second,
		HealthPath:     "/_health",
		HealthHost:     "127.0.0.1",
		StopTimeout:    10 * time.Second,

		PollInterval:            30 * time.Second,
		HealthFailureThreshold:  3,
		CircuitBreakerThreshold: 3,
		CircuitBreakerCooldown:  10 * time.Minute,
		NotificationLevel:       "all",

		// Metrics defaults (opt-in)
		MetricsPort:    9090,
		InfluxInterval: 1 * time.Minute,

		LogLevel: "info",
	}
}

// Validate returns a list of non-fatal configuration warnings.
func (c *Config) Validate() []string {
	var warnings []string
	checks := []struct {
		cond bool
		msg  string
	}{
		{!oneOf(c.PullPolicy, PullAlways, PullMissing, PullNever, PullBuild), fmt.Sprintf("unknown pull policy %q (expected always, missing, never or build)", c.PullPolicy)},
		{!oneOf(strings.ToLower(c.NotificationLevel), "all", "failure", "none"), fmt.Sprintf("unknown notification level %q", c.NotificationLevel)},
		{c.VerifyTimeout < c.VerifyInterval, "verify timeout is shorter than the verify interval"},
		{!strings.HasPrefix(c.HealthPath, "/"), fmt.Sprintf("health path %q should start with /", c.HealthPath)},
		{c.InfluxURL != "" && c.InfluxBucket == "", "influx URL provided but bucket is missing"},
		{c.AutoApply && c.DryRun, "auto_apply has no effect in dry-run mode"},
		{c.MetricsEnabled && (c.MetricsPort < 1 || c.MetricsPort > 65535), fmt.Sprintf("metrics port %d out of range", c.MetricsPort)},
	}
	for _, ch := range checks {
		if ch.cond {
			warnings = append(warnings, ch.msg)
		}
	}
	return warnings
}

// Check returns an error for settings no command can run with.
func (c *Config) Check() error {
	if c.VerifyInterval <= 0 {
		return fmt.Errorf("verify_interval must be positive, got %s", c.VerifyInterval)
	}
	if c.VerifyTimeout <= 0 {
		return fmt.Errorf("verify_timeout must be positive, got %s", c.VerifyTimeout)
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// LoadConfigFromFile loads config from a YAML/JSON file
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
