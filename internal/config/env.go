package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides reads configuration values from environment variables and
// overrides fields in the provided Config. Returns an error if parsing fails.
//
// Environment variables supported:
// - DEPLOYCTL_FILE, DEPLOYCTL_ENV_FILE, DEPLOYCTL_PROJECT_NAME, DEPLOYCTL_SERVICE
// - DEPLOYCTL_REQUIRED_VARIABLES (comma separated)
// - DEPLOYCTL_RESOLVE_VERSION (bool)
// - DEPLOYCTL_DOCKER_HOST, DEPLOYCTL_REGISTRY_USER, DEPLOYCTL_REGISTRY_PASS
// - DEPLOYCTL_PULL_POLICY (always, missing, never, build), DEPLOYCTL_PRUNE_IMAGES (bool)
// - DEPLOYCTL_VERIFY_TIMEOUT, DEPLOYCTL_VERIFY_INTERVAL, DEPLOYCTL_STOP_TIMEOUT (durations)
// - DEPLOYCTL_HEALTH_PATH, DEPLOYCTL_HEALTH_HOST
// - DEPLOYCTL_POLL_INTERVAL (duration), DEPLOYCTL_AUTO_APPLY (bool)
// - DEPLOYCTL_HEALTH_FAILURE_THRESHOLD, DEPLOYCTL_CIRCUIT_BREAKER_THRESHOLD (int)
// - DEPLOYCTL_CIRCUIT_BREAKER_COOLDOWN (duration)
// - DEPLOYCTL_NOTIFICATION_LEVEL, DEPLOYCTL_SLACK_WEBHOOK, DEPLOYCTL_DISCORD_WEBHOOK,
//   DEPLOYCTL_GENERIC_WEBHOOK_URL
// - DEPLOYCTL_METRICS_ENABLED (bool), DEPLOYCTL_METRICS_PORT (int)
// - DEPLOYCTL_INFLUX_URL, DEPLOYCTL_INFLUX_TOKEN, DEPLOYCTL_INFLUX_ORG,
//   DEPLOYCTL_INFLUX_BUCKET, DEPLOYCTL_INFLUX_INTERVAL
// - DEPLOYCTL_STATE_DIR, DEPLOYCTL_LOG_LEVEL, DEPLOYCTL_LOG_FILE, DEPLOYCTL_DRY_RUN
func ApplyEnvOverrides(cfg *Config) error {
	// Descriptor location and interpolation
	if err := applyDescriptorEnv(cfg); err != nil {
		return err
	}

	// Docker engine and registry
	if err := applyEngineEnv(cfg); err != nil {
		return err
	}

	// Health verification
	if err := applyVerifyEnv(cfg); err != nil {
		return err
	}

	// Watch mode and circuit breaker
	if err := applyWatchEnv(cfg); err != nil {
		return err
	}

	// Notifications
	applyNotificationEnv(cfg)

	// Metrics and Influx
	if err := applyMetricsEnv(cfg); err != nil {
		return err
	}

	// Misc (state, logging, dry-run)
	return applyMiscEnv(cfg)
}

func applyDescriptorEnv(cfg *Config) error {
	setString("DEPLOYCTL_FILE", &cfg.File)
	setString("DEPLOYCTL_ENV_FILE", &cfg.EnvFile)
	setString("DEPLOYCTL_PROJECT_NAME", &cfg.ProjectName)
	setString("DEPLOYCTL_SERVICE", &cfg.Service)
	if v, ok := os.LookupEnv("DEPLOYCTL_REQUIRED_VARIABLES"); ok {
		cfg.RequiredVariables = splitList(v)
	}
	return setBoolEnv("DEPLOYCTL_RESOLVE_VERSION", func(b bool) { cfg.ResolveVersion = b })
}

func applyEngineEnv(cfg *Config) error {
	setString("DEPLOYCTL_DOCKER_HOST", &cfg.DockerHost)
	setString("DEPLOYCTL_REGISTRY_USER", &cfg.RegistryUser)
	setString("DEPLOYCTL_REGISTRY_PASS", &cfg.RegistryPass)
	setString("DEPLOYCTL_PULL_POLICY", &cfg.PullPolicy)
	return setBoolEnv("DEPLOYCTL_PRUNE_IMAGES", func(b bool) { cfg.PruneImages = b })
}

func applyVerifyEnv(cfg *Config) error {
	if err := setDurationEnv("DEPLOYCTL_VERIFY_TIMEOUT", &cfg.VerifyTimeout); err != nil {
		return err
	}
	if err := setDurationEnv("DEPLOYCTL_VERIFY_INTERVAL", &cfg.VerifyInterval); err != nil {
		return err
	}
	if err := setDurationEnv("DEPLOYCTL_STOP_TIMEOUT", &cfg.StopTimeout); err != nil {
		return err
	}
	setString("DEPLOYCTL_HEALTH_PATH", &cfg.HealthPath)
	setString("DEPLOYCTL_HEALTH_HOST", &cfg.HealthHost)
	return nil
}

func applyWatchEnv(cfg *Config) error {
	if err := setDurationEnv("DEPLOYCTL_POLL_INTERVAL", &cfg.PollInterval); err != nil {
		return err
	}
	if err := setBoolEnv("DEPLOYCTL_AUTO_APPLY", func(b bool) { cfg.AutoApply = b }); err != nil {
		return err
	}
	if err := setIntEnv("DEPLOYCTL_HEALTH_FAILURE_THRESHOLD", &cfg.HealthFailureThreshold); err != nil {
		return err
	}
	if err := setIntEnv("DEPLOYCTL_CIRCUIT_BREAKER_THRESHOLD", &cfg.CircuitBreakerThreshold); err != nil {
		return err
	}
	return setDurationEnv("DEPLOYCTL_CIRCUIT_BREAKER_COOLDOWN", &cfg.CircuitBreakerCooldown)
}

// applyNotificationEnv consolidates notification-related env parsing
func applyNotificationEnv(cfg *Config) {
	setString("DEPLOYCTL_NOTIFICATION_LEVEL", &cfg.NotificationLevel)
	setString("DEPLOYCTL_SLACK_WEBHOOK", &cfg.SlackWebhook)
	setString("DEPLOYCTL_DISCORD_WEBHOOK", &cfg.DiscordWebhook)
	setString("DEPLOYCTL_GENERIC_WEBHOOK_URL", &cfg.GenericWebhookURL)
}

// applyMetricsEnv consolidates metrics and Influx env parsing
func applyMetricsEnv(cfg *Config) error {
	if v := os.Getenv("DEPLOYCTL_METRICS_ENABLED"); v != "" {
		switch strings.ToLower(v) {
		case "true":
			cfg.MetricsEnabled = true
		case "false":
			cfg.MetricsEnabled = false
		}
	}
	if err := setIntEnv("DEPLOYCTL_METRICS_PORT", &cfg.MetricsPort); err != nil {
		return err
	}
	setString("DEPLOYCTL_INFLUX_URL", &cfg.InfluxURL)
	setString("DEPLOYCTL_INFLUX_TOKEN", &cfg.InfluxToken)
	setString("DEPLOYCTL_INFLUX_ORG", &cfg.InfluxOrg)
	setString("DEPLOYCTL_INFLUX_BUCKET", &cfg.InfluxBucket)
	return setDurationEnv("DEPLOYCTL_INFLUX_INTERVAL", &cfg.InfluxInterval)
}

func applyMiscEnv(cfg *Config) error {
	setString("DEPLOYCTL_STATE_DIR", &cfg.StateDir)
	setString("DEPLOYCTL_LOG_LEVEL", &cfg.LogLevel)
	setString("DEPLOYCTL_LOG_FILE", &cfg.LogFile)
	if v := os.Getenv("DEPLOYCTL_DRY_RUN"); v == "true" {
		cfg.DryRun = true
	}
	return nil
}

func setString(env string, dst *string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// setBoolEnv is a small helper to parse boolean environment variables
func setBoolEnv(env string, setter func(bool)) error {
	if v := os.Getenv(env); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		setter(b)
	}
	return nil
}

func setIntEnv(env string, dst *int) error {
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		*dst = n
	}
	return nil
}

func setDurationEnv(env string, dst *time.Duration) error {
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		*dst = d
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
