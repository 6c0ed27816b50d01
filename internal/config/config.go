// Package config loads the node's ambient settings — logging, tracing,
// the bootstrap directory backend, and timeouts — from a YAML file,
// environment overrides, and (in cmd/node) CLI flags, in that priority
// order. Node identity (own id, own ip/port, directory address) is
// deliberately NOT part of this file: spec.md §6 makes those positional
// CLI arguments supplied fresh on every run, not a persisted setting.
// Grounded on the teacher's internal/config, generalized from a DHT's
// bootstrap/storage/fault-tolerance knobs to this node's directory and
// timeout knobs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"ringd/internal/configloader"
	"ringd/internal/logger"

	"gopkg.in/yaml.v3"
)

// TracingConfig controls whether spans are emitted and where.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// TelemetryConfig is the top-level observability knob (SPEC_FULL §4.9).
type TelemetryConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// Route53Config configures the Route53-backed directory alternative
// (SPEC_FULL §4.8), mirroring internal/directory/route53.New's inputs.
type Route53Config struct {
	HostedZoneID string `yaml:"hostedZoneId"`
	DomainSuffix string `yaml:"domainSuffix"`
	TTL          int64  `yaml:"ttl"`
}

// DirectoryConfig selects and configures the bootstrap directory a node
// registers with and queries node lists from.
type DirectoryConfig struct {
	// Backend is "udp" (the spec's own directory protocol, spec.md §6)
	// or "route53" (SPEC_FULL §4.8's DNS-SRV-backed alternative).
	Backend string        `yaml:"backend"`
	Timeout time.Duration `yaml:"timeout"`
	Route53 Route53Config `yaml:"route53"`
}

// TimeoutConfig holds the event loop's fixed wait durations
// (spec.md §4.4's predecessor-arrival timeout, and the outbound
// connect timeout used for join/chord/direct-join dials).
type TimeoutConfig struct {
	Predecessor time.Duration `yaml:"predecessor"`
	Connect     time.Duration `yaml:"connect"`
}

// Config is the full set of ambient settings loaded from config.yaml.
type Config struct {
	Logger    configloader.LoggerConfig `yaml:"logger"`
	Telemetry TelemetryConfig          `yaml:"telemetry"`
	Directory DirectoryConfig          `yaml:"directory"`
	Timeouts  TimeoutConfig            `yaml:"timeouts"`
}

// Default returns the configuration a node runs with when no
// config.yaml is supplied: console logging at info level, tracing off,
// the spec's own UDP directory protocol, and the spec's 1-second
// timeouts.
func Default() *Config {
	return &Config{
		Logger: configloader.LoggerConfig{
			Active:   true,
			Level:    "info",
			Encoding: "console",
			Mode:     "stdout",
		},
		Directory: DirectoryConfig{
			Backend: "udp",
			Timeout: time.Second,
		},
		Timeouts: TimeoutConfig{
			Predecessor: time.Second,
			Connect:     time.Second,
		},
	}
}

// LoadConfig reads path as YAML over Default()'s values, so a partial
// file only overrides the fields it names.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides, using the
// shared configloader.Override* helpers so the override plumbing isn't
// duplicated per field type.
//
//	LOGGER_ENABLED, LOGGER_LEVEL, LOGGER_ENCODING, LOGGER_MODE,
//	LOGGER_FILE_PATH, LOGGER_FILE_MAX_SIZE, LOGGER_FILE_MAX_BACKUPS,
//	LOGGER_FILE_MAX_AGE, LOGGER_FILE_COMPRESS
//	TRACE_ENABLED, TRACE_EXPORTER, TRACE_ENDPOINT
//	DIRECTORY_BACKEND, DIRECTORY_TIMEOUT
//	ROUTE53_HOSTED_ZONE_ID, ROUTE53_DOMAIN_SUFFIX, ROUTE53_TTL
//	TIMEOUT_PREDECESSOR, TIMEOUT_CONNECT
func (cfg *Config) ApplyEnvOverrides() {
	configloader.OverrideBool(&cfg.Logger.Active, "LOGGER_ENABLED")
	configloader.OverrideString(&cfg.Logger.Level, "LOGGER_LEVEL")
	configloader.OverrideString(&cfg.Logger.Encoding, "LOGGER_ENCODING")
	configloader.OverrideString(&cfg.Logger.Mode, "LOGGER_MODE")
	configloader.OverrideString(&cfg.Logger.File.Path, "LOGGER_FILE_PATH")
	configloader.OverrideInt(&cfg.Logger.File.MaxSize, "LOGGER_FILE_MAX_SIZE")
	configloader.OverrideInt(&cfg.Logger.File.MaxBackups, "LOGGER_FILE_MAX_BACKUPS")
	configloader.OverrideInt(&cfg.Logger.File.MaxAge, "LOGGER_FILE_MAX_AGE")
	configloader.OverrideBool(&cfg.Logger.File.Compress, "LOGGER_FILE_COMPRESS")

	configloader.OverrideBool(&cfg.Telemetry.Tracing.Enabled, "TRACE_ENABLED")
	configloader.OverrideString(&cfg.Telemetry.Tracing.Exporter, "TRACE_EXPORTER")
	configloader.OverrideString(&cfg.Telemetry.Tracing.Endpoint, "TRACE_ENDPOINT")

	configloader.OverrideString(&cfg.Directory.Backend, "DIRECTORY_BACKEND")
	configloader.OverrideDuration(&cfg.Directory.Timeout, "DIRECTORY_TIMEOUT")
	configloader.OverrideString(&cfg.Directory.Route53.HostedZoneID, "ROUTE53_HOSTED_ZONE_ID")
	configloader.OverrideString(&cfg.Directory.Route53.DomainSuffix, "ROUTE53_DOMAIN_SUFFIX")
	configloader.OverrideInt64(&cfg.Directory.Route53.TTL, "ROUTE53_TTL")

	configloader.OverrideDuration(&cfg.Timeouts.Predecessor, "TIMEOUT_PREDECESSOR")
	configloader.OverrideDuration(&cfg.Timeouts.Connect, "TIMEOUT_CONNECT")
}

// ValidateConfig checks structural correctness (enum membership,
// required companion fields) without touching the network.
func (cfg *Config) ValidateConfig() error {
	var errs []string

	switch cfg.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid logger.level: %s", cfg.Logger.Level))
	}
	switch cfg.Logger.Encoding {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("invalid logger.encoding: %s", cfg.Logger.Encoding))
	}
	switch cfg.Logger.Mode {
	case "stdout":
	case "file":
		if cfg.Logger.File.Path == "" {
			errs = append(errs, "logger.file.path is required when logger.mode=file")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid logger.mode: %s", cfg.Logger.Mode))
	}

	if cfg.Telemetry.Tracing.Enabled {
		switch cfg.Telemetry.Tracing.Exporter {
		case "stdout", "otlp":
		default:
			errs = append(errs, fmt.Sprintf("invalid telemetry.tracing.exporter: %s", cfg.Telemetry.Tracing.Exporter))
		}
		if cfg.Telemetry.Tracing.Exporter != "stdout" && cfg.Telemetry.Tracing.Endpoint == "" {
			errs = append(errs, "telemetry.tracing.endpoint is required for a non-stdout exporter")
		}
	}

	switch cfg.Directory.Backend {
	case "udp":
	case "route53":
		if cfg.Directory.Route53.HostedZoneID == "" {
			errs = append(errs, "directory.route53.hostedZoneId is required when directory.backend=route53")
		}
		if cfg.Directory.Route53.DomainSuffix == "" {
			errs = append(errs, "directory.route53.domainSuffix is required when directory.backend=route53")
		}
		if cfg.Directory.Route53.TTL <= 0 {
			errs = append(errs, "directory.route53.ttl must be > 0 when directory.backend=route53")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid directory.backend: %s (must be udp or route53)", cfg.Directory.Backend))
	}

	if cfg.Timeouts.Predecessor <= 0 {
		errs = append(errs, "timeouts.predecessor must be > 0")
	}
	if cfg.Timeouts.Connect <= 0 {
		errs = append(errs, "timeouts.connect must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// LogConfig reports the effective configuration at DEBUG level, for
// diagnosing startup issues without a debugger.
func (cfg *Config) LogConfig(lgr logger.Logger) {
	lgr.Debug("loaded configuration",
		logger.F("logger.active", cfg.Logger.Active),
		logger.F("logger.level", cfg.Logger.Level),
		logger.F("logger.encoding", cfg.Logger.Encoding),
		logger.F("logger.mode", cfg.Logger.Mode),
		logger.F("logger.file.path", cfg.Logger.File.Path),

		logger.F("telemetry.tracing.enabled", cfg.Telemetry.Tracing.Enabled),
		logger.F("telemetry.tracing.exporter", cfg.Telemetry.Tracing.Exporter),
		logger.F("telemetry.tracing.endpoint", cfg.Telemetry.Tracing.Endpoint),

		logger.F("directory.backend", cfg.Directory.Backend),
		logger.F("directory.timeout", cfg.Directory.Timeout.String()),
		logger.F("directory.route53.hostedZoneId", cfg.Directory.Route53.HostedZoneID),
		logger.F("directory.route53.domainSuffix", cfg.Directory.Route53.DomainSuffix),

		logger.F("timeouts.predecessor", cfg.Timeouts.Predecessor.String()),
		logger.F("timeouts.connect", cfg.Timeouts.Connect.String()),
	)
}
