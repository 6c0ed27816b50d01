package harness

import (
	"fmt"
	"os"
	"strings"
	"time"

	"ringd/internal/configloader"
	"ringd/internal/logger"

	"gopkg.in/yaml.v3"
)

// ClusterConfig describes the Docker-based cluster the harness drives.
type ClusterConfig struct {
	Image      string `yaml:"image"`      // ringd node image, e.g. "ringd:latest"
	Network    string `yaml:"network"`    // bridge network name, created if missing
	NamePrefix string `yaml:"namePrefix"` // container name prefix, e.g. "ringd-harness"
	NodeCount  int    `yaml:"nodeCount"`
	TCPPort    string `yaml:"tcpPort"` // the -own-tcp-port every node listens on
}

// ScenarioConfig controls the join/chat workload driven against the
// cluster once every container is up.
type ScenarioConfig struct {
	RingID      string        `yaml:"ringId"`
	MessageText string        `yaml:"messageText"`
	WaitTimeout time.Duration `yaml:"waitTimeout"`
}

// CSVConfig controls the result sink.
type CSVConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the harness's own top-level configuration, layered the
// same way internal/config's node configuration is.
type Config struct {
	Logger   configloader.LoggerConfig `yaml:"logger"`
	Cluster  ClusterConfig             `yaml:"cluster"`
	Scenario ScenarioConfig            `yaml:"scenario"`
	CSV      CSVConfig                 `yaml:"csv"`
}

// Default returns a small, local three-node cluster configuration.
func Default() *Config {
	return &Config{
		Logger: configloader.LoggerConfig{Active: true, Level: "info", Encoding: "console", Mode: "stdout"},
		Cluster: ClusterConfig{
			Image:      "ringd:latest",
			Network:    "ringd-harness-net",
			NamePrefix: "ringd-harness",
			NodeCount:  3,
			TCPPort:    "9000",
		},
		Scenario: ScenarioConfig{
			RingID:      "har",
			MessageText: "hello from the harness",
			WaitTimeout: 5 * time.Second,
		},
		CSV: CSVConfig{Enabled: false},
	}
}

// LoadConfig reads path as YAML over Default()'s values.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("harness: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("harness: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides.
func (cfg *Config) ApplyEnvOverrides() {
	configloader.OverrideBool(&cfg.Logger.Active, "LOGGER_ENABLED")
	configloader.OverrideString(&cfg.Logger.Level, "LOGGER_LEVEL")

	configloader.OverrideString(&cfg.Cluster.Image, "HARNESS_IMAGE")
	configloader.OverrideString(&cfg.Cluster.Network, "HARNESS_NETWORK")
	configloader.OverrideString(&cfg.Cluster.NamePrefix, "HARNESS_NAME_PREFIX")
	configloader.OverrideInt(&cfg.Cluster.NodeCount, "HARNESS_NODE_COUNT")
	configloader.OverrideString(&cfg.Cluster.TCPPort, "HARNESS_TCP_PORT")

	configloader.OverrideString(&cfg.Scenario.RingID, "HARNESS_RING_ID")
	configloader.OverrideString(&cfg.Scenario.MessageText, "HARNESS_MESSAGE_TEXT")
	configloader.OverrideDuration(&cfg.Scenario.WaitTimeout, "HARNESS_WAIT_TIMEOUT")

	configloader.OverrideBool(&cfg.CSV.Enabled, "HARNESS_CSV_ENABLED")
	configloader.OverrideString(&cfg.CSV.Path, "HARNESS_CSV_PATH")
}

// Validate checks structural correctness before any container is created.
func (cfg *Config) Validate() error {
	var errs []string

	if cfg.Cluster.Image == "" {
		errs = append(errs, "cluster.image must not be empty")
	}
	if cfg.Cluster.Network == "" {
		errs = append(errs, "cluster.network must not be empty")
	}
	if cfg.Cluster.NodeCount < 2 {
		errs = append(errs, fmt.Sprintf("cluster.nodeCount must be >= 2 (got %d)", cfg.Cluster.NodeCount))
	}
	if cfg.Cluster.TCPPort == "" {
		errs = append(errs, "cluster.tcpPort must not be empty")
	}
	if len(cfg.Scenario.RingID) != 3 {
		errs = append(errs, fmt.Sprintf("scenario.ringId must be exactly 3 characters (got %q)", cfg.Scenario.RingID))
	}
	if cfg.Scenario.WaitTimeout <= 0 {
		errs = append(errs, "scenario.waitTimeout must be > 0")
	}
	if cfg.CSV.Enabled && cfg.CSV.Path == "" {
		errs = append(errs, "csv.path must be set when csv.enabled = true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("harness configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// LogConfig reports the effective configuration at DEBUG level.
func (cfg *Config) LogConfig(lgr logger.Logger) {
	lgr.Debug("loaded harness configuration",
		logger.F("logger.active", cfg.Logger.Active),
		logger.F("logger.level", cfg.Logger.Level),

		logger.F("cluster.image", cfg.Cluster.Image),
		logger.F("cluster.network", cfg.Cluster.Network),
		logger.F("cluster.namePrefix", cfg.Cluster.NamePrefix),
		logger.F("cluster.nodeCount", cfg.Cluster.NodeCount),
		logger.F("cluster.tcpPort", cfg.Cluster.TCPPort),

		logger.F("scenario.ringId", cfg.Scenario.RingID),
		logger.F("scenario.waitTimeout", cfg.Scenario.WaitTimeout.String()),

		logger.F("csv.enabled", cfg.CSV.Enabled),
		logger.F("csv.path", cfg.CSV.Path),
	)
}
