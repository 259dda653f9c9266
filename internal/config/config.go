package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime settings of the boxupdate daemon.
type Config struct {
	// ListenAddress is the TCP address the update HTTP API binds to.
	ListenAddress string `yaml:"listen_addr"`
	// StagingRoot is the directory where package payloads are extracted
	// per job before being applied.
	StagingRoot string `yaml:"staging_root"`
	// AuditRoot is the directory holding one JSON snapshot per update job.
	AuditRoot string `yaml:"audit_root"`
	// HeartbeatInterval is how often a running job refreshes its heartbeat.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// KeepFailedStaging retains the staging directory of failed jobs for
	// operator inspection. Successful jobs are always pruned.
	KeepFailedStaging bool `yaml:"keep_failed_staging"`
	// BundleTargets maps bundle component names to the directories their
	// payloads are deployed into.
	BundleTargets map[string]string `yaml:"bundle_targets"`
	// FirmwareSlot is the path the firmware image is placed at before the
	// flash tool is invoked. Empty means the flash tool receives the
	// staged image path directly.
	FirmwareSlot string `yaml:"firmware_slot"`
	// FlashCommand is the flash tool command line; the image path is
	// appended as the last argument.
	FlashCommand []string `yaml:"flash_command"`
	// RestartCommand restarts the measurement service.
	RestartCommand []string `yaml:"restart_command"`
	// ServiceProcess is the executable name checked after a restart to
	// confirm the measurement service came back. Empty disables the check.
	ServiceProcess string `yaml:"service_process"`
	// LogLevel is the minimum level for daemon logs.
	LogLevel string `yaml:"log_level"`
}

const (
	// DefaultConfigFilename is the default filename for daemon settings.
	DefaultConfigFilename = "boxupdate-settings.yaml"

	// DefaultListenAddress is the default bind address of the update API.
	DefaultListenAddress = ":8844"

	// DefaultHeartbeatInterval is the default running-job heartbeat period.
	DefaultHeartbeatInterval = 2 * time.Second

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errStagingRootRequired is returned when the staging root is missing.
	errStagingRootRequired = errors.New("staging root must be provided")
	// errAuditRootRequired is returned when the audit root is missing.
	errAuditRootRequired = errors.New("audit root must be provided")
)

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and fills defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}

	if _, err := net.ResolveTCPAddr("tcp", cfg.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	if cfg.StagingRoot == "" {
		return errStagingRootRequired
	}

	if cfg.AuditRoot == "" {
		return errAuditRootRequired
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if len(cfg.FlashCommand) == 0 {
		cfg.FlashCommand = []string{"/usr/lib/metrolab/flash-tool"}
	}

	if len(cfg.RestartCommand) == 0 {
		cfg.RestartCommand = []string{"systemctl", "restart", "metrolab-measured"}
	}

	return nil
}
