// Package config loads, validates, and writes the kernel's configuration
// from a YAML file, following the same Load/WriteDefault/validate shape
// CirtusX's config package uses for its proxy settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level agentkerneld configuration.
type Config struct {
	Socket     SocketConfig     `yaml:"socket"`
	Audit      AuditConfig      `yaml:"audit"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Tunnel     TunnelConfig     `yaml:"tunnel"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SocketConfig controls the local stream socket the kernel listens on.
type SocketConfig struct {
	Path string `yaml:"path"`
	Mode uint32 `yaml:"mode"`
}

// AuditConfig sizes the audit ring. IndexPath, LogSyscalls and LogState
// are parsed but not read by the daemon.
type AuditConfig struct {
	MaxEntries int    `yaml:"max_entries"`
	IndexPath  string `yaml:"index_path"`
	LogSyscalls bool  `yaml:"log_syscalls"`
	LogState    bool  `yaml:"log_state"`
}

// SupervisorConfig holds supervisor settings. With UseContainerRuntime
// set, the daemon refuses to start unless DockerSocket exists.
// DefaultMaxRestarts and RestartWindowSec are parsed but not read; SPAWN
// takes its restart policy from the request.
type SupervisorConfig struct {
	DefaultMaxRestarts int    `yaml:"default_max_restarts"`
	RestartWindowSec   int    `yaml:"restart_window_sec"`
	UseContainerRuntime bool  `yaml:"use_container_runtime"`
	DockerSocket        string `yaml:"docker_socket"`
}

// TunnelConfig locates the tunnel bridge helper binary.
type TunnelConfig struct {
	HelperPath string `yaml:"helper_path"`
}

// LoggingConfig is parsed but not read: the daemon builds its logger from
// the --log-level and --log-dev flags.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dev   bool   `yaml:"dev"`
}

// Load reads and parses path. A missing file is not an error — it
// returns defaults, matching first-run behavior before `config-init`
// has written a config file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a fully-populated default config.yaml to path.
func WriteDefault(path string) error {
	cfg := defaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	header := "# agentkerneld configuration\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func defaults() *Config {
	return &Config{
		Socket: SocketConfig{Path: "/var/run/agentkernel/kernel.sock", Mode: 0o660},
		Audit: AuditConfig{
			MaxEntries:  10_000,
			IndexPath:   "/var/lib/agentkernel/audit.db",
			LogSyscalls: true,
			LogState:    true,
		},
		Supervisor: SupervisorConfig{
			DefaultMaxRestarts: 5,
			RestartWindowSec:   60,
		},
		Tunnel:  TunnelConfig{HelperPath: ""},
		Logging: LoggingConfig{Level: "info", Dev: false},
	}
}

func validate(cfg *Config) error {
	if cfg.Socket.Path == "" {
		return fmt.Errorf("socket.path must not be empty")
	}
	if cfg.Audit.MaxEntries <= 0 {
		return fmt.Errorf("audit.max_entries must be positive")
	}
	if cfg.Supervisor.DefaultMaxRestarts < 0 {
		return fmt.Errorf("supervisor.default_max_restarts must be non-negative")
	}
	return nil
}
