// Package config loads and validates the cycle monitor configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/cycle-monitor/internal/storage/fsutil"
	"github.com/ChuLiYu/cycle-monitor/pkg/types"
)

// ErrInvalidConfig is returned by Validate and Load for out-of-range values.
var ErrInvalidConfig = errors.New("invalid configuration")

// State backends.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Signal sources.
const (
	SourceGPIO   = "gpio"
	SourceManual = "manual"
)

// Config represents the complete configuration file.
type Config struct {
	MachineID    string `yaml:"machine_id"`
	GPIOPin      int    `yaml:"gpio_pin"`
	CSVDirectory string `yaml:"csv_directory"`
	ResetHour    int    `yaml:"reset_hour"`

	State   StateConfig   `yaml:"state"`
	Signal  SignalConfig  `yaml:"signal"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Control ControlConfig `yaml:"control"`
}

// StateConfig selects the shared state store.
type StateConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// SignalConfig selects the edge-detection source.
type SignalConfig struct {
	Source   string        `yaml:"source"`
	Chip     string        `yaml:"chip"` // GPIO character device, e.g. gpiochip0
	Debounce time.Duration `yaml:"debounce"`
}

// LogConfig tunes the event log writer.
type LogConfig struct {
	SyncOnAppend bool `yaml:"sync_on_append"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ControlConfig controls the gRPC control surface.
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Dir returns the configuration directory (~/.config/fw_cycle_monitor).
func Dir() string {
	return filepath.Join(homeDir(), ".config", "fw_cycle_monitor")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MachineID:    "M201",
		GPIOPin:      17,
		CSVDirectory: filepath.Join(homeDir(), "fw_cycle_monitor_data"),
		ResetHour:    3,
		State: StateConfig{
			Backend: BackendJSON,
			Path:    filepath.Join(Dir(), "state.json"),
		},
		Signal: SignalConfig{
			Source:   SourceGPIO,
			Chip:     "gpiochip0",
			Debounce: 200 * time.Millisecond,
		},
		Metrics: MetricsConfig{Enabled: false, Port: 9090},
		Control: ControlConfig{Enabled: false, Addr: "127.0.0.1:50061"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("%w: failed to parse config YAML: %v", ErrInvalidConfig, err)
	}

	cfg.CSVDirectory = expandHome(cfg.CSVDirectory)
	cfg.State.Path = expandHome(cfg.State.Path)
	if err := cfg.Validate(); err != nil {
		return Default(), err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return fsutil.AtomicWrite(path, data, 0o644)
}

// Validate rejects values the recorder cannot run with.
func (c Config) Validate() error {
	var problems []string
	if types.NormalizeMachineID(c.MachineID) == "" {
		problems = append(problems, "machine_id must not be empty")
	}
	if c.ResetHour < 0 || c.ResetHour > 23 {
		problems = append(problems, fmt.Sprintf("reset_hour %d must be between 0 and 23", c.ResetHour))
	}
	if c.GPIOPin < 0 {
		problems = append(problems, fmt.Sprintf("gpio_pin %d must not be negative", c.GPIOPin))
	}
	if c.CSVDirectory == "" {
		problems = append(problems, "csv_directory must not be empty")
	}
	switch c.State.Backend {
	case BackendJSON, BackendSQLite:
	default:
		problems = append(problems, fmt.Sprintf("unknown state backend %q", c.State.Backend))
	}
	switch c.Signal.Source {
	case SourceGPIO, SourceManual:
	default:
		problems = append(problems, fmt.Sprintf("unknown signal source %q", c.Signal.Source))
	}
	if c.Signal.Source == SourceGPIO && c.Signal.Chip == "" {
		problems = append(problems, "signal.chip must not be empty")
	}
	if c.Signal.Debounce < 0 {
		problems = append(problems, "signal.debounce must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Machine returns the normalized machine identifier.
func (c Config) Machine() types.MachineID {
	return types.NormalizeMachineID(c.MachineID)
}

// CSVPath returns the event log path derived from the machine id.
func (c Config) CSVPath() string {
	return filepath.Join(c.CSVDirectory, fmt.Sprintf("CM_%s.csv", c.Machine()))
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func expandHome(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}
