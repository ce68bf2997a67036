package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gonuimo/internal/gesture"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // "text" or "json"
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Controller ControllerConfig `yaml:"controller"`
	Store      StoreConfig      `yaml:"store"`
	HTTP       HTTPConfig       `yaml:"http"`
	Keys       KeysConfig       `yaml:"keys"`
	Meter      MeterConfig      `yaml:"meter"`
	Virtual    VirtualConfig    `yaml:"virtual"`
}

// DiscoveryConfig holds scanning settings.
type DiscoveryConfig struct {
	Names               []string      `yaml:"names"`
	UpdateReachability  bool          `yaml:"update_reachability"`
	AutoConnect         bool          `yaml:"auto_connect"`
	ScanRestartInterval time.Duration `yaml:"scan_restart_interval"`
}

// ControllerConfig holds per-controller connection and display settings.
type ControllerConfig struct {
	ConnectionRetryCount   int           `yaml:"connection_retry_count"`
	ConnectionTimeout      time.Duration `yaml:"connection_timeout"`
	MaxAdvertisingInterval time.Duration `yaml:"max_advertising_interval"`
	MatrixBrightness       float64       `yaml:"matrix_brightness"`
	MatrixDisplayInterval  time.Duration `yaml:"matrix_display_interval"`
	MatrixAckTimeout       time.Duration `yaml:"matrix_ack_timeout"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
}

// StoreConfig holds the known-controller database location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig holds the control API settings.
type HTTPConfig struct {
	Listen string `yaml:"listen"` // empty disables the API
}

// KeysConfig maps gestures to key taps.
type KeysConfig struct {
	Enabled      bool              `yaml:"enabled"`
	ToggleHotkey []string          `yaml:"toggle_hotkey"`
	RotateStep   int               `yaml:"rotate_step"`
	Bindings     map[string]string `yaml:"bindings"`
}

// MeterConfig holds the microphone level meter settings.
type MeterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SampleRate    uint32        `yaml:"sample_rate"`
	Channels      uint32        `yaml:"channels"`
	FrameInterval time.Duration `yaml:"frame_interval"`
}

// VirtualConfig holds the websocket controller settings.
type VirtualConfig struct {
	URL string `yaml:"url"` // empty disables the virtual controller
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gonuimo")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	storePath := filepath.Join(home, ".local", "share", "gonuimo", "controllers.db")

	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Discovery: DiscoveryConfig{
			Names:               []string{"Nuimo"},
			UpdateReachability:  true,
			AutoConnect:         true,
			ScanRestartInterval: time.Second,
		},
		Controller: ControllerConfig{
			ConnectionRetryCount:   5,
			ConnectionTimeout:      5 * time.Second,
			MaxAdvertisingInterval: 5 * time.Second,
			MatrixBrightness:       1.0,
			MatrixDisplayInterval:  2 * time.Second,
			MatrixAckTimeout:       500 * time.Millisecond,
		},
		Store: StoreConfig{
			Path: storePath,
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8631",
		},
		Keys: KeysConfig{
			ToggleHotkey: []string{"ctrl", "shift", "n"},
			RotateStep:   40,
			Bindings: map[string]string{
				"ButtonPress": "audio_play",
				"SwipeLeft":   "audio_prev",
				"SwipeRight":  "audio_next",
			},
		},
		Meter: MeterConfig{
			SampleRate:    16000,
			Channels:      1,
			FrameInterval: 100 * time.Millisecond,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	if c.Discovery.ScanRestartInterval < 0 {
		return fmt.Errorf("discovery.scan_restart_interval must be >= 0")
	}

	if c.Controller.ConnectionRetryCount < 0 {
		return fmt.Errorf("controller.connection_retry_count must be >= 0")
	}

	if c.Controller.ConnectionTimeout < 0 {
		return fmt.Errorf("controller.connection_timeout must be >= 0")
	}

	if c.Controller.MaxAdvertisingInterval < 0 {
		return fmt.Errorf("controller.max_advertising_interval must be >= 0")
	}

	if c.Controller.MatrixBrightness < 0 || c.Controller.MatrixBrightness > 1 {
		return fmt.Errorf("controller.matrix_brightness must be between 0 and 1, got %v", c.Controller.MatrixBrightness)
	}

	if c.Controller.MatrixAckTimeout < 0 {
		return fmt.Errorf("controller.matrix_ack_timeout must be >= 0")
	}

	if c.Controller.HeartbeatInterval < 0 || c.Controller.HeartbeatInterval > 255*time.Second {
		return fmt.Errorf("controller.heartbeat_interval must be between 0s and 255s, got %v", c.Controller.HeartbeatInterval)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if c.Keys.Enabled {
		if len(c.Keys.ToggleHotkey) == 0 {
			return fmt.Errorf("keys.toggle_hotkey must not be empty")
		}
		for name := range c.Keys.Bindings {
			if _, err := gesture.Parse(name); err != nil {
				return fmt.Errorf("keys.bindings: %w", err)
			}
		}
	}

	if c.Meter.Enabled {
		if c.Meter.SampleRate == 0 {
			return fmt.Errorf("meter.sample_rate must be > 0")
		}
		if c.Meter.Channels == 0 {
			return fmt.Errorf("meter.channels must be > 0")
		}
		if c.Meter.FrameInterval <= 0 {
			return fmt.Errorf("meter.frame_interval must be > 0")
		}
	}

	if c.Virtual.URL != "" && !strings.HasPrefix(c.Virtual.URL, "ws://") && !strings.HasPrefix(c.Virtual.URL, "wss://") {
		return fmt.Errorf("virtual.url must start with ws:// or wss://, got %q", c.Virtual.URL)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values map
// to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# gonuimo configuration
# Durations use Go syntax, e.g. 500ms, 2s, 1m.

`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the written path, or "" when a config already
// exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
