package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Store.Path == "" {
		t.Error("Store.Path should not be empty")
	}
	if len(cfg.Discovery.Names) != 1 || cfg.Discovery.Names[0] != "Nuimo" {
		t.Errorf("Discovery.Names = %v, want [Nuimo]", cfg.Discovery.Names)
	}
	if cfg.Controller.ConnectionRetryCount != 5 {
		t.Errorf("Controller.ConnectionRetryCount = %d, want 5", cfg.Controller.ConnectionRetryCount)
	}
	if cfg.Controller.ConnectionTimeout != 5*time.Second {
		t.Errorf("Controller.ConnectionTimeout = %v, want 5s", cfg.Controller.ConnectionTimeout)
	}
	if cfg.Controller.MaxAdvertisingInterval != 5*time.Second {
		t.Errorf("Controller.MaxAdvertisingInterval = %v, want 5s", cfg.Controller.MaxAdvertisingInterval)
	}
	if cfg.Controller.MatrixAckTimeout != 500*time.Millisecond {
		t.Errorf("Controller.MatrixAckTimeout = %v, want 500ms", cfg.Controller.MatrixAckTimeout)
	}
	if cfg.Controller.MatrixDisplayInterval != 2*time.Second {
		t.Errorf("Controller.MatrixDisplayInterval = %v, want 2s", cfg.Controller.MatrixDisplayInterval)
	}
	if cfg.Meter.SampleRate != 16000 {
		t.Errorf("Meter.SampleRate = %d, want 16000", cfg.Meter.SampleRate)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
log_format: json
discovery:
  names: ["Nuimo", "Nuimo-2"]
  update_reachability: false
  scan_restart_interval: 3s
controller:
  connection_retry_count: 2
  matrix_brightness: 0.25
  matrix_ack_timeout: 250ms
  heartbeat_interval: 30s
http:
  listen: ""
keys:
  enabled: true
  bindings:
    SwipeUp: audio_vol_up
virtual:
  url: ws://localhost:9000/nuimo
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("log = %q/%q, want debug/json", cfg.LogLevel, cfg.LogFormat)
	}
	if len(cfg.Discovery.Names) != 2 || cfg.Discovery.Names[1] != "Nuimo-2" {
		t.Errorf("Discovery.Names = %v, want [Nuimo Nuimo-2]", cfg.Discovery.Names)
	}
	if cfg.Discovery.UpdateReachability {
		t.Error("Discovery.UpdateReachability = true, want false")
	}
	if !cfg.Discovery.AutoConnect {
		t.Error("Discovery.AutoConnect should keep its default")
	}
	if cfg.Discovery.ScanRestartInterval != 3*time.Second {
		t.Errorf("Discovery.ScanRestartInterval = %v, want 3s", cfg.Discovery.ScanRestartInterval)
	}
	if cfg.Controller.ConnectionRetryCount != 2 {
		t.Errorf("Controller.ConnectionRetryCount = %d, want 2", cfg.Controller.ConnectionRetryCount)
	}
	if cfg.Controller.MatrixBrightness != 0.25 {
		t.Errorf("Controller.MatrixBrightness = %v, want 0.25", cfg.Controller.MatrixBrightness)
	}
	if cfg.Controller.MatrixAckTimeout != 250*time.Millisecond {
		t.Errorf("Controller.MatrixAckTimeout = %v, want 250ms", cfg.Controller.MatrixAckTimeout)
	}
	if cfg.Controller.HeartbeatInterval != 30*time.Second {
		t.Errorf("Controller.HeartbeatInterval = %v, want 30s", cfg.Controller.HeartbeatInterval)
	}
	if cfg.Controller.MatrixDisplayInterval != 2*time.Second {
		t.Errorf("Controller.MatrixDisplayInterval = %v, want default 2s", cfg.Controller.MatrixDisplayInterval)
	}
	if cfg.HTTP.Listen != "" {
		t.Errorf("HTTP.Listen = %q, want empty", cfg.HTTP.Listen)
	}
	if cfg.Keys.Bindings["SwipeUp"] != "audio_vol_up" {
		t.Errorf("Keys.Bindings[SwipeUp] = %q, want audio_vol_up", cfg.Keys.Bindings["SwipeUp"])
	}
	if cfg.Virtual.URL != "ws://localhost:9000/nuimo" {
		t.Errorf("Virtual.URL = %q", cfg.Virtual.URL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
store:
  path: ~/data/controllers.db
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "data/controllers.db")
	if cfg.Store.Path != expected {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("controller:\n  matrix_ack_timeout: soon\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should reject an unparsable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: true,
		},
		{
			name:    "negative retry count",
			modify:  func(c *Config) { c.Controller.ConnectionRetryCount = -1 },
			wantErr: true,
		},
		{
			name:    "negative connection timeout",
			modify:  func(c *Config) { c.Controller.ConnectionTimeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "brightness above one",
			modify:  func(c *Config) { c.Controller.MatrixBrightness = 1.5 },
			wantErr: true,
		},
		{
			name:    "heartbeat too long",
			modify:  func(c *Config) { c.Controller.HeartbeatInterval = 5 * time.Minute },
			wantErr: true,
		},
		{
			name:    "empty store path",
			modify:  func(c *Config) { c.Store.Path = "" },
			wantErr: true,
		},
		{
			name: "unknown gesture binding",
			modify: func(c *Config) {
				c.Keys.Enabled = true
				c.Keys.Bindings = map[string]string{"Wave": "a"}
			},
			wantErr: true,
		},
		{
			name:    "unknown gesture ignored while keys disabled",
			modify:  func(c *Config) { c.Keys.Bindings = map[string]string{"Wave": "a"} },
			wantErr: false,
		},
		{
			name: "empty toggle hotkey",
			modify: func(c *Config) {
				c.Keys.Enabled = true
				c.Keys.ToggleHotkey = nil
			},
			wantErr: true,
		},
		{
			name: "zero meter sample rate",
			modify: func(c *Config) {
				c.Meter.Enabled = true
				c.Meter.SampleRate = 0
			},
			wantErr: true,
		},
		{
			name:    "http virtual url",
			modify:  func(c *Config) { c.Virtual.URL = "http://localhost" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "gonuimo", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}

	if !strings.HasPrefix(string(data), "# gonuimo") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}

	if cfg.Controller.MatrixAckTimeout != 500*time.Millisecond {
		t.Errorf("written config Controller.MatrixAckTimeout = %v, want 500ms", cfg.Controller.MatrixAckTimeout)
	}
	if cfg.HTTP.Listen != "127.0.0.1:8631" {
		t.Errorf("written config HTTP.Listen = %q, want 127.0.0.1:8631", cfg.HTTP.Listen)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "gonuimo")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
