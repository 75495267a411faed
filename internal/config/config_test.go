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

	if cfg.Serial.BaudRate != 921600 {
		t.Errorf("Serial.BaudRate = %d, want 921600", cfg.Serial.BaudRate)
	}
	if !cfg.Serial.AssertRTS {
		t.Error("Serial.AssertRTS = false, want true")
	}
	if cfg.Dongle.CommandTimeout != 5*time.Second {
		t.Errorf("Dongle.CommandTimeout = %v, want 5s", cfg.Dongle.CommandTimeout)
	}
	if cfg.Dongle.LongReadTimeout != 10*time.Second {
		t.Errorf("Dongle.LongReadTimeout = %v, want 10s", cfg.Dongle.LongReadTimeout)
	}
	if cfg.Dongle.MaxFrame != 2048 {
		t.Errorf("Dongle.MaxFrame = %d, want 2048", cfg.Dongle.MaxFrame)
	}
	if cfg.Bootloader.ChunkSize != 137 {
		t.Errorf("Bootloader.ChunkSize = %d, want 137", cfg.Bootloader.ChunkSize)
	}
	if cfg.Bridge.Subject != "cyble" {
		t.Errorf("Bridge.Subject = %q, want %q", cfg.Bridge.Subject, "cyble")
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
serial:
  port: /dev/ttyACM3
  baud_rate: 115200
  read_timeout: 250ms
dongle:
  command_timeout: 2s
  abort_on_mismatch: true
bootloader:
  chunk_size: 64
  program_timeout: 30s
privacy:
  passphrase: hunter2
bridge:
  nats_url: nats://localhost:4222
  redis_addr: localhost:6379
  cache_ttl: 1h
log_level: debug
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

	if cfg.Serial.Port != "/dev/ttyACM3" {
		t.Errorf("Serial.Port = %q, want %q", cfg.Serial.Port, "/dev/ttyACM3")
	}
	if cfg.Serial.BaudRate != 115200 {
		t.Errorf("Serial.BaudRate = %d, want 115200", cfg.Serial.BaudRate)
	}
	if cfg.Serial.ReadTimeout != 250*time.Millisecond {
		t.Errorf("Serial.ReadTimeout = %v, want 250ms", cfg.Serial.ReadTimeout)
	}
	if !cfg.Serial.AssertRTS {
		t.Error("Serial.AssertRTS lost its default")
	}
	if cfg.Dongle.CommandTimeout != 2*time.Second || !cfg.Dongle.AbortOnMismatch {
		t.Errorf("Dongle = %+v, want command_timeout 2s and abort_on_mismatch", cfg.Dongle)
	}
	if cfg.Dongle.ConnectTimeout != 10*time.Second {
		t.Errorf("Dongle.ConnectTimeout = %v, want default 10s", cfg.Dongle.ConnectTimeout)
	}
	if cfg.Bootloader.ChunkSize != 64 || cfg.Bootloader.ProgramTimeout != 30*time.Second {
		t.Errorf("Bootloader = %+v", cfg.Bootloader)
	}
	if cfg.Privacy.Passphrase != "hunter2" {
		t.Errorf("Privacy.Passphrase = %q, want %q", cfg.Privacy.Passphrase, "hunter2")
	}
	if cfg.Bridge.NATSURL != "nats://localhost:4222" || cfg.Bridge.RedisAddr != "localhost:6379" {
		t.Errorf("Bridge = %+v", cfg.Bridge)
	}
	if cfg.Bridge.CacheTTL != time.Hour {
		t.Errorf("Bridge.CacheTTL = %v, want 1h", cfg.Bridge.CacheTTL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
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
bootloader:
  cache_dir: ~/firmware
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

	expected := filepath.Join(home, "firmware")
	if cfg.Bootloader.CacheDir != expected {
		t.Errorf("Bootloader.CacheDir = %q, want %q", cfg.Bootloader.CacheDir, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Serial.BaudRate != Default().Serial.BaudRate {
		t.Error("LoadOrDefault() did not return the defaults")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("serial: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := LoadOrDefault(cfgPath); err == nil {
		t.Error("LoadOrDefault() should return the parse error")
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
			name:    "zero baud rate",
			modify:  func(c *Config) { c.Serial.BaudRate = 0 },
			wantErr: true,
		},
		{
			name:    "zero command timeout",
			modify:  func(c *Config) { c.Dongle.CommandTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative poll interval",
			modify:  func(c *Config) { c.Dongle.PollInterval = -time.Second },
			wantErr: true,
		},
		{
			name:    "max frame too small",
			modify:  func(c *Config) { c.Dongle.MaxFrame = 32 },
			wantErr: true,
		},
		{
			name:    "max frame too large",
			modify:  func(c *Config) { c.Dongle.MaxFrame = 70000 },
			wantErr: true,
		},
		{
			name:    "zero chunk size",
			modify:  func(c *Config) { c.Bootloader.ChunkSize = 0 },
			wantErr: true,
		},
		{
			name: "chunk size beyond frame",
			modify: func(c *Config) {
				c.Dongle.MaxFrame = 128
				c.Bootloader.ChunkSize = 122
			},
			wantErr: true,
		},
		{
			name: "chunk size at frame limit",
			modify: func(c *Config) {
				c.Dongle.MaxFrame = 128
				c.Bootloader.ChunkSize = 121
			},
			wantErr: false,
		},
		{
			name:    "bad service uuid",
			modify:  func(c *Config) { c.Bootloader.ServiceUUID = "not-a-uuid" },
			wantErr: true,
		},
		{
			name:    "hex secret",
			modify:  func(c *Config) { c.Privacy.Secret = "00112233445566778899aabbccddeeff" },
			wantErr: false,
		},
		{
			name:    "non-hex secret",
			modify:  func(c *Config) { c.Privacy.Secret = "xyz" },
			wantErr: true,
		},
		{
			name: "secret and passphrase",
			modify: func(c *Config) {
				c.Privacy.Secret = "00"
				c.Privacy.Passphrase = "hunter2"
			},
			wantErr: true,
		},
		{
			name: "nats without subject",
			modify: func(c *Config) {
				c.Bridge.NATSURL = "nats://localhost:4222"
				c.Bridge.Subject = ""
			},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
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

func TestServiceUUID(t *testing.T) {
	u, err := Default().ServiceUUID()
	if err != nil {
		t.Fatalf("ServiceUUID() error = %v", err)
	}
	if got := strings.ToUpper(u.String()); got != "00060000-F8CE-11E4-ABF4-0002A5D5C51B" {
		t.Errorf("ServiceUUID() = %s", got)
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

	expectedPath := filepath.Join(tmpHome, ".config", "cyble", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# cyble") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Serial.BaudRate != 921600 {
		t.Errorf("written config Serial.BaudRate = %d, want 921600", cfg.Serial.BaudRate)
	}
	if cfg.Dongle.PollInterval != 100*time.Millisecond {
		t.Errorf("written config Dongle.PollInterval = %v, want 100ms", cfg.Dongle.PollInterval)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "cyble")
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
