package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"tinygo.org/x/bluetooth"
)

// Config holds all application configuration.
type Config struct {
	Serial     SerialConfig     `yaml:"serial"`
	Dongle     DongleConfig     `yaml:"dongle"`
	Bootloader BootloaderConfig `yaml:"bootloader"`
	Privacy    PrivacyConfig    `yaml:"privacy"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	LogLevel   string           `yaml:"log_level"`
}

// SerialConfig holds the serial link settings.
type SerialConfig struct {
	Port        string        `yaml:"port"` // empty = auto-detect
	BaudRate    int           `yaml:"baud_rate"`
	AssertRTS   bool          `yaml:"assert_rts"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// DongleConfig holds command engine timings.
type DongleConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	LongReadTimeout  time.Duration `yaml:"long_read_timeout"`
	AbortOnMismatch  bool          `yaml:"abort_on_mismatch"`
	MaxFrame         int           `yaml:"max_frame"`
}

// BootloaderConfig holds firmware update settings.
type BootloaderConfig struct {
	ServiceUUID    string        `yaml:"service_uuid"`
	ChunkSize      int           `yaml:"chunk_size"`
	Timeout        time.Duration `yaml:"timeout"`
	ProgramTimeout time.Duration `yaml:"program_timeout"`
	CacheDir       string        `yaml:"cache_dir"` // downloaded images
}

// PrivacyConfig holds the shared secret for payload encryption and
// passkeys. Set at most one of the two.
type PrivacyConfig struct {
	Secret     string `yaml:"secret"` // hex
	Passphrase string `yaml:"passphrase"`
}

// BridgeConfig holds the optional NATS and Redis endpoints.
type BridgeConfig struct {
	NATSURL   string        `yaml:"nats_url"` // empty disables publication
	Subject   string        `yaml:"subject"`
	RedisAddr string        `yaml:"redis_addr"` // empty disables the cache
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "cyble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with the CY5677 defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Serial: SerialConfig{
			BaudRate:    921600,
			AssertRTS:   true,
			ReadTimeout: 100 * time.Millisecond,
		},
		Dongle: DongleConfig{
			PollInterval:     100 * time.Millisecond,
			CommandTimeout:   5 * time.Second,
			ConnectTimeout:   10 * time.Second,
			DiscoveryTimeout: 10 * time.Second,
			LongReadTimeout:  10 * time.Second,
			MaxFrame:         2048,
		},
		Bootloader: BootloaderConfig{
			ServiceUUID:    "00060000-F8CE-11E4-ABF4-0002A5D5C51B",
			ChunkSize:      137,
			Timeout:        10 * time.Second,
			ProgramTimeout: 20 * time.Second,
			CacheDir:       filepath.Join(home, ".cache", "cyble", "firmware"),
		},
		Bridge: BridgeConfig{
			Subject:  "cyble",
			CacheTTL: 24 * time.Hour,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.Bootloader.CacheDir = expandTilde(cfg.Bootloader.CacheDir)

	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("config: encoding defaults: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	content := append([]byte("# cyble configuration\n"), data...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("config: serial.baud_rate must be > 0")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"serial.read_timeout", c.Serial.ReadTimeout},
		{"dongle.poll_interval", c.Dongle.PollInterval},
		{"dongle.command_timeout", c.Dongle.CommandTimeout},
		{"dongle.connect_timeout", c.Dongle.ConnectTimeout},
		{"dongle.discovery_timeout", c.Dongle.DiscoveryTimeout},
		{"dongle.long_read_timeout", c.Dongle.LongReadTimeout},
		{"bootloader.timeout", c.Bootloader.Timeout},
		{"bootloader.program_timeout", c.Bootloader.ProgramTimeout},
		{"bridge.cache_ttl", c.Bridge.CacheTTL},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("config: %s must be > 0, got %v", d.name, d.d)
		}
	}

	if c.Dongle.MaxFrame < 64 || c.Dongle.MaxFrame > 65535 {
		return fmt.Errorf("config: dongle.max_frame must be in 64..65535, got %d", c.Dongle.MaxFrame)
	}
	if limit := c.Dongle.MaxFrame - 7; c.Bootloader.ChunkSize < 1 || c.Bootloader.ChunkSize > limit {
		return fmt.Errorf("config: bootloader.chunk_size must be in 1..%d, got %d", limit, c.Bootloader.ChunkSize)
	}
	if _, err := c.ServiceUUID(); err != nil {
		return err
	}

	if c.Privacy.Secret != "" && c.Privacy.Passphrase != "" {
		return fmt.Errorf("config: privacy.secret and privacy.passphrase are mutually exclusive")
	}
	if _, err := hex.DecodeString(c.Privacy.Secret); err != nil {
		return fmt.Errorf("config: privacy.secret must be hex: %w", err)
	}

	if c.Bridge.NATSURL != "" && c.Bridge.Subject == "" {
		return fmt.Errorf("config: bridge.subject must not be empty when nats_url is set")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ServiceUUID parses bootloader.service_uuid.
func (c *Config) ServiceUUID() (bluetooth.UUID, error) {
	u, err := bluetooth.ParseUUID(c.Bootloader.ServiceUUID)
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("config: bootloader.service_uuid %q: %w", c.Bootloader.ServiceUUID, err)
	}
	return u, nil
}

// ParseLogLevel maps a log_level name to a slog level. Unknown names
// map to info.
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
