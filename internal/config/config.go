// Package config loads the helper's configuration from a TOML file with
// environment overrides and built-in defaults.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jason-merrell/grok-auto-retry-sub002/internal/detect"
	"github.com/jason-merrell/grok-auto-retry-sub002/internal/retry"
)

// Config represents the main configuration.
type Config struct {
	DataDir string       `toml:"data_dir"`
	Bridge  BridgeConfig `toml:"bridge"`
	Retry   RetryConfig  `toml:"retry"`
	Detect  DetectConfig `toml:"detect"`
}

// BridgeConfig holds the local bridge server settings.
type BridgeConfig struct {
	Listen        string `toml:"listen"`         // bind address for the userscript connection
	AllowedOrigin string `toml:"allowed_origin"` // browser origin allowed to connect, "*" for any
	AutoStart     bool   `toml:"auto_start"`     // start a session on the first moderation signal
}

// RetryConfig holds the retry session knobs.
type RetryConfig struct {
	MaxRetries               int `toml:"max_retries"`
	RetryCooldownMs          int `toml:"retry_cooldown_ms"`
	RateLimitWaitMs          int `toml:"rate_limit_wait_ms"`
	RapidFailureThresholdSec int `toml:"rapid_failure_threshold_sec"`
}

// DetectConfig holds the signal detector knobs. Marker lists replace the
// defaults entirely when set, so stale site copy can be retired.
type DetectConfig struct {
	DebounceMs        int      `toml:"debounce_ms"`
	ModerationMarkers []string `toml:"moderation_markers"`
	RateLimitMarkers  []string `toml:"rate_limit_markers"`
}

// DefaultListen is the default bridge bind address.
const DefaultListen = "127.0.0.1:8391"

// DefaultPath returns the default config file path.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "grokretry", "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "grokretry", "config.toml")
}

// DefaultDataDir returns the default data directory.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "grokretry")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "grokretry")
}

// Default returns the default configuration.
func Default() *Config {
	markers := detect.DefaultMarkers()
	return &Config{
		DataDir: DefaultDataDir(),
		Bridge: BridgeConfig{
			Listen:        DefaultListen,
			AllowedOrigin: "https://grok.com",
			AutoStart:     true,
		},
		Retry: RetryConfig{
			MaxRetries:               retry.DefaultMaxRetries,
			RetryCooldownMs:          int(retry.DefaultRetryCooldown / time.Millisecond),
			RateLimitWaitMs:          int(retry.DefaultRateLimitWait / time.Millisecond),
			RapidFailureThresholdSec: int(retry.DefaultRapidFailureThreshold / time.Second),
		},
		Detect: DetectConfig{
			DebounceMs:        int(detect.DefaultDebounce / time.Millisecond),
			ModerationMarkers: markers.Moderation,
			RateLimitMarkers:  markers.RateLimit,
		},
	}
}

// Load loads configuration from a file, applying defaults for missing values
// and environment variable overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.Bridge.Listen == "" {
		cfg.Bridge.Listen = def.Bridge.Listen
	}
	if cfg.Bridge.AllowedOrigin == "" {
		cfg.Bridge.AllowedOrigin = def.Bridge.AllowedOrigin
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = def.Retry.MaxRetries
	}
	if cfg.Retry.RetryCooldownMs <= 0 {
		cfg.Retry.RetryCooldownMs = def.Retry.RetryCooldownMs
	}
	if cfg.Retry.RateLimitWaitMs <= 0 {
		cfg.Retry.RateLimitWaitMs = def.Retry.RateLimitWaitMs
	}
	if cfg.Retry.RapidFailureThresholdSec <= 0 {
		cfg.Retry.RapidFailureThresholdSec = def.Retry.RapidFailureThresholdSec
	}
	if cfg.Detect.DebounceMs <= 0 {
		cfg.Detect.DebounceMs = def.Detect.DebounceMs
	}
	if len(cfg.Detect.ModerationMarkers) == 0 {
		cfg.Detect.ModerationMarkers = def.Detect.ModerationMarkers
	}
	if len(cfg.Detect.RateLimitMarkers) == 0 {
		cfg.Detect.RateLimitMarkers = def.Detect.RateLimitMarkers
	}
	if strings.HasPrefix(cfg.DataDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, cfg.DataDir[2:])
		}
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GROKRETRY_LISTEN"); v != "" {
		cfg.Bridge.Listen = v
	}
	if v := os.Getenv("GROKRETRY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("GROKRETRY_ALLOWED_ORIGIN"); v != "" {
		cfg.Bridge.AllowedOrigin = v
	}
}

// Settings converts the retry section to a settings snapshot for the session
// state machine.
func (c *Config) Settings() retry.Settings {
	return retry.Settings{
		MaxRetries:            c.Retry.MaxRetries,
		RetryCooldown:         time.Duration(c.Retry.RetryCooldownMs) * time.Millisecond,
		RateLimitWait:         time.Duration(c.Retry.RateLimitWaitMs) * time.Millisecond,
		RapidFailureThreshold: time.Duration(c.Retry.RapidFailureThresholdSec) * time.Second,
	}
}

// DetectorConfig converts the detect section to a detector configuration.
// The rate-limit hold mirrors the session's rate-limit wait so the detector
// cannot re-fire while the wait is pending.
func (c *Config) DetectorConfig() detect.Config {
	return detect.Config{
		Markers: detect.MarkerSet{
			Moderation: c.Detect.ModerationMarkers,
			RateLimit:  c.Detect.RateLimitMarkers,
		},
		Debounce:      time.Duration(c.Detect.DebounceMs) * time.Millisecond,
		RateLimitHold: time.Duration(c.Retry.RateLimitWaitMs) * time.Millisecond,
	}
}

// CreateDefault creates a default config file.
func CreateDefault() (string, error) {
	path := DefaultPath()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config file already exists: %s", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := Print(Default(), f); err != nil {
		return "", err
	}

	return path, nil
}

// Print writes config to a writer in TOML format.
func Print(cfg *Config, w io.Writer) error {
	fmt.Fprintln(w, "# grokretry configuration")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "# Directory for the settings/history database")
	fmt.Fprintf(w, "data_dir = %q\n", cfg.DataDir)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[bridge]")
	fmt.Fprintln(w, "# Local endpoint the browser userscript connects to")
	fmt.Fprintf(w, "listen = %q\n", cfg.Bridge.Listen)
	fmt.Fprintf(w, "allowed_origin = %q\n", cfg.Bridge.AllowedOrigin)
	fmt.Fprintf(w, "auto_start = %t\n", cfg.Bridge.AutoStart)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[retry]")
	fmt.Fprintf(w, "max_retries = %d\n", cfg.Retry.MaxRetries)
	fmt.Fprintf(w, "retry_cooldown_ms = %d\n", cfg.Retry.RetryCooldownMs)
	fmt.Fprintf(w, "rate_limit_wait_ms = %d\n", cfg.Retry.RateLimitWaitMs)
	fmt.Fprintf(w, "rapid_failure_threshold_sec = %d\n", cfg.Retry.RapidFailureThresholdSec)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[detect]")
	fmt.Fprintln(w, "# Marker strings matched (case-insensitive) against page text;")
	fmt.Fprintln(w, "# setting a list replaces the built-in defaults")
	fmt.Fprintf(w, "debounce_ms = %d\n", cfg.Detect.DebounceMs)
	fmt.Fprintf(w, "moderation_markers = %s\n", tomlStringList(cfg.Detect.ModerationMarkers))
	fmt.Fprintf(w, "rate_limit_markers = %s\n", tomlStringList(cfg.Detect.RateLimitMarkers))

	return nil
}

func tomlStringList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
