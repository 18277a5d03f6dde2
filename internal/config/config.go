package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	APIURL            string
	ChannelURL        string
	Token             string
	Role              string
	UserID            int64
	StoreDSN          string
	ProbeURL          string
	ProbeInterval     time.Duration
	MarkerFile        string
	ReconnectDelay    time.Duration
	ReconnectAttempts int
}

const (
	defaultConfigPath        = "~/.config/clinicsync/config.toml"
	defaultAPIURL            = "http://localhost:8000"
	defaultChannelURL        = "ws://localhost:8000"
	defaultRole              = "patient"
	defaultStoreDSN          = "~/.local/share/clinicsync/state.json"
	defaultProbeInterval     = 5 * time.Second
	defaultReconnectDelay    = time.Second
	defaultReconnectAttempts = 5
)

func Default() Config {
	return Config{
		APIURL:            defaultAPIURL,
		ChannelURL:        defaultChannelURL,
		Role:              defaultRole,
		StoreDSN:          mustExpand(defaultStoreDSN),
		ProbeInterval:     defaultProbeInterval,
		ReconnectDelay:    defaultReconnectDelay,
		ReconnectAttempts: defaultReconnectAttempts,
	}
}

// Load reads the config at path, or the default location when path is
// empty. A missing file yields Default().
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw struct {
		APIURL     string `toml:"api_url"`
		ChannelURL string `toml:"channel_url"`
		Token      string `toml:"token"`
		Role       string `toml:"role"`
		UserID     int64  `toml:"user_id"`
		StoreDSN   string `toml:"store_dsn"`
		Probe      struct {
			URL      string `toml:"url"`
			Interval string `toml:"interval"`
		} `toml:"probe"`
		MarkerFile string `toml:"marker_file"`
		Reconnect  struct {
			Delay       string `toml:"delay"`
			MaxAttempts int    `toml:"max_attempts"`
		} `toml:"reconnect"`
	}
	if err := toml.Unmarshal(bytes, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.APIURL = orDefault(raw.APIURL, defaultAPIURL)
	cfg.ChannelURL = orDefault(raw.ChannelURL, defaultChannelURL)
	cfg.Token = strings.TrimSpace(raw.Token)
	cfg.Role = orDefault(raw.Role, defaultRole)
	if raw.UserID < 0 {
		return Config{}, fmt.Errorf("user_id must be non-negative, got %d", raw.UserID)
	}
	cfg.UserID = raw.UserID
	if dsn := strings.TrimSpace(raw.StoreDSN); dsn != "" {
		cfg.StoreDSN = expandDSN(dsn)
	}
	cfg.ProbeURL = strings.TrimSpace(raw.Probe.URL)
	if cfg.ProbeInterval, err = parseDuration("probe.interval", raw.Probe.Interval, defaultProbeInterval); err != nil {
		return Config{}, err
	}
	if marker := strings.TrimSpace(raw.MarkerFile); marker != "" {
		cfg.MarkerFile = mustExpand(marker)
	}
	if cfg.ReconnectDelay, err = parseDuration("reconnect.delay", raw.Reconnect.Delay, defaultReconnectDelay); err != nil {
		return Config{}, err
	}
	if raw.Reconnect.MaxAttempts > 0 {
		cfg.ReconnectAttempts = raw.Reconnect.MaxAttempts
	}

	return cfg, nil
}

func orDefault(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

func parseDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, raw)
	}
	return d, nil
}

// expandDSN expands a leading ~ in scheme-less file DSNs only.
func expandDSN(dsn string) string {
	if strings.HasPrefix(dsn, "~") {
		return mustExpand(dsn)
	}
	return dsn
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
