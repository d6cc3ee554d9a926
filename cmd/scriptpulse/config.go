package main

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the scriptpulse daemon.
//
// This is intentionally user-facing and stable-ish. Keep defaults and validation
// centralized so the rest of the code can assume a well-formed config.
//
// Design goals:
// - Make config file the primary configuration surface.
// - Allow SCRIPTPULSE_* environment overrides for container/systemd setups.
// - Keep flags for small overrides and for environments where a file is awkward.
type Config struct {
	// Device websocket endpoint configuration
	Device DeviceConfig `yaml:"device"`

	// HTTP API + websocket server configuration
	API APIConfig `yaml:"api"`

	// Pipeline defaults (all adjustable at runtime via the settings API)
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Script library configuration
	Library LibraryConfig `yaml:"library"`

	// Script statistics store configuration
	Stats StatsConfig `yaml:"stats"`

	// IPC configuration (used by the player hook integration)
	IPC IPCConfig `yaml:"ipc"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type DeviceConfig struct {
	WsURL string `yaml:"ws_url" env:"SCRIPTPULSE_DEVICE_WS_URL"`

	// LegacyScalar switches the wire format from {"o","v"} JSON to a bare
	// oscillate value for older receivers.
	LegacyScalar bool `yaml:"legacy_scalar" env:"SCRIPTPULSE_DEVICE_LEGACY_SCALAR"`
}

type APIConfig struct {
	Listen string `yaml:"listen" env:"SCRIPTPULSE_API_LISTEN"`
}

type PipelineConfig struct {
	Mode        string `yaml:"mode" env:"SCRIPTPULSE_MODE"`         // "rate", "pulse" or "external"
	Strategy    string `yaml:"strategy" env:"SCRIPTPULSE_STRATEGY"` // "slope" or "windowed"
	Loop        bool   `yaml:"loop" env:"SCRIPTPULSE_LOOP"`
	UpdateHz    int    `yaml:"update_hz" env:"SCRIPTPULSE_UPDATE_HZ"`
	AbsoluteMax int    `yaml:"absolute_max" env:"SCRIPTPULSE_ABSOLUTE_MAX"`
}

type LibraryConfig struct {
	// ScriptDir is where named scripts are read from. Empty disables the
	// library; loads then require a path or URL.
	ScriptDir string `yaml:"script_dir" env:"SCRIPTPULSE_SCRIPT_DIR"`
}

type StatsConfig struct {
	// DBPath is the sqlite database file. Empty disables stats recording.
	DBPath string `yaml:"db_path" env:"SCRIPTPULSE_STATS_DB"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path" env:"SCRIPTPULSE_SOCKET"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"SCRIPTPULSE_LOG_LEVEL"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go defaults and current CLI defaults.
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			WsURL:        "ws://127.0.0.1:12345/buttplug",
			LegacyScalar: false,
		},
		API: APIConfig{
			Listen: ":5441",
		},
		Pipeline: PipelineConfig{
			Mode:        string(ModeRate),
			Strategy:    strategySlope,
			Loop:        false,
			UpdateHz:    defaultUpdateHz,
			AbsoluteMax: defaultAbsoluteMax,
		},
		Library: LibraryConfig{
			ScriptDir: "",
		},
		Stats: StatsConfig{
			DBPath: "",
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/scriptpulse.sock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file.
//
// Notes:
//   - The file must be valid YAML.
//   - Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed after the document).
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// ApplyEnvOverrides applies SCRIPTPULSE_* environment variables on top of cfg.
// Precedence is file < environment < flags.
func ApplyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// FlagOverrides applies overrides from flags on top of a loaded config.
//
// Flags should pass pointers; each override is only applied if the flag was set.
//
// NOTE: This file only defines the mechanism; main.go decides what flags exist.
type FlagOverrides struct {
	DeviceWsURL  *string
	LegacyScalar *bool

	APIListen *string

	Mode        *string
	Strategy    *string
	Loop        *bool
	UpdateHz    *int
	AbsoluteMax *int

	ScriptDir *string
	StatsDB   *string

	IPCSocketPath *string

	LogLevel *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is ignored.
// If the pointer is non-nil, the value is applied (even if it is a zero value).
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}

	if o.DeviceWsURL != nil {
		cfg.Device.WsURL = *o.DeviceWsURL
	}
	if o.LegacyScalar != nil {
		cfg.Device.LegacyScalar = *o.LegacyScalar
	}

	if o.APIListen != nil {
		cfg.API.Listen = *o.APIListen
	}

	if o.Mode != nil {
		cfg.Pipeline.Mode = *o.Mode
	}
	if o.Strategy != nil {
		cfg.Pipeline.Strategy = *o.Strategy
	}
	if o.Loop != nil {
		cfg.Pipeline.Loop = *o.Loop
	}
	if o.UpdateHz != nil {
		cfg.Pipeline.UpdateHz = *o.UpdateHz
	}
	if o.AbsoluteMax != nil {
		cfg.Pipeline.AbsoluteMax = *o.AbsoluteMax
	}

	if o.ScriptDir != nil {
		cfg.Library.ScriptDir = *o.ScriptDir
	}
	if o.StatsDB != nil {
		cfg.Stats.DBPath = *o.StatsDB
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + env + overrides are applied.
func (c *Config) Validate() error {
	// Device
	if c.Device.WsURL == "" {
		return errors.New("device.ws_url must not be empty")
	}
	u, err := url.Parse(c.Device.WsURL)
	if err != nil {
		return fmt.Errorf("device.ws_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("device.ws_url must use ws:// or wss:// (got %q)", u.Scheme)
	}

	// API
	if c.API.Listen == "" {
		return errors.New("api.listen must not be empty")
	}

	// Pipeline
	if _, err := parseDriveMode(c.Pipeline.Mode); err != nil {
		return fmt.Errorf("pipeline.mode: %w", err)
	}
	if _, err := deriverForStrategy(c.Pipeline.Strategy); err != nil {
		return fmt.Errorf("pipeline.strategy: %w", err)
	}
	if c.Pipeline.UpdateHz <= 0 || c.Pipeline.UpdateHz > 1000 {
		return errors.New("pipeline.update_hz must be between 1 and 1000")
	}
	if c.Pipeline.AbsoluteMax < 0 || c.Pipeline.AbsoluteMax > 100 {
		return errors.New("pipeline.absolute_max must be between 0 and 100")
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// Logging
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}

	return nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
// This is handy for config values like stats.db_path.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
