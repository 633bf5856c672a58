package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for duckd.
//
// Every field has a compiled-in default (DefaultConfig); the file is optional
// and only needs the keys being changed.
type Config struct {
	Trigger   PlayerConfig      `yaml:"trigger"`
	Target    PlayerConfig      `yaml:"target"`
	Volume    VolumeConfig      `yaml:"volume"`
	Monitor   MonitorFileConfig `yaml:"monitor"`
	MPRIS     MPRISConfig       `yaml:"mpris"`
	IPC       IPCConfig         `yaml:"ipc"`
	WebSocket WebSocketConfig   `yaml:"websocket"`
	Logging   LoggingConfig     `yaml:"logging"`
}

type PlayerConfig struct {
	// Identity is the MPRIS Identity property, e.g. "Spotify".
	Identity string `yaml:"identity"`
}

type VolumeConfig struct {
	LowerPercent  int `yaml:"lower_percent"`
	NormalPercent int `yaml:"normal_percent"`
	TransitionMS  int `yaml:"transition_ms"`
}

// MonitorFileConfig is the polling configuration as represented in YAML.
type MonitorFileConfig struct {
	PollIntervalMS     int `yaml:"poll_interval_ms"`
	TargetAbsentPollMS int `yaml:"target_absent_poll_ms"`
}

type MPRISConfig struct {
	// BusAddress overrides session bus discovery when non-empty.
	BusAddress    string `yaml:"bus_address,omitempty"`
	CallTimeoutMS int    `yaml:"call_timeout_ms"`
}

type IPCConfig struct {
	// SocketPath of the status socket; empty disables it.
	SocketPath string `yaml:"socket_path"`
}

type WebSocketConfig struct {
	// ListenAddr of the state stream (e.g. "127.0.0.1:3011"); empty disables it.
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Trigger: PlayerConfig{Identity: defaultTriggerIdentity},
		Target:  PlayerConfig{Identity: defaultTargetIdentity},
		Volume: VolumeConfig{
			LowerPercent:  defaultLowerVolume,
			NormalPercent: defaultNormalVolume,
			TransitionMS:  defaultTransitionMS,
		},
		Monitor: MonitorFileConfig{
			PollIntervalMS:     defaultPollIntervalMS,
			TargetAbsentPollMS: defaultTargetAbsentPollMS,
		},
		MPRIS: MPRISConfig{
			CallTimeoutMS: defaultCallTimeoutMS,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocketPath,
		},
		WebSocket: WebSocketConfig{
			Path: defaultStateWSPath,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected (helps catch typos).
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

	// Only whitespace/comments are allowed after the document.
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds values from explicitly set flags.
// A nil pointer means the flag was not given.
type FlagOverrides struct {
	Trigger *string
	Target  *string

	LowerPercent  *int
	NormalPercent *int
	TransitionMS  *int

	PollIntervalMS *int

	BusAddress *string

	IPCSocketPath *string
	WSListenAddr  *string

	LogLevel *string
}

// Apply merges the overrides into cfg. If the pointer is non-nil, the value
// is applied (even if it is a zero value).
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Trigger != nil {
		cfg.Trigger.Identity = *o.Trigger
	}
	if o.Target != nil {
		cfg.Target.Identity = *o.Target
	}
	if o.LowerPercent != nil {
		cfg.Volume.LowerPercent = *o.LowerPercent
	}
	if o.NormalPercent != nil {
		cfg.Volume.NormalPercent = *o.NormalPercent
	}
	if o.TransitionMS != nil {
		cfg.Volume.TransitionMS = *o.TransitionMS
	}
	if o.PollIntervalMS != nil {
		cfg.Monitor.PollIntervalMS = *o.PollIntervalMS
	}
	if o.BusAddress != nil {
		cfg.MPRIS.BusAddress = *o.BusAddress
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.WSListenAddr != nil {
		cfg.WebSocket.ListenAddr = *o.WSListenAddr
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	if c.Trigger.Identity == "" {
		return errors.New("trigger.identity must not be empty")
	}
	if c.Target.Identity == "" {
		return errors.New("target.identity must not be empty")
	}

	if c.Volume.LowerPercent < 0 || c.Volume.LowerPercent > 100 {
		return errors.New("volume.lower_percent must be between 0 and 100")
	}
	if c.Volume.NormalPercent < 0 || c.Volume.NormalPercent > 100 {
		return errors.New("volume.normal_percent must be between 0 and 100")
	}
	if c.Volume.TransitionMS < 0 {
		return errors.New("volume.transition_ms must be >= 0")
	}

	if c.Monitor.PollIntervalMS <= 0 {
		return errors.New("monitor.poll_interval_ms must be > 0")
	}
	if c.Monitor.TargetAbsentPollMS <= 0 {
		return errors.New("monitor.target_absent_poll_ms must be > 0")
	}

	if c.MPRIS.CallTimeoutMS <= 0 {
		return errors.New("mpris.call_timeout_ms must be > 0")
	}

	if c.WebSocket.ListenAddr != "" && (c.WebSocket.Path == "" || c.WebSocket.Path[0] != '/') {
		return errors.New("websocket.path must start with '/'")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ToMonitorConfig converts file config into the monitor's parameters.
func (c *Config) ToMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Trigger:          c.Trigger.Identity,
		Target:           c.Target.Identity,
		LowerVolume:      VolumeLevel(c.Volume.LowerPercent),
		NormalVolume:     VolumeLevel(c.Volume.NormalPercent),
		PollInterval:     time.Duration(c.Monitor.PollIntervalMS) * time.Millisecond,
		TargetAbsentPoll: time.Duration(c.Monitor.TargetAbsentPollMS) * time.Millisecond,
	}
}

// TransitionDuration is the total duration of one fade.
func (c *Config) TransitionDuration() time.Duration {
	return time.Duration(c.Volume.TransitionMS) * time.Millisecond
}

// CallTimeout is the per D-Bus call timeout.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.MPRIS.CallTimeoutMS) * time.Millisecond
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
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
