package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the root configuration, read from a JSON file.
type Config struct {
	Hub   Hub   `json:"hub"`
	Call  Call  `json:"call"`
	Paths Paths `json:"paths"`
	Log   Log   `json:"log"`
}

type Hub struct {
	// Bind address for the signaling hub, e.g. "127.0.0.1:9090".
	Bind string `json:"bind"`

	// ExternalURL is what clients are told to connect to. Required when
	// the hub sits behind a reverse proxy; empty means derive from Bind.
	ExternalURL string `json:"external_url"`

	// MaxConnsPerUser caps simultaneous connections per user id.
	MaxConnsPerUser int `json:"max_conns_per_user"`
}

type Call struct {
	// STUNServers used for ICE gathering.
	STUNServers []string `json:"stun_servers"`

	// RingTimeoutSec ends an unanswered ringing call after this many
	// seconds. 0 disables the timeout — ringing is human-paced and ends
	// only on explicit action from either side.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// DisconnectedTimeoutSec is the ICE disconnected timeout. Generous by
	// default so a brief NAT hiccup does not terminate the call.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
}

type Paths struct {
	// DataDir holds the sqlite conversation store.
	DataDir string `json:"data_dir"`
}

type Log struct {
	// Level applies to all subsystem loggers: debug|info|warn|error.
	Level string `json:"level"`
}

// Default returns a config with usable local defaults.
func Default() *Config {
	return &Config{
		Hub: Hub{
			Bind:            "127.0.0.1:9090",
			MaxConnsPerUser: 5,
		},
		Call: Call{
			STUNServers:            []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeoutSec: 30,
		},
		Paths: Paths{DataDir: "data"},
		Log:   Log{Level: "info"},
	}
}

// Load reads path, fills in defaults for missing fields and validates.
// A missing file is not an error — defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and fills derived defaults.
func (c *Config) Validate() error {
	if c.Hub.Bind == "" {
		return fmt.Errorf("hub.bind must not be empty")
	}
	if c.Hub.MaxConnsPerUser <= 0 {
		c.Hub.MaxConnsPerUser = 5
	}
	if c.Call.RingTimeoutSec < 0 {
		return fmt.Errorf("call.ring_timeout_seconds must be >= 0")
	}
	if c.Call.DisconnectedTimeoutSec <= 0 {
		c.Call.DisconnectedTimeoutSec = 30
	}
	if len(c.Call.STUNServers) == 0 {
		c.Call.STUNServers = Default().Call.STUNServers
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q not one of debug|info|warn|error", c.Log.Level)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}

// Save writes the config back as indented JSON, creating parent dirs.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
