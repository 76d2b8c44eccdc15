// Package config handles hostswitch configuration loading, saving, and validation.
package config

import (
	"path/filepath"
	"time"
)

// Backend selects where the rule store lives.
type Backend string

const (
	BackendFile  Backend = "file"
	BackendRedis Backend = "redis"
)

// Config represents the main configuration structure.
type Config struct {
	Version   int       `yaml:"version"`
	Control   Control   `yaml:"control"`
	Store     Store     `yaml:"store"`
	Messenger Messenger `yaml:"messenger"`
	Applier   Applier   `yaml:"applier"`
	Probe     Probe     `yaml:"probe"`
	Import    Import    `yaml:"import"`
	Log       Log       `yaml:"log"`
}

// Control configures the supervisor's local HTTP endpoint.
type Control struct {
	Listen          string `yaml:"listen"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
	ApplyTimeout    int    `yaml:"apply_timeout"`    // seconds
}

// Store configuration.
type Store struct {
	Backend Backend    `yaml:"backend"`
	Path    string     `yaml:"path,omitempty"` // file backend, empty = next to config
	Redis   RedisStore `yaml:"redis,omitempty"`
	// PollInterval is how often the supervisor checks for writes made
	// without a message, seconds. 0 disables polling.
	PollInterval int `yaml:"poll_interval"`
	MaxRetries   int `yaml:"max_retries"`
}

// RedisStore configures the Redis backend.
type RedisStore struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// Messenger configures UI to supervisor requests.
type Messenger struct {
	MaxAttempts         int    `yaml:"max_attempts"`
	ProxyToggleAttempts int    `yaml:"proxy_toggle_attempts"`
	Delay               int    `yaml:"delay_ms"`
	Backoff             string `yaml:"backoff"` // fixed | linear
	AttemptTimeout      int    `yaml:"attempt_timeout_ms"`
}

// Applier configures the host proxy surface.
type Applier struct {
	Enabled   bool   `yaml:"enabled"`
	CachePath string `yaml:"cache_path,omitempty"` // empty = proxy.pac next to config
}

// Probe configures the forwarding proxy check.
type Probe struct {
	Enabled bool   `yaml:"enabled"`
	Timeout int    `yaml:"timeout"` // seconds
	Target  string `yaml:"target,omitempty"`
}

// Import holds defaults for SSH imports.
type Import struct {
	KeyPath    string `yaml:"key_path,omitempty"`
	KnownHosts string `yaml:"known_hosts,omitempty"`
	Insecure   bool   `yaml:"insecure"`
	Timeout    int    `yaml:"timeout"` // seconds
}

// Log configuration.
type Log struct {
	Dir   string `yaml:"dir,omitempty"`
	Debug bool   `yaml:"debug"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Control: Control{
			Listen:          "127.0.0.1:7878",
			ShutdownTimeout: 5,
			ApplyTimeout:    10,
		},
		Store: Store{
			Backend:      BackendFile,
			PollInterval: 5,
			MaxRetries:   5,
			Redis: RedisStore{
				Addr: "127.0.0.1:6379",
				Key:  "hostswitch:rules",
			},
		},
		Messenger: Messenger{
			MaxAttempts:         3,
			ProxyToggleAttempts: 5,
			Delay:               300,
			Backoff:             "linear",
			AttemptTimeout:      2000,
		},
		Applier: Applier{
			Enabled: true,
		},
		Probe: Probe{
			Enabled: true,
			Timeout: 5,
		},
		Import: Import{
			Timeout: 15,
		},
	}
}

// StorePath resolves the file backend path relative to the config file.
func (c *Config) StorePath(configPath string) string {
	return resolve(configPath, c.Store.Path, "hosts.yaml")
}

// CachePath resolves the PAC cache path relative to the config file.
func (c *Config) CachePath(configPath string) string {
	return resolve(configPath, c.Applier.CachePath, "proxy.pac")
}

func resolve(configPath, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(filepath.Dir(configPath), value)
}

func seconds(n int) time.Duration      { return time.Duration(n) * time.Second }
func milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ShutdownTimeoutDuration as a duration.
func (c Control) ShutdownTimeoutDuration() time.Duration { return seconds(c.ShutdownTimeout) }

// ApplyTimeoutDuration as a duration.
func (c Control) ApplyTimeoutDuration() time.Duration { return seconds(c.ApplyTimeout) }

// PollIntervalDuration as a duration.
func (s Store) PollIntervalDuration() time.Duration { return seconds(s.PollInterval) }

// DelayDuration as a duration.
func (m Messenger) DelayDuration() time.Duration { return milliseconds(m.Delay) }

// AttemptTimeoutDuration as a duration.
func (m Messenger) AttemptTimeoutDuration() time.Duration { return milliseconds(m.AttemptTimeout) }

// TimeoutDuration as a duration.
func (p Probe) TimeoutDuration() time.Duration { return seconds(p.Timeout) }

// TimeoutDuration as a duration.
func (i Import) TimeoutDuration() time.Duration { return seconds(i.Timeout) }
