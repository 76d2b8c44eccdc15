package config

import (
	"fmt"
	"net"
	"strconv"
)

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version < 1 {
		return fmt.Errorf("invalid config version")
	}
	if err := c.Control.Validate(); err != nil {
		return fmt.Errorf("control config: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if err := c.Messenger.Validate(); err != nil {
		return fmt.Errorf("messenger config: %w", err)
	}
	if err := c.Probe.Validate(); err != nil {
		return fmt.Errorf("probe config: %w", err)
	}
	if c.Import.Timeout < 0 {
		return fmt.Errorf("import config: timeout cannot be negative")
	}
	return nil
}

// Validate validates control server configuration.
func (c *Control) Validate() error {
	host, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("listen address must be loopback, got %s", host)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid listen port %q", port)
	}
	if c.ShutdownTimeout < 0 || c.ApplyTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	return nil
}

// Validate validates store configuration.
func (s *Store) Validate() error {
	switch s.Backend {
	case BackendFile:
	case BackendRedis:
		if s.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required")
		}
		if s.Redis.Key == "" {
			return fmt.Errorf("redis.key is required")
		}
	default:
		return fmt.Errorf("unknown backend: %s", s.Backend)
	}
	if s.PollInterval < 0 {
		return fmt.Errorf("poll_interval cannot be negative")
	}
	if s.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	return nil
}

// Validate validates messenger configuration.
func (m *Messenger) Validate() error {
	if m.MaxAttempts < 1 || m.ProxyToggleAttempts < 1 {
		return fmt.Errorf("attempts must be at least 1")
	}
	if m.Delay < 0 {
		return fmt.Errorf("delay_ms cannot be negative")
	}
	if m.AttemptTimeout < 1 {
		return fmt.Errorf("attempt_timeout_ms must be positive")
	}
	switch m.Backoff {
	case "fixed", "linear":
	default:
		return fmt.Errorf("unknown backoff: %s", m.Backoff)
	}
	return nil
}

// Validate validates probe configuration.
func (p *Probe) Validate() error {
	if p.Enabled && p.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second")
	}
	if p.Target != "" {
		if _, _, err := net.SplitHostPort(p.Target); err != nil {
			return fmt.Errorf("invalid target %q: %w", p.Target, err)
		}
	}
	return nil
}
