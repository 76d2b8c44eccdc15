// Package probe checks that the forwarding proxy answers before traffic is
// pointed at it.
//
// A check is bounded by one deadline and never retries. For SOCKS5 it runs
// the handshake and a CONNECT to a target through golang.org/x/net/proxy;
// for SOCKS4 it only verifies the TCP endpoint.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/user/hostswitch/internal/rules"
)

// Defaults for a single check.
const (
	DefaultTimeout = 3 * time.Second
	DefaultTarget  = "example.com:80"
)

// Summary reports how far a check got.
type Summary struct {
	Reachable bool             `json:"reachable"`
	ConnectOK bool             `json:"connectOk"`
	Latencies map[string]int64 `json:"latenciesMs"`
	CheckedAt time.Time        `json:"checkedAt"`
}

// Options configures a Checker.
type Options struct {
	Timeout time.Duration
	// Target is dialed through the proxy. Empty uses DefaultTarget.
	Target string
}

// Checker runs proxy checks. It is safe for concurrent use.
type Checker struct {
	timeout time.Duration
	target  string
}

// New creates a checker.
func New(opts Options) *Checker {
	c := &Checker{timeout: opts.Timeout, target: opts.Target}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.target == "" {
		c.target = DefaultTarget
	}
	return c
}

// Check returns nil when the proxy described by cfg is usable.
func (c *Checker) Check(ctx context.Context, cfg rules.ProxyConfig) error {
	_, err := c.Probe(ctx, cfg)
	return err
}

// Probe runs the check and returns the partial summary alongside any error.
func (c *Checker) Probe(ctx context.Context, cfg rules.ProxyConfig) (Summary, error) {
	summary := Summary{Latencies: make(map[string]int64, 2)}
	defer func() { summary.CheckedAt = time.Now() }()

	if cfg.Host == "" {
		return summary, errors.New("forwarding proxy host is empty")
	}
	server := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	forward := &net.Dialer{}
	t0 := time.Now()
	conn, err := forward.DialContext(ctx, "tcp", server)
	summary.Latencies["tcp_connect"] = time.Since(t0).Milliseconds()
	if err != nil {
		return summary, fmt.Errorf("forwarding proxy %s unreachable: %w", server, err)
	}
	conn.Close()
	summary.Reachable = true

	if cfg.Protocol != rules.ProtocolSOCKS5 {
		return summary, nil
	}

	var auth *proxy.Auth
	if cfg.Auth.Enabled {
		auth = &proxy.Auth{User: cfg.Auth.Username, Password: cfg.Auth.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", server, auth, forward)
	if err != nil {
		return summary, fmt.Errorf("failed to create socks5 dialer: %w", err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return summary, errors.New("socks5 dialer does not support contexts")
	}

	t1 := time.Now()
	through, err := cd.DialContext(ctx, "tcp", c.target)
	summary.Latencies["connect"] = time.Since(t1).Milliseconds()
	if err != nil {
		return summary, fmt.Errorf("socks5 connect to %s via %s failed: %w", c.target, server, err)
	}
	through.Close()
	summary.ConnectOK = true
	return summary, nil
}
