package importer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHOptions holds credentials for a remote import.
type SSHOptions struct {
	KeyPath  string
	Password string
	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath string
	// Insecure skips host key verification.
	Insecure bool
	Timeout  time.Duration
}

// FetchSSH reads the remote file with `cat`.
func FetchSSH(ctx context.Context, target SSHTarget, opts SSHOptions) ([]byte, error) {
	cfg, err := buildSSHClientConfig(target.User, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build SSH config: %w", err)
	}

	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	dialer := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSH server %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	output, err := session.Output("cat " + shellQuote(target.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to read remote hosts file %s: %w", target.Path, err)
	}
	return output, nil
}

// buildSSHClientConfig creates an ssh.ClientConfig from credentials.
func buildSSHClientConfig(username string, opts SSHOptions) (*ssh.ClientConfig, error) {
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User:    username,
		Timeout: timeout,
	}

	if opts.Insecure {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		path := opts.KnownHostsPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to locate known_hosts: %w", err)
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", path, err)
		}
		cfg.HostKeyCallback = cb
	}

	keyPath := strings.Trim(opts.KeyPath, `"`)
	switch {
	case keyPath != "":
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key '%s': %w", keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		cfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case opts.Password != "":
		cfg.Auth = []ssh.AuthMethod{ssh.Password(opts.Password)}
	default:
		return nil, errors.New("no SSH authentication method (key path or password required)")
	}

	return cfg, nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
