package importer

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Source is where a hosts file lives.
type Source struct {
	Path string
	// Remote is set for ssh:// sources.
	Remote *SSHTarget
}

// SSHTarget addresses a file on an SSH server.
type SSHTarget struct {
	User string
	Host string
	Port int
	Path string
}

func (t SSHTarget) String() string {
	return fmt.Sprintf("ssh://%s@%s:%d%s", t.User, t.Host, t.Port, t.Path)
}

// ParseSource accepts a local path or ssh://[user@]host[:port]/path.
func ParseSource(s string) (Source, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Source{}, fmt.Errorf("import source is empty")
	}
	if !strings.HasPrefix(s, "ssh://") {
		return Source{Path: s}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return Source{}, fmt.Errorf("invalid ssh source: %w", err)
	}
	t := &SSHTarget{Host: u.Hostname(), Port: 22, Path: u.Path}
	if u.User != nil {
		t.User = u.User.Username()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Source{}, fmt.Errorf("invalid ssh port %q", p)
		}
		t.Port = port
	}
	if t.Host == "" {
		return Source{}, fmt.Errorf("ssh source has no host")
	}
	if t.Path == "" || t.Path == "/" {
		return Source{}, fmt.Errorf("ssh source has no file path")
	}
	return Source{Remote: t}, nil
}

// Load reads and parses src.
func Load(ctx context.Context, src Source, opts SSHOptions) (*Result, error) {
	if src.Remote == nil {
		return ReadFile(src.Path)
	}
	data, err := FetchSSH(ctx, *src.Remote, opts)
	if err != nil {
		return nil, err
	}
	return ParseHosts(strings.NewReader(string(data)))
}
