// Package applier installs a compiled routing policy into the host network
// stack, or removes it.
package applier

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/hostswitch/internal/logger"
	"github.com/user/hostswitch/internal/pac"
)

// ErrApply marks a failure to change the host proxy configuration.
var ErrApply = errors.New("applier: failed to apply routing policy")

// ApplyError carries the failing surface and step. It matches both ErrApply
// and the underlying cause.
type ApplyError struct {
	Surface string
	Op      string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply routing policy via %s: %s: %v", e.Surface, e.Op, e.Err)
}

func (e *ApplyError) Unwrap() []error {
	return []error{ErrApply, e.Err}
}

// Action is what an apply call did.
type Action string

const (
	ActionInstalled Action = "installed"
	ActionCleared   Action = "cleared"
)

// Result describes the last successful apply.
type Result struct {
	Action   Action    `json:"action"`
	URL      string    `json:"url,omitempty"`
	Surface  string    `json:"surface"`
	Revision uint64    `json:"revision"`
	At       time.Time `json:"at"`
}

// Surface is the host mechanism that points the network stack at a PAC URL.
type Surface interface {
	Name() string
	Enable(ctx context.Context, pacURL string) error
	Disable(ctx context.Context) error
}

// Options configures an Applier.
type Options struct {
	// Surface defaults to the platform surface.
	Surface Surface
	// CachePath receives the PAC text on every install. Empty disables the cache.
	CachePath string
	// BaseURL is where the control server serves /proxy.pac. When empty the
	// cache file is referenced through a file:// URL.
	BaseURL string
}

// Applier owns the host side of the routing policy.
type Applier struct {
	mu        sync.Mutex
	surface   Surface
	cachePath string
	baseURL   string
	last      Result
	now       func() time.Time
}

// New creates an applier.
func New(opts Options) *Applier {
	s := opts.Surface
	if s == nil {
		s = DefaultSurface(nil)
	}
	return &Applier{
		surface:   s,
		cachePath: opts.CachePath,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		now:       time.Now,
	}
}

// SurfaceName returns the name of the active surface.
func (a *Applier) SurfaceName() string {
	return a.surface.Name()
}

// Last returns the result of the last successful call.
func (a *Applier) Last() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Apply installs p. An empty or nil policy clears the configuration instead.
func (a *Applier) Apply(ctx context.Context, p *pac.Policy, revision uint64) (Result, error) {
	if p == nil || p.Empty() {
		return a.clear(ctx, revision)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cachePath != "" {
		if err := writeAtomic(a.cachePath, []byte(p.Script())); err != nil {
			return Result{}, &ApplyError{Surface: a.surface.Name(), Op: "write cache", Err: err}
		}
	}

	pacURL, err := a.pacURL(revision)
	if err != nil {
		return Result{}, &ApplyError{Surface: a.surface.Name(), Op: "build url", Err: err}
	}
	if err := a.surface.Enable(ctx, pacURL); err != nil {
		return Result{}, &ApplyError{Surface: a.surface.Name(), Op: "enable", Err: err}
	}

	a.last = Result{
		Action:   ActionInstalled,
		URL:      pacURL,
		Surface:  a.surface.Name(),
		Revision: revision,
		At:       a.now(),
	}
	logger.Policy("Installed routing policy rev %d via %s (%d domains, proxy %v)",
		revision, a.surface.Name(), p.Len(), p.ProxyEnabled())
	return a.last, nil
}

// Clear removes any installed policy.
func (a *Applier) Clear(ctx context.Context) (Result, error) {
	return a.clear(ctx, 0)
}

func (a *Applier) clear(ctx context.Context, revision uint64) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.surface.Disable(ctx); err != nil {
		return Result{}, &ApplyError{Surface: a.surface.Name(), Op: "disable", Err: err}
	}
	a.last = Result{
		Action:   ActionCleared,
		Surface:  a.surface.Name(),
		Revision: revision,
		At:       a.now(),
	}
	logger.Policy("Cleared routing policy via %s", a.surface.Name())
	return a.last, nil
}

func (a *Applier) pacURL(revision uint64) (string, error) {
	if a.baseURL != "" {
		return fmt.Sprintf("%s/proxy.pac?rev=%d", a.baseURL, revision), nil
	}
	if a.cachePath == "" {
		return "", errors.New("neither a base URL nor a cache path is configured")
	}
	abs, err := filepath.Abs(a.cachePath)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return u.String(), nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0644); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// NopSurface records calls without touching the host. It backs unsupported
// platforms and the applier's disabled mode.
type NopSurface struct {
	mu      sync.Mutex
	enabled bool
	url     string
}

func (s *NopSurface) Name() string { return "none" }

func (s *NopSurface) Enable(_ context.Context, pacURL string) error {
	s.mu.Lock()
	s.enabled, s.url = true, pacURL
	s.mu.Unlock()
	return nil
}

func (s *NopSurface) Disable(context.Context) error {
	s.mu.Lock()
	s.enabled, s.url = false, ""
	s.mu.Unlock()
	return nil
}

// State returns whether a URL is installed and which one.
func (s *NopSurface) State() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, s.url
}
