//go:build linux

package applier

import (
	"context"
	"fmt"

	"github.com/user/hostswitch/internal/procutil"
)

const gnomeProxySchema = "org.gnome.system.proxy"

// gsettingsSurface drives the GNOME proxy settings that most desktop
// browsers and GIO-based programs honor.
type gsettingsSurface struct {
	run procutil.Runner
}

// DefaultSurface returns the platform surface; run defaults to procutil.Run.
func DefaultSurface(run procutil.Runner) Surface {
	if run == nil {
		run = procutil.Run
	}
	return &gsettingsSurface{run: run}
}

func (s *gsettingsSurface) Name() string { return "gsettings" }

func (s *gsettingsSurface) Enable(ctx context.Context, pacURL string) error {
	if _, err := s.run(ctx, "gsettings", "set", gnomeProxySchema, "autoconfig-url", pacURL); err != nil {
		return fmt.Errorf("failed to set autoconfig url: %w", err)
	}
	if _, err := s.run(ctx, "gsettings", "set", gnomeProxySchema, "mode", "auto"); err != nil {
		return fmt.Errorf("failed to set proxy mode: %w", err)
	}
	return nil
}

func (s *gsettingsSurface) Disable(ctx context.Context) error {
	if _, err := s.run(ctx, "gsettings", "set", gnomeProxySchema, "mode", "none"); err != nil {
		return fmt.Errorf("failed to reset proxy mode: %w", err)
	}
	return nil
}
