//go:build darwin

package applier

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/hostswitch/internal/procutil"
)

// networksetupSurface sets the auto proxy URL on every enabled network service.
type networksetupSurface struct {
	run procutil.Runner
}

// DefaultSurface returns the platform surface; run defaults to procutil.Run.
func DefaultSurface(run procutil.Runner) Surface {
	if run == nil {
		run = procutil.Run
	}
	return &networksetupSurface{run: run}
}

func (s *networksetupSurface) Name() string { return "networksetup" }

func (s *networksetupSurface) services(ctx context.Context) ([]string, error) {
	out, err := s.run(ctx, "networksetup", "-listallnetworkservices")
	if err != nil {
		return nil, fmt.Errorf("failed to list network services: %w", err)
	}
	services := parseNetworkServices(string(out))
	if len(services) == 0 {
		return nil, errors.New("no enabled network service found")
	}
	return services, nil
}

func (s *networksetupSurface) Enable(ctx context.Context, pacURL string) error {
	services, err := s.services(ctx)
	if err != nil {
		return err
	}
	for _, svc := range services {
		if _, err := s.run(ctx, "networksetup", "-setautoproxyurl", svc, pacURL); err != nil {
			return fmt.Errorf("failed to set auto proxy url on %s: %w", svc, err)
		}
		if _, err := s.run(ctx, "networksetup", "-setautoproxystate", svc, "on"); err != nil {
			return fmt.Errorf("failed to enable auto proxy on %s: %w", svc, err)
		}
	}
	return nil
}

func (s *networksetupSurface) Disable(ctx context.Context) error {
	services, err := s.services(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, svc := range services {
		if _, err := s.run(ctx, "networksetup", "-setautoproxystate", svc, "off"); err != nil {
			errs = append(errs, fmt.Errorf("failed to disable auto proxy on %s: %w", svc, err))
		}
	}
	return errors.Join(errs...)
}
