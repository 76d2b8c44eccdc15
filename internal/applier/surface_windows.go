//go:build windows

package applier

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"github.com/user/hostswitch/internal/procutil"
)

const internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

// WinINet option codes.
const (
	internetOptionRefresh         = 37
	internetOptionSettingsChanged = 39
)

var procInternetSetOption = windows.NewLazySystemDLL("wininet.dll").NewProc("InternetSetOptionW")

// registrySurface writes the per-user AutoConfigURL and tells WinINet to
// reload its settings.
type registrySurface struct{}

// DefaultSurface returns the platform surface. Windows needs no helper
// commands, so run is ignored.
func DefaultSurface(procutil.Runner) Surface {
	return registrySurface{}
}

func (registrySurface) Name() string { return "wininet" }

func (registrySurface) Enable(_ context.Context, pacURL string) error {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open internet settings: %w", err)
	}
	defer k.Close()

	if err := k.SetStringValue("AutoConfigURL", pacURL); err != nil {
		return fmt.Errorf("failed to set AutoConfigURL: %w", err)
	}
	return refreshInternetSettings()
}

func (registrySurface) Disable(context.Context) error {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open internet settings: %w", err)
	}
	defer k.Close()

	if err := k.DeleteValue("AutoConfigURL"); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return fmt.Errorf("failed to remove AutoConfigURL: %w", err)
	}
	return refreshInternetSettings()
}

func refreshInternetSettings() error {
	if err := procInternetSetOption.Find(); err != nil {
		return fmt.Errorf("wininet unavailable: %w", err)
	}
	for _, opt := range []uintptr{internetOptionSettingsChanged, internetOptionRefresh} {
		r, _, err := procInternetSetOption.Call(0, opt, 0, 0)
		if r == 0 {
			return fmt.Errorf("InternetSetOption(%d) failed: %w", opt, err)
		}
	}
	return nil
}
