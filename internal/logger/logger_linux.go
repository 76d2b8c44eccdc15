//go:build linux

package logger

import (
	"os"
	"path/filepath"
)

// getLogDir returns $XDG_STATE_HOME/hostswitch, falling back to the
// directory of the executable.
func getLogDir() string {
	if state := os.Getenv("XDG_STATE_HOME"); state != "" {
		return filepath.Join(state, "hostswitch")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "hostswitch")
	}
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
