//go:build darwin

package logger

import (
	"os"
	"path/filepath"
)

// getLogDir returns the log directory.
// Uses ~/Library/Application Support/hostswitch/ so the supervisor and the
// UI contexts of the same user share one location.
func getLogDir() string {
	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, "Library", "Application Support", "hostswitch")
	}

	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
