//go:build windows

package logger

import (
	"os"
	"path/filepath"
)

// getLogDir returns %LOCALAPPDATA%\hostswitch.
func getLogDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "hostswitch")
	}
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
