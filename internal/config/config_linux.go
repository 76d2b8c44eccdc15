//go:build linux

package config

import (
	"os"
	"path/filepath"
)

// GetConfigPath returns $XDG_CONFIG_HOME/hostswitch/config.yaml, falling
// back to the directory of the executable.
func GetConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "hostswitch", "config.yaml")
	}
	exe, err := os.Executable()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "config.yaml")
}
