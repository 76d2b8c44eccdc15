//go:build darwin

package config

import (
	"os"
	"path/filepath"
)

// GetConfigPath returns ~/Library/Application Support/hostswitch/config.yaml.
// .app bundles are read-only once signed, so nothing is kept next to the
// executable.
func GetConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "hostswitch", "config.yaml")
	}
	return "config.yaml"
}
