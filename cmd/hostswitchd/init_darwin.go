//go:build darwin

package main

import (
	"os"
	"strings"
)

// launchd starts agents with a minimal environment; networksetup lives in
// /usr/sbin, which some plists leave out of PATH.
func init() {
	required := []string{"/usr/bin", "/bin", "/usr/sbin", "/sbin"}

	current := os.Getenv("PATH")
	existing := make(map[string]bool)
	for _, p := range strings.Split(current, ":") {
		existing[p] = true
	}

	var missing []string
	for _, p := range required {
		if !existing[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return
	}
	if current == "" {
		os.Setenv("PATH", strings.Join(missing, ":"))
		return
	}
	os.Setenv("PATH", current+":"+strings.Join(missing, ":"))
}
