// Package procutil runs helper commands for the platform surfaces.
package procutil

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Run executes name with args without a console window. A failing command
// reports its trimmed output in the error.
func Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := HideWindow(exec.CommandContext(ctx, name, args...))
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
		}
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return out, nil
}
