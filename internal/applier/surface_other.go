//go:build !linux && !darwin && !windows

package applier

import "github.com/user/hostswitch/internal/procutil"

// DefaultSurface returns a NopSurface; this platform has no supported
// system proxy mechanism.
func DefaultSurface(procutil.Runner) Surface {
	return &NopSurface{}
}
