//go:build !unix && !windows

package rules

// lockFile is a no-op where no advisory locking is available; the revision
// check in Save still detects concurrent writers.
func lockFile(string, bool) (func(), error) {
	return func() {}, nil
}
