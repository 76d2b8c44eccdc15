//go:build windows

package rules

import (
	"os"

	"golang.org/x/sys/windows"
)

// lockFile takes a LockFileEx lock on the first byte of path.
func lockFile(path string, exclusive bool) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}

	var flags uint32
	if exclusive {
		flags = windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	handle := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	if err := windows.LockFileEx(handle, flags, 0, 1, 0, ol); err != nil {
		f.Close()
		return nil, err
	}

	return func() {
		windows.UnlockFileEx(handle, 0, 1, 0, ol) //nolint:errcheck
		f.Close()
	}, nil
}
