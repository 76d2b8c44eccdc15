//go:build unix

package rules

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an advisory flock on path and returns the release func.
func lockFile(path string, exclusive bool) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	fd := int(f.Fd())
	for {
		err = unix.Flock(fd, how)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, err
	}

	return func() {
		unix.Flock(fd, unix.LOCK_UN) //nolint:errcheck
		f.Close()
	}, nil
}
