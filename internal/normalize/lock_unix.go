//go:build unix

package normalize

import (
	"golang.org/x/sys/unix"
)

type fdFile interface {
	Fd() uintptr
}

// lockShared takes a shared advisory lock when the file is backed by a real
// descriptor. In-memory test filesystems have no descriptor and skip it; the
// checksum re-validation still catches mid-flight mutation there.
func lockShared(f any) (unlock func(), err error) {
	ff, ok := f.(fdFile)
	if !ok {
		return func() {}, nil
	}
	fd := int(ff.Fd())
	if err := unix.Flock(fd, unix.LOCK_SH); err != nil {
		return nil, err
	}
	return func() { _ = unix.Flock(fd, unix.LOCK_UN) }, nil
}
