//go:build unix

package store

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isCrossDevice reports whether err is a link or rename across filesystems.
func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}

// linkUnsupported reports whether a link error means the filesystem has no
// hard links. Linux returns EPERM for link(2) on vfat and many FUSE mounts.
func linkUnsupported(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP)
}
