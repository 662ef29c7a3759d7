//go:build darwin || freebsd || linux
// +build darwin freebsd linux

package main

import (
	"os"

	"github.com/buildbarn/bb-storage/pkg/util"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// lockImage acquires an advisory lock on the image file, so that
// concurrent invocations don't corrupt each other's changes. Images
// that are only read are locked in shared mode.
func lockImage(f *os.File, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK {
			return status.Errorf(codes.Unavailable, "Image %#v is in use by another process", f.Name())
		}
		return util.StatusWrapf(err, "Failed to lock image %#v", f.Name())
	}
	return nil
}
