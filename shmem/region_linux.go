//go:build linux

package shmem

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/pithecene-io/virtsnd/status"
)

// MapFile maps a file into a shared region, growing the file to size if
// needed. Two processes mapping the same path observe each other's writes,
// which is how a frontend and backend in separate processes share position
// descriptors.
func MapFile(path string, size int) (*Region, error) {
	if size <= 0 {
		return nil, status.Errorf(status.ErrInvalidArgument, "shmem", "non-positive size")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, status.Wrap(status.ErrInvalidAddress, "map", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, status.Wrap(status.ErrInvalidAddress, "map", path, err)
	}

	b, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, status.Wrap(status.ErrInvalidAddress, "map", path, err)
	}

	return &Region{
		b:       b,
		unmapFn: func() error { return unix.Munmap(b) },
	}, nil
}
