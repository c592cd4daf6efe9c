package shm

import (
	"os"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MapFile maps a file as a shared region so two processes can act as
// two cores. The file is created and sized if needed.
func MapFile(path string, base uint32, size int) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open shared memory")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat shared memory")
	}
	if info.Size() < int64(size) {
		if err = f.Truncate(int64(size)); err != nil {
			return nil, errors.Wrapf(err, "resize shared memory to %d", size)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap shared memory")
	}
	return &Region{
		base:  base,
		data:  data,
		close: func() error { return unix.Munmap(data) },
	}, nil
}

// ErrLocked indicates the shared memory file is owned by another process.
var ErrLocked = errors.New("shared memory is locked by another process")

// Lock takes exclusive ownership of the shared memory file.
// The owner is expected to Unlock on exit.
func Lock(path string) (*flock.Flock, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", path)
	}
	if !locked {
		return nil, errors.Wrap(ErrLocked, path)
	}
	return lock, nil
}
