//go:build linux

package shm

import (
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// CreateSegment creates the segment with create+exclusive semantics. When a
// segment with the same name already exists it is opened and truncated to
// zero instead, and stale reports true.
func CreateSegment(opts Options) (seg *Segment, stale bool, err error) {
	if opts.Name == "" {
		return nil, false, errors.New("shm: empty segment name")
	}
	path := filepath.Join(opts.dir(), opts.Name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, opts.mode())
	if errors.Is(err, unix.EEXIST) {
		stale = true
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, opts.mode())
		if err == nil {
			if terr := unix.Ftruncate(fd, 0); terr != nil {
				_ = unix.Close(fd)
				return nil, stale, fmt.Errorf("ftruncate stale: %w", terr)
			}
		}
	}
	if err != nil {
		return nil, stale, fmt.Errorf("open: %w", err)
	}
	return &Segment{name: opts.Name, path: path, fd: fd}, stale, nil
}

// Truncate resizes the backing file. Existing page mappings stay valid as
// long as size never drops below them.
func (s *Segment) Truncate(size int64) error {
	if s.closed.Load() {
		return unix.EBADF
	}
	if err := unix.Ftruncate(s.fd, size); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}
	return nil
}

// Size returns the current size of the backing file.
func (s *Segment) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(s.fd, &st); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	return st.Size, nil
}

// MapPage maps length bytes at offset read/write and shared.
func (s *Segment) MapPage(offset int64, length int) ([]byte, error) {
	if s.closed.Load() {
		return nil, unix.EBADF
	}
	b, err := unix.Mmap(s.fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return b, nil
}

// Unmap releases a mapping returned by MapPage.
func Unmap(b []byte) error {
	if b == nil {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// Close closes the file descriptor. Mappings stay valid after Close.
func (s *Segment) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := unix.Close(s.fd); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// Unlink removes the segment name. A missing name is not an error.
func (s *Segment) Unlink() error {
	if err := unix.Unlink(s.path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlink: %w", err)
	}
	return nil
}

// InstanceID derives a stable identifier from the device and inode of dir.
func InstanceID(dir string) (string, error) {
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return "", fmt.Errorf("stat: %w", err)
	}
	return fmt.Sprintf("%x%x", uint64(st.Dev), uint64(st.Ino)), nil
}

// SystemPageSize returns the host page size.
func SystemPageSize() int {
	return unix.Getpagesize()
}
