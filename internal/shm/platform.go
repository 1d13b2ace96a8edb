// Package shm contains the platform layer for the sync segment: the backing
// file, single-page mappings, futex calls and atomic word access.
package shm

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrUnsupported is returned on hosts without shared-memory futex support.
	ErrUnsupported = errors.New("shm: platform not supported")
	// ErrTimeout is returned by FutexWait when the timeout elapses.
	ErrTimeout = errors.New("shm: futex wait timed out")
	// ErrMisaligned is returned when a word offset is not 4-byte aligned or out of bounds.
	ErrMisaligned = errors.New("shm: misaligned or out of bounds word")
)

// Options defines how the backing segment is created.
type Options struct {
	// Dir is the shm filesystem directory, /dev/shm when empty.
	Dir string
	// Name is the segment file name inside Dir.
	Name string
	// Mode is the permission of a newly created segment, 0644 when zero.
	Mode uint32
}

// Segment is an open shared memory segment file.
type Segment struct {
	name   string
	path   string
	fd     int
	closed atomic.Bool
}

// Name returns the segment name.
func (s *Segment) Name() string {
	return s.name
}

// Path returns the segment path on the shm filesystem.
func (s *Segment) Path() string {
	return s.path
}

// Fd returns the segment file descriptor.
func (s *Segment) Fd() int {
	return s.fd
}

const defaultDir = "/dev/shm"

func (o Options) dir() string {
	if o.Dir == "" {
		return defaultDir
	}
	return o.Dir
}

func (o Options) mode() uint32 {
	if o.Mode == 0 {
		return 0644
	}
	return o.Mode
}
