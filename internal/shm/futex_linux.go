//go:build linux

package shm

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex operations, so waiters in other processes
// mapping the same page are matched.
const (
	futexWait = 0
	futexWake = 1
)

// FutexProbe issues a wake with no waiters on a private word. It fails only
// when the kernel lacks futex support.
func FutexProbe() error {
	var word uint32
	_, err := FutexWake(&word, 1)
	if errors.Is(err, unix.ENOSYS) {
		return ErrUnsupported
	}
	return err
}

// FutexWait blocks while *addr == val, until woken or timeout elapses. A zero
// timeout waits forever. The server only wakes; this is the wait a peer
// process runs on its own mapping of a slot word. A value mismatch or signal interruption returns nil;
// callers must re-check their condition.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWait,
		uintptr(val),
		uintptr(unsafe.Pointer(ts)),
		0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrTimeout
	default:
		return fmt.Errorf("futex wait: %w", errno)
	}
}

// FutexWake wakes up to n waiters on addr and returns how many were woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWake,
		uintptr(n),
		0, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake: %w", errno)
	}
	return int(r1), nil
}
