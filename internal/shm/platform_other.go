//go:build !linux

package shm

import "os"

// CreateSegment is not available on this platform.
func CreateSegment(opts Options) (*Segment, bool, error) {
	return nil, false, ErrUnsupported
}

func (s *Segment) Truncate(size int64) error {
	return ErrUnsupported
}

func (s *Segment) Size() (int64, error) {
	return 0, ErrUnsupported
}

func (s *Segment) MapPage(offset int64, length int) ([]byte, error) {
	return nil, ErrUnsupported
}

func Unmap(b []byte) error {
	return nil
}

func (s *Segment) Close() error {
	return nil
}

func (s *Segment) Unlink() error {
	return nil
}

func InstanceID(dir string) (string, error) {
	return "", ErrUnsupported
}

func SystemPageSize() int {
	return os.Getpagesize()
}
