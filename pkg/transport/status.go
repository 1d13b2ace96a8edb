package transport

import (
	"errors"
	"fmt"

	"github.com/srediag/shmsync/pkg/namespace"
	"github.com/srediag/shmsync/pkg/syncobj"
)

// Status is the reply code.
type Status uint8

const (
	StatusOK Status = iota
	StatusNotImplemented
	StatusInvalidHandle
	StatusObjectTypeMismatch
	StatusNoMemory
	StatusInvalidParameter
	StatusNameNotFound
	StatusInternal
)

var statusNames = [...]string{
	StatusOK:                 "OK",
	StatusNotImplemented:     "NotImplemented",
	StatusInvalidHandle:      "InvalidHandle",
	StatusObjectTypeMismatch: "ObjectTypeMismatch",
	StatusNoMemory:           "NoMemory",
	StatusInvalidParameter:   "InvalidParameter",
	StatusNameNotFound:       "NameNotFound",
	StatusInternal:           "Internal",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

var (
	// ErrInvalidParameter is what a client sees for StatusInvalidParameter.
	ErrInvalidParameter = errors.New("transport: invalid parameter")
	// ErrInternal is what a client sees for StatusInternal and unknown codes.
	ErrInternal = errors.New("transport: internal server error")
)

// StatusOf maps a handler error onto its reply code.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, syncobj.ErrNotImplemented):
		return StatusNotImplemented
	case errors.Is(err, syncobj.ErrInvalidHandle):
		return StatusInvalidHandle
	case errors.Is(err, syncobj.ErrKindMismatch):
		return StatusObjectTypeMismatch
	case errors.Is(err, syncobj.ErrResourceExhausted), errors.Is(err, syncobj.ErrIndexExhausted):
		return StatusNoMemory
	case errors.Is(err, syncobj.ErrInvalidKind), errors.Is(err, namespace.ErrNameTooLong),
		errors.Is(err, ErrMalformed), errors.Is(err, ErrInvalidParameter):
		return StatusInvalidParameter
	case errors.Is(err, syncobj.ErrNameNotFound):
		return StatusNameNotFound
	}
	return StatusInternal
}

// Err maps a reply code back onto the error a local caller would have seen.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusNotImplemented:
		return syncobj.ErrNotImplemented
	case StatusInvalidHandle:
		return syncobj.ErrInvalidHandle
	case StatusObjectTypeMismatch:
		return syncobj.ErrKindMismatch
	case StatusNoMemory:
		return syncobj.ErrResourceExhausted
	case StatusInvalidParameter:
		return ErrInvalidParameter
	case StatusNameNotFound:
		return syncobj.ErrNameNotFound
	}
	return fmt.Errorf("%w: %s", ErrInternal, s)
}
