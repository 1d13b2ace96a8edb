package syncobj

import (
	"errors"

	"github.com/srediag/shmsync/pkg/namespace"
	"github.com/srediag/shmsync/pkg/shm"
)

var (
	// ErrNotImplemented means the fast path is unavailable: the gate is off
	// or the object kind does not carry a slot. Callers fall back to the
	// server-mediated path.
	ErrNotImplemented = errors.New("syncobj: not implemented")
	// ErrInvalidKind is returned when creating an object of a kind without a slot.
	ErrInvalidKind = errors.New("syncobj: kind has no slot")
	// ErrKindMismatch is returned when a name exists with a different kind.
	ErrKindMismatch = errors.New("syncobj: object type mismatch")
	// ErrIndexExhausted is returned when the slot index space is used up.
	ErrIndexExhausted = errors.New("syncobj: slot indices exhausted")

	ErrInvalidHandle     = namespace.ErrInvalidHandle
	ErrNameNotFound      = namespace.ErrNotFound
	ErrResourceExhausted = shm.ErrResourceExhausted
)
