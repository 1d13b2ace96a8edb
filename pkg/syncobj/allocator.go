package syncobj

import (
	"math"
	"sync/atomic"
)

// Allocator hands out slot indices starting at 1. Indices are never reused.
type Allocator struct {
	last atomic.Uint32
}

// Allocate returns the next index.
func (a *Allocator) Allocate() (uint32, error) {
	return a.AllocateFunc(nil)
}

// AllocateFunc calls prepare with the candidate index before committing
// it, so storage for the index exists before anyone can hold it. prepare
// may run more than once for the same candidate under contention and must
// be idempotent. If prepare fails nothing is committed.
func (a *Allocator) AllocateFunc(prepare func(idx uint32) error) (uint32, error) {
	for {
		cur := a.last.Load()
		if cur == math.MaxUint32 {
			return 0, ErrIndexExhausted
		}
		next := cur + 1
		if prepare != nil {
			if err := prepare(next); err != nil {
				return 0, err
			}
		}
		if a.last.CompareAndSwap(cur, next) {
			return next, nil
		}
	}
}

// Last returns the highest index handed out, zero if none.
func (a *Allocator) Last() uint32 {
	return a.last.Load()
}
