package syncobj

import (
	"context"
	"sync"
	"sync/atomic"
)

// Object is a named sync object. Its slot index is assigned once, by the
// creator, and never changes or gets reclaimed.
type Object struct {
	name string
	kind Kind

	slot      atomic.Uint32
	ready     chan struct{}
	readyOnce sync.Once
	err       error
	destroyed atomic.Bool
	onDestroy func(*Object)
}

// NewObject returns an object without a slot. Other subsystems use it to
// put non-slot objects into a shared namespace.
func NewObject(name string, kind Kind) *Object {
	return &Object{name: name, kind: kind, ready: make(chan struct{})}
}

func (o *Object) Name() string {
	return o.name
}

func (o *Object) Kind() Kind {
	return o.kind
}

// Slot returns the published slot index. ok is false until publication.
func (o *Object) Slot() (idx uint32, ok bool) {
	idx = o.slot.Load()
	return idx, idx != 0
}

// Destroyed reports whether the last reference has been closed.
func (o *Object) Destroyed() bool {
	return o.destroyed.Load()
}

// Destroy is called by the namespace when the last handle closes. The slot
// index stays allocated.
func (o *Object) Destroy() {
	if o.destroyed.Swap(true) {
		return
	}
	if o.onDestroy != nil {
		o.onDestroy(o)
	}
}

func (o *Object) publish(idx uint32) {
	o.slot.Store(idx)
	o.readyOnce.Do(func() { close(o.ready) })
}

func (o *Object) fail(err error) {
	o.readyOnce.Do(func() {
		o.err = err
		close(o.ready)
	})
}

// wait blocks until the creator has published the slot or failed.
func (o *Object) wait(ctx context.Context) (uint32, error) {
	select {
	case <-o.ready:
	default:
		select {
		case <-o.ready:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if o.err != nil {
		return 0, o.err
	}
	return o.slot.Load(), nil
}
