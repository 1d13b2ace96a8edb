// Package namespace is an in-memory named-object directory with handle
// based reference counting.
//
// Creating an existing name opens it instead, and the caller is told which
// happened. Every create or open returns a fresh handle that holds one
// reference. When the last handle is closed the name is released and the
// object's Destroy method, if any, is called.
package namespace

import (
	"errors"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Handle identifies one reference to an object. Zero is never issued.
type Handle uint32

var (
	// ErrInvalidHandle is returned for unknown or closed handles.
	ErrInvalidHandle = errors.New("namespace: invalid handle")
	// ErrNotFound is returned when opening a name that does not exist.
	ErrNotFound = errors.New("namespace: name not found")
	// ErrNameTooLong is returned for names over MaxNameLen bytes.
	ErrNameTooLong = errors.New("namespace: name too long")
)

// MaxNameLen bounds object names.
const MaxNameLen = 1024

// Destroyer is implemented by objects that want to know when their last
// reference goes away.
type Destroyer interface {
	Destroy()
}

type entry[T any] struct {
	name  string
	value T
	refs  atomic.Int32
}

type ref[T any] struct {
	e      *entry[T]
	access uint32
}

// Directory maps names to objects of type T.
type Directory[T any] struct {
	names   cmap.ConcurrentMap[string, *entry[T]]
	handles cmap.ConcurrentMap[Handle, *ref[T]]
	next    atomic.Uint32
}

// New returns an empty Directory.
func New[T any]() *Directory[T] {
	return &Directory[T]{
		names: cmap.New[*entry[T]](),
		handles: cmap.NewWithCustomShardingFunction[Handle, *ref[T]](func(h Handle) uint32 {
			return uint32(h)
		}),
	}
}

// CreateOrOpen opens name if it exists, otherwise stores create() under it.
// created tells which happened. An empty name always creates an unnamed object.
func (d *Directory[T]) CreateOrOpen(name string, access uint32, create func() T) (Handle, T, bool, error) {
	if len(name) > MaxNameLen {
		var zero T
		return 0, zero, false, ErrNameTooLong
	}
	if name == "" {
		e := &entry[T]{value: create()}
		e.refs.Store(1)
		return d.issue(e, access), e.value, true, nil
	}
	created := false
	e := d.names.Upsert(name, nil, func(exist bool, old, _ *entry[T]) *entry[T] {
		if exist {
			old.refs.Add(1)
			return old
		}
		created = true
		n := &entry[T]{name: name, value: create()}
		n.refs.Store(1)
		return n
	})
	return d.issue(e, access), e.value, created, nil
}

// Open returns a new handle to an existing name.
func (d *Directory[T]) Open(name string, access uint32) (Handle, T, error) {
	var found *entry[T]
	// RemoveCb runs under the shard lock; returning false keeps the entry.
	d.names.RemoveCb(name, func(_ string, e *entry[T], exists bool) bool {
		if exists {
			e.refs.Add(1)
			found = e
		}
		return false
	})
	if found == nil {
		var zero T
		return 0, zero, ErrNotFound
	}
	return d.issue(found, access), found.value, nil
}

func (d *Directory[T]) issue(e *entry[T], access uint32) Handle {
	h := Handle(d.next.Add(1))
	for h == 0 {
		h = Handle(d.next.Add(1))
	}
	d.handles.Set(h, &ref[T]{e: e, access: access})
	return h
}

// Get returns the object behind h.
func (d *Directory[T]) Get(h Handle) (T, error) {
	r, ok := d.handles.Get(h)
	if !ok {
		var zero T
		return zero, ErrInvalidHandle
	}
	return r.e.value, nil
}

// Access returns the access mask h was opened with.
func (d *Directory[T]) Access(h Handle) (uint32, error) {
	r, ok := d.handles.Get(h)
	if !ok {
		return 0, ErrInvalidHandle
	}
	return r.access, nil
}

// Lookup returns the object stored under name without taking a reference.
func (d *Directory[T]) Lookup(name string) (T, bool) {
	e, ok := d.names.Get(name)
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Close drops the reference held by h.
func (d *Directory[T]) Close(h Handle) error {
	r, ok := d.handles.Pop(h)
	if !ok {
		return ErrInvalidHandle
	}
	e := r.e
	last := false
	if e.name == "" {
		last = e.refs.Add(-1) == 0
	} else {
		d.names.RemoveCb(e.name, func(_ string, cur *entry[T], exists bool) bool {
			if !exists || cur != e {
				return false
			}
			last = e.refs.Add(-1) == 0
			return last
		})
	}
	if last {
		if ds, ok := any(e.value).(Destroyer); ok {
			ds.Destroy()
		}
	}
	return nil
}

// Names returns the number of named objects.
func (d *Directory[T]) Names() int {
	return d.names.Count()
}

// Handles returns the number of open handles.
func (d *Directory[T]) Handles() int {
	return d.handles.Count()
}
