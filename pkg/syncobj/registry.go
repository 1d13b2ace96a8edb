// Package syncobj ties named sync objects to slots in the shared region.
//
// A Registry creates objects through an external Namespace. The first
// creator of a name allocates the slot, sizes and maps its page, writes the
// initial words and only then publishes the index on the object. Later
// creators of the same name get the existing object and index and their
// initial words are ignored.
package syncobj

import (
	"context"
	"fmt"
	"time"

	"github.com/srediag/shmsync/internal/logging"
	"github.com/srediag/shmsync/pkg/namespace"
	"github.com/srediag/shmsync/pkg/shm"
)

var registryLogger = logging.New("registry", nil)

var _ Namespace = (*namespace.Directory[*Object])(nil)

// Namespace is the named-object directory objects live in.
// namespace.Directory[*Object] implements it.
type Namespace interface {
	CreateOrOpen(name string, access uint32, create func() *Object) (namespace.Handle, *Object, bool, error)
	Open(name string, access uint32) (namespace.Handle, *Object, error)
	Get(h namespace.Handle) (*Object, error)
	Close(h namespace.Handle) error
}

// Region is the slot storage.
type Region interface {
	EnsureCapacity(minBytes int64) error
	Resolve(index uint32) (shm.Slot, error)
}

// Attributes are the creation attributes the registry passes through.
type Attributes struct {
	Access uint32
}

// CreateRequest asks for a named object with initial slot words.
type CreateRequest struct {
	Name  string
	Attrs Attributes
	Kind  Kind
	Low   int32
	High  int32
}

// Result describes the object behind a handle.
type Result struct {
	Handle  namespace.Handle
	Slot    uint32
	Kind    Kind
	Created bool
}

// Registry is the sync object registry.
type Registry struct {
	gate     *Gate
	ns       Namespace
	region   Region
	alloc    *Allocator
	metrics  *Metrics
	observer Observer
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry returns a registry. region may be nil when gate is disabled.
func NewRegistry(gate *Gate, ns Namespace, region Region, alloc *Allocator, opts ...Option) *Registry {
	if alloc == nil {
		alloc = &Allocator{}
	}
	r := &Registry{
		gate:   gate,
		ns:     ns,
		region: region,
		alloc:  alloc,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) enabled() bool {
	return r.gate != nil && r.gate.Enabled() && r.region != nil
}

// Enabled reports whether requests reach the shared region. When it is false
// every operation fails with ErrNotImplemented.
func (r *Registry) Enabled() bool {
	return r.enabled()
}

// CreateOrGet creates the named object or returns the existing one. On an
// existing name the request's Low and High are ignored.
func (r *Registry) CreateOrGet(ctx context.Context, req CreateRequest) (Result, error) {
	if !r.enabled() {
		return Result{}, ErrNotImplemented
	}
	if !req.Kind.Eligible() {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidKind, req.Kind)
	}
	h, obj, created, err := r.ns.CreateOrOpen(req.Name, req.Attrs.Access, func() *Object {
		o := NewObject(req.Name, req.Kind)
		o.onDestroy = r.destroyed
		return o
	})
	if err != nil {
		return Result{}, err
	}
	if !created {
		return r.existing(ctx, h, obj, req.Kind)
	}

	idx, err := r.initSlot(req.Low, req.High)
	if err != nil {
		obj.fail(err)
		_ = r.ns.Close(h)
		if r.metrics != nil {
			r.metrics.CreateFailures.Inc()
		}
		registryLogger.Warnf("create %q failed: %v", req.Name, err)
		return Result{}, err
	}
	obj.publish(idx)
	if r.metrics != nil {
		r.metrics.ObjectsCreated.Inc()
		r.metrics.SlotsAllocated.Set(float64(r.alloc.Last()))
	}
	r.emit(OpCreated, obj, idx)
	registryLogger.Debugf("created %s %q at slot %d", req.Kind, req.Name, idx)
	return Result{Handle: h, Slot: idx, Kind: req.Kind, Created: true}, nil
}

// initSlot allocates an index with storage behind it and writes the initial words.
func (r *Registry) initSlot(low, high int32) (uint32, error) {
	idx, err := r.alloc.AllocateFunc(func(next uint32) error {
		return r.region.EnsureCapacity((int64(next) + 1) * shm.SlotSize)
	})
	if err != nil {
		return 0, err
	}
	slot, err := r.region.Resolve(idx)
	if err != nil {
		return 0, err
	}
	slot.Store(low, high)
	return idx, nil
}

func (r *Registry) existing(ctx context.Context, h namespace.Handle, obj *Object, kind Kind) (Result, error) {
	if obj.Kind() != kind {
		_ = r.ns.Close(h)
		return Result{}, fmt.Errorf("%w: %q is %s, not %s", ErrKindMismatch, obj.Name(), obj.Kind(), kind)
	}
	idx, err := obj.wait(ctx)
	if err != nil {
		_ = r.ns.Close(h)
		return Result{}, err
	}
	if r.metrics != nil {
		r.metrics.ObjectsOpened.Inc()
	}
	r.emit(OpOpened, obj, idx)
	return Result{Handle: h, Slot: idx, Kind: obj.Kind(), Created: false}, nil
}

// Open returns a new handle to an existing named object.
func (r *Registry) Open(ctx context.Context, name string, attrs Attributes) (Result, error) {
	if !r.enabled() {
		return Result{}, ErrNotImplemented
	}
	h, obj, err := r.ns.Open(name, attrs.Access)
	if err != nil {
		return Result{}, err
	}
	if !obj.Kind().Eligible() {
		_ = r.ns.Close(h)
		return Result{}, ErrNotImplemented
	}
	return r.existing(ctx, h, obj, obj.Kind())
}

// GetSlot returns the slot index and kind of the object behind h.
func (r *Registry) GetSlot(ctx context.Context, h namespace.Handle) (uint32, Kind, error) {
	if !r.enabled() {
		return 0, KindNone, ErrNotImplemented
	}
	obj, err := r.ns.Get(h)
	if err != nil {
		return 0, KindNone, err
	}
	if !obj.Kind().Eligible() {
		return 0, obj.Kind(), ErrNotImplemented
	}
	idx, err := obj.wait(ctx)
	if err != nil {
		return 0, obj.Kind(), err
	}
	return idx, obj.Kind(), nil
}

// Slot resolves the slot behind h for server-side reads and wakes.
func (r *Registry) Slot(ctx context.Context, h namespace.Handle) (shm.Slot, error) {
	idx, _, err := r.GetSlot(ctx, h)
	if err != nil {
		return shm.Slot{}, err
	}
	return r.region.Resolve(idx)
}

// Close drops the reference held by h.
func (r *Registry) Close(h namespace.Handle) error {
	if !r.enabled() {
		return ErrNotImplemented
	}
	return r.ns.Close(h)
}

func (r *Registry) destroyed(o *Object) {
	idx, ok := o.Slot()
	if !ok {
		return
	}
	if r.metrics != nil {
		r.metrics.ObjectsDestroyed.Inc()
	}
	r.emit(OpDestroyed, o, idx)
	registryLogger.Debugf("destroyed %s %q, slot %d stays allocated", o.Kind(), o.Name(), idx)
}

func (r *Registry) emit(op EventOp, o *Object, idx uint32) {
	if r.observer == nil {
		return
	}
	r.observer.Observe(Event{Op: op, Name: o.Name(), Kind: o.Kind(), Slot: idx, Time: r.now()})
}
