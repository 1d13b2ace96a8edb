// Package lifecycle builds and tears down the sync server's runtime: the
// gate decision, the shared region, the namespace, the registry, and the
// request handler.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmsync/internal/logging"
	internalshm "github.com/srediag/shmsync/internal/shm"
	"github.com/srediag/shmsync/pkg/audit"
	"github.com/srediag/shmsync/pkg/health"
	"github.com/srediag/shmsync/pkg/namespace"
	"github.com/srediag/shmsync/pkg/shm"
	"github.com/srediag/shmsync/pkg/syncobj"
	"github.com/srediag/shmsync/pkg/transport"
)

var runtimeLogger = logging.New("lifecycle", nil)

// Runtime owns everything one server instance needs. Region is nil when the
// gate is off; every request then answers NotImplemented.
type Runtime struct {
	Config    *Config
	Gate      *syncobj.Gate
	Region    *shm.Region
	Namespace *namespace.Directory[*syncobj.Object]
	Allocator *syncobj.Allocator
	Registry  *syncobj.Registry
	Handler   *transport.Handler
	Audit     *audit.Log

	registerer prometheus.Registerer
	closeOnce  sync.Once
	closeErr   error
}

type options struct {
	registerer prometheus.Registerer
	handler    []transport.HandlerOption
}

// Option configures New.
type Option func(*options)

// WithRegisterer registers region and registry collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHandlerOptions passes tracing and metering options to the handler.
func WithHandlerOptions(opts ...transport.HandlerOption) Option {
	return func(o *options) { o.handler = append(o.handler, opts...) }
}

// New verifies cfg and builds a Runtime. gate nil means syncobj.DefaultGate.
// A region creation failure is a startup failure and leaves nothing behind.
func New(cfg *Config, gate *syncobj.Gate, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if gate == nil {
		gate = syncobj.DefaultGate()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rt := &Runtime{
		Config:     cfg,
		Gate:       gate,
		Namespace:  namespace.New[*syncobj.Object](),
		Allocator:  &syncobj.Allocator{},
		Audit:      audit.New(cfg.AuditCapacity),
		registerer: o.registerer,
	}
	if o.registerer != nil {
		if err := rt.Audit.Register(o.registerer); err != nil {
			return nil, fmt.Errorf("audit metrics: %w", err)
		}
	}
	// A nil *shm.Region must not reach the registry as a non-nil interface.
	var region syncobj.Region
	if gate.Enabled() {
		r, err := createRegion(cfg, o.registerer)
		if err != nil {
			rt.Audit.Close()
			return nil, err
		}
		rt.Region = r
		region = r
	}

	var regOpts []syncobj.Option
	regOpts = append(regOpts, syncobj.WithObserver(rt.Audit))
	if o.registerer != nil && region != nil {
		regOpts = append(regOpts, syncobj.WithMetrics(syncobj.NewMetrics(o.registerer)))
	}
	rt.Registry = syncobj.NewRegistry(gate, rt.Namespace, region, rt.Allocator, regOpts...)

	h, err := transport.NewHandler(rt.Registry, o.handler...)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("handler: %w", err)
	}
	rt.Handler = h
	return rt, nil
}

func createRegion(cfg *Config, reg prometheus.Registerer) (*shm.Region, error) {
	if err := os.MkdirAll(cfg.ServerDir, 0o700); err != nil {
		return nil, fmt.Errorf("server dir: %w", err)
	}
	id, err := internalshm.InstanceID(cfg.ServerDir)
	if err != nil {
		return nil, fmt.Errorf("instance id: %w", err)
	}
	var metrics *shm.Metrics
	if reg != nil {
		metrics = shm.NewMetrics(reg)
	}
	r, err := shm.Create(shm.Config{
		Dir:          cfg.ShmDir,
		Name:         shm.SegmentName(cfg.Prefix, id),
		PageSize:     cfg.PageSize,
		MinFreeBytes: cfg.MinFreeBytes,
		Metrics:      metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("sync region: %w", err)
	}
	return r, nil
}

// Enabled reports whether the shared region is active.
func (rt *Runtime) Enabled() bool {
	return rt.Region != nil
}

// HealthHandler returns the liveness and readiness handler for this runtime.
func (rt *Runtime) HealthHandler() healthcheck.Handler {
	opts := health.Options{MinFreeBytes: rt.Config.MinFreeBytes, Registerer: rt.registerer}
	if rt.Region == nil {
		return health.NewHandler(nil, opts)
	}
	return health.NewHandler(rt.Region, opts)
}

// Close removes the region and disposes the audit ring. It is safe to call
// more than once.
func (rt *Runtime) Close() error {
	rt.closeOnce.Do(func() {
		var errs []error
		if rt.Region != nil {
			if err := rt.Region.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		rt.Audit.Close()
		rt.closeErr = errors.Join(errs...)
		runtimeLogger.Infof("runtime closed")
	})
	return rt.closeErr
}
