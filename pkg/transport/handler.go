package transport

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shmsync/api"
	"github.com/srediag/shmsync/pkg/namespace"
	"github.com/srediag/shmsync/pkg/syncobj"
)

const instrumentationName = "github.com/srediag/shmsync/pkg/transport"

var _ api.SyncService = (*Handler)(nil)

// Handler serves requests against a registry.
type Handler struct {
	reg      *syncobj.Registry
	tracer   trace.Tracer
	requests metric.Int64Counter
}

type handlerOptions struct {
	tracer trace.Tracer
	meter  metric.Meter
}

// HandlerOption configures a Handler.
type HandlerOption func(*handlerOptions)

// WithTracer sets the tracer for per-request spans. The default is a no-op tracer.
func WithTracer(t trace.Tracer) HandlerOption {
	return func(o *handlerOptions) { o.tracer = t }
}

// WithMeter sets the meter for the request counter. The default is a no-op meter.
func WithMeter(m metric.Meter) HandlerOption {
	return func(o *handlerOptions) { o.meter = m }
}

// NewHandler returns a Handler for reg.
func NewHandler(reg *syncobj.Registry, opts ...HandlerOption) (*Handler, error) {
	o := handlerOptions{
		tracer: tracenoop.NewTracerProvider().Tracer(instrumentationName),
		meter:  metricnoop.NewMeterProvider().Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	requests, err := o.meter.Int64Counter("shmsync.requests",
		metric.WithDescription("Sync object requests by operation and status."),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	return &Handler{reg: reg, tracer: o.tracer, requests: requests}, nil
}

// Enabled reports whether the registry behind h is active.
func (h *Handler) Enabled() bool {
	return h.reg.Enabled()
}

// CreateSyncObject creates or opens a named object and returns its slot.
func (h *Handler) CreateSyncObject(ctx context.Context, req syncobj.CreateRequest) (syncobj.Result, error) {
	ctx, span := h.start(ctx, OpCreate,
		attribute.String("shmsync.name", req.Name),
		attribute.String("shmsync.kind", req.Kind.String()))
	res, err := h.reg.CreateOrGet(ctx, req)
	if err == nil {
		span.SetAttributes(attribute.Int64("shmsync.slot", int64(res.Slot)), attribute.Bool("shmsync.created", res.Created))
	}
	h.end(ctx, span, OpCreate, err)
	return res, err
}

// OpenSyncObject opens an existing named object.
func (h *Handler) OpenSyncObject(ctx context.Context, name string, attrs syncobj.Attributes) (syncobj.Result, error) {
	ctx, span := h.start(ctx, OpOpen, attribute.String("shmsync.name", name))
	res, err := h.reg.Open(ctx, name, attrs)
	if err == nil {
		span.SetAttributes(attribute.Int64("shmsync.slot", int64(res.Slot)))
	}
	h.end(ctx, span, OpOpen, err)
	return res, err
}

// GetSlotIndex returns the slot index and kind behind hd.
func (h *Handler) GetSlotIndex(ctx context.Context, hd namespace.Handle) (uint32, syncobj.Kind, error) {
	ctx, span := h.start(ctx, OpGetSlot, attribute.Int64("shmsync.handle", int64(hd)))
	idx, kind, err := h.reg.GetSlot(ctx, hd)
	h.end(ctx, span, OpGetSlot, err)
	return idx, kind, err
}

// CloseHandle drops hd.
func (h *Handler) CloseHandle(ctx context.Context, hd namespace.Handle) error {
	ctx, span := h.start(ctx, OpClose, attribute.Int64("shmsync.handle", int64(hd)))
	err := h.reg.Close(hd)
	h.end(ctx, span, OpClose, err)
	return err
}

// Serve runs one decoded request and builds its reply.
func (h *Handler) Serve(ctx context.Context, req Request) Reply {
	switch req.Op {
	case OpCreate:
		res, err := h.CreateSyncObject(ctx, syncobj.CreateRequest{
			Name:  req.Name,
			Attrs: syncobj.Attributes{Access: req.Access},
			Kind:  req.Kind,
			Low:   req.Low,
			High:  req.High,
		})
		return resultReply(res, err)
	case OpOpen:
		res, err := h.OpenSyncObject(ctx, req.Name, syncobj.Attributes{Access: req.Access})
		return resultReply(res, err)
	case OpGetSlot:
		idx, kind, err := h.GetSlotIndex(ctx, req.Handle)
		if err != nil {
			return Reply{Status: StatusOf(err)}
		}
		return Reply{Status: StatusOK, Handle: req.Handle, Slot: idx, Kind: kind}
	case OpClose:
		return Reply{Status: StatusOf(h.CloseHandle(ctx, req.Handle))}
	}
	return Reply{Status: StatusInvalidParameter}
}

func resultReply(res syncobj.Result, err error) Reply {
	if err != nil {
		return Reply{Status: StatusOf(err)}
	}
	return Reply{Status: StatusOK, Handle: res.Handle, Slot: res.Slot, Kind: res.Kind, Created: res.Created}
}

func (h *Handler) start(ctx context.Context, op Opcode, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, "shmsync."+op.String(), trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindServer))
}

func (h *Handler) end(ctx context.Context, span trace.Span, op Opcode, err error) {
	st := StatusOf(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, st.String())
	}
	span.End()
	h.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op.String()),
		attribute.String("status", st.String())))
}
