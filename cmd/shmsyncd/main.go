// Command shmsyncd serves sync object requests over a unix socket and
// publishes slot indices into a shared memory region.
//
// Configuration comes from the environment, see lifecycle.LoadConfig. The
// shared region is only created when SHMSYNC_ENABLE is true and the kernel
// supports futex; otherwise every request answers NotImplemented.
package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/shmsync/internal/logging"
	"github.com/srediag/shmsync/pkg/lifecycle"
	"github.com/srediag/shmsync/pkg/transport"
)

const instrumentationName = "github.com/srediag/shmsync/cmd/shmsyncd"

var logger = logging.New("shmsyncd", os.Stderr)

func main() {
	if err := run(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := lifecycle.LoadConfig()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := lifecycle.New(cfg, nil,
		lifecycle.WithRegisterer(reg),
		lifecycle.WithHandlerOptions(
			transport.WithTracer(otel.Tracer(instrumentationName)),
			transport.WithMeter(otel.Meter(instrumentationName)),
		))
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warnf("close runtime: %v", err)
		}
	}()
	if rt.Enabled() {
		logger.Infof("sync region %s ready", rt.Region.Path())
	}

	srv, err := transport.NewServer(rt.Handler, transport.ServerConfig{MaxConns: cfg.MaxConns})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Socket()), 0o700); err != nil {
		return err
	}
	ln, err := transport.Listen(cfg.Socket())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, transport.ErrServerClosed) {
			return err
		}
		return nil
	})

	var admin *http.Server
	if cfg.HealthAddr != "" {
		admin = &http.Server{
			Addr:              cfg.HealthAddr,
			Handler:           adminMux(rt, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Infof("shutting down")
		var errs []error
		if admin != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs = append(errs, admin.Shutdown(sctx))
		}
		errs = append(errs, srv.Close())
		return errors.Join(errs...)
	})
	return g.Wait()
}

func adminMux(rt *lifecycle.Runtime, reg *prometheus.Registry) *http.ServeMux {
	health := rt.HealthHandler()
	mux := http.NewServeMux()
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	mux.Handle("/debug/audit", rt.Audit)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
