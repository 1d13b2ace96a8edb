// Package health exposes liveness and readiness checks for the sync region.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"
)

// Region is what the checks inspect. *shm.Region implements it.
type Region interface {
	Closed() bool
	Dir() string
}

// Options configures NewHandler.
type Options struct {
	// MinFreeBytes is the free space the shm filesystem needs for readiness.
	MinFreeBytes uint64
	// Registerer, when set, also exports each check as a prometheus gauge.
	Registerer prometheus.Registerer
	// Timeout bounds the free space check. Zero means one second.
	Timeout time.Duration
}

var diskFree = func(dir string) (uint64, error) {
	st, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return st.Free, nil
}

// NewHandler returns an HTTP handler serving /live and /ready. region is nil
// when the subsystem is disabled; the checks then report it as absent and pass.
func NewHandler(region Region, opts Options) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, "shmsync")
	} else {
		h = healthcheck.NewHandler()
	}
	if region == nil {
		h.AddLivenessCheck("sync-region-absent", func() error { return nil })
		return h
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	h.AddLivenessCheck("sync-region", RegionOpen(region))
	h.AddReadinessCheck("shm-free-space", healthcheck.Timeout(FreeSpace(region.Dir(), opts.MinFreeBytes), timeout))
	return h
}

// RegionOpen fails once the region has been closed.
func RegionOpen(region Region) healthcheck.Check {
	return func() error {
		if region.Closed() {
			return errors.New("sync region closed")
		}
		return nil
	}
}

// FreeSpace fails when dir has less than min bytes free.
func FreeSpace(dir string, min uint64) healthcheck.Check {
	return func() error {
		free, err := diskFree(dir)
		if err != nil {
			return fmt.Errorf("stat %s: %w", dir, err)
		}
		if free < min {
			return fmt.Errorf("%d bytes free on %s, need %d", free, dir, min)
		}
		return nil
	}
}
