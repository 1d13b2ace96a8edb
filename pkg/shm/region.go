package shm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/srediag/shmsync/internal/logging"
	internalshm "github.com/srediag/shmsync/internal/shm"
)

var (
	// ErrResourceExhausted is returned when the region cannot grow or a page cannot be mapped.
	ErrResourceExhausted = errors.New("shm: resource exhausted")
	// ErrOutOfRange is returned when resolving a slot beyond the region size.
	ErrOutOfRange = errors.New("shm: slot beyond region size")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("shm: region closed")
)

var regionLogger = logging.New("shm", nil)

// Config holds region creation parameters.
type Config struct {
	// Dir is the shm filesystem directory, /dev/shm when empty.
	Dir string
	// Name is the segment name, see SegmentName.
	Name string
	// PageSize must be a positive multiple of the system page size. Zero
	// means the system page size.
	PageSize int
	// MinFreeBytes refuses growth when the shm filesystem would be left
	// with less free space. Zero disables the check.
	MinFreeBytes uint64
	// Metrics may be nil.
	Metrics *Metrics
}

// SegmentName builds the per-instance segment name.
func SegmentName(prefix, instanceID string) string {
	return fmt.Sprintf("%s-%s-sync", prefix, instanceID)
}

// Region is the growable shared memory region and its page mapping cache.
type Region struct {
	seg      *internalshm.Segment
	dir      string
	pageSize int64
	minFree  uint64
	metrics  *Metrics

	size   atomic.Int64
	growMu sync.Mutex
	// closeMu is held shared by Resolve and EnsureCapacity and exclusively
	// by Close, so Close never unmaps under an in-flight install.
	closeMu sync.RWMutex
	pages  pageTable
	mapped atomic.Int64
	closed atomic.Bool

	freeSpace func(dir string) (uint64, error)
}

// Create creates the segment and sizes it to one page. A same-named segment
// from an unclean shutdown is reused after a warning. Any error here leaves
// nothing behind.
func Create(cfg Config) (*Region, error) {
	sys := internalshm.SystemPageSize()
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = sys
	}
	if pageSize < 0 || pageSize%sys != 0 {
		return nil, fmt.Errorf("shm: page size %d is not a multiple of %d", pageSize, sys)
	}
	seg, stale, err := internalshm.CreateSegment(internalshm.Options{Dir: cfg.Dir, Name: cfg.Name})
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", cfg.Name, err)
	}
	if stale {
		regionLogger.Warnf("shared memory segment %s already exists, probably left over from an unclean shutdown", seg.Path())
	}
	if err := seg.Truncate(int64(pageSize)); err != nil {
		_ = seg.Unlink()
		_ = seg.Close()
		return nil, fmt.Errorf("size segment %s: %w", cfg.Name, err)
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "/dev/shm"
	}
	r := &Region{
		seg:       seg,
		dir:       dir,
		pageSize:  int64(pageSize),
		minFree:   cfg.MinFreeBytes,
		metrics:   cfg.Metrics,
		freeSpace: diskFree,
	}
	r.size.Store(int64(pageSize))
	if r.metrics != nil {
		r.metrics.RegionBytes.Set(float64(pageSize))
	}
	regionLogger.Infof("created sync region %s, page size %d", seg.Path(), pageSize)
	return r, nil
}

func diskFree(dir string) (uint64, error) {
	st, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return st.Free, nil
}

// Name returns the segment name clients open.
func (r *Region) Name() string {
	return r.seg.Name()
}

// Path returns the segment path.
func (r *Region) Path() string {
	return r.seg.Path()
}

// Dir returns the shm filesystem directory.
func (r *Region) Dir() string {
	return r.dir
}

// PageSize returns the region page size.
func (r *Region) PageSize() int {
	return int(r.pageSize)
}

// Size returns the current region size in bytes.
func (r *Region) Size() int64 {
	return r.size.Load()
}

// MappedPages returns the number of installed page mappings.
func (r *Region) MappedPages() int {
	return int(r.mapped.Load())
}

// Closed reports whether Close has been called.
func (r *Region) Closed() bool {
	return r.closed.Load()
}

// EnsureCapacity grows the region one page at a time until it holds at
// least minBytes. On failure the region keeps the size it reached, and
// mappings of earlier pages are untouched.
func (r *Region) EnsureCapacity(minBytes int64) error {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed.Load() {
		return ErrClosed
	}
	if r.size.Load() >= minBytes {
		return nil
	}
	r.growMu.Lock()
	defer r.growMu.Unlock()
	for {
		size := r.size.Load()
		if size >= minBytes {
			return nil
		}
		next := size + r.pageSize
		if err := r.checkFree(); err != nil {
			return r.growthFailed(next, err)
		}
		if err := r.truncate(next); err != nil {
			return r.growthFailed(next, err)
		}
		r.size.Store(next)
		if r.metrics != nil {
			r.metrics.RegionBytes.Set(float64(next))
		}
		regionLogger.Debugf("grew sync region %s to %d bytes", r.seg.Name(), next)
	}
}

func (r *Region) checkFree() error {
	if r.minFree == 0 {
		return nil
	}
	free, err := r.freeSpace(r.dir)
	if err != nil {
		return err
	}
	if free < r.minFree+uint64(r.pageSize) {
		return fmt.Errorf("%d bytes free on %s, need %d", free, r.dir, r.minFree+uint64(r.pageSize))
	}
	return nil
}

func (r *Region) truncate(size int64) error {
	op := func() error {
		err := r.seg.Truncate(size)
		if err == nil {
			return nil
		}
		if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3))
}

func (r *Region) growthFailed(size int64, err error) error {
	if r.metrics != nil {
		r.metrics.GrowthFailures.Inc()
	}
	regionLogger.Warnf("cannot grow sync region %s to %d bytes: %v", r.seg.Name(), size, err)
	return fmt.Errorf("%w: grow to %d: %v", ErrResourceExhausted, size, err)
}

// Resolve returns the slot view for index, mapping its page on first use.
func (r *Region) Resolve(index uint32) (Slot, error) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed.Load() {
		return Slot{}, ErrClosed
	}
	off := int64(index) * SlotSize
	page := off / r.pageSize
	pageOff := int(off % r.pageSize)
	if mp := r.pages.lookup(page); mp != nil {
		return newSlot(index, mp.data, pageOff)
	}
	if (page+1)*r.pageSize > r.size.Load() {
		return Slot{}, fmt.Errorf("%w: index %d, size %d", ErrOutOfRange, index, r.size.Load())
	}
	data, err := r.seg.MapPage(page*r.pageSize, int(r.pageSize))
	if err != nil {
		if r.metrics != nil {
			r.metrics.GrowthFailures.Inc()
		}
		regionLogger.Warnf("cannot map page %d of %s: %v", page, r.seg.Name(), err)
		return Slot{}, fmt.Errorf("%w: map page %d: %v", ErrResourceExhausted, page, err)
	}
	mp, won := r.pages.install(page, &mappedPage{data: data})
	if won {
		r.mapped.Add(1)
		if r.metrics != nil {
			r.metrics.PagesMapped.Inc()
		}
	} else {
		if err := internalshm.Unmap(data); err != nil {
			regionLogger.Warnf("discard redundant mapping of page %d: %v", page, err)
		}
		if r.metrics != nil {
			r.metrics.PageRacesLost.Inc()
		}
		regionLogger.Debugf("lost install race for page %d of %s", page, r.seg.Name())
	}
	return newSlot(index, mp.data, pageOff)
}

// Close unmaps every page, closes the segment and unlinks its name. It waits
// for Resolve and EnsureCapacity calls already in progress; later calls fail
// with ErrClosed. Slots resolved earlier must not be used afterwards.
func (r *Region) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	var errs []error
	r.pages.each(func(page int64, mp *mappedPage) {
		if err := internalshm.Unmap(mp.data); err != nil {
			errs = append(errs, fmt.Errorf("page %d: %w", page, err))
		}
	})
	if err := r.seg.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.seg.Unlink(); err != nil {
		errs = append(errs, err)
	} else {
		regionLogger.Infof("removed sync region %s", r.seg.Path())
	}
	return errors.Join(errs...)
}
