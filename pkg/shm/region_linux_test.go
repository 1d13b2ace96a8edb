//go:build linux

package shm

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/shmsync/internal/shm"
)

type RegionTestSuite struct {
	suite.Suite
	dir     string
	region  *Region
	metrics *Metrics
}

func (s *RegionTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.metrics = NewMetrics(prometheus.NewRegistry())
	r, err := Create(Config{Dir: s.dir, Name: SegmentName("test", "abc"), Metrics: s.metrics})
	s.Require().NoError(err)
	s.region = r
}

func (s *RegionTestSuite) TearDownTest() {
	s.Require().NoError(s.region.Close())
}

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	_ = g.Write(m)
	return m.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func (s *RegionTestSuite) TestCreateSizesOnePage() {
	page := int64(internalshm.SystemPageSize())
	s.Require().Equal("test-abc-sync", s.region.Name())
	s.Require().Equal(page, s.region.Size())
	s.Require().Equal(float64(page), gaugeValue(s.metrics.RegionBytes))

	st, err := os.Stat(filepath.Join(s.dir, "test-abc-sync"))
	s.Require().NoError(err)
	s.Require().Equal(page, st.Size())
	s.Require().Equal(0, s.region.MappedPages())
}

func (s *RegionTestSuite) TestResolveWritesSlot() {
	slot, err := s.region.Resolve(1)
	s.Require().NoError(err)
	s.Require().True(slot.Valid())
	s.Require().Equal(uint32(1), slot.Index())
	slot.Store(5, -3)
	low, high := slot.Load()
	s.Require().Equal(int32(5), low)
	s.Require().Equal(int32(-3), high)

	again, err := s.region.Resolve(1)
	s.Require().NoError(err)
	l1, h1 := slot.Words()
	l2, h2 := again.Words()
	s.Require().Same(l1, l2)
	s.Require().Same(h1, h2)
	s.Require().Equal(1, s.region.MappedPages())
}

func (s *RegionTestSuite) TestResolveBeyondSize() {
	perPage := uint32(s.region.PageSize() / SlotSize)
	_, err := s.region.Resolve(perPage)
	s.Require().ErrorIs(err, ErrOutOfRange)
	_, err = s.region.Resolve(perPage - 1)
	s.Require().NoError(err)
}

func (s *RegionTestSuite) TestConcurrentResolveSinglePage() {
	const racers = 32
	s.Require().NoError(s.region.EnsureCapacity(int64(s.region.PageSize()) * 3))
	var wg sync.WaitGroup
	lows := make([]*uint32, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx := uint32(s.region.PageSize()/SlotSize) + 7
			slot, err := s.region.Resolve(idx)
			if err != nil {
				s.T().Error(err)
				return
			}
			lows[i], _ = slot.Words()
		}(i)
	}
	wg.Wait()
	for i := 1; i < racers; i++ {
		s.Require().Same(lows[0], lows[i])
	}
	s.Require().Equal(1, s.region.MappedPages())
	s.Require().Equal(float64(1), gaugeValue(s.metrics.PagesMapped))
}

func (s *RegionTestSuite) TestSizeTracksMaxIndex() {
	page := int64(s.region.PageSize())
	last := s.region.Size()
	for idx := int64(1); idx <= 3*page/SlotSize; idx += 37 {
		s.Require().NoError(s.region.EnsureCapacity((idx + 1) * SlotSize))
		want := page * (((idx+1)*SlotSize + page - 1) / page)
		s.Require().Equal(want, s.region.Size(), "index %d", idx)
		s.Require().GreaterOrEqual(s.region.Size(), last)
		last = s.region.Size()
	}
	// Smaller requests never shrink.
	s.Require().NoError(s.region.EnsureCapacity(SlotSize))
	s.Require().Equal(last, s.region.Size())
}

func (s *RegionTestSuite) TestGrowthPreservesSlots() {
	perPage := uint32(s.region.PageSize() / SlotSize)
	for idx := uint32(1); idx < perPage; idx++ {
		slot, err := s.region.Resolve(idx)
		s.Require().NoError(err)
		slot.Store(int32(idx), int32(idx)*2)
	}
	for idx := perPage; idx <= 1000+perPage; idx++ {
		s.Require().NoError(s.region.EnsureCapacity(int64(idx+1) * SlotSize))
		slot, err := s.region.Resolve(idx)
		s.Require().NoError(err)
		slot.Store(int32(idx), 0)
	}
	s.Require().GreaterOrEqual(s.region.Size(), int64(8000))
	for idx := uint32(1); idx < perPage; idx++ {
		slot, err := s.region.Resolve(idx)
		s.Require().NoError(err)
		low, high := slot.Load()
		s.Require().Equal(int32(idx), low)
		s.Require().Equal(int32(idx)*2, high)
	}
}

func (s *RegionTestSuite) TestGrowthFailureIsRecoverable() {
	slot, err := s.region.Resolve(3)
	s.Require().NoError(err)
	slot.Store(11, 12)

	s.region.minFree = 1 << 20
	s.region.freeSpace = func(string) (uint64, error) { return 0, nil }
	size := s.region.Size()
	err = s.region.EnsureCapacity(size + 1)
	s.Require().ErrorIs(err, ErrResourceExhausted)
	s.Require().Equal(size, s.region.Size())
	s.Require().Equal(float64(1), counterValue(s.metrics.GrowthFailures))

	s.region.freeSpace = func(string) (uint64, error) { return 0, errors.New("statfs failed") }
	s.Require().ErrorIs(s.region.EnsureCapacity(size+1), ErrResourceExhausted)

	low, high := slot.Load()
	s.Require().Equal(int32(11), low)
	s.Require().Equal(int32(12), high)

	s.region.freeSpace = func(string) (uint64, error) { return 1 << 30, nil }
	s.Require().NoError(s.region.EnsureCapacity(size + 1))
	s.Require().Equal(size+int64(s.region.PageSize()), s.region.Size())
}

func (s *RegionTestSuite) TestPeerMappingSeesWrites() {
	slot, err := s.region.Resolve(2)
	s.Require().NoError(err)
	slot.Store(42, 7)

	f, err := os.OpenFile(s.region.Path(), os.O_RDWR, 0)
	s.Require().NoError(err)
	defer f.Close()
	peer, err := unix.Mmap(int(f.Fd()), 0, s.region.PageSize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	s.Require().NoError(err)
	defer func() { _ = unix.Munmap(peer) }()

	low, err := internalshm.WordAt(peer, 2*SlotSize)
	s.Require().NoError(err)
	high, err := internalshm.WordAt(peer, 2*SlotSize+4)
	s.Require().NoError(err)
	s.Require().Equal(uint32(42), internalshm.AtomicLoadUint32(low))
	s.Require().Equal(uint32(7), internalshm.AtomicLoadUint32(high))

	internalshm.AtomicStoreUint32(low, 43)
	got, _ := slot.Load()
	s.Require().Equal(int32(43), got)

	n, err := slot.Wake(1)
	s.Require().NoError(err)
	s.Require().Equal(0, n)
}

func (s *RegionTestSuite) TestCloseUnlinks() {
	path := s.region.Path()
	_, err := s.region.Resolve(1)
	s.Require().NoError(err)
	s.Require().NoError(s.region.Close())
	s.Require().True(s.region.Closed())
	_, err = os.Stat(path)
	s.Require().True(os.IsNotExist(err))

	_, err = s.region.Resolve(1)
	s.Require().ErrorIs(err, ErrClosed)
	s.Require().ErrorIs(s.region.EnsureCapacity(1<<20), ErrClosed)
	s.Require().NoError(s.region.Close())
}

func (s *RegionTestSuite) TestCloseWaitsForResolvers() {
	const pages = 8
	page := int64(s.region.PageSize())
	s.Require().NoError(s.region.EnsureCapacity(page * pages))
	perPage := uint32(page / SlotSize)

	const workers = 16
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		errs    = make([]error, workers)
	)
	started.Add(workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			started.Done()
			for i := uint32(0); ; i++ {
				idx := (i*perPage + uint32(w)) % (perPage * pages)
				// Slots must not be touched once Close may have run.
				if _, err := s.region.Resolve(idx); err != nil {
					errs[w] = err
					return
				}
			}
		}(w)
	}
	started.Wait()
	s.Require().NoError(s.region.Close())
	wg.Wait()

	for _, err := range errs {
		s.Require().ErrorIs(err, ErrClosed)
	}
	_, err := s.region.Resolve(1)
	s.Require().ErrorIs(err, ErrClosed)
}

func TestRegionTestSuite(t *testing.T) {
	suite.Run(t, new(RegionTestSuite))
}

func TestCreateReusesStaleSegment(t *testing.T) {
	dir := t.TempDir()
	name := SegmentName("stale", "1")
	path := filepath.Join(dir, name)
	junk := make([]byte, 3*internalshm.SystemPageSize())
	for i := range junk {
		junk[i] = 0xff
	}
	if err := os.WriteFile(path, junk, 0644); err != nil {
		t.Fatal(err)
	}

	r, err := Create(Config{Dir: dir, Name: name})
	if err != nil {
		t.Fatalf("Create over stale segment: %v", err)
	}
	defer r.Close()
	if r.Size() != int64(r.PageSize()) {
		t.Fatalf("size = %d, want one page", r.Size())
	}
	slot, err := r.Resolve(1)
	if err != nil {
		t.Fatal(err)
	}
	if low, high := slot.Load(); low != 0 || high != 0 {
		t.Fatalf("stale contents visible: %d %d", low, high)
	}
}

func TestCreateRejectsBadPageSize(t *testing.T) {
	_, err := Create(Config{Dir: t.TempDir(), Name: "x", PageSize: internalshm.SystemPageSize() + 1})
	if err == nil {
		t.Fatal("expected error for page size not a multiple of the system page")
	}
}

func TestCreateFailsWithoutDir(t *testing.T) {
	_, err := Create(Config{Dir: filepath.Join(t.TempDir(), "missing"), Name: "x"})
	if err == nil {
		t.Fatal("expected error for missing shm directory")
	}
}
