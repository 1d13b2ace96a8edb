package syncobj

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/shmsync/pkg/namespace"
	"github.com/srediag/shmsync/pkg/shm"
)

// heapRegion is an in-process Region with page-granular storage and
// injectable growth behaviour.
type heapRegion struct {
	mu       sync.Mutex
	pageSize int64
	size     int64
	pages    map[int64][]byte
	grow     func(next int64) error
}

func newHeapRegion(pageSize int64) *heapRegion {
	return &heapRegion{pageSize: pageSize, size: pageSize, pages: map[int64][]byte{}}
}

func (h *heapRegion) EnsureCapacity(minBytes int64) error {
	h.mu.Lock()
	grow := h.grow
	h.mu.Unlock()
	for {
		h.mu.Lock()
		size := h.size
		h.mu.Unlock()
		if size >= minBytes {
			return nil
		}
		if grow != nil {
			if err := grow(size + h.pageSize); err != nil {
				return fmt.Errorf("%w: %v", shm.ErrResourceExhausted, err)
			}
		}
		h.mu.Lock()
		if h.size == size {
			h.size += h.pageSize
		}
		h.mu.Unlock()
	}
}

func (h *heapRegion) Resolve(index uint32) (shm.Slot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	off := int64(index) * shm.SlotSize
	page := off / h.pageSize
	if (page+1)*h.pageSize > h.size {
		return shm.Slot{}, shm.ErrOutOfRange
	}
	b, ok := h.pages[page]
	if !ok {
		b = make([]byte, h.pageSize)
		h.pages[page] = b
	}
	pos := off % h.pageSize
	return shm.SlotOf(index, b[pos:pos+shm.SlotSize])
}

func (h *heapRegion) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ops() []EventOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventOp, len(r.events))
	for i, e := range r.events {
		out[i] = e.Op
	}
	return out
}

func enabledGate() *Gate {
	return NewGate(WithToggle(func() bool { return true }), WithProbe(func() error { return nil }))
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

type RegistryTestSuite struct {
	suite.Suite
	ctx     context.Context
	ns      *namespace.Directory[*Object]
	region  *heapRegion
	events  *recorder
	metrics *Metrics
	reg     *Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.ns = namespace.New[*Object]()
	s.region = newHeapRegion(4096)
	s.events = &recorder{}
	s.metrics = NewMetrics(prometheus.NewRegistry())
	s.reg = NewRegistry(enabledGate(), s.ns, s.region, nil, WithObserver(s.events), WithMetrics(s.metrics))
}

func (s *RegistryTestSuite) create(name string, kind Kind, low, high int32) Result {
	res, err := s.reg.CreateOrGet(s.ctx, CreateRequest{Name: name, Kind: kind, Low: low, High: high})
	s.Require().NoError(err)
	return res
}

func (s *RegistryTestSuite) slotWords(idx uint32) (int32, int32) {
	slot, err := s.region.Resolve(idx)
	s.Require().NoError(err)
	return slot.Load()
}

func (s *RegistryTestSuite) TestIndicesStartAtOneAndIncrease() {
	var last uint32
	for i := 0; i < 50; i++ {
		res := s.create(fmt.Sprintf("obj-%d", i), KindSemaphore, int32(i), 10)
		s.Require().True(res.Created)
		s.Require().Equal(last+1, res.Slot)
		last = res.Slot
	}
	s.Require().Equal(float64(50), counterValue(s.metrics.ObjectsCreated))
}

func (s *RegistryTestSuite) TestCreateRecreateScenario() {
	a := s.create("A", KindAutoEvent, 5, 0)
	s.Require().Equal(uint32(1), a.Slot)
	s.Require().True(a.Created)
	low, high := s.slotWords(1)
	s.Require().Equal(int32(5), low)
	s.Require().Equal(int32(0), high)

	again := s.create("A", KindAutoEvent, 9, 0)
	s.Require().Equal(uint32(1), again.Slot)
	s.Require().False(again.Created)
	s.Require().NotEqual(a.Handle, again.Handle)
	low, _ = s.slotWords(1)
	s.Require().Equal(int32(5), low)

	b := s.create("B", KindMutex, 0, 0)
	s.Require().Equal(uint32(2), b.Slot)

	idx, kind, err := s.reg.GetSlot(s.ctx, b.Handle)
	s.Require().NoError(err)
	s.Require().Equal(uint32(2), idx)
	s.Require().Equal(KindMutex, kind)

	s.Require().Equal([]EventOp{OpCreated, OpOpened, OpCreated}, s.events.ops())
}

func (s *RegistryTestSuite) TestConcurrentSameNameOneSlot() {
	const racers = 32
	results := make([]Result, racers)
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		i := i
		g.Go(func() error {
			res, err := s.reg.CreateOrGet(s.ctx, CreateRequest{Name: "shared", Kind: KindSemaphore, Low: int32(100 + i), High: 50})
			results[i] = res
			return err
		})
	}
	s.Require().NoError(g.Wait())

	creators := 0
	var winner int32
	for i, res := range results {
		s.Require().Equal(uint32(1), res.Slot)
		if res.Created {
			creators++
			winner = int32(100 + i)
		}
	}
	s.Require().Equal(1, creators)
	s.Require().Equal(uint32(1), s.reg.alloc.Last())
	low, high := s.slotWords(1)
	s.Require().Equal(winner, low)
	s.Require().Equal(int32(50), high)
}

func (s *RegistryTestSuite) TestConcurrentDistinctNames() {
	const racers = 64
	slots := make([]uint32, racers)
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		i := i
		g.Go(func() error {
			res, err := s.reg.CreateOrGet(s.ctx, CreateRequest{Name: fmt.Sprintf("n%d", i), Kind: KindManualEvent, Low: int32(i)})
			slots[i] = res.Slot
			return err
		})
	}
	s.Require().NoError(g.Wait())
	seen := map[uint32]bool{}
	for i, idx := range slots {
		s.Require().False(seen[idx], "slot %d reused", idx)
		seen[idx] = true
		low, _ := s.slotWords(idx)
		s.Require().Equal(int32(i), low)
	}
	s.Require().Equal(uint32(racers), s.reg.alloc.Last())
}

func (s *RegistryTestSuite) TestKindMismatch() {
	s.create("obj", KindMutex, 0, 0)
	_, err := s.reg.CreateOrGet(s.ctx, CreateRequest{Name: "obj", Kind: KindSemaphore})
	s.Require().ErrorIs(err, ErrKindMismatch)
	s.Require().Equal(1, s.ns.Handles())
}

func (s *RegistryTestSuite) TestInvalidKind() {
	_, err := s.reg.CreateOrGet(s.ctx, CreateRequest{Name: "x", Kind: KindNone})
	s.Require().ErrorIs(err, ErrInvalidKind)
	s.Require().Equal(0, s.ns.Names())
}

func (s *RegistryTestSuite) TestGetSlotIneligibleKind() {
	h, _, _, err := s.ns.CreateOrOpen("file", 0, func() *Object { return NewObject("file", KindNone) })
	s.Require().NoError(err)
	_, kind, err := s.reg.GetSlot(s.ctx, h)
	s.Require().ErrorIs(err, ErrNotImplemented)
	s.Require().Equal(KindNone, kind)

	_, err = s.reg.Open(s.ctx, "file", Attributes{})
	s.Require().ErrorIs(err, ErrNotImplemented)

	_, err = s.reg.CreateOrGet(s.ctx, CreateRequest{Name: "file", Kind: KindMutex})
	s.Require().ErrorIs(err, ErrKindMismatch)
}

func (s *RegistryTestSuite) TestGetSlotInvalidHandle() {
	_, _, err := s.reg.GetSlot(s.ctx, 9999)
	s.Require().ErrorIs(err, ErrInvalidHandle)
}

func (s *RegistryTestSuite) TestOpen() {
	_, err := s.reg.Open(s.ctx, "missing", Attributes{})
	s.Require().ErrorIs(err, ErrNameNotFound)

	created := s.create("sem", KindSemaphore, 3, 8)
	opened, err := s.reg.Open(s.ctx, "sem", Attributes{Access: 1})
	s.Require().NoError(err)
	s.Require().False(opened.Created)
	s.Require().Equal(created.Slot, opened.Slot)
	s.Require().Equal(KindSemaphore, opened.Kind)
}

func (s *RegistryTestSuite) TestSlotResolvesPublishedIndex() {
	res := s.create("evt", KindManualEvent, 1, 0)
	slot, err := s.reg.Slot(s.ctx, res.Handle)
	s.Require().NoError(err)
	s.Require().Equal(res.Slot, slot.Index())
	slot.Store(0, 0)
	low, _ := s.slotWords(res.Slot)
	s.Require().Equal(int32(0), low)
}

func (s *RegistryTestSuite) TestDestroyKeepsIndex() {
	a := s.create("tmp", KindQueue, 0, 0)
	s.Require().NoError(s.reg.Close(a.Handle))
	s.Require().Equal(float64(1), counterValue(s.metrics.ObjectsDestroyed))

	b := s.create("tmp", KindQueue, 0, 0)
	s.Require().True(b.Created)
	s.Require().Equal(uint32(2), b.Slot)
	s.Require().Equal([]EventOp{OpCreated, OpDestroyed, OpCreated}, s.events.ops())
}

func (s *RegistryTestSuite) TestGrowthFailureOnlyFailsRequest() {
	perPage := uint32(4096 / shm.SlotSize)
	for i := uint32(1); i < perPage; i++ {
		s.create(fmt.Sprintf("fill-%d", i), KindSemaphore, int32(i), 0)
	}
	s.region.grow = func(int64) error { return errors.New("ENOSPC") }

	_, err := s.reg.CreateOrGet(s.ctx, CreateRequest{Name: "overflow", Kind: KindSemaphore, Low: 1})
	s.Require().ErrorIs(err, ErrResourceExhausted)
	s.Require().Equal(perPage-1, s.reg.alloc.Last())
	_, found := s.ns.Lookup("overflow")
	s.Require().False(found)
	s.Require().Equal(float64(1), counterValue(s.metrics.CreateFailures))

	low, _ := s.slotWords(7)
	s.Require().Equal(int32(7), low)

	s.region.grow = nil
	res := s.create("overflow", KindSemaphore, 1, 0)
	s.Require().Equal(perPage, res.Slot)
}

func (s *RegistryTestSuite) TestWaiterGetsPublishedIndex() {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.region.grow = func(int64) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}
	for i := uint32(1); i < 512; i++ {
		s.create(fmt.Sprintf("f%d", i), KindMutex, 0, 0)
	}

	creator := make(chan Result, 1)
	go func() {
		res, err := s.reg.CreateOrGet(s.ctx, CreateRequest{Name: "slow", Kind: KindMutex, Low: 4})
		s.NoError(err)
		creator <- res
	}()
	<-entered

	waiter := make(chan Result, 1)
	go func() {
		res, err := s.reg.CreateOrGet(s.ctx, CreateRequest{Name: "slow", Kind: KindMutex, Low: 99})
		s.NoError(err)
		waiter <- res
	}()

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err := s.reg.CreateOrGet(ctx, CreateRequest{Name: "slow", Kind: KindMutex})
	s.Require().ErrorIs(err, context.DeadlineExceeded)

	close(release)
	c := <-creator
	w := <-waiter
	s.Require().True(c.Created)
	s.Require().False(w.Created)
	s.Require().Equal(c.Slot, w.Slot)
	low, _ := s.slotWords(c.Slot)
	s.Require().Equal(int32(4), low)
}

func (s *RegistryTestSuite) TestWaiterSeesCreatorFailure() {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.region.grow = func(int64) error {
		once.Do(func() { close(entered) })
		<-release
		return errors.New("ENOMEM")
	}
	for i := uint32(1); i < 512; i++ {
		s.create(fmt.Sprintf("f%d", i), KindMutex, 0, 0)
	}

	creatorErr := make(chan error, 1)
	go func() {
		_, err := s.reg.CreateOrGet(s.ctx, CreateRequest{Name: "doomed", Kind: KindMutex})
		creatorErr <- err
	}()
	<-entered

	waiterErr := make(chan error, 1)
	go func() {
		_, err := s.reg.CreateOrGet(s.ctx, CreateRequest{Name: "doomed", Kind: KindMutex})
		waiterErr <- err
	}()
	// Give the waiter time to take its reference before the creator fails.
	s.Require().Eventually(func() bool { return s.ns.Handles() == 513 }, time.Second, time.Millisecond)

	close(release)
	s.Require().ErrorIs(<-creatorErr, ErrResourceExhausted)
	s.Require().ErrorIs(<-waiterErr, ErrResourceExhausted)
	s.Require().Equal(511, s.ns.Handles())
	_, found := s.ns.Lookup("doomed")
	s.Require().False(found)
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func TestDisabledRegistry(t *testing.T) {
	ns := namespace.New[*Object]()
	gate := NewGate(
		WithToggle(func() bool { return false }),
		WithProbe(func() error { t.Fatal("probe called"); return nil }),
	)
	reg := NewRegistry(gate, ns, nil, nil)
	ctx := context.Background()

	_, err := reg.CreateOrGet(ctx, CreateRequest{Name: "A", Kind: KindAutoEvent, Low: 5})
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("CreateOrGet = %v, want ErrNotImplemented", err)
	}
	if _, err := reg.Open(ctx, "A", Attributes{}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("Open = %v, want ErrNotImplemented", err)
	}
	if _, _, err := reg.GetSlot(ctx, 1); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("GetSlot = %v, want ErrNotImplemented", err)
	}
	if ns.Names() != 0 || ns.Handles() != 0 {
		t.Fatalf("disabled registry touched the namespace")
	}
}
