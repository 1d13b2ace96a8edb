// Package audit keeps a bounded in-memory trail of registry events.
package audit

import (
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/shmsync/pkg/syncobj"
)

// Log is a bounded event ring. When it is full new events are dropped and
// counted, so Observe never blocks the request path.
type Log struct {
	rb      *queue.RingBuffer
	drainMu sync.Mutex
	dropped atomic.Uint64
}

var _ syncobj.Observer = (*Log)(nil)

// New returns a Log holding at least capacity events.
func New(capacity uint64) *Log {
	if capacity == 0 {
		capacity = 1
	}
	return &Log{rb: queue.NewRingBuffer(capacity)}
}

// Observe records e.
func (l *Log) Observe(e syncobj.Event) {
	ok, err := l.rb.Offer(e)
	if err != nil || !ok {
		l.dropped.Add(1)
	}
}

// Drain removes and returns up to max events, oldest first. max <= 0 drains everything.
func (l *Log) Drain(max int) []syncobj.Event {
	l.drainMu.Lock()
	defer l.drainMu.Unlock()
	var out []syncobj.Event
	for l.rb.Len() > 0 && (max <= 0 || len(out) < max) {
		item, err := l.rb.Get()
		if err != nil {
			break
		}
		out = append(out, item.(syncobj.Event))
	}
	return out
}

// Len returns the number of buffered events.
func (l *Log) Len() int {
	return int(l.rb.Len())
}

// Cap returns the ring capacity.
func (l *Log) Cap() int {
	return int(l.rb.Cap())
}

// Dropped returns how many events were discarded because the ring was full.
func (l *Log) Dropped() uint64 {
	return l.dropped.Load()
}

// Close disposes the ring. Later events are counted as dropped.
func (l *Log) Close() {
	l.rb.Dispose()
}
