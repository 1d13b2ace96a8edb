package shm

import (
	internalshm "github.com/srediag/shmsync/internal/shm"
)

// SlotSize is the byte size of one slot: two 32-bit words.
const SlotSize = 8

// Slot is a view of one slot inside an installed page. The meaning of the
// two words belongs to the object kind that owns the slot.
type Slot struct {
	index uint32
	low   *uint32
	high  *uint32
}

func newSlot(index uint32, page []byte, off int) (Slot, error) {
	low, err := internalshm.WordAt(page, off)
	if err != nil {
		return Slot{}, err
	}
	high, err := internalshm.WordAt(page, off+4)
	if err != nil {
		return Slot{}, err
	}
	return Slot{index: index, low: low, high: high}, nil
}

// Index returns the slot index.
func (s Slot) Index() uint32 {
	return s.index
}

// Valid reports whether s refers to mapped memory.
func (s Slot) Valid() bool {
	return s.low != nil && s.high != nil
}

// Load reads both words. Each word is read atomically, the pair is not.
func (s Slot) Load() (low, high int32) {
	return int32(internalshm.AtomicLoadUint32(s.low)), int32(internalshm.AtomicLoadUint32(s.high))
}

// Store writes both words, low first.
func (s Slot) Store(low, high int32) {
	internalshm.AtomicStoreUint32(s.low, uint32(low))
	internalshm.AtomicStoreUint32(s.high, uint32(high))
}

// Words exposes the word addresses for futex waits.
func (s Slot) Words() (low, high *uint32) {
	return s.low, s.high
}

// Wake wakes up to n waiters on each word and returns the total woken.
func (s Slot) Wake(n int) (int, error) {
	a, err := internalshm.FutexWake(s.low, n)
	if err != nil {
		return a, err
	}
	b, err := internalshm.FutexWake(s.high, n)
	return a + b, err
}

// SlotOf views the first SlotSize bytes of b as slot index. b must stay
// alive and 4-byte aligned while the view is used.
func SlotOf(index uint32, b []byte) (Slot, error) {
	if len(b) < SlotSize {
		return Slot{}, internalshm.ErrMisaligned
	}
	return newSlot(index, b, 0)
}
