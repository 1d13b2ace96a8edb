package shm

import (
	"sync/atomic"
	"unsafe"
)

// WordAt returns a pointer to the 32-bit word at off in b.
func WordAt(b []byte, off int) (*uint32, error) {
	if off < 0 || off+4 > len(b) || off%4 != 0 {
		return nil, ErrMisaligned
	}
	p := (*uint32)(unsafe.Pointer(&b[off]))
	if uintptr(unsafe.Pointer(p))%4 != 0 {
		return nil, ErrMisaligned
	}
	return p, nil
}

// AtomicLoadUint32 loads a word from shared memory atomically.
func AtomicLoadUint32(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// AtomicStoreUint32 stores a word to shared memory atomically.
func AtomicStoreUint32(addr *uint32, val uint32) {
	atomic.StoreUint32(addr, val)
}

// AtomicCompareAndSwapUint32 compares and swaps a word in shared memory atomically.
func AtomicCompareAndSwapUint32(addr *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(addr, old, new)
}
