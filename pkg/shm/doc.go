// Package shm owns the shared memory region that backs sync object slots.
//
// The region is one segment file sized in whole pages. It only ever grows.
// Pages are mapped into the process lazily, one at a time, the first time a
// slot on that page is resolved. Concurrent resolvers of the same page race
// with a compare-and-swap, and the loser unmaps its redundant mapping. Once a
// page is installed its mapping stays valid until Close.
//
// Each slot is 8 bytes, two 32-bit words, at byte offset index*8:
//
//	r, err := shm.Create(shm.Config{Dir: "/dev/shm", Name: "shmsync-1a2b-sync"})
//	if err != nil {
//		// fatal at startup
//	}
//	if err := r.EnsureCapacity(int64(idx+1) * shm.SlotSize); err != nil {
//		// only this request fails
//	}
//	slot, err := r.Resolve(idx)
//	slot.Store(5, 0)
package shm
