package shm

import "sync/atomic"

const chunkPages = 256

type mappedPage struct {
	data []byte
}

type pageChunk [chunkPages]atomic.Pointer[mappedPage]

// pageTable maps page number to its installed mapping. The outer directory
// is republished on growth with copied chunk pointers. Chunks are never
// replaced, so a reader holding an old directory sees the same entries.
type pageTable struct {
	dir atomic.Pointer[[]*pageChunk]
}

func (t *pageTable) lookup(page int64) *mappedPage {
	d := t.dir.Load()
	if d == nil {
		return nil
	}
	ci := page / chunkPages
	if ci >= int64(len(*d)) {
		return nil
	}
	return (*d)[ci][page%chunkPages].Load()
}

// chunk returns the chunk covering page, growing the directory if needed.
func (t *pageTable) chunk(page int64) *pageChunk {
	ci := int(page / chunkPages)
	for {
		old := t.dir.Load()
		var cur []*pageChunk
		if old != nil {
			cur = *old
		}
		if ci < len(cur) {
			return cur[ci]
		}
		n := 2 * len(cur)
		if n <= ci {
			n = ci + 1
		}
		grown := make([]*pageChunk, n)
		copy(grown, cur)
		for i := len(cur); i < n; i++ {
			grown[i] = new(pageChunk)
		}
		if t.dir.CompareAndSwap(old, &grown) {
			return grown[ci]
		}
	}
}

// install sets the entry for page if unset. It returns the retained mapping
// and whether mp is it.
func (t *pageTable) install(page int64, mp *mappedPage) (*mappedPage, bool) {
	entry := &t.chunk(page)[page%chunkPages]
	if entry.CompareAndSwap(nil, mp) {
		return mp, true
	}
	return entry.Load(), false
}

// capacity is the number of pages the directory currently covers.
func (t *pageTable) capacity() int {
	d := t.dir.Load()
	if d == nil {
		return 0
	}
	return len(*d) * chunkPages
}

func (t *pageTable) each(fn func(page int64, mp *mappedPage)) {
	d := t.dir.Load()
	if d == nil {
		return
	}
	for ci, c := range *d {
		for i := range c {
			if mp := c[i].Load(); mp != nil {
				fn(int64(ci*chunkPages+i), mp)
			}
		}
	}
}
