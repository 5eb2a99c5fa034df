// Package pager abstracts the data file as an array of fixed-size pages,
// generalizing the teacher engine's Pager (container/list LRU cache plus
// a single in-place metadata page) into the contract spec.md §4.1/§6
// requires: pin a page by number, extend the file, write at a page's
// native or an explicit target number (for copy-on-write relocation),
// range-flush, full fsync, and hand out a scratch "temp page" used by the
// commit path when building the next file header.
package pager

import (
	"container/list"
	"fmt"
	"os"
	"sync"

	"github.com/intellect4all/cowkv/page"
)

const (
	PageSize = page.Size

	// HeaderPageA/HeaderPageB are the two alternating file-header slots;
	// data begins at DataStartPage (spec.md §6).
	HeaderPageA   = 0
	HeaderPageB   = 1
	DataStartPage = 2
)

// Stats mirrors the teacher's Pager.stats counters; the environment
// reports PageReads and PageWrites through Environment.Stats.
type Stats struct {
	PageReads  int64
	PageWrites int64
	CacheHits  int64
	BytesWritten int64
}

type lruEntry struct{ pageNo uint32 }

// Pager is safe for concurrent Get calls once a page is in cache; writes
// are serialized by the caller (the environment's single-writer lock).
type Pager struct {
	file *os.File
	mu   sync.RWMutex

	cache     map[uint32]*page.Page
	lru       *list.List
	lruMap    map[uint32]*list.Element
	cacheSize int

	numPages uint32
	closed   bool
	stats    Stats
}

// Open opens filename, creating it if absent. The returned bool reports
// whether the file was freshly created (size 0), so the caller
// (kvenv.Environment) knows whether to lay down fresh headers or recover.
func Open(filename string, cacheSize int) (p *Pager, fresh bool, err error) {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, false, err
	}

	pg := &Pager{
		file:      file,
		cache:     make(map[uint32]*page.Page),
		lru:       list.New(),
		lruMap:    make(map[uint32]*list.Element),
		cacheSize: cacheSize,
	}

	if info.Size() == 0 {
		return pg, true, nil
	}

	pg.numPages = uint32(info.Size() / PageSize)
	return pg, false, nil
}

// NumberOfAllocatedPages is the current file size in whole pages.
func (p *Pager) NumberOfAllocatedPages() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.numPages
}

// EnsureContinuous extends the file, if necessary, so that pages
// [first, first+count) are backed by storage.
func (p *Pager) EnsureContinuous(first uint32, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureContinuousLocked(first, count)
}

func (p *Pager) ensureContinuousLocked(first uint32, count int) error {
	needed := first + uint32(count)
	if needed <= p.numPages {
		return nil
	}
	return p.allocateMorePagesLocked(needed)
}

// AllocateMorePages grows the file so it holds at least newLength pages.
func (p *Pager) AllocateMorePages(newLength uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocateMorePagesLocked(newLength)
}

func (p *Pager) allocateMorePagesLocked(newLength uint32) error {
	if newLength <= p.numPages {
		return nil
	}
	if err := p.file.Truncate(int64(newLength) * PageSize); err != nil {
		return fmt.Errorf("pager: extend to %d pages: %w", newLength, err)
	}
	p.numPages = newLength
	return nil
}

// Get loads page pageNo, preferring the cache. Returned pages must not be
// mutated by callers that don't own them (the transaction's dirty map
// holds the only mutable copies; this path is for read-only views).
func (p *Pager) Get(pageNo uint32) (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, os.ErrClosed
	}

	if pg, ok := p.cache[pageNo]; ok {
		if elem, ok := p.lruMap[pageNo]; ok {
			p.lru.MoveToFront(elem)
		}
		p.stats.CacheHits++
		return pg, nil
	}

	pg, err := p.readPageLocked(pageNo)
	if err != nil {
		return nil, err
	}
	p.addToCacheLocked(pageNo, pg)
	return pg, nil
}

func (p *Pager) readPageLocked(pageNo uint32) (*page.Page, error) {
	if pageNo >= p.numPages {
		return nil, fmt.Errorf("pager: page %d out of bounds (have %d)", pageNo, p.numPages)
	}
	buf := make([]byte, PageSize)
	n, err := p.file.ReadAt(buf, int64(pageNo)*PageSize)
	if err != nil {
		return nil, err
	}
	if n != PageSize {
		return nil, fmt.Errorf("pager: short read for page %d", pageNo)
	}
	p.stats.PageReads++
	return page.Load(pageNo, buf)
}

func (p *Pager) addToCacheLocked(pageNo uint32, pg *page.Page) {
	if p.lru.Len() >= p.cacheSize && p.cacheSize > 0 {
		p.evictLocked()
	}
	p.cache[pageNo] = pg
	elem := p.lru.PushFront(&lruEntry{pageNo: pageNo})
	p.lruMap[pageNo] = elem
}

// evictLocked drops the least-recently-used clean page. Dirty pages in
// this engine belong to an in-flight transaction, not the pager cache, so
// nothing here needs to flush before eviction.
func (p *Pager) evictLocked() {
	elem := p.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*lruEntry)
	delete(p.cache, entry.pageNo)
	delete(p.lruMap, entry.pageNo)
	p.lru.Remove(elem)
}

// Write copies pg into the data file at its own page number.
func (p *Pager) Write(pg *page.Page) error {
	return p.WriteAt(pg, pg.No())
}

// WriteAt copies pg into the data file at an explicit target page number,
// used by copy-on-write relocation and by journal application.
func (p *Pager) WriteAt(pg *page.Page, target uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureContinuousLocked(target, 1); err != nil {
		return err
	}

	if _, err := p.file.WriteAt(pg.Data(), int64(target)*PageSize); err != nil {
		return err
	}
	p.stats.PageWrites++
	p.stats.BytesWritten += PageSize

	// Keep the cache coherent: invalidate any stale copy under the target
	// number so a subsequent Get re-reads what was just written.
	if old, ok := p.cache[target]; ok && old != pg {
		delete(p.cache, target)
		if elem, ok := p.lruMap[target]; ok {
			p.lru.Remove(elem)
			delete(p.lruMap, target)
		}
	}
	return nil
}

// Flush is a range flush: for this pager (no separate OS page cache to
// reconcile) it is a no-op placeholder kept for contract symmetry with
// a memory-mapped implementation, where it would msync a byte range.
func (p *Pager) Flush(firstPage uint32, count int) error {
	return nil
}

// Sync performs a full fsync of the underlying file.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return os.ErrClosed
	}
	return p.file.Sync()
}

// TempPage returns a scratch page, used by the commit path when building
// the next file header before it has a permanent page number.
func (p *Pager) TempPage() *page.Page {
	return page.New(0, 0)
}

// Stats snapshots the pager's read/write/cache counters.
func (p *Pager) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Close syncs and closes the underlying file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if err := p.file.Sync(); err != nil {
		return err
	}
	if err := p.file.Close(); err != nil {
		return err
	}
	p.closed = true
	return nil
}
