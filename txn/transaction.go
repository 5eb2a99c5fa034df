// Package txn implements the engine's unit of work (spec.md §4.5
// Transaction): a read or read-write view over the store that stages
// every copy-on-write page in memory and only touches the data file when
// it commits. It is the concrete *btree.PageSource the btree package
// works against, generalizing the teacher engine's direct
// Pager.MarkDirty/FreePage calls (which mutated pages where they sat)
// into the allocate-a-new-page-number discipline copy-on-write requires.
package txn

import (
	"fmt"
	"sync"

	"github.com/intellect4all/cowkv/btree"
	"github.com/intellect4all/cowkv/page"
	"github.com/intellect4all/cowkv/pager"
)

// Transaction is the btree package's PageSource; asserted here so a
// signature drift in either package fails to compile instead of
// surfacing as a runtime interface-satisfaction error.
var _ btree.PageSource = (*Transaction)(nil)

// Allocator is the free-space source a transaction draws fresh page
// numbers from (implemented by *bitmap.FreeSpaceBitmap, wrapped by
// kvenv.Environment so txn never imports bitmap directly).
type Allocator interface {
	TryAllocate(n int) (start int, ok bool)
	MarkPage(i int, free bool)
}

// Transaction is one ACID unit of work. Read transactions never mutate
// dirty/freed and so never block the single writer; a ReadWrite
// transaction is handed the writer's exclusive permit by the environment
// that created it and must call Commit or Rollback exactly once.
type Transaction struct {
	mu sync.Mutex

	id       uint64
	readOnly bool

	pager *pager.Pager
	alloc Allocator

	dirty map[uint32]*page.Page
	freed []uint32

	bumpNext uint32
	version  uint32

	done bool
}

// New constructs a transaction. bumpNext is the first page number this
// transaction may hand out via its own EOF-bump fallback when alloc has
// no free run of the requested size (or is nil, for environments with no
// bitmap wired up yet); callers pass pager.NumberOfAllocatedPages() from
// the moment the transaction began.
func New(id uint64, p *pager.Pager, alloc Allocator, readOnly bool, bumpNext uint32) *Transaction {
	return &Transaction{
		id:       id,
		readOnly: readOnly,
		pager:    p,
		alloc:    alloc,
		dirty:    make(map[uint32]*page.Page),
		bumpNext: bumpNext,
	}
}

// ID is the transaction's monotonic identifier (spec.md §3 "transaction
// id", used for snapshot isolation bookkeeping by the environment).
func (tx *Transaction) ID() uint64 { return tx.id }

// ReadOnly reports whether this transaction may mutate pages.
func (tx *Transaction) ReadOnly() bool { return tx.readOnly }

// GetPage returns pg's current contents: this transaction's own CoW copy
// if it already has one, otherwise the committed copy from the pager.
func (tx *Transaction) GetPage(pageNo uint32) (*page.Page, error) {
	tx.mu.Lock()
	if pg, ok := tx.dirty[pageNo]; ok {
		tx.mu.Unlock()
		return pg, nil
	}
	tx.mu.Unlock()
	return tx.pager.Get(pageNo)
}

// ModifyPage returns a copy of pageNo that this transaction owns
// exclusively. The first call against a given page number clones it
// under a freshly allocated page number and marks the original free
// (spec.md §4.4 copy-on-write); subsequent calls against a number this
// transaction already owns are idempotent, since nobody else can have
// observed it yet.
func (tx *Transaction) ModifyPage(pageNo uint32) (*page.Page, error) {
	if tx.readOnly {
		return nil, fmt.Errorf("txn: read-only transaction cannot modify page %d", pageNo)
	}

	tx.mu.Lock()
	if pg, ok := tx.dirty[pageNo]; ok {
		tx.mu.Unlock()
		return pg, nil
	}
	tx.mu.Unlock()

	orig, err := tx.pager.Get(pageNo)
	if err != nil {
		return nil, err
	}

	newNo := tx.allocatePageNo(1)
	cp := orig.Clone(newNo)

	tx.mu.Lock()
	tx.dirty[newNo] = cp
	tx.freed = append(tx.freed, pageNo)
	tx.mu.Unlock()

	return cp, nil
}

// AllocatePage hands out a brand new page, owned by this transaction
// from the moment it's created.
func (tx *Transaction) AllocatePage(flags byte) (*page.Page, error) {
	if tx.readOnly {
		return nil, fmt.Errorf("txn: read-only transaction cannot allocate pages")
	}
	no := tx.allocatePageNo(1)
	p := page.New(no, flags)

	tx.mu.Lock()
	tx.dirty[no] = p
	tx.mu.Unlock()
	return p, nil
}

// FreePage releases pageNo back to the free-space handler at commit
// time. A page that was only ever staged in this transaction's dirty map
// (never committed) is simply dropped rather than handed to the
// allocator, since it was never visible on disk.
func (tx *Transaction) FreePage(pageNo uint32) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if _, ok := tx.dirty[pageNo]; ok {
		delete(tx.dirty, pageNo)
		return
	}
	tx.freed = append(tx.freed, pageNo)
}

// overflowPayloadSize is the usable byte capacity of one overflow page
// (spec.md §3 "Overflow chain": contiguous pages, each contributing
// everything past its header).
const overflowPayloadSize = page.Size - page.HeaderSize

// AllocateOverflow writes data across a freshly allocated run of
// contiguous overflow pages and returns the run's starting page number.
func (tx *Transaction) AllocateOverflow(data []byte) (uint32, error) {
	if tx.readOnly {
		return 0, fmt.Errorf("txn: read-only transaction cannot allocate pages")
	}
	count := (len(data) + overflowPayloadSize - 1) / overflowPayloadSize
	if count == 0 {
		count = 1
	}
	start := tx.allocatePageNo(count)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	for i := 0; i < count; i++ {
		no := start + uint32(i)
		p := page.New(no, page.FlagOverflow)
		lo := i * overflowPayloadSize
		hi := lo + overflowPayloadSize
		if hi > len(data) {
			hi = len(data)
		}
		copy(p.OverflowBytes(), data[lo:hi])
		if i == 0 {
			p.SetOverflowTotalSize(uint32(len(data)))
		}
		tx.dirty[no] = p
	}
	return start, nil
}

// ReadOverflow reconstructs a value spread across the contiguous run
// beginning at start.
func (tx *Transaction) ReadOverflow(start uint32, length int) ([]byte, error) {
	count := (length + overflowPayloadSize - 1) / overflowPayloadSize
	out := make([]byte, 0, length)
	for i := 0; i < count; i++ {
		pg, err := tx.GetPage(start + uint32(i))
		if err != nil {
			return nil, err
		}
		lo := i * overflowPayloadSize
		hi := lo + overflowPayloadSize
		if hi > length {
			hi = length
		}
		out = append(out, pg.OverflowBytes()[:hi-lo]...)
	}
	return out, nil
}

// FreeOverflow releases every page in the run beginning at start.
func (tx *Transaction) FreeOverflow(start uint32, length int) {
	count := (length + overflowPayloadSize - 1) / overflowPayloadSize
	for i := 0; i < count; i++ {
		tx.FreePage(start + uint32(i))
	}
}

// NextVersion hands out a counter that starts at 1 in every transaction
// and rises by one per call, stamped onto Data and MultiValuePageRef
// nodes (spec.md §3 "Node version"). Versions written by different
// transactions are not ordered against each other, and nothing in the
// engine reads them back.
func (tx *Transaction) NextVersion() uint32 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.version++
	return tx.version
}

func (tx *Transaction) allocatePageNo(n int) uint32 {
	if tx.alloc != nil {
		if start, ok := tx.alloc.TryAllocate(n); ok {
			return uint32(start)
		}
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	start := tx.bumpNext
	tx.bumpNext += uint32(n)
	return start
}

// DirtyPages returns every page this transaction staged, in no
// particular order; the committing environment writes each to the
// pager and then publishes the new root/header state.
func (tx *Transaction) DirtyPages() []*page.Page {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]*page.Page, 0, len(tx.dirty))
	for _, pg := range tx.dirty {
		out = append(out, pg)
	}
	return out
}

// FreedPages returns the page numbers this transaction released,
// released to the allocator once no older reader can still see them.
func (tx *Transaction) FreedPages() []uint32 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]uint32(nil), tx.freed...)
}

// HighWaterMark is the first page number this transaction's bump cursor
// did not hand out; the committing environment records it, minus one, as
// the file header's LastPageNum.
func (tx *Transaction) HighWaterMark() uint32 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.bumpNext
}

// MarkDone records that Commit or Rollback has already run, so the
// environment can reject a second call.
func (tx *Transaction) MarkDone() (already bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	already = tx.done
	tx.done = true
	return already
}

// Discard drops every staged page without writing anything to the
// pager — a rollback needs no more than this, since nothing a
// transaction builds is visible outside it until the environment copies
// DirtyPages() to disk.
func (tx *Transaction) Discard() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.dirty = nil
	tx.freed = nil
}
