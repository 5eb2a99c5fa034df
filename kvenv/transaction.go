package kvenv

import (
	"errors"

	"github.com/intellect4all/cowkv/bitmap"
	"github.com/intellect4all/cowkv/btree"
	"github.com/intellect4all/cowkv/common"
	"github.com/intellect4all/cowkv/pager"
	"github.com/intellect4all/cowkv/txn"
	"github.com/intellect4all/cowkv/wal"
)

// Txn is a single unit of work against an Environment: a read
// transaction sees a fixed snapshot of the root tree and never blocks
// the writer; a ReadWrite transaction holds the environment's single
// writer permit until it calls Commit or Rollback.
type Txn struct {
	env      *Environment
	tx       *txn.Transaction
	readOnly bool
	root     btree.Tree // this transaction's private, mutable view of the catalog tree

	journalSnapshot []*wal.JournalFile // acquired at begin, released at Commit/Rollback
}

// NewTransaction begins a transaction. A ReadWrite transaction blocks
// until any other in-flight write transaction has committed or rolled
// back (spec.md §3 "single writer"). It also acquires a reference on
// every journal file present at this moment (spec.md §5 reference
// counting), released when the transaction ends, so the journal applier
// never retires a file this transaction's snapshot could still need.
func (env *Environment) NewTransaction(readOnly bool) (*Txn, error) {
	if !readOnly {
		<-env.writerSem
	}

	env.mu.Lock()
	id := env.nextTxnID
	env.nextTxnID++
	bump := env.pager.NumberOfAllocatedPages()
	rootSnapshot := *env.catalog
	if readOnly {
		env.activeReaders[id] = struct{}{}
	}
	env.mu.Unlock()

	var alloc txn.Allocator
	if !readOnly {
		alloc = env.activeBitmap()
	}

	journalSnapshot := env.journal.AcquireSnapshot()

	t := txn.New(id, env.pager, alloc, readOnly, bump)
	return &Txn{env: env, tx: t, readOnly: readOnly, root: rootSnapshot, journalSnapshot: journalSnapshot}, nil
}

func (env *Environment) activeBitmap() *bitmap.FreeSpaceBitmap {
	return env.bitmaps[env.activeBitmapIndex()]
}

func (env *Environment) endRead(id uint64) {
	env.mu.Lock()
	delete(env.activeReaders, id)
	env.mu.Unlock()
}

func (env *Environment) releaseWriter() { env.writerSem <- struct{}{} }

// OldestActiveReader returns the lowest transaction id among currently
// open read transactions, or the next id to be issued if there are
// none — the boundary the journal applier must stay behind.
func (env *Environment) OldestActiveReader() uint64 {
	env.mu.Lock()
	defer env.mu.Unlock()
	oldest := env.nextTxnID
	for id := range env.activeReaders {
		if id < oldest {
			oldest = id
		}
	}
	return oldest
}

// ID is this transaction's identifier.
func (t *Txn) ID() uint64 { return t.tx.ID() }

// Source exposes the underlying btree.PageSource, for callers that want
// to drive a *btree.Tree directly (e.g. a named tree fetched via
// GetTree).
func (t *Txn) Source() btree.PageSource { return t.tx }

// Get, Put, Delete, and the multi-value operations below all operate on
// the environment's single root tree, matching the embedded-store shape
// spec.md's core modules describe; named trees (CreateTree/GetTree) are
// an additional catalog layered on top of it.
func (t *Txn) Get(key []byte) ([]byte, error) { return t.root.Get(t.tx, key) }

func (t *Txn) Put(key, value []byte) (btree.UpsertOutcome, error) {
	return t.root.Add(t.tx, key, value)
}

func (t *Txn) Delete(key []byte) (bool, error) { return t.root.Delete(t.tx, key) }

func (t *Txn) MultiAdd(key, value []byte) error { return t.root.MultiAdd(t.tx, key, value) }

func (t *Txn) MultiDelete(key, value []byte) (bool, error) { return t.root.MultiDelete(t.tx, key, value) }

func (t *Txn) MultiIterator(key []byte) (*btree.Cursor, error) { return t.root.MultiIterator(t.tx, key) }

func (t *Txn) Cursor() *btree.Cursor { return t.root.Cursor(t.tx) }

// CreateTree adds a new named tree to the catalog.
func (t *Txn) CreateTree(name string) error {
	if t.readOnly {
		return common.ErrReadOnly
	}
	if _, err := t.root.Get(t.tx, []byte(name)); err == nil {
		return common.ErrTreeExists
	} else if !errors.Is(err, btree.ErrKeyNotFound) {
		return err
	}

	sub, err := btree.New(t.tx, name)
	if err != nil {
		return err
	}
	return t.saveTreeHeader(sub)
}

// GetTree loads a named tree's current bookkeeping from the catalog.
func (t *Txn) GetTree(name string) (*btree.Tree, error) {
	buf, err := t.root.Get(t.tx, []byte(name))
	if err != nil {
		if errors.Is(err, btree.ErrKeyNotFound) {
			return nil, common.ErrTreeNotFound
		}
		return nil, err
	}
	th, err := pager.DecodeTreeHeader(buf)
	if err != nil {
		return nil, err
	}
	return &btree.Tree{Name: name, Root: th.RootPage, Depth: th.Depth, PageCount: th.PageCount, EntryCount: th.EntryCount}, nil
}

// SaveTree persists a named tree's current bookkeeping back to the
// catalog; callers must call this after mutating a tree obtained from
// GetTree, since the catalog only stores a point-in-time TreeHeader, not
// a live reference.
func (t *Txn) SaveTree(tr *btree.Tree) error {
	if t.readOnly {
		return common.ErrReadOnly
	}
	return t.saveTreeHeader(tr)
}

func (t *Txn) saveTreeHeader(tr *btree.Tree) error {
	th := pager.TreeHeader{RootPage: tr.Root, Depth: tr.Depth, PageCount: tr.PageCount, EntryCount: tr.EntryCount}
	_, err := t.root.Add(t.tx, []byte(tr.Name), pager.EncodeTreeHeader(th))
	return err
}

// DeleteTree removes a named tree from the catalog. The tree's own
// pages are not reclaimed (see DESIGN.md "named tree deletion").
func (t *Txn) DeleteTree(name string) error {
	if t.readOnly {
		return common.ErrReadOnly
	}
	existed, err := t.root.Delete(t.tx, []byte(name))
	if err != nil {
		return err
	}
	if !existed {
		return common.ErrTreeNotFound
	}
	return nil
}

// Commit durably publishes every change this transaction staged: the
// journal write makes it crash-safe, the direct data-file write (the
// same page images, same page numbers) makes it visible to the next
// transaction without waiting on the journal applier, and the
// alternate-slot header write is what makes either visible at all
// (spec.md §4.5 commit sequence, journal path per §4.6).
func (t *Txn) Commit() error {
	defer t.releaseJournalSnapshot()
	if t.readOnly {
		t.env.endRead(t.tx.ID())
		return nil
	}
	if already := t.tx.MarkDone(); already {
		return common.ErrTxnDone
	}

	dirty := t.tx.DirtyPages()
	freed := t.tx.FreedPages()

	if len(dirty) > 0 {
		if err := t.env.journal.WriteTransaction(t.tx.ID(), dirty); err != nil {
			t.env.releaseWriter()
			return err
		}
		for _, pg := range dirty {
			if err := t.env.pager.WriteAt(pg, pg.No()); err != nil {
				t.env.releaseWriter()
				return err
			}
		}
		if err := t.env.pager.Sync(); err != nil {
			t.env.releaseWriter()
			return err
		}
	}

	active := t.env.activeBitmap()
	for _, pn := range freed {
		active.MarkPage(int(pn), true)
	}

	t.env.mu.Lock()
	t.env.catalog = &btree.Tree{Root: t.root.Root, Depth: t.root.Depth, PageCount: t.root.PageCount, EntryCount: t.root.EntryCount}
	t.env.header.TransactionID++
	t.env.header.RootTree = pager.TreeHeader{RootPage: t.root.Root, Depth: t.root.Depth, PageCount: t.root.PageCount, EntryCount: t.root.EntryCount}
	if hw := t.tx.HighWaterMark(); hw > 0 {
		t.env.header.LastPageNum = hw - 1
	}
	nextSlot := otherSlot(t.env.headerSlot)
	headerCopy := t.env.header
	t.env.mu.Unlock()

	if err := pager.WriteHeader(t.env.pager, nextSlot, &headerCopy); err != nil {
		t.env.releaseWriter()
		return err
	}
	if err := t.env.pager.Sync(); err != nil {
		t.env.releaseWriter()
		return err
	}

	t.env.mu.Lock()
	t.env.headerSlot = nextSlot
	t.env.mu.Unlock()

	t.env.metrics.observeCommit()
	t.env.releaseWriter()
	return nil
}

// Rollback discards every page this transaction staged. Nothing it
// built was ever written to the pager, so this is just bookkeeping.
func (t *Txn) Rollback() error {
	defer t.releaseJournalSnapshot()
	if t.readOnly {
		t.env.endRead(t.tx.ID())
		return nil
	}
	if already := t.tx.MarkDone(); already {
		return common.ErrTxnDone
	}
	t.tx.Discard()
	t.env.releaseWriter()
	return nil
}

// releaseJournalSnapshot releases the reference NewTransaction acquired
// on every journal file present at transaction-begin; idempotent, so a
// second Commit/Rollback call after the first (already rejected via
// ErrTxnDone) doesn't double-release.
func (t *Txn) releaseJournalSnapshot() {
	if t.journalSnapshot == nil {
		return
	}
	_ = wal.ReleaseSnapshot(t.journalSnapshot)
	t.journalSnapshot = nil
}

func otherSlot(slot uint32) uint32 {
	if slot == pager.HeaderPageA {
		return pager.HeaderPageB
	}
	return pager.HeaderPageA
}
