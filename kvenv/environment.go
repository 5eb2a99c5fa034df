// Package kvenv implements the storage environment (spec.md §4.7): the
// façade that owns one data file plus its journal directory, hands out
// read and read-write transactions, and owns the catalog of named trees
// living inside the root tree. It plays the role the teacher engine
// splits between its demo's direct btree.New(path) call and the
// multi-engine StorageEngine interface in common/types.go, generalized
// to this engine's double-buffered header, free-space bitmap, and
// journal.
package kvenv

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/intellect4all/cowkv/bitmap"
	"github.com/intellect4all/cowkv/btree"
	"github.com/intellect4all/cowkv/common"
	"github.com/intellect4all/cowkv/page"
	"github.com/intellect4all/cowkv/pager"
	"github.com/intellect4all/cowkv/txn"
	"github.com/intellect4all/cowkv/wal"
)

const (
	// bitmapRegionPages is how many pages each of the two free-space
	// bitmap buffers occupies; sized generously for a demo/test-scale
	// database rather than computed from an expected file size (see
	// DESIGN.md "free-space bitmap region sizing").
	bitmapRegionPages = 16

	frontBufferStart = pager.HeaderPageB + 1
	backBufferStart  = frontBufferStart + bitmapRegionPages
	// DataStartPage is where this environment's layout actually begins
	// handing out pages, past both header slots and both bitmap buffers.
	DataStartPage = backBufferStart + bitmapRegionPages

	pagerCacheSize = 4096
)

// Environment is safe for concurrent use: reads never block on the
// writer permit, and at most one ReadWrite transaction is ever open at a
// time (spec.md §3 "single writer, multiple readers").
type Environment struct {
	mu sync.Mutex

	path    string
	pager   *pager.Pager
	journal *wal.Journal
	logger  zerolog.Logger

	writerSem chan struct{}

	nextTxnID     uint64
	activeReaders map[uint64]struct{}

	instanceID [16]byte

	header     pager.FileHeader
	headerSlot uint32

	bitmapBuf   [2][]byte
	bitmaps     [2]*bitmap.FreeSpaceBitmap
	frontIsZero bool // true when bitmaps[0] is the currently-active generation

	catalog *btree.Tree // the root tree; its entries are named trees' TreeHeaders

	lock    *processLock
	metrics *metrics
}

// Open opens or creates the database rooted at path (a directory holding
// the data file and the journal subdirectory). By default no metrics are
// registered; pass WithMetrics to expose Prometheus collectors.
func Open(path string, opts ...Option) (*Environment, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}

	lock, err := acquireProcessLock(filepath.Join(path, "LOCK"))
	if err != nil {
		return nil, err
	}

	dataFile := filepath.Join(path, "data.cowkv")

	p, fresh, err := pager.Open(dataFile, pagerCacheSize)
	if err != nil {
		lock.release()
		return nil, err
	}

	j, err := wal.Open(filepath.Join(path, "journal"))
	if err != nil {
		p.Close()
		lock.release()
		return nil, err
	}

	env := &Environment{
		path:          path,
		pager:         p,
		journal:       j,
		logger:        log.With().Str("component", "kvenv").Str("path", path).Logger(),
		writerSem:     make(chan struct{}, 1),
		activeReaders: make(map[uint64]struct{}),
		lock:          lock,
		metrics:       newMetrics(o.registry),
	}
	env.writerSem <- struct{}{}

	if fresh {
		if err := env.initFresh(); err != nil {
			p.Close()
			lock.release()
			return nil, err
		}
		env.logger.Info().Msg("initialized new database")
	} else {
		if err := env.recover(); err != nil {
			p.Close()
			lock.release()
			return nil, err
		}
		env.logger.Info().Uint64("txn_id", env.header.TransactionID).Msg("opened existing database")
	}

	return env, nil
}

func (env *Environment) initFresh() error {
	if err := env.pager.EnsureContinuous(0, DataStartPage); err != nil {
		return err
	}

	for i := 0; i < 2; i++ {
		env.bitmapBuf[i] = make([]byte, bitmapRegionPages*pager.PageSize)
	}
	probe, err := bitmap.New(env.bitmapBuf[0], 0, len(env.bitmapBuf[0]), 0, pager.PageSize)
	if err != nil {
		return err
	}
	tracked := probe.MaxNumberOfPages()
	for i := 0; i < 2; i++ {
		bm, err := bitmap.New(env.bitmapBuf[i], 0, len(env.bitmapBuf[i]), tracked, pager.PageSize)
		if err != nil {
			return err
		}
		env.bitmaps[i] = bm
	}
	env.frontIsZero = true

	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	copy(env.instanceID[:], id[:])

	bootstrap := txn.New(0, env.pager, nil, false, DataStartPage)
	root, err := btree.New(bootstrap, "")
	if err != nil {
		return err
	}
	if err := env.writePages(bootstrap.DirtyPages()); err != nil {
		return err
	}
	env.catalog = root
	env.nextTxnID = 1

	env.header = pager.FileHeader{
		Magic:   pager.Magic,
		Version: pager.Version,
		FreeSpace: pager.FreeSpaceHeader{
			FrontBufferPage: frontBufferStart,
			BackBufferPage:  backBufferStart,
			ActiveIsFront:   true,
			TrackedPages:    uint32(tracked),
			RegionPages:     bitmapRegionPages,
		},
		InstanceID: env.instanceID,
		RootTree:   pager.TreeHeader{RootPage: root.Root, Depth: root.Depth, PageCount: root.PageCount, EntryCount: root.EntryCount},
	}
	if err := env.persistBitmaps(); err != nil {
		return err
	}
	env.headerSlot = pager.HeaderPageA
	if err := pager.WriteHeader(env.pager, env.headerSlot, &env.header); err != nil {
		return err
	}
	return env.pager.Sync()
}

func (env *Environment) recover() error {
	ha, errA := pager.ReadHeader(env.pager, pager.HeaderPageA)
	hb, errB := pager.ReadHeader(env.pager, pager.HeaderPageB)

	var current *pager.FileHeader
	var slot uint32
	switch {
	case errA == nil && errB == nil:
		if ha.TransactionID >= hb.TransactionID {
			current, slot = ha, pager.HeaderPageA
		} else {
			current, slot = hb, pager.HeaderPageB
		}
	case errA == nil:
		current, slot = ha, pager.HeaderPageA
	case errB == nil:
		current, slot = hb, pager.HeaderPageB
	default:
		return fmt.Errorf("kvenv: no valid file header: %w / %w", errA, errB)
	}

	env.header = *current
	env.headerSlot = slot
	env.instanceID = current.InstanceID
	env.nextTxnID = current.TransactionID + 1
	env.frontIsZero = current.FreeSpace.ActiveIsFront

	for i, pageStart := range []uint32{current.FreeSpace.FrontBufferPage, current.FreeSpace.BackBufferPage} {
		buf := make([]byte, int(current.FreeSpace.RegionPages)*pager.PageSize)
		for pi := 0; pi < int(current.FreeSpace.RegionPages); pi++ {
			pg, err := env.pager.Get(pageStart + uint32(pi))
			if err != nil {
				return err
			}
			copy(buf[pi*pager.PageSize:], pg.Data())
		}
		env.bitmapBuf[i] = buf
		bm, err := bitmap.New(buf, 0, len(buf), int(current.FreeSpace.TrackedPages), pager.PageSize)
		if err != nil {
			return err
		}
		env.bitmaps[i] = bm
	}

	env.catalog = &btree.Tree{
		Root:       current.RootTree.RootPage,
		Depth:      current.RootTree.Depth,
		PageCount:  current.RootTree.PageCount,
		EntryCount: current.RootTree.EntryCount,
	}

	return env.replayJournal()
}

// replayJournal applies every page image still sitting in the journal
// onto the data file. At startup no reader has a snapshot older than
// this recovery pass, so every committed record is safe to apply
// immediately (there is no "oldest active reader" to wait on yet).
func (env *Environment) replayJournal() error {
	applier := wal.NewApplier(env.journal, func(pg *page.Page) error {
		return env.pager.WriteAt(pg, pg.No())
	})
	for {
		applied, err := applier.ApplyOldest(env.nextTxnID)
		if err != nil {
			return err
		}
		if !applied {
			break
		}
	}
	return env.pager.Sync()
}

func (env *Environment) activeBitmapIndex() int {
	if env.frontIsZero {
		return 0
	}
	return 1
}

// persistBitmaps writes both bitmap buffers out to their dedicated page
// ranges in full; used only at initial creation. Commit writes neither
// buffer: pages freed or allocated after creation are tracked in memory
// only, and a reopened environment starts from the buffers as last
// written here.
func (env *Environment) persistBitmaps() error {
	starts := [2]uint32{frontBufferStart, backBufferStart}
	for i := 0; i < 2; i++ {
		if err := env.writeBitmapBuffer(starts[i], env.bitmapBuf[i]); err != nil {
			return err
		}
	}
	return nil
}

func (env *Environment) writeBitmapBuffer(start uint32, buf []byte) error {
	for pi := 0; pi*pager.PageSize < len(buf); pi++ {
		chunk := buf[pi*pager.PageSize : (pi+1)*pager.PageSize]
		pg, err := page.Load(start+uint32(pi), chunk)
		if err != nil {
			return err
		}
		if err := env.pager.Write(pg); err != nil {
			return err
		}
	}
	return nil
}

// writePages flushes a transaction's staged pages straight to the data
// file; used for the bootstrap transaction that has no journal or
// commit protocol of its own yet to participate in.
func (env *Environment) writePages(pages []*page.Page) error {
	for _, pg := range pages {
		if err := env.pager.Write(pg); err != nil {
			return err
		}
	}
	return nil
}

// Close syncs and releases every open file, including the advisory
// process lock taken at Open.
func (env *Environment) Close() error {
	env.mu.Lock()
	defer env.mu.Unlock()
	if err := env.journal.Close(); err != nil {
		return err
	}
	if err := env.pager.Close(); err != nil {
		return err
	}
	return env.lock.release()
}

// Stats reports a snapshot of the environment's bookkeeping counters.
//
// WriteAmp and SpaceAmp are both proxies, not the bytes-in/bytes-out
// ratios a disk-resident LSM engine would report (this engine never
// rewrites a page it hasn't newly dirtied, so there is no compaction
// read/write cycle to measure): WriteAmp is data-file page writes per
// committed transaction (every commit writes its dirty set and a header
// slot to the data file; the journal copy of the dirty set goes to a
// separate file and is not counted), and SpaceAmp is allocated pages per
// page not marked free in the active bitmap, which moves whenever a
// commit frees pages or reuses free ones, Compact included.
func (env *Environment) Stats() common.Stats {
	env.mu.Lock()
	defer env.mu.Unlock()
	ps := env.pager.Stats()
	allocated := int64(env.pager.NumberOfAllocatedPages())
	free := int64(env.activeBitmap().CountFree())

	commits := env.header.TransactionID
	var writeAmp float64
	if commits > 0 {
		writeAmp = float64(ps.PageWrites) / float64(commits)
	}

	var spaceAmp float64
	if live := allocated - free; live > 0 {
		spaceAmp = float64(allocated) / float64(live)
	}

	env.metrics.refresh(allocated, free)

	return common.Stats{
		NumKeys:       int64(env.catalog.EntryCount),
		NumTrees:      1,
		NumPages:      allocated,
		FreePages:     free,
		TotalDiskSize: allocated * pager.PageSize,
		WriteCount:    ps.PageWrites,
		ReadCount:     ps.PageReads,
		CommitCount:   int64(commits),
		JournalFiles:  len(env.journal.Files()),
		WriteAmp:      writeAmp,
		SpaceAmp:      spaceAmp,
	}
}

// Backup streams a consistent copy of the data file to w (spec.md §6): a
// write transaction is opened solely to fence header mutation (it holds
// the single writer permit for the duration of the copy, so no commit can
// advance TransactionID or repoint RootTree underneath the copy), a read
// transaction is opened alongside it to fix the page count the copy
// reads up to, pages 0 and 1 are copied verbatim, then pages [2,
// next_page_number) are copied. Neither transaction is committed — both
// are rolled back once the copy finishes.
func (env *Environment) Backup(w io.Writer) error {
	wtx, err := env.NewTransaction(false)
	if err != nil {
		return err
	}
	defer wtx.Rollback()

	rtx, err := env.NewTransaction(true)
	if err != nil {
		return err
	}
	defer rtx.Rollback()

	for _, pn := range []uint32{pager.HeaderPageA, pager.HeaderPageB} {
		pg, err := env.pager.Get(pn)
		if err != nil {
			return err
		}
		if _, err := w.Write(pg.Data()); err != nil {
			return err
		}
	}

	next := env.pager.NumberOfAllocatedPages()
	for pn := uint32(2); pn < next; pn++ {
		pg, err := env.pager.Get(pn)
		if err != nil {
			return err
		}
		if _, err := w.Write(pg.Data()); err != nil {
			return err
		}
	}
	return nil
}
