// Package wal implements the engine's write-ahead journal (spec.md §4.6):
// an append-only log of whole committed pages, written and fsynced before
// a commit writes the same pages to the main data file, so that recovery
// can replay them onto that file. ReadPage resolves a page against a
// pinned file snapshot, but the kvenv environment does not call it: it
// reads every page from the data file. It generalizes the teacher
// engine's WAL (btree/wal.go) from byte-range page-write records logged
// against one fixed file into whole-page records spread across a
// sequence of journal files, each carrying its own page-translation
// table, with transactions allowed to span at most two files (spec.md
// §9 "two-file split transaction rule").
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/intellect4all/cowkv/common"
	"github.com/intellect4all/cowkv/page"
)

const (
	magic   = "CWJ1"
	version = 1

	fileHeaderSize = 8 // magic(4) + version(4)

	// Transaction marker bits (spec.md §4.6 tx_marker bitset).
	markerStart  byte = 1 << 0
	markerSplit  byte = 1 << 1
	markerCommit byte = 1 << 2
	// markerHasPage distinguishes a page-image record from a pure
	// transaction-marker record; kept independent of markerStart/Split/
	// Commit since a record can be the transaction's first page AND carry
	// a page image at the same time.
	markerHasPage byte = 1 << 3

	// recordHeaderSize: marker(1) + txid(8) + pageNo(4) + crc(4), followed
	// by page.Size bytes of page image for page records; a pure marker
	// record (commit-only, no page) carries no page payload.
	recordHeaderSize = 1 + 8 + 4 + 4
)

// maxFilesPerTransaction is the two-file split rule: a transaction logs
// into the current file until it fills, rolls to exactly one new file,
// and is rejected if even that isn't enough room.
const maxFilesPerTransaction = 2

// JournalFile is one append-only log segment plus its page-translation
// table: logical page number to the byte offset, within this file,
// where that page's most recent image was written.
type JournalFile struct {
	id   uint64
	path string
	file *os.File

	mu          sync.Mutex
	offset      int64
	translation map[uint32]int64

	refCount int  // transactions (and the applier, while it runs) currently pinning this file
	disposed bool // true once removed; guards against a double release/dispose
}

// Acquire bumps this file's reference count. Callers pair this with
// exactly one Release (spec.md §5: creator/reader/transaction reference
// counting, acquire at transaction-begin, release at transaction-end).
func (jf *JournalFile) Acquire() {
	jf.mu.Lock()
	jf.refCount++
	jf.mu.Unlock()
}

// Release drops a reference acquired via Acquire. Releasing a file that
// is already disposed, or releasing more times than it was acquired, is a
// double-release bug and returns common.ErrObjectDisposed rather than
// corrupting the count.
func (jf *JournalFile) Release() error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if jf.disposed || jf.refCount <= 0 {
		return common.ErrObjectDisposed
	}
	jf.refCount--
	return nil
}

// RefCount reports the current outstanding reference count.
func (jf *JournalFile) RefCount() int {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.refCount
}

// dispose marks the file as retired; any Release after this point is a
// bug (use-after-dispose) and returns common.ErrObjectDisposed. Acquire
// does not check for it.
func (jf *JournalFile) dispose() error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if jf.disposed {
		return common.ErrObjectDisposed
	}
	jf.disposed = true
	return nil
}

func createJournalFile(dir string, id uint64) (*JournalFile, error) {
	path := filepath.Join(dir, fmt.Sprintf("journal-%010d.cwj", id))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("wal: create %s: %w", path, err)
	}
	header := make([]byte, fileHeaderSize)
	copy(header[0:4], magic)
	binary.LittleEndian.PutUint32(header[4:8], version)
	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		return nil, err
	}
	return &JournalFile{id: id, path: path, file: f, offset: fileHeaderSize, translation: make(map[uint32]int64)}, nil
}

func openJournalFile(path string, id uint64) (*JournalFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	header := make([]byte, fileHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, err
	}
	if string(header[0:4]) != magic || binary.LittleEndian.Uint32(header[4:8]) != version {
		f.Close()
		return nil, common.ErrCorruptJournal
	}
	jf := &JournalFile{id: id, path: path, file: f, translation: make(map[uint32]int64)}
	if err := jf.rebuildTranslation(); err != nil {
		f.Close()
		return nil, err
	}
	return jf, nil
}

// rebuildTranslation replays every well-formed record in the file to
// reconstruct the translation table, stopping at the first truncated or
// checksum-mismatched record (a torn write from a crash mid-append).
func (jf *JournalFile) rebuildTranslation() error {
	off := int64(fileHeaderSize)
	for {
		rec, next, err := readRecordAt(jf.file, off)
		if err != nil {
			if err == io.EOF || err == common.ErrCorruptJournal {
				break
			}
			return err
		}
		if rec.hasPage {
			jf.translation[rec.pageNo] = off
		}
		off = next
	}
	jf.offset = off
	return nil
}

type record struct {
	marker  byte
	txid    uint64
	pageNo  uint32
	hasPage bool
	data    []byte // page.Size bytes when hasPage
}

func (r *record) encode() []byte {
	payloadLen := 0
	if r.hasPage {
		payloadLen = page.Size
	}
	buf := make([]byte, recordHeaderSize+payloadLen)
	buf[0] = r.marker
	binary.LittleEndian.PutUint64(buf[1:9], r.txid)
	binary.LittleEndian.PutUint32(buf[9:13], r.pageNo)
	if r.hasPage {
		copy(buf[recordHeaderSize:], r.data)
	}
	crc := crc32.ChecksumIEEE(buf[:recordHeaderSize-4])
	if r.hasPage {
		crc = crc32.Update(crc, crc32.IEEETable, r.data)
	}
	binary.LittleEndian.PutUint32(buf[13:17], crc)
	return buf
}

// readRecordAt decodes one record starting at off, returning the offset
// just past it. Whether a page image follows the header is read off the
// markerHasPage bit, not inferred from other fields.
func readRecordAt(f *os.File, off int64) (*record, int64, error) {
	head := make([]byte, recordHeaderSize)
	if _, err := f.ReadAt(head, off); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, off, io.EOF
		}
		return nil, off, err
	}
	marker := head[0]
	hasPage := marker&markerHasPage != 0

	if !hasPage {
		crc := crc32.ChecksumIEEE(head[:recordHeaderSize-4])
		if binary.LittleEndian.Uint32(head[13:17]) != crc {
			return nil, off, common.ErrCorruptJournal
		}
		return &record{marker: marker, txid: binary.LittleEndian.Uint64(head[1:9]), pageNo: binary.LittleEndian.Uint32(head[9:13])}, off + recordHeaderSize, nil
	}

	data := make([]byte, page.Size)
	if _, err := f.ReadAt(data, off+recordHeaderSize); err != nil {
		return nil, off, io.EOF
	}
	crc := crc32.ChecksumIEEE(head[:recordHeaderSize-4])
	crc = crc32.Update(crc, crc32.IEEETable, data)
	if binary.LittleEndian.Uint32(head[13:17]) != crc {
		return nil, off, common.ErrCorruptJournal
	}
	return &record{
		marker:  marker,
		txid:    binary.LittleEndian.Uint64(head[1:9]),
		pageNo:  binary.LittleEndian.Uint32(head[9:13]),
		hasPage: true,
		data:    data,
	}, off + recordHeaderSize + page.Size, nil
}

func (jf *JournalFile) appendPage(txid uint64, first bool, pg *page.Page) error {
	jf.mu.Lock()
	defer jf.mu.Unlock()

	m := markerHasPage
	if first {
		m |= markerStart
	}
	r := &record{marker: m, txid: txid, pageNo: pg.No(), hasPage: true, data: pg.Data()}
	buf := r.encode()
	if _, err := jf.file.WriteAt(buf, jf.offset); err != nil {
		return err
	}
	jf.translation[pg.No()] = jf.offset
	jf.offset += int64(len(buf))
	return nil
}

func (jf *JournalFile) appendCommitMarker(txid uint64, split bool) error {
	jf.mu.Lock()
	defer jf.mu.Unlock()

	m := markerCommit
	if split {
		m |= markerSplit
	}
	r := &record{marker: m, txid: txid}
	buf := r.encode()
	if _, err := jf.file.WriteAt(buf, jf.offset); err != nil {
		return err
	}
	jf.offset += int64(len(buf))
	return nil
}

func (jf *JournalFile) readPage(pageNo uint32) (*page.Page, bool, error) {
	jf.mu.Lock()
	off, ok := jf.translation[pageNo]
	jf.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	rec, _, err := readRecordAt(jf.file, off)
	if err != nil {
		return nil, false, err
	}
	pg, err := page.Load(pageNo, rec.data)
	return pg, true, err
}

func (jf *JournalFile) sync() error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.file.Sync()
}

func (jf *JournalFile) size() int64 {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.offset
}

func (jf *JournalFile) close() error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.file.Close()
}

func (jf *JournalFile) remove() error {
	return os.Remove(jf.path)
}

// rollOverSize is when a journal file is considered full and the next
// page written, whether of the current transaction or a later one, starts
// a new file (comfortably under a
// typical filesystem's preferred extent size). A var, not a const, so
// tests can shrink it to exercise the split/too-large paths without
// writing tens of megabytes per case.
var rollOverSize int64 = 64 * 1024 * 1024

// Journal owns the ordered sequence of journal files and the currently
// open write file. Readers pin the list of files present at the moment
// their transaction began (spec.md §3 "snapshot isolation"). Only the
// list is pinned: a file's translation table keeps changing as later
// commits append to that file.
type Journal struct {
	mu    sync.Mutex
	dir   string
	files []*JournalFile
	seq   uint64
}

// Open discovers existing journal files under dir (if any) in id order.
// It creates no file itself: the first WriteTransaction does that.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	entries, err := filepath.Glob(filepath.Join(dir, "journal-*.cwj"))
	if err != nil {
		return nil, err
	}
	j := &Journal{dir: dir}
	for i, path := range entries {
		id := uint64(i + 1)
		jf, err := openJournalFile(path, id)
		if err != nil {
			return nil, err
		}
		j.files = append(j.files, jf)
		j.seq = id
	}
	return j, nil
}

// Files returns the current file list without pinning it; used by callers
// that only want to inspect the list (e.g. Stats), not hold it open.
func (j *Journal) Files() []*JournalFile {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*JournalFile(nil), j.files...)
}

// AcquireSnapshot returns the file list present right now with each
// file's reference count bumped for the caller, pinning them against
// ApplyOldest's removal until a matching ReleaseSnapshot (spec.md §3/§5:
// a transaction's snapshot is the file list plus translation tables as
// of transaction-begin, and journal files live until no reader snapshot
// still references them).
func (j *Journal) AcquireSnapshot() []*JournalFile {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := append([]*JournalFile(nil), j.files...)
	for _, jf := range snap {
		jf.Acquire()
	}
	return snap
}

// ReleaseSnapshot releases every file a prior AcquireSnapshot pinned,
// called at transaction-end. Returns the first error encountered (a
// double-release would surface here as common.ErrObjectDisposed) but
// still releases every file in the snapshot.
func ReleaseSnapshot(snap []*JournalFile) error {
	var first error
	for _, jf := range snap {
		if err := jf.Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// currentWriteFile returns the file to append to, rolling over to a new
// one if the current tail is full or absent.
func (j *Journal) currentWriteFile() (*JournalFile, error) {
	if len(j.files) == 0 || j.files[len(j.files)-1].size() >= rollOverSize {
		j.seq++
		jf, err := createJournalFile(j.dir, j.seq)
		if err != nil {
			return nil, err
		}
		j.files = append(j.files, jf)
	}
	return j.files[len(j.files)-1], nil
}

// WriteTransaction appends every dirty page of one commit, rolling into
// at most one additional file if the current one fills mid-transaction,
// then writes the commit marker and fsyncs. Per spec.md §9, a
// transaction that would need a third file is rejected outright rather
// than silently spanning more files than the recovery format accounts
// for.
func (j *Journal) WriteTransaction(txid uint64, pages []*page.Page) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	filesUsed := 0
	var active *JournalFile
	first := true
	for _, pg := range pages {
		if active == nil || active.size() >= rollOverSize {
			if filesUsed >= maxFilesPerTransaction {
				return common.ErrTransactionTooLarge
			}
			next, err := j.currentWriteFile()
			if err != nil {
				return err
			}
			if next != active {
				if active != nil {
					if err := active.sync(); err != nil {
						return err
					}
				}
				filesUsed++
				active = next
			}
		}
		if err := active.appendPage(txid, first, pg); err != nil {
			return err
		}
		first = false
	}
	if active == nil {
		var err error
		active, err = j.currentWriteFile()
		if err != nil {
			return err
		}
	}
	if err := active.appendCommitMarker(txid, filesUsed > 1); err != nil {
		return err
	}
	return active.sync()
}

// ReadPage looks a page up across the pinned file snapshot, most recent
// file first, so a reader sees the newest committed image as of its
// snapshot.
func ReadPage(snapshot []*JournalFile, pageNo uint32) (*page.Page, bool, error) {
	for i := len(snapshot) - 1; i >= 0; i-- {
		pg, ok, err := snapshot[i].readPage(pageNo)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return pg, true, nil
		}
	}
	return nil, false, nil
}

// Applier replays a journal file's pages into the main data file and
// removes the file, but only once told no active reader's snapshot still
// needs it (spec.md §4.6 "background journal applier gated by the oldest
// active read transaction").
type Applier struct {
	j       *Journal
	applyFn func(pg *page.Page) error
}

// NewApplier builds an applier that calls apply for each page image it
// replays (the caller supplies a closure over its *pager.Pager.WriteAt).
func NewApplier(j *Journal, apply func(pg *page.Page) error) *Applier {
	return &Applier{j: j, applyFn: apply}
}

// ApplyOldest applies the oldest journal file, provided no reader older
// than oldestActiveTxn could still need it (approximated here as: every
// record in the file has txid < oldestActiveTxn), and discards it unless
// a transaction's AcquireSnapshot still references it; a file that is
// still referenced is applied but kept. The applier takes
// its own reference for the duration of the pass (spec.md §9: "reference
// counting with explicit acquire/release at transaction-begin and
// transaction-end, plus background applier's own reference"), so a file
// is only ever removed once that reference is the last one standing.
func (a *Applier) ApplyOldest(oldestActiveTxn uint64) (applied bool, err error) {
	a.j.mu.Lock()
	if len(a.j.files) == 0 {
		a.j.mu.Unlock()
		return false, nil
	}
	oldest := a.j.files[0]
	a.j.mu.Unlock()

	oldest.Acquire()

	off := int64(fileHeaderSize)
	var toApply []*page.Page
	for {
		rec, next, err := readRecordAt(oldest.file, off)
		if err != nil {
			break
		}
		if rec.txid >= oldestActiveTxn {
			_ = oldest.Release()
			return false, nil
		}
		if rec.hasPage {
			pg, err := page.Load(rec.pageNo, rec.data)
			if err != nil {
				_ = oldest.Release()
				return false, err
			}
			toApply = append(toApply, pg)
		}
		off = next
	}

	for _, pg := range toApply {
		if err := a.applyFn(pg); err != nil {
			_ = oldest.Release()
			return false, err
		}
	}

	if err := oldest.Release(); err != nil {
		return true, err
	}
	if oldest.RefCount() > 0 {
		// a transaction's AcquireSnapshot still pins this file: applied,
		// but not yet safe to remove.
		return true, nil
	}

	a.j.mu.Lock()
	a.j.files = a.j.files[1:]
	a.j.mu.Unlock()

	if err := oldest.dispose(); err != nil {
		return true, err
	}
	if err := oldest.close(); err != nil {
		return true, err
	}
	return true, oldest.remove()
}

// Close closes every open journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, jf := range j.files {
		if err := jf.close(); err != nil {
			return err
		}
	}
	return nil
}
