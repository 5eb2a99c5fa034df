package pager

import (
	"encoding/binary"

	"github.com/intellect4all/cowkv/common"
)

// Magic identifies a valid database file (spec.md §6).
const Magic uint64 = 0x436f5742426c31 // "CoWBBl1"

// Version is the on-disk format version this package writes and accepts.
const Version uint32 = 1

// Layout offsets exactly as spec.md §6 specifies for the first 108 bytes;
// everything from offset 108 onward (instance id, root tree header) is
// this module's own extension of the "variable root tree header" slot.
const (
	offMagic             = 0
	offVersion           = 8
	offJournalInfo       = 12 // 40 bytes: 5 x int64
	offTransactionID     = 52
	offLastPageNumber    = 60
	offFreeSpaceHeader   = 68 // 40 bytes
	offInstanceID        = 108
	offRootTreeHeader    = 124

	journalInfoSize     = 40
	freeSpaceHeaderSize = 40
	instanceIDSize      = 16
	treeHeaderSize      = 32

	// HeaderBlobSize is the total encoded size of a FileHeader; it must
	// fit in a single page.
	HeaderBlobSize = offRootTreeHeader + treeHeaderSize
)

// JournalInfo is the block of the file header tracking which journal
// files are relevant to this commit generation (spec.md §3 FileHeader).
type JournalInfo struct {
	RecentLog         int64
	LogCount          int64
	DataFlushCounter  int64
	LastSyncedLog     int64
	LastSyncedLogPage int64
}

// FreeSpaceHeader locates and describes the two free-space bitmap buffers.
type FreeSpaceHeader struct {
	FrontBufferPage uint32
	BackBufferPage  uint32
	ActiveIsFront   bool
	TrackedPages    uint32
	RegionPages     uint32 // pages consumed by ONE of the two buffers
}

// TreeHeader is the persisted shape of a Tree's root+bookkeeping (spec.md
// §3 Tree entity), used both for the root tree embedded in the file
// header and for named trees stored as entries inside the root tree.
type TreeHeader struct {
	RootPage   uint32
	Depth      uint32
	PageCount  uint64
	EntryCount uint64
}

// FileHeader is the double-buffered commit record living at pages 0/1.
type FileHeader struct {
	Magic         uint64
	Version       uint32
	JournalInfo   JournalInfo
	TransactionID uint64
	LastPageNum   uint32
	FreeSpace     FreeSpaceHeader
	InstanceID    [16]byte // google/uuid-generated instance identifier
	RootTree      TreeHeader
}

func putInt64(b []byte, v int64)   { binary.LittleEndian.PutUint64(b, uint64(v)) }
func getInt64(b []byte) int64      { return int64(binary.LittleEndian.Uint64(b)) }

// EncodeTreeHeader serializes a bare TreeHeader, the same 32-byte shape
// used inside a FileHeader, for named trees stored as entries in the
// root tree (spec.md §3 Tree entity, the btree.KindData value for a
// catalog entry).
func EncodeTreeHeader(th TreeHeader) []byte {
	buf := make([]byte, treeHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], th.RootPage)
	binary.LittleEndian.PutUint32(buf[4:8], th.Depth)
	binary.LittleEndian.PutUint64(buf[8:16], th.PageCount)
	binary.LittleEndian.PutUint64(buf[16:24], th.EntryCount)
	return buf
}

// DecodeTreeHeader parses the shape EncodeTreeHeader produces.
func DecodeTreeHeader(buf []byte) (TreeHeader, error) {
	if len(buf) < treeHeaderSize {
		return TreeHeader{}, common.ErrInvalidFormat
	}
	return TreeHeader{
		RootPage:   binary.LittleEndian.Uint32(buf[0:4]),
		Depth:      binary.LittleEndian.Uint32(buf[4:8]),
		PageCount:  binary.LittleEndian.Uint64(buf[8:16]),
		EntryCount: binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

// Encode serializes h into a HeaderBlobSize-byte buffer suitable for
// embedding at the start of a page.
func (h *FileHeader) Encode() []byte {
	buf := make([]byte, HeaderBlobSize)
	binary.LittleEndian.PutUint64(buf[offMagic:], h.Magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)

	ji := buf[offJournalInfo : offJournalInfo+journalInfoSize]
	putInt64(ji[0:8], h.JournalInfo.RecentLog)
	putInt64(ji[8:16], h.JournalInfo.LogCount)
	putInt64(ji[16:24], h.JournalInfo.DataFlushCounter)
	putInt64(ji[24:32], h.JournalInfo.LastSyncedLog)
	putInt64(ji[32:40], h.JournalInfo.LastSyncedLogPage)

	binary.LittleEndian.PutUint64(buf[offTransactionID:], h.TransactionID)
	binary.LittleEndian.PutUint32(buf[offLastPageNumber:], h.LastPageNum)

	fs := buf[offFreeSpaceHeader : offFreeSpaceHeader+freeSpaceHeaderSize]
	binary.LittleEndian.PutUint32(fs[0:4], h.FreeSpace.FrontBufferPage)
	binary.LittleEndian.PutUint32(fs[4:8], h.FreeSpace.BackBufferPage)
	if h.FreeSpace.ActiveIsFront {
		fs[8] = 1
	}
	binary.LittleEndian.PutUint32(fs[12:16], h.FreeSpace.TrackedPages)
	binary.LittleEndian.PutUint32(fs[16:20], h.FreeSpace.RegionPages)

	copy(buf[offInstanceID:offInstanceID+instanceIDSize], h.InstanceID[:])

	rt := buf[offRootTreeHeader : offRootTreeHeader+treeHeaderSize]
	binary.LittleEndian.PutUint32(rt[0:4], h.RootTree.RootPage)
	binary.LittleEndian.PutUint32(rt[4:8], h.RootTree.Depth)
	binary.LittleEndian.PutUint64(rt[8:16], h.RootTree.PageCount)
	binary.LittleEndian.PutUint64(rt[16:24], h.RootTree.EntryCount)

	return buf
}

// Decode validates and parses a page's worth of bytes into a FileHeader.
func Decode(buf []byte) (*FileHeader, error) {
	if len(buf) < HeaderBlobSize {
		return nil, common.ErrInvalidFormat
	}

	h := &FileHeader{}
	h.Magic = binary.LittleEndian.Uint64(buf[offMagic:])
	if h.Magic != Magic {
		return nil, common.ErrInvalidFormat
	}
	h.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	if h.Version != Version {
		return nil, common.ErrInvalidFormat
	}

	ji := buf[offJournalInfo : offJournalInfo+journalInfoSize]
	h.JournalInfo = JournalInfo{
		RecentLog:         getInt64(ji[0:8]),
		LogCount:          getInt64(ji[8:16]),
		DataFlushCounter:  getInt64(ji[16:24]),
		LastSyncedLog:     getInt64(ji[24:32]),
		LastSyncedLogPage: getInt64(ji[32:40]),
	}

	h.TransactionID = binary.LittleEndian.Uint64(buf[offTransactionID:])
	if h.TransactionID >= 1<<63 {
		return nil, common.ErrInvalidFormat
	}
	h.LastPageNum = binary.LittleEndian.Uint32(buf[offLastPageNumber:])

	fs := buf[offFreeSpaceHeader : offFreeSpaceHeader+freeSpaceHeaderSize]
	h.FreeSpace = FreeSpaceHeader{
		FrontBufferPage: binary.LittleEndian.Uint32(fs[0:4]),
		BackBufferPage:  binary.LittleEndian.Uint32(fs[4:8]),
		ActiveIsFront:   fs[8] == 1,
		TrackedPages:    binary.LittleEndian.Uint32(fs[12:16]),
		RegionPages:     binary.LittleEndian.Uint32(fs[16:20]),
	}

	copy(h.InstanceID[:], buf[offInstanceID:offInstanceID+instanceIDSize])

	rt := buf[offRootTreeHeader : offRootTreeHeader+treeHeaderSize]
	h.RootTree = TreeHeader{
		RootPage:   binary.LittleEndian.Uint32(rt[0:4]),
		Depth:      binary.LittleEndian.Uint32(rt[4:8]),
		PageCount:  binary.LittleEndian.Uint64(rt[8:16]),
		EntryCount: binary.LittleEndian.Uint64(rt[16:24]),
	}

	return h, nil
}

// ReadHeader reads and validates the file header at the given header slot
// (HeaderPageA or HeaderPageB).
func ReadHeader(p *Pager, slot uint32) (*FileHeader, error) {
	pg, err := p.Get(slot)
	if err != nil {
		return nil, err
	}
	return Decode(pg.Data())
}

// WriteHeader writes h into the header slot (0 or 1) and flushes that
// single page; the caller is responsible for the subsequent pager.Sync()
// that makes the commit durable (spec.md §4.5 step 8).
func WriteHeader(p *Pager, slot uint32, h *FileHeader) error {
	pg := p.TempPage()
	copy(pg.Data(), h.Encode())
	return p.WriteAt(pg, slot)
}
