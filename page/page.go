// Package page implements the on-disk page layout and node codec: the
// fixed-size page header, the node-offset directory, and the three node
// flavors described in spec.md §3/§4.3 — PageRef (branch children), Data
// (leaf values, inline or overflow), and MultiValuePageRef (a leaf entry
// whose payload is the root of an embedded sub-tree).
//
// Layout, adapted from the teacher engine's slotted-page design
// (page.go/varint.go in the source pack) and generalized from two page
// kinds to three node flags plus an overflow page kind:
//
//	[Header: HeaderSize bytes]
//	[Entry-offset directory: 2 bytes × NumEntries, grows downward from the header]
//	[Free space]
//	[Node payloads, grows upward from the end of the page]
package page

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	Size = 4096

	// Page-level flags.
	FlagLeaf     byte = 1 << 0
	FlagBranch   byte = 1 << 1
	FlagOverflow byte = 1 << 2

	// Header layout: pageNo(4) flags(1) reserved(1) numEntries(2) lower(2) upper(2) overflowTotalSize(4)
	HeaderSize            = 16
	offPageNo             = 0
	offFlags              = 4
	offReserved           = 5
	offNumEntries         = 6
	offLower              = 8
	offUpper              = 10
	offOverflowTotalSize  = 12

	entryDirEntrySize = 2

	// Node kinds (low bits of the per-node flag byte).
	KindData             byte = 1
	KindMultiValuePageRef byte = 2
	KindPageRef          byte = 3

	kindMask     byte = 0x07
	overflowBit  byte = 0x08

	// SentinelKey is the "before all keys" key required at index 0 of
	// every branch page (invariant 3).
)

var SentinelKey = []byte{}

var (
	ErrPageFull     = errors.New("page: full")
	ErrNodeNotFound = errors.New("page: node not found")
	ErrWrongKind    = errors.New("page: wrong node kind for page type")
	ErrBadPage      = errors.New("page: malformed on-disk page")
)

// Node is a decoded (flag, key, payload) triple. Only the fields relevant
// to Kind are populated.
type Node struct {
	Kind    byte
	Key     []byte
	Version uint32 // stamp from the writing transaction's NextVersion, Data and MultiValuePageRef only

	// KindData
	Value          []byte // nil when Overflow
	Overflow       bool
	OverflowPage   uint32
	OverflowLength int

	// KindPageRef (branch children)
	Child uint32

	// KindMultiValuePageRef
	SubtreeRoot uint32
}

// Page is one fixed-size unit of file I/O: a B+tree branch or leaf node,
// or a chunk of an overflow chain.
type Page struct {
	no    uint32
	data  [Size]byte
	dirty bool
}

// New creates a fresh, empty page of the given page-level flags.
func New(no uint32, flags byte) *Page {
	p := &Page{no: no, dirty: true}
	binary.LittleEndian.PutUint32(p.data[offPageNo:], no)
	p.data[offFlags] = flags
	binary.LittleEndian.PutUint16(p.data[offNumEntries:], 0)
	binary.LittleEndian.PutUint16(p.data[offLower:], HeaderSize)
	binary.LittleEndian.PutUint16(p.data[offUpper:], Size)
	return p
}

// Load reconstructs a Page from a raw on-disk buffer of exactly Size bytes.
func Load(no uint32, data []byte) (*Page, error) {
	if len(data) != Size {
		return nil, ErrBadPage
	}
	p := &Page{no: no}
	copy(p.data[:], data)
	return p, nil
}

func (p *Page) No() uint32   { return p.no }
func (p *Page) Flags() byte  { return p.data[offFlags] }
func (p *Page) IsLeaf() bool { return p.Flags()&FlagLeaf != 0 }
func (p *Page) IsBranch() bool { return p.Flags()&FlagBranch != 0 }
func (p *Page) IsOverflow() bool { return p.Flags()&FlagOverflow != 0 }
func (p *Page) IsDirty() bool  { return p.dirty }
func (p *Page) SetDirty(d bool) { p.dirty = d }
func (p *Page) SetNo(no uint32) {
	p.no = no
	binary.LittleEndian.PutUint32(p.data[offPageNo:], no)
}

func (p *Page) NumEntries() uint16 { return binary.LittleEndian.Uint16(p.data[offNumEntries:]) }
func (p *Page) setNumEntries(n uint16) {
	binary.LittleEndian.PutUint16(p.data[offNumEntries:], n)
}

func (p *Page) lower() uint16 { return binary.LittleEndian.Uint16(p.data[offLower:]) }
func (p *Page) setLower(v uint16) { binary.LittleEndian.PutUint16(p.data[offLower:], v) }
func (p *Page) upper() uint16 { return binary.LittleEndian.Uint16(p.data[offUpper:]) }
func (p *Page) setUpper(v uint16) { binary.LittleEndian.PutUint16(p.data[offUpper:], v) }

// OverflowTotalSize / SetOverflowTotalSize describe how many bytes of a
// large value begin at this page when IsOverflow() is true; the remainder
// continues in the following contiguous pages.
func (p *Page) OverflowTotalSize() uint32 {
	return binary.LittleEndian.Uint32(p.data[offOverflowTotalSize:])
}
func (p *Page) SetOverflowTotalSize(n uint32) {
	binary.LittleEndian.PutUint32(p.data[offOverflowTotalSize:], n)
	p.dirty = true
}

// OverflowBytes returns the raw byte storage area of an overflow page
// (everything past the header).
func (p *Page) OverflowBytes() []byte { return p.data[HeaderSize:] }

func (p *Page) entryDirOffset(i uint16) int { return HeaderSize + int(i)*entryDirEntrySize }

func (p *Page) entryOffset(i uint16) uint16 {
	return binary.LittleEndian.Uint16(p.data[p.entryDirOffset(i):])
}
func (p *Page) setEntryOffset(i uint16, off uint16) {
	binary.LittleEndian.PutUint16(p.data[p.entryDirOffset(i):], off)
}

// nodeEncodedSize returns the number of bytes a node would take on the
// page, including its varint-prefixed key and kind-specific payload.
func nodeEncodedSize(n *Node) int {
	size := 1 + VarintSize(uint64(len(n.Key))) + len(n.Key) // kind + keylen + key
	switch n.Kind {
	case KindPageRef:
		size += 4 // child page number
	case KindMultiValuePageRef:
		size += 4 + 4 // version + subtree root
	case KindData:
		size += 4 // version
		if n.Overflow {
			size += VarintSize(uint64(n.OverflowLength)) + 4 // length + overflow start page
		} else {
			size += VarintSize(uint64(len(n.Value))) + len(n.Value)
		}
	}
	return size
}

// IsFull reports whether inserting n would cross the directory/payload
// boundary.
func (p *Page) IsFull(n *Node) bool {
	dirEnd := p.entryDirOffset(p.NumEntries() + 1)
	free := int(p.upper()) - dirEnd
	return free < nodeEncodedSize(n)
}

// search performs a binary search over keys, like the teacher's
// Page.searchCell: returns the insertion index (>=0) if key is absent, or
// -(index+1) if key is present at index.
func (p *Page) search(key []byte) int {
	n := int(p.NumEntries())
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		node, err := p.NodeAt(uint16(mid))
		if err != nil {
			return lo
		}
		cmp := bytes.Compare(key, node.Key)
		switch {
		case cmp == 0:
			return -(mid + 1)
		case cmp < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo
}

// Search exposes the binary search result for callers outside the package
// (the B+tree cursor).
func (p *Page) Search(key []byte) int { return p.search(key) }

// NodeAt decodes the node stored at the given directory slot.
func (p *Page) NodeAt(i uint16) (*Node, error) {
	if i >= p.NumEntries() {
		return nil, ErrNodeNotFound
	}
	off := int(p.entryOffset(i))
	return p.decodeNode(off)
}

func (p *Page) decodeNode(off int) (*Node, error) {
	if off < HeaderSize || off >= Size {
		return nil, ErrBadPage
	}
	flagByte := p.data[off]
	kind := flagByte & kindMask
	overflow := flagByte&overflowBit != 0
	off++

	keyLen, n := Uvarint(p.data[off:])
	if n <= 0 {
		return nil, ErrBadPage
	}
	off += n
	key := make([]byte, keyLen)
	copy(key, p.data[off:off+int(keyLen)])
	off += int(keyLen)

	node := &Node{Kind: kind, Key: key}

	switch kind {
	case KindPageRef:
		node.Child = binary.LittleEndian.Uint32(p.data[off:])
	case KindMultiValuePageRef:
		node.Version = binary.LittleEndian.Uint32(p.data[off:])
		off += 4
		node.SubtreeRoot = binary.LittleEndian.Uint32(p.data[off:])
	case KindData:
		node.Version = binary.LittleEndian.Uint32(p.data[off:])
		off += 4
		if overflow {
			vlen, n2 := Uvarint(p.data[off:])
			if n2 <= 0 {
				return nil, ErrBadPage
			}
			off += n2
			node.Overflow = true
			node.OverflowLength = int(vlen)
			node.OverflowPage = binary.LittleEndian.Uint32(p.data[off:])
		} else {
			vlen, n2 := Uvarint(p.data[off:])
			if n2 <= 0 {
				return nil, ErrBadPage
			}
			off += n2
			node.Value = make([]byte, vlen)
			copy(node.Value, p.data[off:off+int(vlen)])
		}
	default:
		return nil, ErrBadPage
	}

	return node, nil
}

func (p *Page) encodeNode(buf []byte, n *Node) int {
	off := 0
	flagByte := n.Kind
	if n.Kind == KindData && n.Overflow {
		flagByte |= overflowBit
	}
	buf[off] = flagByte
	off++
	off += PutUvarint(buf[off:], uint64(len(n.Key)))
	copy(buf[off:], n.Key)
	off += len(n.Key)

	switch n.Kind {
	case KindPageRef:
		binary.LittleEndian.PutUint32(buf[off:], n.Child)
		off += 4
	case KindMultiValuePageRef:
		binary.LittleEndian.PutUint32(buf[off:], n.Version)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], n.SubtreeRoot)
		off += 4
	case KindData:
		binary.LittleEndian.PutUint32(buf[off:], n.Version)
		off += 4
		if n.Overflow {
			off += PutUvarint(buf[off:], uint64(n.OverflowLength))
			binary.LittleEndian.PutUint32(buf[off:], n.OverflowPage)
			off += 4
		} else {
			off += PutUvarint(buf[off:], uint64(len(n.Value)))
			copy(buf[off:], n.Value)
			off += len(n.Value)
		}
	}
	return off
}

// InsertAt writes n into directory slot idx, shifting later slots right.
// Callers are expected to have already checked IsFull and resolved the
// insertion index via Search.
func (p *Page) InsertAt(idx uint16, n *Node) error {
	if p.IsFull(n) {
		return ErrPageFull
	}
	size := nodeEncodedSize(n)
	newUpper := p.upper() - uint16(size)

	buf := make([]byte, size)
	p.encodeNode(buf, n)
	copy(p.data[newUpper:], buf)

	count := p.NumEntries()
	for i := count; i > idx; i-- {
		p.setEntryOffset(i, p.entryOffset(i-1))
	}
	p.setEntryOffset(idx, newUpper)
	p.setNumEntries(count + 1)
	p.setUpper(newUpper)
	p.setLower(uint16(p.entryDirOffset(count + 1)))
	p.dirty = true
	return nil
}

// ReplaceAt overwrites the node at idx in place (delete + reinsert; the
// freed bytes are reclaimed on the next compaction, same tradeoff the
// teacher's updateCell makes).
func (p *Page) ReplaceAt(idx uint16, n *Node) error {
	if err := p.DeleteAt(idx); err != nil {
		return err
	}
	return p.InsertAt(idx, n)
}

// DeleteAt removes the node at the given directory slot.
func (p *Page) DeleteAt(idx uint16) error {
	count := p.NumEntries()
	if idx >= count {
		return ErrNodeNotFound
	}
	for i := idx; i < count-1; i++ {
		p.setEntryOffset(i, p.entryOffset(i+1))
	}
	p.setNumEntries(count - 1)
	p.setLower(uint16(p.entryDirOffset(count - 1)))
	p.dirty = true
	return nil
}

// Reset clears all entries, used when rebuilding a page's contents in
// place during a split.
func (p *Page) Reset() {
	p.setNumEntries(0)
	p.setUpper(Size)
	p.setLower(HeaderSize)
	p.dirty = true
}

// Data returns the raw backing array, e.g. for handing to the pager.
func (p *Page) Data() []byte { return p.data[:] }

// Clone deep-copies the page under a page number of the caller's choosing;
// used by copy-on-write to stamp a dirtied copy before mutating it.
func (p *Page) Clone(newNo uint32) *Page {
	c := &Page{no: newNo, dirty: true}
	copy(c.data[:], p.data[:])
	c.SetNo(newNo)
	return c
}
