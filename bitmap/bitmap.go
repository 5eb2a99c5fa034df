// Package bitmap implements the engine's free-space tracking structure: a
// compact bit array laid out directly over an unmanaged buffer (typically a
// page-aligned slice handed to us by the pager), with a small auxiliary
// "modification bits" array that bounds how much of the region has to be
// copied forward when the writer publishes its next generation.
//
// Layout of the region [start, start+length) inside buf:
//
//	[0                      : modBytes)           modification bits, 1 bit per 4KiB chunk of tracking bits
//	[modBytes               : modBytes+headerSize) reserved header (unused by the bitmap itself)
//	[modBytes+headerSize    : length)              tracking bits, free=1 allocated=0, 1 bit per tracked page
package bitmap

import (
	"fmt"
	"math/bits"
)

const (
	bitsPerByte = 8

	// headerSize is a small reserved area ahead of the tracking bits,
	// mirroring the fixed header every page in this engine carries (flags,
	// counts) so the bitmap region has the same shape as any other page.
	headerSize = 4
)

// FreeSpaceBitmap is one of the two front/back copies the engine alternates
// across commits (§4.2, §4.7). A copy never outlives the buffer it was
// constructed over.
type FreeSpaceBitmap struct {
	buf    []byte
	start  int
	length int

	pageSize     int
	trackedPages int

	maxNumberOfPages      int
	modificationBitsAll   int
	modificationBitsInUse int
	modBytes              int
	trackingOffset        int
}

// New constructs a bitmap view over buf[start : start+length]. pageSize is
// the engine's page size (4096 typically) and also the chunk size used for
// the modification-bits granularity.
func New(buf []byte, start, length, trackedPages, pageSize int) (*FreeSpaceBitmap, error) {
	if length <= 0 || pageSize <= 0 {
		return nil, fmt.Errorf("bitmap: invalid region length=%d pageSize=%d", length, pageSize)
	}
	if start+length > len(buf) {
		return nil, fmt.Errorf("bitmap: region [%d:%d) exceeds buffer of length %d", start, start+length, len(buf))
	}

	chunkBits := pageSize * bitsPerByte
	modAll := ceilDiv(length, pageSize)
	modInUse := ceilDiv(trackedPages, chunkBits)
	modBytes := roundUp4(ceilDiv(modInUse, bitsPerByte))

	maxPages := (length - modBytes - headerSize) * bitsPerByte
	if maxPages < 0 {
		maxPages = 0
	}

	return &FreeSpaceBitmap{
		buf:                   buf,
		start:                 start,
		length:                length,
		pageSize:              pageSize,
		trackedPages:          trackedPages,
		maxNumberOfPages:      maxPages,
		modificationBitsAll:   modAll,
		modificationBitsInUse: modInUse,
		modBytes:              modBytes,
		trackingOffset:        modBytes + headerSize,
	}, nil
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func roundUp4(n int) int {
	return ((n + 3) / 4) * 4
}

// MaxNumberOfPages is the number of pages this region's tracking bits can
// describe once the modification bits and header are accounted for.
func (b *FreeSpaceBitmap) MaxNumberOfPages() int { return b.maxNumberOfPages }

// ModificationBitsAll is the number of modification-bit chunks the full
// region could carry regardless of trackedPages.
func (b *FreeSpaceBitmap) ModificationBitsAll() int { return b.modificationBitsAll }

// ModificationBitsInUse is the number of modification-bit chunks actually
// needed to cover trackedPages.
func (b *FreeSpaceBitmap) ModificationBitsInUse() int { return b.modificationBitsInUse }

// BytesTakenByModificationBits is the byte size of the modification-bits
// array, rounded up to a 4-byte boundary.
func (b *FreeSpaceBitmap) BytesTakenByModificationBits() int { return b.modBytes }

func (b *FreeSpaceBitmap) trackingByte(page int) int {
	return b.start + b.trackingOffset + page/bitsPerByte
}

func (b *FreeSpaceBitmap) chunkIndex(page int) int {
	chunkBits := b.pageSize * bitsPerByte
	return page / chunkBits
}

// IsFree reports whether page i is marked free (bit set).
func (b *FreeSpaceBitmap) IsFree(i int) bool {
	if i < 0 || i >= b.trackedPages {
		return false
	}
	byteIdx := b.trackingByte(i)
	mask := byte(1) << uint(i%bitsPerByte)
	return b.buf[byteIdx]&mask != 0
}

// MarkPage sets or clears the tracking bit for page i, and flags the
// modification-bit chunk that page falls in as dirty.
func (b *FreeSpaceBitmap) MarkPage(i int, free bool) {
	if i < 0 || i >= b.trackedPages {
		return
	}
	byteIdx := b.trackingByte(i)
	mask := byte(1) << uint(i%bitsPerByte)
	if free {
		b.buf[byteIdx] |= mask
	} else {
		b.buf[byteIdx] &^= mask
	}
	b.setModBit(b.chunkIndex(i))
}

func (b *FreeSpaceBitmap) setModBit(chunk int) {
	if chunk < 0 || chunk >= b.modificationBitsInUse {
		return
	}
	byteIdx := b.start + chunk/bitsPerByte
	mask := byte(1) << uint(chunk%bitsPerByte)
	b.buf[byteIdx] |= mask
}

func (b *FreeSpaceBitmap) isModBitSet(chunk int) bool {
	byteIdx := b.start + chunk/bitsPerByte
	mask := byte(1) << uint(chunk%bitsPerByte)
	return b.buf[byteIdx]&mask != 0
}

// TryAllocate finds n contiguous free pages, marks them allocated, and
// returns the starting page number. Reports false if no run of n free
// pages exists within the tracked range.
func (b *FreeSpaceBitmap) TryAllocate(n int) (int, bool) {
	if n <= 0 {
		return 0, false
	}
	run := 0
	for i := 0; i < b.trackedPages; i++ {
		if b.IsFree(i) {
			run++
			if run == n {
				start := i - n + 1
				for p := start; p <= i; p++ {
					b.MarkPage(p, false)
				}
				return start, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// chunkByteLen returns how many bytes of tracking bits belong to chunk
// (pageSize bytes for a full chunk, fewer for a final partial chunk).
func (b *FreeSpaceBitmap) chunkByteLen(chunk int) int {
	chunkBits := b.pageSize * bitsPerByte
	remaining := b.trackedPages - chunk*chunkBits
	if remaining >= chunkBits {
		return b.pageSize
	}
	if remaining <= 0 {
		return 0
	}
	return ceilDiv(remaining, bitsPerByte)
}

// CopyDirtyPagesTo copies only the tracking-bit chunks whose modification
// bit is set from b into other, then clears b's modification bits (the
// "next" buffer has now been published and starts clean). Returns the
// number of bytes copied.
func (b *FreeSpaceBitmap) CopyDirtyPagesTo(other *FreeSpaceBitmap) int {
	copied := 0
	for chunk := 0; chunk < b.modificationBitsInUse; chunk++ {
		if !b.isModBitSet(chunk) {
			continue
		}
		n := b.chunkByteLen(chunk)
		if n == 0 {
			continue
		}
		srcOff := b.start + b.trackingOffset + chunk*b.pageSize
		dstOff := other.start + other.trackingOffset + chunk*other.pageSize
		copy(other.buf[dstOff:dstOff+n], b.buf[srcOff:srcOff+n])
		copied += n
		b.clearModBit(chunk)
	}
	return copied
}

func (b *FreeSpaceBitmap) clearModBit(chunk int) {
	byteIdx := b.start + chunk/bitsPerByte
	mask := byte(1) << uint(chunk%bitsPerByte)
	b.buf[byteIdx] &^= mask
}

// CountFree returns the number of tracked pages currently marked free, via
// a byte-at-a-time popcount rather than a per-bit IsFree scan.
func (b *FreeSpaceBitmap) CountFree() int {
	fullBytes := b.trackedPages / bitsPerByte
	free := 0
	base := b.start + b.trackingOffset
	for i := 0; i < fullBytes; i++ {
		free += bits.OnesCount8(b.buf[base+i])
	}
	for i := fullBytes * bitsPerByte; i < b.trackedPages; i++ {
		if b.IsFree(i) {
			free++
		}
	}
	return free
}

// Release marks page i as free again; it is the same as MarkPage(i, true).
func (b *FreeSpaceBitmap) Release(i int) {
	b.MarkPage(i, true)
}
