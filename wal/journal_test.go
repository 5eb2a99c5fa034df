package wal

import (
	"testing"

	"github.com/intellect4all/cowkv/common"
	"github.com/intellect4all/cowkv/page"
	"github.com/stretchr/testify/require"
)

func TestWriteTransactionThenReadBackViaSnapshot(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	p1 := page.New(5, page.FlagLeaf)
	require.NoError(t, p1.InsertAt(0, &page.Node{Kind: page.KindData, Key: []byte("k"), Value: []byte("v"), Version: 1}))
	p2 := page.New(6, page.FlagLeaf)

	require.NoError(t, j.WriteTransaction(1, []*page.Page{p1, p2}))

	snap := j.Files()
	got, ok, err := ReadPage(snap, 5)
	require.NoError(t, err)
	require.True(t, ok)
	n, err := got.NodeAt(0)
	require.NoError(t, err)
	require.Equal(t, "v", string(n.Value))

	_, ok, err = ReadPage(snap, 999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)

	pg := page.New(3, page.FlagLeaf)
	require.NoError(t, j.WriteTransaction(1, []*page.Page{pg}))
	require.NoError(t, j.Close())

	j2, err := Open(dir)
	require.NoError(t, err)
	defer j2.Close()

	snap := j2.Files()
	require.Len(t, snap, 1)
	got, ok, err := ReadPage(snap, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, got.No())
}

func TestApplyOldestAppliesAndRemovesFile(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	pg := page.New(9, page.FlagLeaf)
	require.NoError(t, j.WriteTransaction(1, []*page.Page{pg}))

	var applied []uint32
	applier := NewApplier(j, func(p *page.Page) error {
		applied = append(applied, p.No())
		return nil
	})

	ok, err := applier.ApplyOldest(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []uint32{9}, applied)
	require.Empty(t, j.Files())
}

func TestApplyOldestSkipsWhileReaderStillActive(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	pg := page.New(9, page.FlagLeaf)
	require.NoError(t, j.WriteTransaction(5, []*page.Page{pg}))

	applier := NewApplier(j, func(p *page.Page) error { return nil })
	ok, err := applier.ApplyOldest(1) // oldest active reader started before txn 5
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, j.Files(), 1)
}

func TestAcquireReleaseTracksRefCount(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	pg := page.New(1, page.FlagLeaf)
	require.NoError(t, j.WriteTransaction(1, []*page.Page{pg}))

	snap := j.AcquireSnapshot()
	require.Len(t, snap, 1)
	require.Equal(t, 1, snap[0].RefCount())

	require.NoError(t, ReleaseSnapshot(snap))
	require.Equal(t, 0, snap[0].RefCount())
}

func TestReleaseWithoutAcquireReturnsErrObjectDisposed(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	pg := page.New(1, page.FlagLeaf)
	require.NoError(t, j.WriteTransaction(1, []*page.Page{pg}))

	snap := j.AcquireSnapshot()
	require.NoError(t, ReleaseSnapshot(snap))
	require.ErrorIs(t, ReleaseSnapshot(snap), common.ErrObjectDisposed)
}

// withSmallRollover shrinks rollOverSize for the duration of a test so a
// transaction can be made to split (or overflow) across journal files
// without actually writing tens of megabytes of page images.
func withSmallRollover(t *testing.T, n int64) {
	t.Helper()
	orig := rollOverSize
	rollOverSize = n
	t.Cleanup(func() { rollOverSize = orig })
}

func TestWriteTransactionSplitsAcrossTwoFiles(t *testing.T) {
	withSmallRollover(t, 100)

	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	p1 := page.New(1, page.FlagLeaf)
	p2 := page.New(2, page.FlagLeaf)
	require.NoError(t, j.WriteTransaction(1, []*page.Page{p1, p2}))

	snap := j.Files()
	require.Len(t, snap, 2, "one page per file once the first file rolls over")

	got1, ok, err := ReadPage(snap, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, got1.No())

	got2, ok, err := ReadPage(snap, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, got2.No())
}

func TestWriteTransactionRejectsThirdFile(t *testing.T) {
	withSmallRollover(t, 100)

	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	pages := []*page.Page{
		page.New(1, page.FlagLeaf),
		page.New(2, page.FlagLeaf),
		page.New(3, page.FlagLeaf),
	}
	err = j.WriteTransaction(1, pages)
	require.ErrorIs(t, err, common.ErrTransactionTooLarge)
}

func TestApplyOldestDeferRemovalWhileSnapshotPinsFile(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	pg := page.New(9, page.FlagLeaf)
	require.NoError(t, j.WriteTransaction(1, []*page.Page{pg}))

	snap := j.AcquireSnapshot() // simulates a long-lived read transaction's pin

	var applied []uint32
	applier := NewApplier(j, func(p *page.Page) error {
		applied = append(applied, p.No())
		return nil
	})

	ok, err := applier.ApplyOldest(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []uint32{9}, applied)
	require.Len(t, j.Files(), 1) // still pinned by snap, not removed yet

	require.NoError(t, ReleaseSnapshot(snap))

	ok, err = applier.ApplyOldest(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, j.Files())
}
