package pager

import (
	"path/filepath"
	"testing"

	"github.com/intellect4all/cowkv/page"
	"github.com/stretchr/testify/require"
)

func TestOpenFreshThenReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")

	p, fresh, err := Open(path, 16)
	require.NoError(t, err)
	require.True(t, fresh)

	require.NoError(t, p.EnsureContinuous(0, 4))
	require.EqualValues(t, 4, p.NumberOfAllocatedPages())

	pg := page.New(2, page.FlagLeaf)
	require.NoError(t, pg.InsertAt(0, &page.Node{Kind: page.KindData, Key: []byte("k"), Value: []byte("v"), Version: 1}))
	require.NoError(t, p.Write(pg))
	require.NoError(t, p.Sync())
	require.NoError(t, p.Close())

	p2, fresh2, err := Open(path, 16)
	require.NoError(t, err)
	require.False(t, fresh2)
	require.EqualValues(t, 4, p2.NumberOfAllocatedPages())

	got, err := p2.Get(2)
	require.NoError(t, err)
	n, err := got.NodeAt(0)
	require.NoError(t, err)
	require.Equal(t, "v", string(n.Value))
	require.NoError(t, p2.Close())
}

func TestWriteAtRelocatesPage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	p, _, err := Open(path, 16)
	require.NoError(t, err)
	defer p.Close()

	pg := page.New(5, page.FlagLeaf)
	require.NoError(t, p.WriteAt(pg, 10))
	require.EqualValues(t, 11, p.NumberOfAllocatedPages())

	got, err := p.Get(10)
	require.NoError(t, err)
	require.EqualValues(t, 10, got.No())
}

func TestFileHeaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	p, _, err := Open(path, 16)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.EnsureContinuous(0, 2))

	h := &FileHeader{
		Magic:         Magic,
		Version:       Version,
		TransactionID: 42,
		LastPageNum:   7,
		RootTree:      TreeHeader{RootPage: 2, Depth: 1, PageCount: 1, EntryCount: 0},
	}
	require.NoError(t, WriteHeader(p, HeaderPageA, h))

	got, err := ReadHeader(p, HeaderPageA)
	require.NoError(t, err)
	require.EqualValues(t, 42, got.TransactionID)
	require.EqualValues(t, 2, got.RootTree.RootPage)
}
