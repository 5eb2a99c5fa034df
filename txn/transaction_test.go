package txn

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/intellect4all/cowkv/btree"
	"github.com/intellect4all/cowkv/pager"
	"github.com/stretchr/testify/require"
)

func openTestPager(t *testing.T) *pager.Pager {
	t.Helper()
	dir := t.TempDir()
	p, fresh, err := pager.Open(filepath.Join(dir, "data.db"), 64)
	require.NoError(t, err)
	require.True(t, fresh)
	require.NoError(t, p.EnsureContinuous(0, pager.DataStartPage))
	return p
}

func TestModifyPageIsIdempotentWithinOneTransaction(t *testing.T) {
	p := openTestPager(t)
	defer p.Close()

	tx := New(1, p, nil, false, pager.DataStartPage)
	tr, err := btree.New(tx, "")
	require.NoError(t, err)

	_, err = tr.Add(tx, []byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = tr.Add(tx, []byte("b"), []byte("2"))
	require.NoError(t, err)

	// A page is CoW'd at most once per transaction, not once per insert;
	// this leaf was allocated inside the transaction, so it is not CoW'd.
	require.LessOrEqual(t, len(tx.freed), 1)
}

func TestTransactionCommitPersistsTreeAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")

	p, fresh, err := pager.Open(path, 64)
	require.NoError(t, err)
	require.True(t, fresh)
	require.NoError(t, p.EnsureContinuous(0, pager.DataStartPage))

	tx := New(1, p, nil, false, pager.DataStartPage)
	tr, err := btree.New(tx, "")
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%03d", i))
		_, err := tr.Add(tx, key, key)
		require.NoError(t, err)
	}

	for _, pg := range tx.DirtyPages() {
		require.NoError(t, p.Write(pg))
	}
	require.NoError(t, p.Sync())
	root := tr.Root
	require.NoError(t, p.Close())

	p2, fresh2, err := pager.Open(path, 64)
	require.NoError(t, err)
	require.False(t, fresh2)
	defer p2.Close()

	tx2 := New(2, p2, nil, true, 0)
	tr2 := &btree.Tree{Root: root, Depth: 1}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%03d", i))
		got, err := tr2.Get(tx2, key)
		require.NoError(t, err)
		require.Equal(t, string(key), string(got))
	}
}

func TestOverflowAllocateReadFree(t *testing.T) {
	p := openTestPager(t)
	defer p.Close()

	tx := New(1, p, nil, false, pager.DataStartPage)
	data := make([]byte, overflowPayloadSize*2+37)
	for i := range data {
		data[i] = byte(i % 251)
	}

	start, err := tx.AllocateOverflow(data)
	require.NoError(t, err)

	got, err := tx.ReadOverflow(start, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)

	// The run was only ever staged in this transaction, so FreePage drops
	// its pages from the dirty map instead of recording them as freed.
	tx.FreeOverflow(start, len(data))
	require.Len(t, tx.freed, 0)
}

func TestRollbackDiscardsStagedPages(t *testing.T) {
	p := openTestPager(t)
	defer p.Close()

	tx := New(1, p, nil, false, pager.DataStartPage)
	tr, err := btree.New(tx, "")
	require.NoError(t, err)
	_, err = tr.Add(tx, []byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NotEmpty(t, tx.DirtyPages())

	tx.Discard()
	require.Empty(t, tx.DirtyPages())
}
