package kvenv

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/intellect4all/cowkv/btree"
	"github.com/intellect4all/cowkv/common"
)

func TestOpenFreshCreatesEmptyStore(t *testing.T) {
	dir := t.TempDir()
	env, err := Open(filepath.Join(dir, "db"))
	require.NoError(t, err)
	defer env.Close()

	stats := env.Stats()
	require.Zero(t, stats.NumKeys)
}

func TestPutGetCommitThenReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	env, err := Open(path)
	require.NoError(t, err)

	wtx, err := env.NewTransaction(false)
	require.NoError(t, err)
	_, err = wtx.Put([]byte("hello"), []byte("world"))
	require.NoError(t, err)
	require.NoError(t, wtx.Commit())
	require.NoError(t, env.Close())

	env2, err := Open(path)
	require.NoError(t, err)
	defer env2.Close()

	rtx, err := env2.NewTransaction(true)
	require.NoError(t, err)
	got, err := rtx.Get([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
	require.NoError(t, rtx.Commit())
}

func TestReadTransactionDoesNotBlockOnWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	env, err := Open(path)
	require.NoError(t, err)
	defer env.Close()

	wtx, err := env.NewTransaction(false)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		rtx, err := env.NewTransaction(true)
		require.NoError(t, err)
		_, _ = rtx.Get([]byte("missing"))
		require.NoError(t, rtx.Commit())
		close(done)
	}()
	<-done

	require.NoError(t, wtx.Commit())
}

func TestRollbackDoesNotPersistChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	env, err := Open(path)
	require.NoError(t, err)
	defer env.Close()

	wtx, err := env.NewTransaction(false)
	require.NoError(t, err)
	_, err = wtx.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, wtx.Rollback())

	rtx, err := env.NewTransaction(true)
	require.NoError(t, err)
	_, err = rtx.Get([]byte("k"))
	require.Error(t, err)
	require.NoError(t, rtx.Commit())
}

func TestCreateAndFetchNamedTree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	env, err := Open(path)
	require.NoError(t, err)
	defer env.Close()

	wtx, err := env.NewTransaction(false)
	require.NoError(t, err)
	require.NoError(t, wtx.CreateTree("users"))
	require.ErrorIs(t, wtx.CreateTree("users"), common.ErrTreeExists)
	require.NoError(t, wtx.Commit())

	rtx, err := env.NewTransaction(true)
	require.NoError(t, err)
	tr, err := rtx.GetTree("users")
	require.NoError(t, err)
	require.Equal(t, "users", tr.Name)
	require.NoError(t, rtx.Commit())
}

func TestBackupProducesAReadableCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	env, err := Open(path)
	require.NoError(t, err)
	defer env.Close()

	wtx, err := env.NewTransaction(false)
	require.NoError(t, err)
	_, err = wtx.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, wtx.Commit())

	var buf bytes.Buffer
	require.NoError(t, env.Backup(&buf))
	require.NotZero(t, buf.Len())

	// The source environment is still fully usable afterward: neither
	// transaction Backup opened was ever committed.
	rtx, err := env.NewTransaction(true)
	require.NoError(t, err)
	got, err := rtx.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(got))
	require.NoError(t, rtx.Commit())
}

func TestCompactPreservesDataAndReclaimsSpace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	env, err := Open(path)
	require.NoError(t, err)
	defer env.Close()

	// Pad values enough that entries span many leaf pages (100 of them at
	// ~500 bytes each won't fit on one 4096-byte page), so compacting away
	// 90% of the keys has structural pages to actually reclaim.
	padding := bytes.Repeat([]byte("x"), 480)

	wtx, err := env.NewTransaction(false)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		value := append([]byte(fmt.Sprintf("value-%03d-", i)), padding...)
		_, err := wtx.Put([]byte(fmt.Sprintf("key-%03d", i)), value)
		require.NoError(t, err)
	}
	require.NoError(t, wtx.Commit())

	wtx, err = env.NewTransaction(false)
	require.NoError(t, err)
	for i := 0; i < 90; i++ {
		_, err := wtx.Delete([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, wtx.Commit())

	before := env.Stats()

	require.NoError(t, env.Compact())

	after := env.Stats()
	require.Equal(t, before.NumKeys, after.NumKeys)
	require.Greater(t, after.FreePages, before.FreePages)

	rtx, err := env.NewTransaction(true)
	require.NoError(t, err)
	for i := 90; i < 100; i++ {
		want := append([]byte(fmt.Sprintf("value-%03d-", i)), padding...)
		got, err := rtx.Get([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err = rtx.Get([]byte("key-000"))
	require.ErrorIs(t, err, btree.ErrKeyNotFound)
	require.NoError(t, rtx.Commit())
}

func TestWithMetricsRegistersCollectors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	reg := prometheus.NewRegistry()
	env, err := Open(path, WithMetrics(reg))
	require.NoError(t, err)
	defer env.Close()

	wtx, err := env.NewTransaction(false)
	require.NoError(t, err)
	_, err = wtx.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, wtx.Commit())

	_ = env.Stats() // refreshes the page gauges

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["cowkv_commits_total"])
	require.True(t, names["cowkv_pages_allocated"])
	require.True(t, names["cowkv_pages_free"])
}
