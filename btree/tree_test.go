package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddGetRoundTrip(t *testing.T) {
	src := newMemSource()
	tr, err := New(src, "")
	require.NoError(t, err)

	outcome, err := tr.Add(src, []byte("hello"), []byte("world"))
	require.NoError(t, err)
	require.Equal(t, Inserted, outcome)

	got, err := tr.Get(src, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
}

func TestAddReplaceReportsReplaced(t *testing.T) {
	src := newMemSource()
	tr, err := New(src, "")
	require.NoError(t, err)

	_, err = tr.Add(src, []byte("k"), []byte("v1"))
	require.NoError(t, err)

	outcome, err := tr.Add(src, []byte("k"), []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, Replaced, outcome)

	got, err := tr.Get(src, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))
}

func TestGetMissingKeyReturnsErrKeyNotFound(t *testing.T) {
	src := newMemSource()
	tr, err := New(src, "")
	require.NoError(t, err)

	_, err = tr.Get(src, []byte("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestOverflowValueRoundTrip(t *testing.T) {
	src := newMemSource()
	tr, err := New(src, "")
	require.NoError(t, err)

	big := make([]byte, OverflowThreshold+500)
	for i := range big {
		big[i] = byte(i)
	}
	_, err = tr.Add(src, []byte("bigkey"), big)
	require.NoError(t, err)

	got, err := tr.Get(src, []byte("bigkey"))
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestDeleteRemovesKey(t *testing.T) {
	src := newMemSource()
	tr, err := New(src, "")
	require.NoError(t, err)

	_, err = tr.Add(src, []byte("k"), []byte("v"))
	require.NoError(t, err)

	existed, err := tr.Delete(src, []byte("k"))
	require.NoError(t, err)
	require.True(t, existed)

	_, err = tr.Get(src, []byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	existed, err = tr.Delete(src, []byte("k"))
	require.NoError(t, err)
	require.False(t, existed)
}

func TestManySequentialInsertsCauseSplitsAndStayRetrievable(t *testing.T) {
	src := newMemSource()
	tr, err := New(src, "")
	require.NoError(t, err)

	const n = 5000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val := []byte(fmt.Sprintf("val-%05d", i))
		_, err := tr.Add(src, key, val)
		require.NoError(t, err)
	}
	require.Greater(t, tr.Depth, uint32(1))

	for i := 0; i < n; i += 37 {
		key := []byte(fmt.Sprintf("key-%05d", i))
		got, err := tr.Get(src, key)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("val-%05d", i), string(got))
	}
}

func TestRandomOrderInsertsStayRetrievable(t *testing.T) {
	src := newMemSource()
	tr, err := New(src, "")
	require.NoError(t, err)

	const n = 2000
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		// A deterministic pseudo-shuffle: multiply-and-mod permutation.
		idx := (i * 7919) % n
		keys[i] = fmt.Sprintf("key-%05d", idx)
	}
	for _, k := range keys {
		_, err := tr.Add(src, []byte(k), []byte(k))
		require.NoError(t, err)
	}
	for _, k := range keys {
		got, err := tr.Get(src, []byte(k))
		require.NoError(t, err)
		require.Equal(t, k, string(got))
	}
}
