package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorIteratesInOrder(t *testing.T) {
	src := newMemSource()
	tr, err := New(src, "")
	require.NoError(t, err)

	const n = 1000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		_, err := tr.Add(src, key, key)
		require.NoError(t, err)
	}

	c := tr.Cursor(src)
	require.NoError(t, c.Seek(nil))

	count := 0
	for c.Valid() {
		want := fmt.Sprintf("key-%04d", count)
		require.Equal(t, want, string(c.Key()))
		require.Equal(t, want, string(c.Value()))
		count++
		if !c.Next() {
			break
		}
	}
	require.NoError(t, c.Error())
	require.Equal(t, n, count)
}

func TestCursorSeekMidway(t *testing.T) {
	src := newMemSource()
	tr, err := New(src, "")
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		_, err := tr.Add(src, key, key)
		require.NoError(t, err)
	}

	c := tr.Cursor(src)
	require.NoError(t, c.Seek([]byte("key-0250")))
	require.True(t, c.Valid())
	require.Equal(t, "key-0250", string(c.Key()))
}

func TestCursorOnEmptyTreeIsNotValid(t *testing.T) {
	src := newMemSource()
	tr, err := New(src, "")
	require.NoError(t, err)

	c := tr.Cursor(src)
	require.NoError(t, c.Seek(nil))
	require.False(t, c.Valid())
}
