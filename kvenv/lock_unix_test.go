//go:build unix

package kvenv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenTwiceFromSameProcessFailsOnProcessLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	env1, err := Open(path)
	require.NoError(t, err)
	defer env1.Close()

	_, err = Open(path)
	require.Error(t, err)
}

func TestOpenAfterCloseReacquiresProcessLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	env1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, env1.Close())

	env2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, env2.Close())
}
