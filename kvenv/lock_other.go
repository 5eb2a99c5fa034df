//go:build !unix

package kvenv

// processLock is a no-op stand-in on platforms without flock; this
// engine's single-writer-process guarantee is then only as strong as
// writerSem (same-process goroutines).
type processLock struct{}

func acquireProcessLock(lockFile string) (*processLock, error) { return &processLock{}, nil }

func (l *processLock) release() error { return nil }
