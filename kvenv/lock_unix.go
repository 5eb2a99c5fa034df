//go:build unix

package kvenv

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// processLock is an advisory, whole-file flock held on a dedicated LOCK
// file for the lifetime of an open Environment, enforcing spec.md's
// single-writer-process rule across separate OS processes (the
// writerSem channel only arbitrates goroutines within one process).
type processLock struct {
	f *os.File
}

func acquireProcessLock(lockFile string) (*processLock, error) {
	f, err := os.OpenFile(lockFile, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("kvenv: database already opened by another process: %w", err)
	}
	return &processLock{f: f}, nil
}

func (l *processLock) release() error {
	if l == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
