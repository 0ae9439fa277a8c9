package credential

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	lockMaxRetries = 50
	lockRetryDelay = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
)

// fileLock is an advisory lock shared by every process using the same
// credential file.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

// acquireFileLock takes an exclusive lock on path by creating path+".lock".
// Lock files older than lockStaleAfter are considered abandoned and removed.
func acquireFileLock(path string) (*fileLock, error) {
	lockPath := path + ".lock"

	for range lockMaxRetries {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			return &fileLock{lockFile: f, lockPath: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > lockStaleAfter {
			if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf("remove stale lock file %s: %w", lockPath, remErr)
			}
			continue
		}

		time.Sleep(lockRetryDelay)
	}

	return nil, fmt.Errorf(
		"timeout waiting for file lock after %v",
		time.Duration(lockMaxRetries)*lockRetryDelay,
	)
}

// release removes the lock file. A lock file that is already gone, for
// example broken as stale by another process, counts as released.
func (l *fileLock) release() error {
	if l.lockFile != nil {
		l.lockFile.Close()
	}
	if err := os.Remove(l.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
