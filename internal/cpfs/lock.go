package cpfs

import (
	"os"
	"time"

	"github.com/gofrs/flock"

	cperrors "github.com/command-post/engine/pkg/errors"
)

const (
	lockMinBackoff = 50 * time.Millisecond
	lockMaxBackoff = 2000 * time.Millisecond
	lockMaxRetries = 10
	lockStaleAfter = 5 * time.Second
)

// WithFileLock runs op with exclusive access to path's advisory lock,
// shared with any other process on the same host observing the same
// convention. It retries with exponential backoff (50ms..2000ms) up to
// lockMaxRetries times, reclaiming a lock file whose mtime is older than
// lockStaleAfter on the assumption its holder is dead. On exhaustion it
// returns a *cperrors.LockTimeoutError.
//
// The target file itself is not created here — callers ensure it exists
// before locking it, per the coordination-primitives contract.
func WithFileLock(path string, op func() error) error {
	lockPath := Lock(path)
	if err := ensureFileExists(lockPath); err != nil {
		return cperrors.NewFileSystemError(lockPath, err)
	}

	fl := flock.New(lockPath)
	backoff := lockMinBackoff

	for attempt := 0; attempt < lockMaxRetries; attempt++ {
		locked, err := fl.TryLock()
		if err != nil {
			return cperrors.NewFileSystemError(lockPath, err)
		}
		if locked {
			defer func() { _ = fl.Unlock() }()
			return op()
		}

		reclaimStaleLock(lockPath)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > lockMaxBackoff {
			backoff = lockMaxBackoff
		}
	}

	return cperrors.NewLockTimeoutError(path)
}

// reclaimStaleLock removes lockPath when its mtime is older than
// lockStaleAfter, on the theory that whatever process created it has
// died without releasing it. This is best-effort: flock's kernel-level
// lock has no notion of staleness, so the only signal available is the
// file's age.
func reclaimStaleLock(lockPath string) {
	info, err := os.Stat(lockPath)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) > lockStaleAfter {
		_ = os.Remove(lockPath)
		_ = ensureFileExists(lockPath)
	}
}

func ensureFileExists(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
