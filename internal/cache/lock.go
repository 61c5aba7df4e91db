package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"
)

const lockRetryInterval = 25 * time.Millisecond

// writerLock guarantees at most one writer materialises a given
// (route_id, fingerprint) directory at a time: singleflight collapses
// concurrent goroutines within this process before any of them touch
// the filesystem, and flock serialises across processes for the
// goroutine that actually becomes the leader.
type writerLock struct {
	group singleflight.Group
}

func newWriterLock() *writerLock {
	return &writerLock{}
}

// withLock runs fn as the sole materialiser for key, sharing its
// result with any other in-process callers racing for the same key.
func (w *writerLock) withLock(ctx context.Context, dir, key string, fn func() error) error {
	_, err, _ := w.group.Do(key, func() (any, error) {
		fl, lockErr := acquireFileLock(ctx, dir)
		if lockErr != nil {
			return nil, lockErr
		}
		defer fl.Unlock()
		return nil, fn()
	})
	return err
}

func acquireFileLock(ctx context.Context, dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory %s: %w", dir, err)
	}
	fl := flock.New(filepath.Join(dir, ".lock"))
	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire materialize lock for %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("could not acquire materialize lock for %s", dir)
	}
	return fl, nil
}
