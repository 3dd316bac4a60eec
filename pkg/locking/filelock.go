package locking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock is a Group implementation backed by flock(2) lock files, one per
// hashed key, so several router processes sharing a disk cache serialize
// their writes. Within a process it defers to an embedded MemLock because
// flock is not reentrant on a single handle.
type FileLock struct {
	dir   string
	local *MemLock
}

// NewFileLock creates lock files below dir.
func NewFileLock(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{
		dir:   dir,
		local: NewMemLock(),
	}, nil
}

func (f *FileLock) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	return f.local.DoWithLock(key, func() (interface{}, error) {
		sum := sha256.Sum256([]byte(key))
		fl := flock.New(filepath.Join(f.dir, hex.EncodeToString(sum[:])+".lock"))
		if err := fl.Lock(); err != nil {
			return nil, fmt.Errorf("failed to acquire file lock for %q: %w", key, err)
		}
		defer fl.Unlock()
		return fn()
	})
}
