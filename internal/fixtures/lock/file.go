package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"fixtureforge/internal/platform/sentinel"
)

// FileLocker realizes advisory locks as marker files in a directory visible
// to every worker. os.O_CREATE|os.O_EXCL is atomic on a local or properly
// mounted shared filesystem, so the create either fully succeeds for exactly
// one worker or fails with os.ErrExist.
type FileLocker struct {
	dir    string
	holder string
}

// NewFileLocker creates the marker directory if needed and returns a locker
// whose holder token identifies this process in marker payloads.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir %s: %w", dir, err)
	}
	return &FileLocker{dir: dir, holder: uuid.NewString()}, nil
}

func (l *FileLocker) path(resource string) string {
	return filepath.Join(l.dir, resource+".lock")
}

// Acquire polls an exclusive create of the marker file until it succeeds or
// maxWait elapses. A marker left behind by a crashed holder is never stolen;
// it surfaces as ErrLockTimeout so the run fails loudly instead of hanging.
func (l *FileLocker) Acquire(ctx context.Context, resource string, maxWait, pollInterval time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		created, err := l.tryCreate(resource)
		if err != nil {
			return err
		}
		if created {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("acquire %q: still held after %s: %w", resource, maxWait, sentinel.ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire %q: %w", resource, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// tryCreate performs the single atomic create-if-absent attempt.
func (l *FileLocker) tryCreate(resource string) (bool, error) {
	f, err := os.OpenFile(l.path(resource), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create marker for %q: %w", resource, err)
	}
	marker := Marker{Resource: resource, Holder: l.holder, CreatedAt: time.Now().UTC()}
	if err := json.NewEncoder(f).Encode(marker); err != nil {
		f.Close()
		return false, fmt.Errorf("write marker for %q: %w", resource, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close marker for %q: %w", resource, err)
	}
	return true, nil
}

// Release removes the marker. An already-absent marker is success.
func (l *FileLocker) Release(_ context.Context, resource string) error {
	if err := os.Remove(l.path(resource)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release %q: %w", resource, err)
	}
	return nil
}
