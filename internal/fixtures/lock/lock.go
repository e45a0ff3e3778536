// Package lock provides marker-based advisory locks over a medium shared by
// all test workers. The single correctness-critical primitive is a true
// exclusive create on that medium: O_EXCL for the filesystem backend, SET NX
// for the Redis backend. Absence of a marker means the resource is free.
package lock

import (
	"context"
	"time"
)

// Locker serializes work on a named resource across cooperating workers.
type Locker interface {
	// Acquire attempts an exclusive create of the resource marker, polling
	// every pollInterval until maxWait elapses, then fails with a wrapped
	// sentinel.ErrLockTimeout. A non-positive maxWait means one attempt.
	Acquire(ctx context.Context, resource string, maxWait, pollInterval time.Duration) error

	// Release deletes the marker. Releasing an absent marker is a no-op, not
	// an error: a peer's double-release or a timeout-then-retry must never
	// crash the caller.
	Release(ctx context.Context, resource string) error
}

// Marker is the payload stored while a resource is held. It identifies the
// holder for debugging; correctness depends only on marker presence.
type Marker struct {
	Resource  string    `json:"resource"`
	Holder    string    `json:"holder"`
	CreatedAt time.Time `json:"created_at"`
}
