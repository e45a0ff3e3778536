package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, lockers, and the
// provisioning engine return these (optionally wrapped) so callers can
// branch with errors.Is without knowing which backend produced them.
//
// These represent factual states, not validation failures:
// - ErrNotFound: entity does not exist in the store or registry
// - ErrConflict: exclusive create lost to a concurrent peer
// - ErrUndefinedReference: definition referenced a key never defined
// - ErrLockTimeout: lock not acquired within the configured wait
// - ErrVerificationFailed: write not visible after bounded re-reads
// - ErrTransientStore: retryable store failure (connection, serialization)
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrUndefinedReference = errors.New("undefined reference")
	ErrLockTimeout        = errors.New("lock timeout")
	ErrVerificationFailed = errors.New("verification failed")
	ErrTransientStore     = errors.New("transient store failure")
)
