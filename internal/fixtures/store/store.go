// Package store persists fixture entities. Implementations are pure I/O:
// locking, retries, and verification policy belong to the provisioning
// engine. All stores honor the same contract:
//
//   - Upserts are idempotent by their unique key (identity email, group name)
//   - EnsureGroup applies the whole group atomically in one transaction
//   - Lookups return a wrapped sentinel.ErrNotFound for absent rows
//   - Retryable backend failures are wrapped in sentinel.ErrTransientStore
package store

import (
	"context"

	"fixtureforge/internal/fixtures/models"
)

// Store is the write/verify path used by the provisioning engine.
type Store interface {
	// UpsertIdentity creates or re-applies an identity keyed by email.
	UpsertIdentity(ctx context.Context, ident models.TestIdentity) error

	// MembershipByOwner returns one membership held by the identity, used by
	// the precheck and the storage-path verification.
	MembershipByOwner(ctx context.Context, ownerID string) (models.Membership, error)

	// EnsureGroup find-or-creates the group by its unique name, upserts the
	// owner's ADMIN membership, then upserts each declared member, all inside
	// a single transaction.
	EnsureGroup(ctx context.Context, grp models.TestGroup) error

	// GroupMembers lists the memberships of the named group.
	GroupMembers(ctx context.Context, groupName string) ([]models.Membership, error)
}

// ConsumerReader is the independently-routed read path real consumers use.
// Verifying through it catches visibility and caching skew the write path
// cannot see.
type ConsumerReader interface {
	MembershipByOwner(ctx context.Context, ownerID string) (models.Membership, error)
}
