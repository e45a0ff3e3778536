// Package models holds the fixture entity types shared by the registry,
// stores, and provisioning engine. These are plain values with no behavior;
// all I/O lives in the store implementations.
package models

// Role is the membership role an identity holds inside a group.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Valid reports whether the role is one of the known constants.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// TestIdentity is a run-scoped account fixture. Unique per run by Email.
// Identities are created once and only ever re-applied with the same
// attributes, so upserts on Email are safe from any interleaving.
type TestIdentity struct {
	ID          string
	Email       string
	DisplayName string
}

// Membership is one identity's role inside a group.
type Membership struct {
	GroupName  string
	IdentityID string
	Role       Role
}

// TestGroup is a run-scoped organizational group fixture. OwnerID references
// an already-defined TestIdentity; Members reference defined identities.
// An owner belongs to at most one group within a run, enforced by the
// engine's check-then-act sequence rather than a store constraint.
type TestGroup struct {
	ID      string
	Name    string
	OwnerID string
	Members []Membership
}
