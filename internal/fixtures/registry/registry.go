// Package registry is the in-memory definition table mapping logical keys to
// fixture descriptions. It is pure bookkeeping: referential consistency is
// validated eagerly at definition time and nothing here touches the store.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"fixtureforge/internal/fixtures/identity"
	"fixtureforge/internal/fixtures/models"
	"fixtureforge/internal/platform/sentinel"
)

// Member declares one group member by its registry key.
type Member struct {
	Key  string
	Role models.Role
}

// IdentityDefinition pairs a defined identity with its provisioning flags.
type IdentityDefinition struct {
	Key      string
	Identity models.TestIdentity
	// External marks identities that arrive via an external flow (e.g. an
	// invite email) and must be skipped by batch creation.
	External bool
}

// Registry holds per-session fixture definitions keyed by logical name.
// Safe for concurrent use.
type Registry struct {
	gen identity.Generator

	mu         sync.RWMutex
	identities map[string]IdentityDefinition
	groups     map[string]models.TestGroup
}

// New creates an empty Registry deriving names through gen.
func New(gen identity.Generator) *Registry {
	return &Registry{
		gen:        gen,
		identities: make(map[string]IdentityDefinition),
		groups:     make(map[string]models.TestGroup),
	}
}

// DefineIdentity computes a run-scoped id and email for base and stores the
// definition under key. Last write for a key wins; callers are expected not
// to redefine a key.
func (r *Registry) DefineIdentity(key, base, displayName string) models.TestIdentity {
	return r.define(key, base, displayName, false)
}

// DefineExternalIdentity defines an identity that will be created by an
// external flow. It participates in groups but is skipped by CreateIdentities.
func (r *Registry) DefineExternalIdentity(key, base, displayName string) models.TestIdentity {
	return r.define(key, base, displayName, true)
}

func (r *Registry) define(key, base, displayName string, external bool) models.TestIdentity {
	ident := models.TestIdentity{
		ID:          uuid.NewString(),
		Email:       r.gen.Email(base),
		DisplayName: displayName,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[key] = IdentityDefinition{Key: key, Identity: ident, External: external}
	return ident
}

// DefineGroup stores a group definition under key. The group name is passed
// through the generator so concurrent runs cannot collide. Fails with
// ErrUndefinedReference if ownerKey or any member key was never defined.
func (r *Registry) DefineGroup(key, name, ownerKey string, members []Member) (models.TestGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.identities[ownerKey]
	if !ok {
		return models.TestGroup{}, fmt.Errorf("group %q owner key %q: %w", key, ownerKey, sentinel.ErrUndefinedReference)
	}

	grp := models.TestGroup{
		ID:      uuid.NewString(),
		Name:    r.gen.Name("group", name),
		OwnerID: owner.Identity.ID,
	}
	for _, m := range members {
		def, ok := r.identities[m.Key]
		if !ok {
			return models.TestGroup{}, fmt.Errorf("group %q member key %q: %w", key, m.Key, sentinel.ErrUndefinedReference)
		}
		role := m.Role
		if !role.Valid() {
			role = models.RoleMember
		}
		grp.Members = append(grp.Members, models.Membership{
			GroupName:  grp.Name,
			IdentityID: def.Identity.ID,
			Role:       role,
		})
	}

	r.groups[key] = grp
	return grp, nil
}

// Identity returns the identity defined under key.
func (r *Registry) Identity(key string) (models.TestIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.identities[key]
	if !ok {
		return models.TestIdentity{}, fmt.Errorf("identity %q: %w", key, sentinel.ErrNotFound)
	}
	return def.Identity, nil
}

// Group returns the group defined under key.
func (r *Registry) Group(key string) (models.TestGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	grp, ok := r.groups[key]
	if !ok {
		return models.TestGroup{}, fmt.Errorf("group %q: %w", key, sentinel.ErrNotFound)
	}
	return grp, nil
}

// Identities returns a snapshot of every identity definition.
func (r *Registry) Identities() []IdentityDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]IdentityDefinition, 0, len(r.identities))
	for _, def := range r.identities {
		out = append(out, def)
	}
	return out
}

// GroupKeys returns the logical keys of every defined group.
func (r *Registry) GroupKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.groups))
	for k := range r.groups {
		keys = append(keys, k)
	}
	return keys
}
