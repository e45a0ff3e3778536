package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"fixtureforge/internal/fixtures/models"
	"fixtureforge/internal/platform/sentinel"
)

// MemoryStore is the in-process implementation used by unit tests and local
// runs. It implements both Store and ConsumerReader; tests that need to
// model read-path skew wrap the reader side.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]models.TestIdentity // by email
	groups     map[string]groupRecord         // by name
}

type groupRecord struct {
	id      string
	name    string
	ownerID string
	members map[string]models.Role // by identity id
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]models.TestIdentity),
		groups:     make(map[string]groupRecord),
	}
}

func (s *MemoryStore) UpsertIdentity(_ context.Context, ident models.TestIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.identities[ident.Email]; ok {
		// Keep the first id; re-application only refreshes attributes.
		ident.ID = existing.ID
	}
	s.identities[ident.Email] = ident
	return nil
}

// IdentityByEmail returns the stored identity for email.
func (s *MemoryStore) IdentityByEmail(_ context.Context, email string) (models.TestIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[email]
	if !ok {
		return models.TestIdentity{}, fmt.Errorf("identity %s: %w", email, sentinel.ErrNotFound)
	}
	return ident, nil
}

func (s *MemoryStore) MembershipByOwner(_ context.Context, ownerID string) (models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rec := s.groups[name]
		if role, ok := rec.members[ownerID]; ok {
			return models.Membership{GroupName: rec.name, IdentityID: ownerID, Role: role}, nil
		}
	}
	return models.Membership{}, fmt.Errorf("membership for %s: %w", ownerID, sentinel.ErrNotFound)
}

func (s *MemoryStore) EnsureGroup(_ context.Context, grp models.TestGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.groups[grp.Name]
	if !ok {
		rec = groupRecord{id: grp.ID, name: grp.Name, ownerID: grp.OwnerID, members: make(map[string]models.Role)}
	}
	rec.members[grp.OwnerID] = models.RoleAdmin
	for _, m := range grp.Members {
		rec.members[m.IdentityID] = m.Role
	}
	s.groups[grp.Name] = rec
	return nil
}

func (s *MemoryStore) GroupMembers(_ context.Context, groupName string) ([]models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupName, sentinel.ErrNotFound)
	}
	out := make([]models.Membership, 0, len(rec.members))
	for identityID, role := range rec.members {
		out = append(out, models.Membership{GroupName: rec.name, IdentityID: identityID, Role: role})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, nil
}
