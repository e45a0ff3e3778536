// Package fixtures is the consumer-facing boundary of the provisioning
// layer. Test code creates one Session per provisioning run, defines
// identities and groups against it, then asks it to realize them in the
// store. Consumers never touch storage or locks directly, and all run state
// lives on the Session so sessions compose and test in isolation.
package fixtures

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"fixtureforge/internal/fixtures/identity"
	"fixtureforge/internal/fixtures/lock"
	"fixtureforge/internal/fixtures/metrics"
	"fixtureforge/internal/fixtures/models"
	"fixtureforge/internal/fixtures/provision"
	"fixtureforge/internal/fixtures/registry"
	"fixtureforge/internal/fixtures/store"
)

// Deps are the external collaborators a Session needs. Store, Consumer,
// Locker, Metrics, and Logger are required; zero Tunables are replaced with
// defaults and an empty EmailDomain falls back to the generator default.
type Deps struct {
	Store       store.Store
	Consumer    store.ConsumerReader
	Locker      lock.Locker
	Metrics     *metrics.Metrics
	Logger      *log.Logger
	Tunables    provision.Tunables
	EmailDomain string
}

// Session owns one provisioning run: its random run token, the definition
// registry, and the engine that realizes definitions in the store.
type Session struct {
	gen    identity.Generator
	reg    *registry.Registry
	engine *provision.Engine
	log    *log.Logger
}

// NewSession builds a Session with a fresh run token.
func NewSession(deps Deps) (*Session, error) {
	if deps.Tunables == (provision.Tunables{}) {
		deps.Tunables = provision.DefaultTunables()
	}
	gen := identity.New(deps.EmailDomain)
	reg := registry.New(gen)
	engine, err := provision.New(deps.Store, deps.Consumer, deps.Locker, deps.Metrics, deps.Logger, deps.Tunables)
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return &Session{gen: gen, reg: reg, engine: engine, log: deps.Logger}, nil
}

// RunToken returns the token scoping all generated names to this session.
func (s *Session) RunToken() string { return s.gen.Token() }

// DefineIdentity registers an identity fixture under key.
func (s *Session) DefineIdentity(key, base, displayName string) models.TestIdentity {
	return s.reg.DefineIdentity(key, base, displayName)
}

// DefineExternalIdentity registers an identity that an external flow will
// create; batch creation skips it.
func (s *Session) DefineExternalIdentity(key, base, displayName string) models.TestIdentity {
	return s.reg.DefineExternalIdentity(key, base, displayName)
}

// DefineGroup registers a group fixture under key. Owner and member keys
// must already be defined.
func (s *Session) DefineGroup(key, name, ownerKey string, members []registry.Member) (models.TestGroup, error) {
	return s.reg.DefineGroup(key, name, ownerKey, members)
}

// Identity returns the definition stored under key.
func (s *Session) Identity(key string) (models.TestIdentity, error) {
	return s.reg.Identity(key)
}

// Group returns the definition stored under key.
func (s *Session) Group(key string) (models.TestGroup, error) {
	return s.reg.Group(key)
}

// CreateIdentities realizes every defined, non-external identity.
func (s *Session) CreateIdentities(ctx context.Context) error {
	return s.engine.CreateIdentities(ctx, s.reg)
}

// CreateGroup realizes the group defined under key.
func (s *Session) CreateGroup(ctx context.Context, key string) error {
	return s.engine.CreateGroup(ctx, s.reg, key)
}

// CreateGroups realizes every defined group. Sibling failures stay
// independent: each group is attempted, and the joined error reports every
// group that failed.
func (s *Session) CreateGroups(ctx context.Context) error {
	keys := s.reg.GroupKeys()
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		if err := s.engine.CreateGroup(ctx, s.reg, key); err != nil {
			s.log.Printf("group %q not provisioned: %v", key, err)
			errs = append(errs, fmt.Errorf("group %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
