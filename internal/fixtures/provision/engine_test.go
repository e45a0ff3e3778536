package provision

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixtureforge/internal/fixtures/identity"
	"fixtureforge/internal/fixtures/lock"
	"fixtureforge/internal/fixtures/metrics"
	"fixtureforge/internal/fixtures/models"
	"fixtureforge/internal/fixtures/registry"
	"fixtureforge/internal/fixtures/store"
	"fixtureforge/internal/platform/sentinel"
)

func fastTunables() Tunables {
	return Tunables{
		LockMaxWait:         2 * time.Second,
		LockPoll:            time.Millisecond,
		StoreAttempts:       3,
		StoreBackoff:        time.Millisecond,
		VerifyAttempts:      3,
		VerifyBackoff:       time.Millisecond,
		VerifyBackoffCap:    5 * time.Millisecond,
		IdentityConcurrency: 4,
	}
}

func newTestEngine(t *testing.T, st store.Store, consumer store.ConsumerReader, locker lock.Locker, cfg Tunables) (*Engine, *metrics.Metrics) {
	t.Helper()

	m := metrics.New(prometheus.NewRegistry())
	e, err := New(st, consumer, locker, m, log.New(io.Discard, "", 0), cfg)
	require.NoError(t, err)
	return e, m
}

func newFileLocker(t *testing.T, dir string) lock.Locker {
	t.Helper()
	l, err := lock.NewFileLocker(dir)
	require.NoError(t, err)
	return l
}

// newTeamRegistry defines owner X plus members Y:MEMBER and Z:ADMIN under
// the group key "team" and returns the registry with the resolved group.
func newTeamRegistry(t *testing.T) (*registry.Registry, models.TestGroup) {
	t.Helper()

	reg := registry.New(identity.New(""))
	reg.DefineIdentity("x", "owner-x", "Owner X")
	reg.DefineIdentity("y", "member-y", "Member Y")
	reg.DefineIdentity("z", "member-z", "Member Z")
	grp, err := reg.DefineGroup("team", "qa", "x", []registry.Member{
		{Key: "y", Role: models.RoleMember},
		{Key: "z", Role: models.RoleAdmin},
	})
	require.NoError(t, err)
	return reg, grp
}

// flakyGroupStore fails the first failures EnsureGroup calls transiently.
type flakyGroupStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyGroupStore) EnsureGroup(ctx context.Context, grp models.TestGroup) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("connection reset: %w", sentinel.ErrTransientStore)
	}
	return f.Store.EnsureGroup(ctx, grp)
}

// blackholeStore accepts group writes without persisting them, modeling a
// write that never becomes visible.
type blackholeStore struct {
	store.Store
}

func (b *blackholeStore) EnsureGroup(context.Context, models.TestGroup) error { return nil }

// flakyReader fails the first failures reads, modeling consumer-path lag.
type flakyReader struct {
	inner    store.ConsumerReader
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyReader) MembershipByOwner(ctx context.Context, ownerID string) (models.Membership, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return models.Membership{}, fmt.Errorf("stale cache: %w", sentinel.ErrNotFound)
	}
	return f.inner.MembershipByOwner(ctx, ownerID)
}

// trackingStore counts concurrent and total EnsureGroup calls and can slow
// each call down to widen race windows.
type trackingStore struct {
	store.Store
	delay     time.Duration
	inside    atomic.Int32
	maxInside atomic.Int32
	calls     atomic.Int32
}

func (c *trackingStore) EnsureGroup(ctx context.Context, grp models.TestGroup) error {
	active := c.inside.Add(1)
	if active > c.maxInside.Load() {
		c.maxInside.Store(active)
	}
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.inside.Add(-1)
	return c.Store.EnsureGroup(ctx, grp)
}

// failingIdentityStore permanently rejects upserts for one email.
type failingIdentityStore struct {
	store.Store
	badEmail string
}

func (f *failingIdentityStore) UpsertIdentity(ctx context.Context, ident models.TestIdentity) error {
	if ident.Email == f.badEmail {
		return fmt.Errorf("identity quota exceeded")
	}
	return f.Store.UpsertIdentity(ctx, ident)
}

func TestCreateGroupEndToEnd(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	e, m := newTestEngine(t, mem, mem, newFileLocker(t, t.TempDir()), fastTunables())
	reg, grp := newTeamRegistry(t)

	require.NoError(t, e.CreateIdentities(ctx, reg))
	require.NoError(t, e.CreateGroup(ctx, reg, "team"))

	members, err := mem.GroupMembers(ctx, grp.Name)
	require.NoError(t, err)
	require.Len(t, members, 3)

	roles := make(map[string]models.Role, len(members))
	for _, mb := range members {
		roles[mb.IdentityID] = mb.Role
	}
	x, _ := reg.Identity("x")
	y, _ := reg.Identity("y")
	z, _ := reg.Identity("z")
	assert.Equal(t, models.RoleAdmin, roles[x.ID])
	assert.Equal(t, models.RoleMember, roles[y.ID])
	assert.Equal(t, models.RoleAdmin, roles[z.ID])

	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.GroupsProvisioned))
}

func TestCreateGroupSecondCallShortCircuits(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	tracked := &trackingStore{Store: mem}
	e, m := newTestEngine(t, tracked, mem, newFileLocker(t, t.TempDir()), fastTunables())
	reg, grp := newTeamRegistry(t)

	require.NoError(t, e.CreateGroup(ctx, reg, "team"))
	require.NoError(t, e.CreateGroup(ctx, reg, "team"))

	members, err := mem.GroupMembers(ctx, grp.Name)
	require.NoError(t, err)
	assert.Len(t, members, 3, "second call must not duplicate memberships")
	assert.Equal(t, int32(1), tracked.calls.Load(), "second call must stop at the precheck")
	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.GroupsSkipped))
}

func TestMutualExclusionForSameOwner(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mem := store.NewMemory()
	tracked := &trackingStore{Store: mem, delay: 5 * time.Millisecond}
	reg, _ := newTeamRegistry(t)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each worker gets its own locker, as separate processes would.
			e, _ := newTestEngine(t, tracked, mem, newFileLocker(t, dir), fastTunables())
			errs[i] = e.CreateGroup(ctx, reg, "team")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	assert.Equal(t, int32(1), tracked.maxInside.Load(), "at most one worker inside the creating state")
	assert.Equal(t, int32(1), tracked.calls.Load(), "losers must short-circuit at the precheck")
}

func TestLockTimeoutIsFatalNotHung(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mem := store.NewMemory()
	reg, grp := newTeamRegistry(t)

	// A crashed peer left its marker behind and will never release.
	crashed := newFileLocker(t, dir)
	require.NoError(t, crashed.Acquire(ctx, "owner-"+grp.OwnerID, time.Second, time.Millisecond))

	cfg := fastTunables()
	cfg.LockMaxWait = 50 * time.Millisecond
	e, m := newTestEngine(t, mem, mem, newFileLocker(t, dir), cfg)

	start := time.Now()
	err := e.CreateGroup(ctx, reg, "team")
	require.ErrorIs(t, err, sentinel.ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.LockTimeouts))
}

func TestDisjointOwnersProceedConcurrently(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mem := store.NewMemory()
	const holdTime = 200 * time.Millisecond
	tracked := &trackingStore{Store: mem, delay: holdTime}

	reg := registry.New(identity.New(""))
	reg.DefineIdentity("a", "owner-a", "Owner A")
	reg.DefineIdentity("b", "owner-b", "Owner B")
	_, err := reg.DefineGroup("team-a", "alpha", "a", nil)
	require.NoError(t, err)
	_, err = reg.DefineGroup("team-b", "beta", "b", nil)
	require.NoError(t, err)

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, key := range []string{"team-a", "team-b"} {
		i, key := i, key
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _ := newTestEngine(t, tracked, mem, newFileLocker(t, dir), fastTunables())
			errs[i] = e.CreateGroup(ctx, reg, key)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	// Serial execution would take at least 2*holdTime.
	assert.Less(t, time.Since(start), 2*holdTime-20*time.Millisecond,
		"disjoint owners must not serialize on each other")
}

func TestTransientStoreFailuresAreRetried(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	flaky := &flakyGroupStore{Store: mem, failures: 2}
	e, m := newTestEngine(t, flaky, mem, newFileLocker(t, t.TempDir()), fastTunables())
	reg, grp := newTeamRegistry(t)

	require.NoError(t, e.CreateGroup(ctx, reg, "team"))

	members, err := mem.GroupMembers(ctx, grp.Name)
	require.NoError(t, err)
	assert.Len(t, members, 3)
	assert.Equal(t, float64(2), promtestutil.ToFloat64(m.StoreRetries))
}

func TestExhaustedStoreRetriesNameGroupAndOwner(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	flaky := &flakyGroupStore{Store: mem, failures: 100}
	locker := newFileLocker(t, t.TempDir())
	e, _ := newTestEngine(t, flaky, mem, locker, fastTunables())
	reg, grp := newTeamRegistry(t)

	err := e.CreateGroup(ctx, reg, "team")
	require.ErrorIs(t, err, sentinel.ErrTransientStore)
	assert.Contains(t, err.Error(), grp.Name)
	assert.Contains(t, err.Error(), grp.OwnerID)
	assert.Equal(t, 3, flaky.calls, "attempt count is fixed")

	// The lock must have been released on the failure path.
	require.NoError(t, locker.Acquire(ctx, "owner-"+grp.OwnerID, 0, time.Millisecond))
}

func TestStorageVerificationFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	e, m := newTestEngine(t, &blackholeStore{Store: mem}, mem, newFileLocker(t, t.TempDir()), fastTunables())
	reg, _ := newTeamRegistry(t)

	err := e.CreateGroup(ctx, reg, "team")
	require.ErrorIs(t, err, sentinel.ErrVerificationFailed)
	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.VerificationFailures))
}

func TestConsumerPathDisagreement(t *testing.T) {
	t.Run("recovers within the retry budget", func(t *testing.T) {
		ctx := context.Background()
		mem := store.NewMemory()
		cfg := fastTunables()
		reader := &flakyReader{inner: mem, failures: cfg.VerifyAttempts - 1}
		e, m := newTestEngine(t, mem, reader, newFileLocker(t, t.TempDir()), cfg)
		reg, _ := newTeamRegistry(t)

		require.NoError(t, e.CreateGroup(ctx, reg, "team"))
		assert.Equal(t, float64(1), promtestutil.ToFloat64(m.GroupsProvisioned))
	})

	t.Run("never downgraded to success past the budget", func(t *testing.T) {
		ctx := context.Background()
		mem := store.NewMemory()
		cfg := fastTunables()
		reader := &flakyReader{inner: mem, failures: cfg.VerifyAttempts + 1}
		locker := newFileLocker(t, t.TempDir())
		e, m := newTestEngine(t, mem, reader, locker, cfg)
		reg, grp := newTeamRegistry(t)

		err := e.CreateGroup(ctx, reg, "team")
		require.ErrorIs(t, err, sentinel.ErrVerificationFailed)
		assert.Equal(t, float64(0), promtestutil.ToFloat64(m.GroupsProvisioned))

		// Failure must still release the lock.
		require.NoError(t, locker.Acquire(ctx, "owner-"+grp.OwnerID, 0, time.Millisecond))
	})
}

func TestCreateIdentitiesIsBestEffort(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	reg := registry.New(identity.New(""))
	good := reg.DefineIdentity("good", "good", "Good")
	bad := reg.DefineIdentity("bad", "bad", "Bad")

	failing := &failingIdentityStore{Store: mem, badEmail: bad.Email}
	e, m := newTestEngine(t, failing, mem, newFileLocker(t, t.TempDir()), fastTunables())

	require.NoError(t, e.CreateIdentities(ctx, reg), "a failed identity must not abort the batch")

	_, err := mem.IdentityByEmail(ctx, good.Email)
	require.NoError(t, err)
	_, err = mem.IdentityByEmail(ctx, bad.Email)
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.IdentitiesProvisioned))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.IdentityFailures))
}

func TestCreateIdentitiesSkipsExternalFlows(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	reg := registry.New(identity.New(""))
	reg.DefineIdentity("good", "good", "Good")
	invited := reg.DefineExternalIdentity("invited", "invited", "Invited")

	e, _ := newTestEngine(t, mem, mem, newFileLocker(t, t.TempDir()), fastTunables())
	require.NoError(t, e.CreateIdentities(ctx, reg))

	_, err := mem.IdentityByEmail(ctx, invited.Email)
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestNewValidatesDependencies(t *testing.T) {
	mem := store.NewMemory()
	locker := newFileLocker(t, t.TempDir())
	m := metrics.New(prometheus.NewRegistry())
	logger := log.New(io.Discard, "", 0)

	_, err := New(nil, mem, locker, m, logger, fastTunables())
	require.EqualError(t, err, "store is required")
	_, err = New(mem, nil, locker, m, logger, fastTunables())
	require.EqualError(t, err, "consumer reader is required")
	_, err = New(mem, mem, nil, m, logger, fastTunables())
	require.EqualError(t, err, "locker is required")

	bad := fastTunables()
	bad.VerifyAttempts = 0
	_, err = New(mem, mem, locker, m, logger, bad)
	require.Error(t, err)
}
