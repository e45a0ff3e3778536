// Package provision turns registry definitions into durable store records.
// Identities are batch-upserted without locking (upserts by unique email are
// commutative). Each group runs a locked state machine: precheck,
// transactional create with bounded linear retry, then verification through
// two independent read paths before the result counts as success.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"fixtureforge/internal/fixtures/lock"
	"fixtureforge/internal/fixtures/metrics"
	"fixtureforge/internal/fixtures/models"
	"fixtureforge/internal/fixtures/registry"
	"fixtureforge/internal/fixtures/store"
	"fixtureforge/internal/platform/sentinel"
)

const lockResourcePrefix = "owner-"

// Tunables bound every wait and retry in the engine. There is no unbounded
// retry anywhere: exhausting a budget is always a surfaced error.
type Tunables struct {
	// LockMaxWait is the hard wall-clock ceiling on lock acquisition.
	LockMaxWait time.Duration
	// LockPoll is the sleep between create-if-absent attempts.
	LockPoll time.Duration
	// StoreAttempts bounds the transactional create loop.
	StoreAttempts int
	// StoreBackoff is the linear backoff unit between create attempts.
	StoreBackoff time.Duration
	// VerifyAttempts bounds each verification pass.
	VerifyAttempts int
	// VerifyBackoff is the initial verification backoff; it doubles per
	// attempt with jitter, capped at VerifyBackoffCap.
	VerifyBackoff    time.Duration
	VerifyBackoffCap time.Duration
	// IdentityConcurrency caps parallel identity upserts in a batch.
	IdentityConcurrency int
}

// DefaultTunables match the pacing of a CI worker fleet sharing one store.
func DefaultTunables() Tunables {
	return Tunables{
		LockMaxWait:         30 * time.Second,
		LockPoll:            100 * time.Millisecond,
		StoreAttempts:       3,
		StoreBackoff:        200 * time.Millisecond,
		VerifyAttempts:      5,
		VerifyBackoff:       100 * time.Millisecond,
		VerifyBackoffCap:    2 * time.Second,
		IdentityConcurrency: 8,
	}
}

// Engine coordinates fixture creation against the shared store.
type Engine struct {
	store    store.Store
	consumer store.ConsumerReader
	locks    lock.Locker
	metrics  *metrics.Metrics
	log      *log.Logger
	cfg      Tunables
	tracer   trace.Tracer
}

// New validates dependencies and returns a ready Engine.
func New(st store.Store, consumer store.ConsumerReader, locks lock.Locker, m *metrics.Metrics, logger *log.Logger, cfg Tunables) (*Engine, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if consumer == nil {
		return nil, errors.New("consumer reader is required")
	}
	if locks == nil {
		return nil, errors.New("locker is required")
	}
	if m == nil {
		return nil, errors.New("metrics are required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.StoreAttempts < 1 || cfg.VerifyAttempts < 1 {
		return nil, errors.New("attempt counts must be at least 1")
	}
	return &Engine{
		store:    st,
		consumer: consumer,
		locks:    locks,
		metrics:  m,
		log:      logger,
		cfg:      cfg,
		tracer:   otel.Tracer("fixtureforge/provision"),
	}, nil
}

// CreateIdentities upserts every non-external identity in the registry.
// Failures are logged and counted but never abort the batch: some tests
// tolerate a missing fixture and fail informatively later, so the batch
// stays best-effort on purpose. Only context cancellation is returned.
func (e *Engine) CreateIdentities(ctx context.Context, reg *registry.Registry) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.IdentityConcurrency)

	for _, def := range reg.Identities() {
		if def.External {
			e.log.Printf("identity %s arrives via external flow, skipping", def.Identity.Email)
			continue
		}
		ident := def.Identity
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.upsertIdentity(ctx, ident); err != nil {
				e.metrics.IdentityFailures.Inc()
				e.log.Printf("identity %s not provisioned, continuing batch: %v", ident.Email, err)
				return nil
			}
			e.metrics.IdentitiesProvisioned.Inc()
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) upsertIdentity(ctx context.Context, ident models.TestIdentity) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.StoreAttempts; attempt++ {
		lastErr = e.store.UpsertIdentity(ctx, ident)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, sentinel.ErrTransientStore) {
			return lastErr
		}
		e.metrics.StoreRetries.Inc()
		if err := sleep(ctx, time.Duration(attempt)*e.cfg.StoreBackoff); err != nil {
			return err
		}
	}
	return lastErr
}

// CreateGroup provisions the group defined under key. The lock scoped to the
// group's owner serializes peers; the release in the deferred block runs on
// every exit path, success or not.
func (e *Engine) CreateGroup(ctx context.Context, reg *registry.Registry, key string) error {
	grp, err := reg.Group(key)
	if err != nil {
		return err
	}

	ctx, span := e.tracer.Start(ctx, "fixtures.CreateGroup", trace.WithAttributes(
		attribute.String("group.name", grp.Name),
		attribute.String("group.owner_id", grp.OwnerID),
	))
	defer span.End()

	resource := lockResourcePrefix + grp.OwnerID
	lockStart := time.Now()
	if err := e.locks.Acquire(ctx, resource, e.cfg.LockMaxWait, e.cfg.LockPoll); err != nil {
		if errors.Is(err, sentinel.ErrLockTimeout) {
			e.metrics.LockTimeouts.Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock not acquired")
		return fmt.Errorf("group %q: %w", grp.Name, err)
	}
	e.metrics.LockAcquired.Inc()
	e.metrics.LockWaitSeconds.Observe(time.Since(lockStart).Seconds())
	defer func() {
		// Release must survive a canceled caller context.
		if rerr := e.locks.Release(context.Background(), resource); rerr != nil {
			e.log.Printf("release %s: %v", resource, rerr)
		}
	}()

	if err := e.createGroupLocked(ctx, span, grp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "group not provisioned")
		return err
	}
	return nil
}

func (e *Engine) createGroupLocked(ctx context.Context, span trace.Span, grp models.TestGroup) error {
	// Precheck: an existing membership of the owner means a peer (or an
	// earlier call) already provisioned this group.
	if _, err := e.store.MembershipByOwner(ctx, grp.OwnerID); err == nil {
		e.metrics.GroupsSkipped.Inc()
		e.log.Printf("group %s already provisioned for owner %s, skipping", grp.Name, grp.OwnerID)
		span.AddEvent("precheck short-circuit")
		return nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return fmt.Errorf("precheck group %q owner %s: %w", grp.Name, grp.OwnerID, err)
	}

	if err := e.ensureGroupWithRetry(ctx, grp); err != nil {
		return err
	}
	span.AddEvent("created")

	if err := e.verifyMembership(ctx, "storage", e.store.MembershipByOwner, grp); err != nil {
		return err
	}
	span.AddEvent("verified storage path")

	if err := e.verifyMembership(ctx, "consumer", e.consumer.MembershipByOwner, grp); err != nil {
		return err
	}
	span.AddEvent("verified consumer path")

	e.metrics.GroupsProvisioned.Inc()
	return nil
}

// ensureGroupWithRetry absorbs transient store errors with a fixed attempt
// count and linear backoff. Non-transient errors are terminal immediately.
func (e *Engine) ensureGroupWithRetry(ctx context.Context, grp models.TestGroup) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.StoreAttempts; attempt++ {
		lastErr = e.store.EnsureGroup(ctx, grp)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, sentinel.ErrTransientStore) {
			return fmt.Errorf("create group %q owner %s: %w", grp.Name, grp.OwnerID, lastErr)
		}
		e.metrics.StoreRetries.Inc()
		e.log.Printf("transient failure creating group %s (attempt %d/%d): %v", grp.Name, attempt, e.cfg.StoreAttempts, lastErr)
		if attempt < e.cfg.StoreAttempts {
			if err := sleep(ctx, time.Duration(attempt)*e.cfg.StoreBackoff); err != nil {
				return fmt.Errorf("create group %q owner %s: %w", grp.Name, grp.OwnerID, err)
			}
		}
	}
	return fmt.Errorf("create group %q owner %s: retries exhausted: %w", grp.Name, grp.OwnerID, lastErr)
}

// verifyMembership re-reads the owner's membership through the given path
// until it is visible. Backoff doubles per attempt with jitter, capped, so
// workers contending on related resources do not retry in lockstep.
func (e *Engine) verifyMembership(ctx context.Context, path string, read func(context.Context, string) (models.Membership, error), grp models.TestGroup) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.VerifyBackoff
	bo.MaxInterval = e.cfg.VerifyBackoffCap
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		_, err := read(ctx, grp.OwnerID)
		if err != nil && attempt > 1 {
			e.metrics.VerificationRetries.Inc()
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.cfg.VerifyAttempts-1)), ctx))
	if err != nil {
		e.metrics.VerificationFailures.Inc()
		return fmt.Errorf("%s-path verification of group %q owner %s after %d attempts: %v: %w",
			path, grp.Name, grp.OwnerID, e.cfg.VerifyAttempts, err, sentinel.ErrVerificationFailed)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
