package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes provisioning and coordination counters. Constructed with
// an explicit registerer so parallel test packages never fight over the
// default registry.
type Metrics struct {
	IdentitiesProvisioned prometheus.Counter
	IdentityFailures      prometheus.Counter
	GroupsProvisioned     prometheus.Counter
	GroupsSkipped         prometheus.Counter
	LockAcquired          prometheus.Counter
	LockTimeouts          prometheus.Counter
	LockWaitSeconds       prometheus.Histogram
	StoreRetries          prometheus.Counter
	VerificationRetries   prometheus.Counter
	VerificationFailures  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IdentitiesProvisioned: factory.NewCounter(prometheus.CounterOpts{
			Name: "fixtureforge_identities_provisioned_total",
			Help: "Total number of identity fixtures upserted successfully",
		}),
		IdentityFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fixtureforge_identity_failures_total",
			Help: "Total number of identity upserts swallowed by the best-effort batch policy",
		}),
		GroupsProvisioned: factory.NewCounter(prometheus.CounterOpts{
			Name: "fixtureforge_groups_provisioned_total",
			Help: "Total number of group fixtures created and verified",
		}),
		GroupsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fixtureforge_groups_skipped_total",
			Help: "Total number of group creations short-circuited by the precheck",
		}),
		LockAcquired: factory.NewCounter(prometheus.CounterOpts{
			Name: "fixtureforge_lock_acquired_total",
			Help: "Total number of successful lock acquisitions",
		}),
		LockTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "fixtureforge_lock_timeouts_total",
			Help: "Total number of lock acquisitions that exceeded the configured wait",
		}),
		LockWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fixtureforge_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a lock",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		StoreRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "fixtureforge_store_retries_total",
			Help: "Total number of transient store failures retried during creation",
		}),
		VerificationRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "fixtureforge_verification_retries_total",
			Help: "Total number of verification re-reads after an invisible write",
		}),
		VerificationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fixtureforge_verification_failures_total",
			Help: "Total number of verifications that exhausted their retry budget",
		}),
	}
}
