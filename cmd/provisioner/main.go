// Command provisioner realizes a JSON fixture plan against the shared store.
// CI warmup jobs run it before the worker fleet starts so every worker finds
// its fixtures already provisioned. While running it serves /healthz and
// /metrics for the job's scrape sidecar.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fixtureforge/internal/fixtures"
	"fixtureforge/internal/fixtures/lock"
	"fixtureforge/internal/fixtures/metrics"
	"fixtureforge/internal/fixtures/provision"
	"fixtureforge/internal/fixtures/store"
	"fixtureforge/internal/platform/config"
	"fixtureforge/internal/platform/httpserver"
	"fixtureforge/internal/platform/logger"
	"fixtureforge/internal/platform/postgres"
	platformredis "fixtureforge/internal/platform/redis"
)

func main() {
	log := logger.New()

	if len(os.Args) != 2 {
		log.Fatalf("usage: provisioner <plan.json>")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	plan, err := LoadPlan(os.Args[1])
	if err != nil {
		log.Fatalf("plan: %v", err)
	}

	writeDB, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	if writeDB == nil {
		log.Fatalf("FIXTURES_DATABASE_URL is required")
	}
	defer writeDB.Close()

	// The consumer path gets its own pool so verification reads are routed
	// independently of the writes they check.
	consumerURL := cfg.ConsumerDatabaseURL
	if consumerURL == "" {
		consumerURL = cfg.DatabaseURL
	}
	consumerDB, err := postgres.Open(ctx, consumerURL)
	if err != nil {
		log.Fatalf("consumer postgres: %v", err)
	}
	defer consumerDB.Close()

	pgStore := store.NewPostgres(writeDB)
	if err := pgStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema: %v", err)
	}

	locker, err := newLocker(ctx, cfg)
	if err != nil {
		log.Fatalf("locker: %v", err)
	}

	session, err := fixtures.NewSession(fixtures.Deps{
		Store:       pgStore,
		Consumer:    store.NewPostgresConsumerReader(consumerDB),
		Locker:      locker,
		Metrics:     metrics.New(prometheus.DefaultRegisterer),
		Logger:      log,
		EmailDomain: cfg.EmailDomain,
		Tunables: provision.Tunables{
			LockMaxWait:         cfg.LockMaxWait,
			LockPoll:            cfg.LockPoll,
			StoreAttempts:       cfg.StoreAttempts,
			StoreBackoff:        cfg.StoreBackoff,
			VerifyAttempts:      cfg.VerifyAttempts,
			VerifyBackoff:       cfg.VerifyBackoff,
			VerifyBackoffCap:    cfg.VerifyBackoffCap,
			IdentityConcurrency: cfg.IdentityConcurrency,
		},
	})
	if err != nil {
		log.Fatalf("session: %v", err)
	}

	srv := adminServer(cfg.AdminAddr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("admin server: %v", err)
		}
	}()

	log.Printf("provisioning run %s: %d identities, %d groups", session.RunToken(), len(plan.Identities), len(plan.Groups))
	runErr := plan.Apply(ctx, session)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin shutdown: %v", err)
	}

	if runErr != nil {
		log.Fatalf("provisioning failed: %v", runErr)
	}
	log.Printf("provisioning run %s complete", session.RunToken())
}

func newLocker(ctx context.Context, cfg config.Config) (lock.Locker, error) {
	if cfg.LockBackend == config.LockBackendRedis {
		client, err := platformredis.New(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return lock.NewRedisLocker(client), nil
	}
	return lock.NewFileLocker(cfg.LockDir)
}

func adminServer(addr string) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return httpserver.New(addr, r)
}
