// Package bootstrap wires the coordinator's components together from
// environment configuration: the persistence backend, the worker
// registry, the scheduler, the submission policy, and the background
// sweeps.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Jay-Jay-Tee/the-grid-x/controllers"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/policy"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/registry"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/scheduler"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/store"
)

// ControlPlane bundles every coordinator-side component NewFromEnv wires
// together, ready for the HTTP/WebSocket binaries to mount.
type ControlPlane struct {
	Store        store.Store
	Registry     *registry.Registry
	Engine       *scheduler.Engine
	Policy       *policy.Engine
	JobCost      store.Amount
	StartBalance store.Amount

	jobSweep    *controllers.JobTimeoutReconciler
	workerSweep *controllers.WorkerStaleReconciler
}

// Dispatcher is satisfied by the session package's worker-connection
// manager; kept here as a type alias so this package does not need to
// import session and create a cycle.
type Dispatcher = scheduler.Dispatcher

// NewFromEnv builds a ControlPlane from GRIDX_* environment variables. The
// dispatcher (the session package's WebSocket send path) is supplied by
// the caller since session in turn depends on the scheduler.Engine this
// function constructs.
func NewFromEnv(ctx context.Context, dispatcher Dispatcher) (*ControlPlane, error) {
	st, err := newStore(ctx, getenv("GRIDX_STORE", "memory"))
	if err != nil {
		return nil, err
	}

	reg := registry.New()

	pol, err := policy.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	jobCost := store.AmountFromCredits(getenvFloat("GRIDX_JOB_COST", 1.0))
	startBalance := store.AmountFromCredits(getenvFloat("GRIDX_STARTING_BALANCE", 100.0))
	workerReward := store.AmountFromCredits(getenvFloat("GRIDX_WORKER_REWARD", 0.8))
	st.SetStartingBalance(startBalance)

	engine := scheduler.NewEngine(st, reg, dispatcher, scheduler.Options{
		SkipAfterAttempts: getenvInt("GRIDX_SKIP_AFTER_ATTEMPTS", 5),
		MaxRequeues:       getenvInt("GRIDX_REQUEUE_ATTEMPTS", 3),
		WorkerReward:      workerReward,
	})

	staleThreshold := time.Duration(getenvInt("GRIDX_STALE_THRESHOLD_SECONDS", 90)) * time.Second
	sweepInterval := time.Duration(getenvInt("GRIDX_SWEEP_INTERVAL_SECONDS", 10)) * time.Second

	cp := &ControlPlane{
		Store:        st,
		Registry:     reg,
		Engine:       engine,
		Policy:       pol,
		JobCost:      jobCost,
		StartBalance: startBalance,
		jobSweep:     controllers.NewJobTimeoutReconciler(st, engine, sweepInterval),
		workerSweep:  controllers.NewWorkerStaleReconciler(reg, engine, staleThreshold, sweepInterval),
	}
	return cp, nil
}

// StartSweeps launches the background timeout and stale-worker sweeps,
// each in its own goroutine, and returns immediately; cancel ctx to stop
// both.
func (cp *ControlPlane) StartSweeps(ctx context.Context) {
	go cp.jobSweep.Start(ctx)
	go cp.workerSweep.Start(ctx)
}

func newStore(ctx context.Context, kind string) (store.Store, error) {
	switch kind {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv("GRIDX_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("GRIDX_POSTGRES_DSN is required when GRIDX_STORE=postgres")
		}
		return store.NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported GRIDX_STORE value %q", kind)
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}
