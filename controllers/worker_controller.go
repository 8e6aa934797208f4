package controllers

import (
	"context"
	"log"
	"time"

	"github.com/Jay-Jay-Tee/the-grid-x/internal/registry"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/scheduler"
)

// WorkerStaleReconciler hands every worker session whose last heartbeat is
// older than staleAfter to the scheduler's worker-loss path, which removes
// the session from the registry and requeues any job it held. No offline
// state is kept: a stale session is dropped at once, not first marked
// Offline.
type WorkerStaleReconciler struct {
	registry   *registry.Registry
	engine     *scheduler.Engine
	staleAfter time.Duration
	interval   time.Duration
}

func NewWorkerStaleReconciler(reg *registry.Registry, engine *scheduler.Engine, staleAfter, interval time.Duration) *WorkerStaleReconciler {
	if staleAfter <= 0 {
		staleAfter = 90 * time.Second
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &WorkerStaleReconciler{registry: reg, engine: engine, staleAfter: staleAfter, interval: interval}
}

func (r *WorkerStaleReconciler) Reconcile(ctx context.Context) {
	cut := time.Now().UTC().Add(-r.staleAfter)
	for _, id := range r.registry.StaleSince(cut) {
		log.Printf("worker reconciled id=%s health=offline", id)
		r.engine.HandleWorkerLoss(ctx, id)
	}
}

func (r *WorkerStaleReconciler) Start(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Reconcile(ctx)
		}
	}
}
