// Package controllers runs the coordinator's two background sweeps: job
// wall-timeout enforcement and worker staleness detection. Both are plain
// tickers, not a CRD reconcile loop.
package controllers

import (
	"context"
	"log"
	"time"

	"github.com/Jay-Jay-Tee/the-grid-x/internal/scheduler"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/store"
)

// JobTimeoutReconciler fails any assigned or running job whose wall timeout
// has elapsed since its last state change (dispatch, or the move to running
// on ack), per spec.md §4.4's timeout behavior.
type JobTimeoutReconciler struct {
	store    store.Store
	engine   *scheduler.Engine
	interval time.Duration
}

func NewJobTimeoutReconciler(st store.Store, engine *scheduler.Engine, interval time.Duration) *JobTimeoutReconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &JobTimeoutReconciler{store: st, engine: engine, interval: interval}
}

func (r *JobTimeoutReconciler) Reconcile(ctx context.Context) {
	for _, state := range []store.JobState{store.JobAssigned, store.JobRunning} {
		jobs, err := r.store.ListJobsByState(ctx, state)
		if err != nil {
			log.Printf("job timeout sweep: list %s failed: %v", state, err)
			continue
		}
		for _, j := range jobs {
			deadline := j.UpdatedAt.Add(time.Duration(j.WallTimeoutSeconds) * time.Second)
			if time.Now().UTC().Before(deadline) {
				continue
			}
			if err := r.engine.HandleTimeout(ctx, j.ID); err != nil {
				log.Printf("job timeout sweep: job=%s err=%v", j.ID, err)
			}
		}
	}
}

func (r *JobTimeoutReconciler) Start(ctx context.Context) {
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
