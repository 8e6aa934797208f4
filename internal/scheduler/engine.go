// Package scheduler pairs queued jobs with idle, capability-matching
// workers. It owns the FIFO ready queue and the worker-loss requeue path;
// it never talks to a socket directly — that is the Dispatcher's job, kept
// behind an interface so this package does not import the session
// transport.
package scheduler

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Jay-Jay-Tee/the-grid-x/internal/observability"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/registry"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/store"
)

// Dispatcher hands an assignment to a worker's live connection. The
// scheduler calls it after committing the queued->assigned transition and
// treats a send failure the same as a worker-loss event for that job.
type Dispatcher interface {
	SendAssign(ctx context.Context, conn any, job store.JobRecord) error
}

type Options struct {
	SkipAfterAttempts int
	MaxRequeues       int
	WorkerReward      store.Amount
}

type Engine struct {
	mu         sync.Mutex
	queue      []string
	attempts   map[string]int
	requeues   map[string]int
	store      store.Store
	registry   *registry.Registry
	dispatcher Dispatcher
	skipAfter  int
	maxRequeue int
	reward     store.Amount
}

func NewEngine(st store.Store, reg *registry.Registry, dispatcher Dispatcher, opts Options) *Engine {
	skipAfter := opts.SkipAfterAttempts
	if skipAfter <= 0 {
		skipAfter = 5
	}
	maxRequeue := opts.MaxRequeues
	if maxRequeue <= 0 {
		maxRequeue = 3
	}
	return &Engine{
		queue:      make([]string, 0, 64),
		attempts:   make(map[string]int),
		requeues:   make(map[string]int),
		store:      st,
		registry:   reg,
		dispatcher: dispatcher,
		skipAfter:  skipAfter,
		maxRequeue: maxRequeue,
		reward:     opts.WorkerReward,
	}
}

// Enqueue appends a job id to the tail of the ready queue and triggers a
// dispatch pass. Called by the submission API right after a job commits
// to the `queued` state.
func (e *Engine) Enqueue(ctx context.Context, jobID string) {
	e.mu.Lock()
	e.queue = append(e.queue, jobID)
	e.mu.Unlock()
	e.Dispatch(ctx)
}

// Dispatch runs dispatch passes until the head of the queue cannot be
// placed. It is safe to call concurrently from multiple triggers
// (enqueue, worker-idle, result arrival, worker loss); passes may run
// concurrently. If two passes pick the same job, the store rejects the
// second queued->assigned transition and that pass releases its worker.
func (e *Engine) Dispatch(ctx context.Context) {
	for e.dispatchOnce(ctx) {
	}
}

func (e *Engine) dispatchOnce(ctx context.Context) bool {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return false
	}
	headIdx, jobID := e.findDispatchableHead()
	if headIdx < 0 {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	ctx, span := observability.StartDispatchSpan(ctx, jobID)
	defer span.End()

	job, ok, err := e.store.GetJob(ctx, jobID)
	if err != nil || !ok || job.State != store.JobQueued {
		e.removeFromQueue(jobID)
		return true
	}

	sess, ok := e.registry.PickIdle(job.Limits(), job.NeedAccelerator, job.Language)
	if !ok {
		e.recordFailedAttempt(jobID)
		return false
	}

	if !e.registry.MarkBusy(sess.ID) {
		// Lost the race to another dispatch pass; try again next time.
		return true
	}

	err = e.store.WithUnitOfWork(ctx, func(u store.UnitOfWork) error {
		return u.SetState(ctx, jobID, store.JobAssigned, func(j *store.JobRecord) {
			j.AssignedWorkerID = sess.ID
			j.Attempts++
		})
	})
	if err != nil {
		e.registry.MarkIdle(sess.ID)
		e.removeFromQueue(jobID)
		observability.Default.IncCounter("jobs_assign_failed_total", map[string]string{"reason": "commit_error"}, 1)
		return true
	}

	e.removeFromQueue(jobID)
	e.clearAttempts(jobID)
	span.SetAttributes(attribute.String("gridx.worker_id", sess.ID))
	observability.Default.RecordJobTransition(string(store.JobQueued), string(store.JobAssigned))

	job.AssignedWorkerID = sess.ID
	if err := e.dispatcher.SendAssign(ctx, sess.Conn, job); err != nil {
		e.HandleWorkerLoss(ctx, sess.ID)
		return true
	}
	observability.Default.IncCounter("jobs_dispatched_total", map[string]string{"worker_id": sess.ID}, 1)
	return true
}

// findDispatchableHead returns the index and id of the first queue entry
// that hasn't exceeded its failed-pick budget, preserving submission
// order: a blocked head is skipped, not moved, so it is retried first on
// the next pass once a capable worker appears.
func (e *Engine) findDispatchableHead() (int, string) {
	for i, id := range e.queue {
		if e.attempts[id] < e.skipAfter {
			return i, id
		}
	}
	return -1, ""
}

func (e *Engine) recordFailedAttempt(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts[jobID]++
}

func (e *Engine) clearAttempts(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.attempts, jobID)
}

func (e *Engine) removeFromQueue(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, id := range e.queue {
		if id == jobID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// HandleWorkerLoss is called when the registry reports a session gone
// offline (stale sweep or a send failure) while it may be holding a job.
// It requeues the job (I3 preserved: no refund, no re-debit) unless the
// per-job requeue budget is exhausted, in which case the job fails with a
// synthesized reason and no compensating credit.
func (e *Engine) HandleWorkerLoss(ctx context.Context, sessionID string) {
	e.registry.Deregister(sessionID)

	jobs, err := e.store.ListJobsByState(ctx, store.JobAssigned)
	if err == nil {
		e.requeueOrFailAll(ctx, jobs, sessionID)
	}
	running, err := e.store.ListJobsByState(ctx, store.JobRunning)
	if err == nil {
		e.requeueOrFailAll(ctx, running, sessionID)
	}
	e.Dispatch(ctx)
}

func (e *Engine) requeueOrFailAll(ctx context.Context, jobs []store.JobRecord, sessionID string) {
	for _, j := range jobs {
		if j.AssignedWorkerID != sessionID {
			continue
		}
		e.requeueOrFail(ctx, j.ID, j.State)
	}
}

func (e *Engine) requeueOrFail(ctx context.Context, jobID string, from store.JobState) {
	e.mu.Lock()
	e.requeues[jobID]++
	exhausted := e.requeues[jobID] > e.maxRequeue
	e.mu.Unlock()

	if exhausted {
		_ = e.store.SetState(ctx, jobID, store.JobFailed, func(j *store.JobRecord) {
			j.ErrorReason = "worker_lost_requeue_exhausted"
		})
		observability.Default.IncCounter("jobs_failed_total", map[string]string{"reason": "requeue_exhausted"}, 1)
		observability.Default.RecordJobTransition(string(from), string(store.JobFailed))
		return
	}

	if err := e.store.SetState(ctx, jobID, store.JobQueued, func(j *store.JobRecord) {
		j.AssignedWorkerID = ""
	}); err != nil {
		return
	}
	observability.Default.RecordJobTransition(string(from), string(store.JobQueued))
	e.mu.Lock()
	e.queue = append([]string{jobID}, e.queue...)
	e.mu.Unlock()
}

// HandleAckAccept advances a job from assigned to running once its worker
// confirms it took the assignment (the ack(accept) edge in the session
// state machine). Called from the session layer's ack handler; HandleResult
// also takes this edge itself as a fallback so a result that arrives
// without an intervening ack still lands on the legal running->completed
// edge rather than getting stuck.
func (e *Engine) HandleAckAccept(ctx context.Context, jobID string) error {
	job, ok, err := e.store.GetJob(ctx, jobID)
	if err != nil || !ok || job.State != store.JobAssigned {
		return err
	}
	if err := e.store.SetState(ctx, jobID, store.JobRunning, nil); err != nil {
		return err
	}
	observability.Default.RecordJobTransition(string(store.JobAssigned), string(store.JobRunning))
	return nil
}

// HandleResult is called by the session layer when a worker's result
// frame lands. It settles the job's terminal state, credits the worker's
// owner on success, frees the session, and triggers the next dispatch
// pass.
func (e *Engine) HandleResult(ctx context.Context, sessionID, jobID string, exitCode int, stdout, stderr string) error {
	ctx, span := observability.StartSpan(ctx, "scheduler.settle_result",
		attribute.String("gridx.job_id", jobID),
		attribute.String("gridx.session_id", sessionID),
		attribute.Int("gridx.exit_code", exitCode))
	defer span.End()

	job, ok, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok || job.State.Terminal() {
		// Idempotent: a duplicate result for an already-settled job is
		// logged and discarded, never re-applied.
		observability.Default.IncCounter("jobs_duplicate_result_total", nil, 1)
		return nil
	}

	settledFrom := job.State
	if job.State == store.JobAssigned {
		if err := e.store.SetState(ctx, jobID, store.JobRunning, nil); err != nil {
			return err
		}
		observability.Default.RecordJobTransition(string(store.JobAssigned), string(store.JobRunning))
		settledFrom = store.JobRunning
	}

	owner, err := e.resolveOwner(ctx, sessionID)
	if err != nil {
		return err
	}

	err = e.store.WithUnitOfWork(ctx, func(u store.UnitOfWork) error {
		if err := u.SetState(ctx, jobID, store.JobCompleted, func(j *store.JobRecord) {
			j.Stdout = stdout
			j.Stderr = stderr
			j.ExitCode = exitCode
			j.HasOutput = true
		}); err != nil {
			return err
		}
		if owner == "" {
			observability.Default.IncCounter("jobs_reward_skipped_total", map[string]string{"reason": "owner_unresolved"}, 1)
			return nil
		}
		return u.Credit(ctx, owner, e.reward, "worker_reward:"+jobID)
	})
	if err != nil {
		return err
	}
	observability.Default.RecordJobTransition(string(settledFrom), string(store.JobCompleted))

	e.registry.MarkIdle(sessionID)
	e.Dispatch(ctx)
	return nil
}

// resolveOwner finds the account that should be credited for work done by
// sessionID. It always prefers the live registry entry, and otherwise
// falls back to the durable WorkerRecord the session handshake persisted
// — never to the job's AssignedWorkerID, which is a worker session id, not
// an account id, and would credit the wrong kind of entity entirely.
func (e *Engine) resolveOwner(ctx context.Context, sessionID string) (string, error) {
	if sess, ok := e.registry.Get(sessionID); ok {
		return sess.Owner, nil
	}
	wr, found, err := e.store.GetWorkerRecord(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	return wr.Owner, nil
}

// HandleAckReject puts a job back at the head of the queue when a worker
// rejects an assignment it was just sent (busy.ack(reject) transition in
// the session state machine) without counting it as a worker loss.
func (e *Engine) HandleAckReject(ctx context.Context, sessionID, jobID string) error {
	if err := e.store.SetState(ctx, jobID, store.JobQueued, func(j *store.JobRecord) {
		j.AssignedWorkerID = ""
	}); err != nil {
		return err
	}
	observability.Default.RecordJobTransition(string(store.JobAssigned), string(store.JobQueued))
	e.registry.MarkIdle(sessionID)
	e.mu.Lock()
	e.queue = append([]string{jobID}, e.queue...)
	e.mu.Unlock()
	e.Dispatch(ctx)
	return nil
}

// HandleTimeout is invoked by the wall-timeout reconciler for a job that
// is still non-terminal past its deadline.
func (e *Engine) HandleTimeout(ctx context.Context, jobID string) error {
	job, ok, err := e.store.GetJob(ctx, jobID)
	if err != nil || !ok || job.State.Terminal() {
		return err
	}
	if err := e.store.SetState(ctx, jobID, store.JobFailed, func(j *store.JobRecord) {
		j.ErrorReason = "wall_timeout_exceeded"
	}); err != nil {
		return err
	}
	observability.Default.RecordJobTransition(string(job.State), string(store.JobFailed))
	if job.AssignedWorkerID != "" {
		e.registry.MarkIdle(job.AssignedWorkerID)
	}
	e.Dispatch(ctx)
	return nil
}

func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
