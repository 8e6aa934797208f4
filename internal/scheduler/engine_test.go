package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/Jay-Jay-Tee/the-grid-x/internal/registry"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/store"
	"github.com/Jay-Jay-Tee/the-grid-x/pkg/gridxapi"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	sent   []string
	failOn map[string]bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{failOn: make(map[string]bool)}
}

func (f *fakeDispatcher) SendAssign(_ context.Context, conn any, job store.JobRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, job.ID)
	return nil
}

func seedJob(t *testing.T, st store.Store, reg *registry.Registry, id string) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateJob(ctx, store.JobRecord{ID: id, Submitter: "acct-1", Language: "python", Code: "print(1)", State: store.JobQueued, CPUCores: 1, MemoryMB: 128}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestDispatchAssignsQueuedJobToIdleWorker(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	disp := newFakeDispatcher()
	e := NewEngine(st, reg, disp, Options{})
	ctx := context.Background()

	reg.Register("w1", "acct-owner", gridxapi.Capabilities{CPUCores: 4, MemoryMB: 4096, Languages: []string{"python"}}, nil)
	seedJob(t, st, reg, "job-1")

	e.Enqueue(ctx, "job-1")

	if len(disp.sent) != 1 || disp.sent[0] != "job-1" {
		t.Fatalf("expected job-1 to be dispatched, got %v", disp.sent)
	}
	job, _, _ := st.GetJob(ctx, "job-1")
	if job.State != store.JobAssigned || job.AssignedWorkerID != "w1" {
		t.Fatalf("unexpected job state after dispatch: %+v", job)
	}
	sess, _ := reg.Get("w1")
	if sess.Status != registry.Busy {
		t.Fatalf("expected worker to be marked busy, got %v", sess.Status)
	}
}

func TestDispatchBlocksQueueHeadUntilSkipThreshold(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	disp := newFakeDispatcher()
	e := NewEngine(st, reg, disp, Options{SkipAfterAttempts: 2})
	ctx := context.Background()

	seedJob(t, st, reg, "job-1")
	e.Enqueue(ctx, "job-1")
	if len(disp.sent) != 0 {
		t.Fatalf("expected no dispatch with zero capable workers")
	}
	if e.QueueDepth() != 1 {
		t.Fatalf("expected job to remain queued")
	}
}

func TestHandleResultCreditsWorkerAndFreesSession(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	disp := newFakeDispatcher()
	e := NewEngine(st, reg, disp, Options{WorkerReward: store.AmountFromCredits(0.8)})
	ctx := context.Background()

	reg.Register("w1", "acct-owner", gridxapi.Capabilities{CPUCores: 4, MemoryMB: 4096, Languages: []string{"python"}}, nil)
	seedJob(t, st, reg, "job-1")
	e.Enqueue(ctx, "job-1")

	if err := e.HandleResult(ctx, "w1", "job-1", 0, "hi\n", ""); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	job, _, _ := st.GetJob(ctx, "job-1")
	if job.State != store.JobCompleted || job.Stdout != "hi\n" {
		t.Fatalf("unexpected job after result: %+v", job)
	}
	bal, _ := st.Balance(ctx, "acct-owner")
	if bal != store.AmountFromCredits(0.8) {
		t.Fatalf("expected worker owner credited 0.8, got %v", bal)
	}
	sess, _ := reg.Get("w1")
	if sess.Status != registry.Idle {
		t.Fatalf("expected worker to return to idle, got %v", sess.Status)
	}
}

func TestHandleResultIsIdempotentForTerminalJobs(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	disp := newFakeDispatcher()
	e := NewEngine(st, reg, disp, Options{WorkerReward: store.AmountFromCredits(0.8)})
	ctx := context.Background()

	reg.Register("w1", "acct-owner", gridxapi.Capabilities{CPUCores: 4, MemoryMB: 4096, Languages: []string{"python"}}, nil)
	seedJob(t, st, reg, "job-1")
	e.Enqueue(ctx, "job-1")
	_ = e.HandleResult(ctx, "w1", "job-1", 0, "hi\n", "")

	if err := e.HandleResult(ctx, "w1", "job-1", 0, "hi\n", ""); err != nil {
		t.Fatalf("second result should be a no-op, not an error: %v", err)
	}
	bal, _ := st.Balance(ctx, "acct-owner")
	if bal != store.AmountFromCredits(0.8) {
		t.Fatalf("duplicate result must not double-credit, got %v", bal)
	}
}

func TestHandleWorkerLossRequeuesAssignedJob(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	disp := newFakeDispatcher()
	e := NewEngine(st, reg, disp, Options{})
	ctx := context.Background()

	reg.Register("w1", "acct-owner", gridxapi.Capabilities{CPUCores: 4, MemoryMB: 4096, Languages: []string{"python"}}, nil)
	seedJob(t, st, reg, "job-1")
	e.Enqueue(ctx, "job-1")

	e.HandleWorkerLoss(ctx, "w1")

	job, _, _ := st.GetJob(ctx, "job-1")
	if job.State != store.JobQueued || job.AssignedWorkerID != "" {
		t.Fatalf("expected job requeued after worker loss, got %+v", job)
	}
	if _, ok := reg.Get("w1"); ok {
		t.Fatalf("expected lost worker to be deregistered")
	}
}

func TestHandleWorkerLossFailsJobAfterRequeueBudgetExhausted(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seedJob(t, st, nil, "job-1")
	_ = st.SetState(ctx, "job-1", store.JobAssigned, func(j *store.JobRecord) { j.AssignedWorkerID = "w1" })

	reg := registry.New()
	disp := newFakeDispatcher()
	e := NewEngine(st, reg, disp, Options{MaxRequeues: 1})

	reg.Register("w1", "acct-owner", gridxapi.Capabilities{}, nil)
	e.HandleWorkerLoss(ctx, "w1")
	_ = st.SetState(ctx, "job-1", store.JobAssigned, func(j *store.JobRecord) { j.AssignedWorkerID = "w1" })
	reg.Register("w1", "acct-owner", gridxapi.Capabilities{}, nil)
	e.HandleWorkerLoss(ctx, "w1")

	job, _, _ := st.GetJob(ctx, "job-1")
	if job.State != store.JobFailed {
		t.Fatalf("expected job failed after exhausting requeue budget, got %+v", job)
	}
}
