package store

import (
	"context"
	"testing"
)

func TestDebitRejectsInsufficientBalance(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if err := m.Credit(ctx, "acct-1", AmountFromCredits(5), "top_up"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	ok, err := m.Debit(ctx, "acct-1", AmountFromCredits(10), "job_cost")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if ok {
		t.Fatalf("expected debit to be denied for insufficient balance")
	}

	bal, err := m.Balance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != AmountFromCredits(5) {
		t.Fatalf("balance changed on a denied debit: %v", bal)
	}
}

func TestDebitCreditRoundTrip(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_ = m.Credit(ctx, "acct-2", AmountFromCredits(100), "grant")
	ok, err := m.Debit(ctx, "acct-2", AmountFromCredits(1), "job_cost")
	if err != nil || !ok {
		t.Fatalf("debit: ok=%v err=%v", ok, err)
	}
	bal, _ := m.Balance(ctx, "acct-2")
	if bal != AmountFromCredits(99) {
		t.Fatalf("unexpected balance after debit: %v", bal)
	}
}

func TestVerifyAuthSetsOnFirstUseThenRejectsMismatch(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	ok, err := m.VerifyAuth(ctx, "acct-3", "secret-a")
	if err != nil || !ok {
		t.Fatalf("first-use auth: ok=%v err=%v", ok, err)
	}

	ok, err = m.VerifyAuth(ctx, "acct-3", "secret-a")
	if err != nil || !ok {
		t.Fatalf("repeat auth with correct secret: ok=%v err=%v", ok, err)
	}

	ok, err = m.VerifyAuth(ctx, "acct-3", "wrong-secret")
	if err != nil {
		t.Fatalf("mismatch auth returned error instead of ok=false: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatch to be rejected")
	}
}

func TestJobStateTransitionsAreGuarded(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	job := JobRecord{ID: "job-1", Submitter: "acct-4", Language: "python", Code: "print(1)", State: JobQueued}
	if err := m.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := m.SetState(ctx, "job-1", JobAssigned, func(j *JobRecord) { j.AssignedWorkerID = "worker-1" }); err != nil {
		t.Fatalf("queued->assigned: %v", err)
	}
	if err := m.SetState(ctx, "job-1", JobRunning, nil); err != nil {
		t.Fatalf("assigned->running: %v", err)
	}
	if err := m.SetState(ctx, "job-1", JobCompleted, func(j *JobRecord) { j.ExitCode = 0; j.HasOutput = true }); err != nil {
		t.Fatalf("running->completed: %v", err)
	}

	if err := m.SetState(ctx, "job-1", JobRunning, nil); err == nil {
		t.Fatalf("expected terminal job to reject further transitions")
	}

	got, ok, err := m.GetJob(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.State != JobCompleted || !got.HasOutput {
		t.Fatalf("unexpected final job record: %+v", got)
	}
}

func TestUnitOfWorkCommitsDebitAndJobTogether(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.Credit(ctx, "acct-5", AmountFromCredits(10), "grant")

	err := m.WithUnitOfWork(ctx, func(u UnitOfWork) error {
		ok, err := u.Debit(ctx, "acct-5", AmountFromCredits(1), "job_cost")
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("expected debit to succeed inside unit of work")
		}
		return u.CreateJob(ctx, JobRecord{ID: "job-2", Submitter: "acct-5", Language: "bash", Code: "echo hi", State: JobQueued})
	})
	if err != nil {
		t.Fatalf("unit of work: %v", err)
	}

	bal, _ := m.Balance(ctx, "acct-5")
	if bal != AmountFromCredits(9) {
		t.Fatalf("unexpected balance after unit of work: %v", bal)
	}
	_, ok, _ := m.GetJob(ctx, "job-2")
	if !ok {
		t.Fatalf("expected job created inside unit of work to be visible")
	}
}

func TestAuditEventsAreHashChained(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_ = m.Credit(ctx, "acct-6", AmountFromCredits(1), "grant")
	_, _ = m.Debit(ctx, "acct-6", AmountFromCredits(1), "job_cost")

	events, err := m.ListAuditEvents(ctx, AuditQuery{Limit: 10})
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected at least 2 audit events, got %d", len(events))
	}
	// events come back newest first; the older one's hash must be the
	// newer one's prev_hash.
	newer, older := events[0], events[1]
	if newer.PrevHash != older.EventHash {
		t.Fatalf("hash chain broken: newer.PrevHash=%q older.EventHash=%q", newer.PrevHash, older.EventHash)
	}
}
