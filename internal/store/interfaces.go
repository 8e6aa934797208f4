package store

import "context"

// Ledger is the credit-accounting component (account balances and
// worker-secret authentication). Debit and Credit never go negative:
// Debit reports ok=false instead of erroring when funds are short.
type Ledger interface {
	EnsureAccount(ctx context.Context, accountID string) error
	Balance(ctx context.Context, accountID string) (Amount, error)
	Debit(ctx context.Context, accountID string, amount Amount, reason string) (bool, error)
	Credit(ctx context.Context, accountID string, amount Amount, reason string) error
	// VerifyAuth installs secret as the account's credential on first
	// contact and otherwise compares against the stored one. It returns
	// ok=false only on a mismatch, never on first use.
	VerifyAuth(ctx context.Context, accountID, secret string) (bool, error)
}

// Jobs is the job-record component. SetState enforces the legal
// transition table; callers supply a mutator to set auxiliary fields
// (assigned worker, output, error reason) atomically with the state
// change.
type Jobs interface {
	CreateJob(ctx context.Context, job JobRecord) error
	GetJob(ctx context.Context, jobID string) (JobRecord, bool, error)
	ListJobsBySubmitter(ctx context.Context, submitter string, limit int) ([]JobRecord, error)
	ListJobsByState(ctx context.Context, state JobState) ([]JobRecord, error)
	SetState(ctx context.Context, jobID string, to JobState, mutate func(*JobRecord)) error
	// PurgeJob removes a terminal job outright. It is the one sanctioned
	// exception to I5 (a job leaves a terminal state only by
	// administrative purge) and bypasses the transition table entirely.
	PurgeJob(ctx context.Context, jobID string) (bool, error)
}

// UnitOfWork is the subset of Ledger and Jobs operations that a caller may
// compose into a single atomic commit: at most one job mutation alongside
// any number of ledger mutations on the same account.
type UnitOfWork interface {
	EnsureAccount(ctx context.Context, accountID string) error
	Debit(ctx context.Context, accountID string, amount Amount, reason string) (bool, error)
	Credit(ctx context.Context, accountID string, amount Amount, reason string) error
	CreateJob(ctx context.Context, job JobRecord) error
	SetState(ctx context.Context, jobID string, to JobState, mutate func(*JobRecord)) error
}

// Store is the full persistence surface: ledger, jobs, the durable worker
// mirror, the audit trail, and the unit-of-work boundary that ties a
// ledger mutation to a job mutation.
type Store interface {
	Ledger
	Jobs

	UpsertWorkerRecord(ctx context.Context, w WorkerRecord) error
	ListWorkerRecords(ctx context.Context) ([]WorkerRecord, error)
	GetWorkerRecord(ctx context.Context, id string) (WorkerRecord, bool, error)

	// SetStartingBalance configures the credit balance a brand-new
	// account receives on first contact (spec: "created on first
	// authenticated contact with a configured starting balance").
	SetStartingBalance(amount Amount)

	AppendAuditEvent(ctx context.Context, event AuditEventRecord) error
	ListAuditEvents(ctx context.Context, query AuditQuery) ([]AuditEventRecord, error)

	WithUnitOfWork(ctx context.Context, fn func(UnitOfWork) error) error

	Close() error
}
