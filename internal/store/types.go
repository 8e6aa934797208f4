// Package store is the persistence layer behind the credit ledger and the
// job store. A single backend (memory or postgres) satisfies both halves
// so that a submission's debit and its job row commit as one unit, and a
// completion's credit and its terminal transition commit as another.
package store

import (
	"time"

	"github.com/Jay-Jay-Tee/the-grid-x/pkg/gridxapi"
)

// Amount is a signed fixed-point quantity (the type itself does no sign
// check) stored as
// micro-units (1 credit = 1_000_000 micros) so balance arithmetic never
// drifts the way float64 would.
type Amount int64

const microsPerCredit = 1_000_000

func AmountFromCredits(credits float64) Amount {
	return Amount(credits * float64(microsPerCredit))
}

func (a Amount) Credits() float64 {
	return float64(a) / float64(microsPerCredit)
}

func (a Amount) String() string {
	whole := int64(a) / microsPerCredit
	frac := int64(a) % microsPerCredit
	if frac < 0 {
		frac = -frac
	}
	return formatFixed(whole, frac)
}

func formatFixed(whole, frac int64) string {
	digits := [6]byte{}
	for i := 5; i >= 0; i-- {
		digits[i] = byte('0' + frac%10)
		frac /= 10
	}
	return itoa(whole) + "." + string(digits[:])
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

type AccountRecord struct {
	ID        string
	BalanceMC Amount
	AuthHash  string
	AuthSalt  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobState is the terminal-aware lifecycle of a submitted job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobAssigned  JobState = "assigned"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition is permitted out of s
// except an administrative purge.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type JobRecord struct {
	ID                 string
	Submitter          string
	Language           string
	Code               string
	WallTimeoutSeconds int
	MemoryMB           int
	CPUCores           int
	NeedAccelerator    bool
	State              JobState
	AssignedWorkerID   string
	Attempts           int
	Stdout             string
	Stderr             string
	HasOutput          bool
	ExitCode           int
	ErrorReason        string
	ArtifactBucket     string
	ArtifactKey        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        time.Time
}

// Limits projects a job's execution envelope for the registry's
// capability match.
func (j JobRecord) Limits() gridxapi.Limits {
	return gridxapi.Limits{WallTimeoutSeconds: j.WallTimeoutSeconds, MemoryMB: j.MemoryMB, CPUCores: j.CPUCores}
}

// WorkerRecord is a durable mirror of a worker session for operator
// history. The /workers endpoint and worker selection use the live
// registry (package registry); the scheduler reads this record only to
// find the owner to credit for a completed job.
type WorkerRecord struct {
	ID            string
	Owner         string
	CPUCores      int
	MemoryMB      int
	AcceleratorN  int
	MaxConcurrent int
	Languages     []string
	Status        string
	LastSeen      time.Time
}

type AuditEventRecord struct {
	ID        int64
	Action    string
	Actor     string
	Resource  string
	AmountMC  Amount
	Result    string
	Detail    string
	PrevHash  string
	EventHash string
	CreatedAt time.Time
}

type AuditQuery struct {
	Limit  int
	Offset int
	Action string
	Actor  string
}

// ErrInsufficientBalance describes an account whose balance is below a
// requested amount. Debit does not return it: it reports that case as
// ok == false with a nil error.
type ErrInsufficientBalance struct {
	AccountID string
}

func (e *ErrInsufficientBalance) Error() string {
	return "insufficient balance for account " + e.AccountID
}

// ErrAuthMismatch describes an account whose secret on file does not match
// the presented one. VerifyAuth does not return it: it reports a mismatch
// as ok == false with a nil error.
type ErrAuthMismatch struct {
	AccountID string
}

func (e *ErrAuthMismatch) Error() string {
	return "secret mismatch for account " + e.AccountID
}

// ErrInvalidTransition is returned when a job state change is not legal
// from the job's current state.
type ErrInvalidTransition struct {
	JobID string
	From  JobState
	To    JobState
}

func (e *ErrInvalidTransition) Error() string {
	return "job " + e.JobID + " cannot move from " + string(e.From) + " to " + string(e.To)
}
