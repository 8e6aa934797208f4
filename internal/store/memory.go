package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu              sync.Mutex
	accounts        map[string]AccountRecord
	jobs            map[string]JobRecord
	workers         map[string]WorkerRecord
	audits          []AuditEventRecord
	nextID          int64
	startingBalance Amount
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]AccountRecord),
		jobs:     make(map[string]JobRecord),
		workers:  make(map[string]WorkerRecord),
		audits:   make([]AuditEventRecord, 0, 128),
		nextID:   1,
	}
}

func (m *MemoryStore) Close() error { return nil }

// SetStartingBalance configures the balance a brand-new account is seeded
// with the first time it is touched. Safe to call before serving traffic;
// it does not retroactively adjust existing accounts.
func (m *MemoryStore) SetStartingBalance(amount Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startingBalance = amount
}

func (m *MemoryStore) EnsureAccount(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureAccountLocked(accountID)
	return nil
}

func (m *MemoryStore) ensureAccountLocked(accountID string) AccountRecord {
	a, ok := m.accounts[accountID]
	if !ok {
		now := time.Now().UTC()
		a = AccountRecord{ID: accountID, BalanceMC: m.startingBalance, CreatedAt: now, UpdatedAt: now}
		m.accounts[accountID] = a
		m.appendAuditLocked(AuditEventRecord{Action: "account_created", Actor: accountID, AmountMC: m.startingBalance, Result: "ok"})
	}
	return a
}

func (m *MemoryStore) Balance(_ context.Context, accountID string) (Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureAccountLocked(accountID).BalanceMC, nil
}

func (m *MemoryStore) Debit(_ context.Context, accountID string, amount Amount, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debitLocked(accountID, amount, reason)
}

func (m *MemoryStore) debitLocked(accountID string, amount Amount, reason string) (bool, error) {
	a := m.ensureAccountLocked(accountID)
	if a.BalanceMC < amount {
		m.appendAuditLocked(AuditEventRecord{Action: "debit", Actor: accountID, Resource: reason, AmountMC: amount, Result: "denied"})
		return false, nil
	}
	a.BalanceMC -= amount
	a.UpdatedAt = time.Now().UTC()
	m.accounts[accountID] = a
	m.appendAuditLocked(AuditEventRecord{Action: "debit", Actor: accountID, Resource: reason, AmountMC: amount, Result: "ok"})
	return true, nil
}

func (m *MemoryStore) Credit(_ context.Context, accountID string, amount Amount, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditLocked(accountID, amount, reason)
}

func (m *MemoryStore) creditLocked(accountID string, amount Amount, reason string) error {
	a := m.ensureAccountLocked(accountID)
	a.BalanceMC += amount
	a.UpdatedAt = time.Now().UTC()
	m.accounts[accountID] = a
	m.appendAuditLocked(AuditEventRecord{Action: "credit", Actor: accountID, Resource: reason, AmountMC: amount, Result: "ok"})
	return nil
}

func (m *MemoryStore) VerifyAuth(_ context.Context, accountID, secret string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.ensureAccountLocked(accountID)
	hash, salt := a.AuthHash, a.AuthSalt
	if hash == "" {
		salt = accountID
		a.AuthSalt = salt
		a.AuthHash = hashSecret(salt, secret)
		a.UpdatedAt = time.Now().UTC()
		m.accounts[accountID] = a
		m.appendAuditLocked(AuditEventRecord{Action: "auth_bootstrap", Actor: accountID, Result: "ok"})
		return true, nil
	}
	ok := hash == hashSecret(salt, secret)
	result := "ok"
	if !ok {
		result = "denied"
	}
	m.appendAuditLocked(AuditEventRecord{Action: "auth_verify", Actor: accountID, Result: result})
	return ok, nil
}

func (m *MemoryStore) CreateJob(_ context.Context, job JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	return j, ok, nil
}

func (m *MemoryStore) ListJobsBySubmitter(_ context.Context, submitter string, limit int) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0, 16)
	for _, j := range m.jobs {
		if submitter != "" && j.Submitter != submitter {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListJobsByState(_ context.Context, state JobState) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0, 16)
	for _, j := range m.jobs {
		if j.State == state {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SetState(_ context.Context, jobID string, to JobState, mutate func(*JobRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStateLocked(jobID, to, mutate)
}

func (m *MemoryStore) setStateLocked(jobID string, to JobState, mutate func(*JobRecord)) error {
	j, ok := m.jobs[jobID]
	if !ok {
		return &ErrInvalidTransition{JobID: jobID, To: to}
	}
	if !isValidTransition(j.State, to) {
		return &ErrInvalidTransition{JobID: jobID, From: j.State, To: to}
	}
	j.State = to
	j.UpdatedAt = time.Now().UTC()
	if to.Terminal() {
		j.CompletedAt = j.UpdatedAt
	}
	if mutate != nil {
		mutate(&j)
	}
	m.jobs[jobID] = j
	return nil
}

func (m *MemoryStore) PurgeJob(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, nil
	}
	if !j.State.Terminal() {
		return false, &ErrInvalidTransition{JobID: jobID, From: j.State, To: j.State}
	}
	delete(m.jobs, jobID)
	m.appendAuditLocked(AuditEventRecord{Action: "purge", Actor: "admin", Resource: jobID, Result: "ok"})
	return true, nil
}

func (m *MemoryStore) UpsertWorkerRecord(_ context.Context, w WorkerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.LastSeen.IsZero() {
		w.LastSeen = time.Now().UTC()
	}
	m.workers[w.ID] = w
	return nil
}

func (m *MemoryStore) GetWorkerRecord(_ context.Context, id string) (WorkerRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	return w, ok, nil
}

func (m *MemoryStore) ListWorkerRecords(_ context.Context) ([]WorkerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerRecord, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *MemoryStore) AppendAuditEvent(_ context.Context, event AuditEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendAuditLocked(event)
	return nil
}

func (m *MemoryStore) appendAuditLocked(event AuditEventRecord) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if len(m.audits) > 0 {
		event.PrevHash = m.audits[len(m.audits)-1].EventHash
	}
	event.EventHash = computeAuditHash(event)
	event.ID = m.nextID
	m.nextID++
	m.audits = append(m.audits, event)
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, query AuditQuery) ([]AuditEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	filtered := make([]AuditEventRecord, 0, len(m.audits))
	for i := len(m.audits) - 1; i >= 0; i-- {
		a := m.audits[i]
		if query.Action != "" && a.Action != query.Action {
			continue
		}
		if query.Actor != "" && a.Actor != query.Actor {
			continue
		}
		filtered = append(filtered, a)
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	items := filtered[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	out := make([]AuditEventRecord, len(items))
	copy(out, items)
	return out, nil
}

func computeAuditHash(event AuditEventRecord) string {
	payload := map[string]any{
		"action":     event.Action,
		"actor":      event.Actor,
		"resource":   event.Resource,
		"amount_mc":  int64(event.AmountMC),
		"prev_hash":  event.PrevHash,
		"result":     event.Result,
		"detail":     event.Detail,
		"created_at": event.CreatedAt.UnixNano(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashSecret(salt, secret string) string {
	sum := sha256.Sum256([]byte(salt + ":" + secret))
	return hex.EncodeToString(sum[:])
}

// memoryUnitOfWork serializes against the same mutex as every other
// MemoryStore operation, so a debit-then-create-job pair is invisible to
// any other caller while it runs. WithUnitOfWork additionally snapshots
// the accounts, jobs, and audit log before running fn and restores them
// verbatim if fn returns an error, so a mutation applied earlier in the
// unit of work is rolled back rather than left committed on its own.
type memoryUnitOfWork struct {
	m *MemoryStore
}

func (m *MemoryStore) WithUnitOfWork(ctx context.Context, fn func(UnitOfWork) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	accountsSnapshot := cloneAccounts(m.accounts)
	jobsSnapshot := cloneJobs(m.jobs)
	auditLen := len(m.audits)

	if err := fn(memoryUnitOfWork{m: m}); err != nil {
		m.accounts = accountsSnapshot
		m.jobs = jobsSnapshot
		m.audits = m.audits[:auditLen]
		return err
	}
	return nil
}

func cloneAccounts(in map[string]AccountRecord) map[string]AccountRecord {
	out := make(map[string]AccountRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneJobs(in map[string]JobRecord) map[string]JobRecord {
	out := make(map[string]JobRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (u memoryUnitOfWork) EnsureAccount(_ context.Context, accountID string) error {
	u.m.ensureAccountLocked(accountID)
	return nil
}

func (u memoryUnitOfWork) Debit(_ context.Context, accountID string, amount Amount, reason string) (bool, error) {
	return u.m.debitLocked(accountID, amount, reason)
}

func (u memoryUnitOfWork) Credit(_ context.Context, accountID string, amount Amount, reason string) error {
	return u.m.creditLocked(accountID, amount, reason)
}

func (u memoryUnitOfWork) CreateJob(_ context.Context, job JobRecord) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	u.m.jobs[job.ID] = job
	return nil
}

func (u memoryUnitOfWork) SetState(_ context.Context, jobID string, to JobState, mutate func(*JobRecord)) error {
	return u.m.setStateLocked(jobID, to, mutate)
}
