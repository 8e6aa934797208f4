package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/Jay-Jay-Tee/the-grid-x/db/migrations"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/observability"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	db *sql.DB
	// startingBalance is set once during bootstrap, before the store
	// serves any request, so it is read here without a lock.
	startingBalance Amount
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresStore{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// SetStartingBalance configures the balance a brand-new account is seeded
// with the first time it is touched. Call before serving traffic.
func (p *PostgresStore) SetStartingBalance(amount Amount) {
	p.startingBalance = amount
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (p *PostgresStore) EnsureAccount(ctx context.Context, accountID string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO accounts (id, balance_mc, created_at, updated_at) VALUES ($1, $2, $3, $3)
		 ON CONFLICT (id) DO NOTHING`, accountID, int64(p.startingBalance), time.Now().UTC())
	return err
}

func (p *PostgresStore) Balance(ctx context.Context, accountID string) (Amount, error) {
	if err := p.EnsureAccount(ctx, accountID); err != nil {
		return 0, err
	}
	var mc int64
	err := p.db.QueryRowContext(ctx, `SELECT balance_mc FROM accounts WHERE id=$1`, accountID).Scan(&mc)
	return Amount(mc), err
}

func (p *PostgresStore) Debit(ctx context.Context, accountID string, amount Amount, reason string) (bool, error) {
	if err := p.EnsureAccount(ctx, accountID); err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE accounts SET balance_mc = balance_mc - $2, updated_at = $3 WHERE id = $1 AND balance_mc >= $2`,
		accountID, int64(amount), time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	ok := rows > 0
	result := "ok"
	if !ok {
		result = "denied"
	}
	if err := p.AppendAuditEvent(ctx, AuditEventRecord{Action: "debit", Actor: accountID, Resource: reason, AmountMC: amount, Result: result}); err != nil {
		return false, err
	}
	return ok, nil
}

func (p *PostgresStore) Credit(ctx context.Context, accountID string, amount Amount, reason string) error {
	if err := p.EnsureAccount(ctx, accountID); err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx,
		`UPDATE accounts SET balance_mc = balance_mc + $2, updated_at = $3 WHERE id = $1`,
		accountID, int64(amount), time.Now().UTC(),
	); err != nil {
		return err
	}
	return p.AppendAuditEvent(ctx, AuditEventRecord{Action: "credit", Actor: accountID, Resource: reason, AmountMC: amount, Result: "ok"})
}

func (p *PostgresStore) VerifyAuth(ctx context.Context, accountID, secret string) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (id, balance_mc, created_at, updated_at) VALUES ($1, $2, $3, $3) ON CONFLICT (id) DO NOTHING`,
		accountID, int64(p.startingBalance), now,
	); err != nil {
		return false, err
	}

	var hash, salt string
	if err := tx.QueryRowContext(ctx, `SELECT auth_hash, auth_salt FROM accounts WHERE id=$1 FOR UPDATE`, accountID).Scan(&hash, &salt); err != nil {
		return false, err
	}

	if hash == "" {
		salt = accountID
		hash = hashSecret(salt, secret)
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET auth_hash=$2, auth_salt=$3, updated_at=$4 WHERE id=$1`, accountID, hash, salt, now); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return true, p.AppendAuditEvent(ctx, AuditEventRecord{Action: "auth_bootstrap", Actor: accountID, Result: "ok"})
	}

	ok := hash == hashSecret(salt, secret)
	if err := tx.Commit(); err != nil {
		return false, err
	}
	result := "ok"
	if !ok {
		result = "denied"
	}
	return ok, p.AppendAuditEvent(ctx, AuditEventRecord{Action: "auth_verify", Actor: accountID, Result: result})
}

func (p *PostgresStore) CreateJob(ctx context.Context, job JobRecord) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO jobs (id, submitter, language, code, wall_timeout_seconds, memory_mb, cpu_cores, need_accelerator, state, assigned_worker_id, attempts, stdout, stderr, has_output, exit_code, error_reason, artifact_bucket, artifact_key, created_at, updated_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		job.ID, job.Submitter, job.Language, job.Code, job.WallTimeoutSeconds, job.MemoryMB, job.CPUCores, job.NeedAccelerator,
		job.State, job.AssignedWorkerID, job.Attempts, job.Stdout, job.Stderr, job.HasOutput, job.ExitCode, job.ErrorReason,
		job.ArtifactBucket, job.ArtifactKey, job.CreatedAt, job.UpdatedAt, nullTime(job.CompletedAt),
	)
	return err
}

const jobColumns = `id, submitter, language, code, wall_timeout_seconds, memory_mb, cpu_cores, need_accelerator, state, assigned_worker_id, attempts, stdout, stderr, has_output, exit_code, error_reason, artifact_bucket, artifact_key, created_at, updated_at, completed_at`

func (p *PostgresStore) GetJob(ctx context.Context, jobID string) (JobRecord, bool, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return j, true, nil
}

func (p *PostgresStore) ListJobsBySubmitter(ctx context.Context, submitter string, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE ($1 = '' OR submitter = $1) ORDER BY created_at DESC LIMIT $2`, submitter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (p *PostgresStore) ListJobsByState(ctx context.Context, state JobState) ([]JobRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state=$1 ORDER BY created_at ASC`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (p *PostgresStore) SetState(ctx context.Context, jobID string, to JobState, mutate func(*JobRecord)) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := setStateTx(ctx, tx, jobID, to, mutate); err != nil {
		return err
	}
	return tx.Commit()
}

func setStateTx(ctx context.Context, tx *sql.Tx, jobID string, to JobState, mutate func(*JobRecord)) error {
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return &ErrInvalidTransition{JobID: jobID, To: to}
	}
	if err != nil {
		return err
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
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET state=$2, assigned_worker_id=$3, attempts=$4, stdout=$5, stderr=$6, has_output=$7, exit_code=$8, error_reason=$9, artifact_bucket=$10, artifact_key=$11, updated_at=$12, completed_at=$13 WHERE id=$1`,
		j.ID, j.State, j.AssignedWorkerID, j.Attempts, j.Stdout, j.Stderr, j.HasOutput, j.ExitCode, j.ErrorReason, j.ArtifactBucket, j.ArtifactKey, j.UpdatedAt, nullTime(j.CompletedAt),
	)
	return err
}

func (p *PostgresStore) PurgeJob(ctx context.Context, jobID string) (bool, error) {
	var state JobState
	err := p.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id=$1`, jobID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !state.Terminal() {
		return false, &ErrInvalidTransition{JobID: jobID, From: state, To: state}
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=$1`, jobID); err != nil {
		return false, err
	}
	return true, p.AppendAuditEvent(ctx, AuditEventRecord{Action: "purge", Actor: "admin", Resource: jobID, Result: "ok"})
}

func (p *PostgresStore) UpsertWorkerRecord(ctx context.Context, w WorkerRecord) error {
	if w.LastSeen.IsZero() {
		w.LastSeen = time.Now().UTC()
	}
	langs, err := json.Marshal(w.Languages)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO workers (id, owner, cpu_cores, memory_mb, accelerator_count, max_concurrent, languages_json, status, last_seen)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO UPDATE SET owner=$2, cpu_cores=$3, memory_mb=$4, accelerator_count=$5, max_concurrent=$6, languages_json=$7, status=$8, last_seen=$9`,
		w.ID, w.Owner, w.CPUCores, w.MemoryMB, w.AcceleratorN, w.MaxConcurrent, string(langs), w.Status, w.LastSeen,
	)
	return err
}

func (p *PostgresStore) GetWorkerRecord(ctx context.Context, id string) (WorkerRecord, bool, error) {
	var w WorkerRecord
	var langs string
	err := p.db.QueryRowContext(ctx,
		`SELECT id, owner, cpu_cores, memory_mb, accelerator_count, max_concurrent, languages_json, status, last_seen FROM workers WHERE id=$1`, id,
	).Scan(&w.ID, &w.Owner, &w.CPUCores, &w.MemoryMB, &w.AcceleratorN, &w.MaxConcurrent, &langs, &w.Status, &w.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkerRecord{}, false, nil
	}
	if err != nil {
		return WorkerRecord{}, false, err
	}
	_ = json.Unmarshal([]byte(langs), &w.Languages)
	return w, true, nil
}

func (p *PostgresStore) ListWorkerRecords(ctx context.Context) ([]WorkerRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, owner, cpu_cores, memory_mb, accelerator_count, max_concurrent, languages_json, status, last_seen FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WorkerRecord, 0, 16)
	for rows.Next() {
		var w WorkerRecord
		var langs string
		if err := rows.Scan(&w.ID, &w.Owner, &w.CPUCores, &w.MemoryMB, &w.AcceleratorN, &w.MaxConcurrent, &langs, &w.Status, &w.LastSeen); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(langs), &w.Languages)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendAuditEvent(ctx context.Context, event AuditEventRecord) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := appendAuditTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListAuditEvents(ctx context.Context, query AuditQuery) ([]AuditEventRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, action, actor, resource, amount_mc, result, detail, prev_hash, event_hash, created_at
		 FROM audit_events
		 WHERE ($1 = '' OR action = $1) AND ($2 = '' OR actor = $2)
		 ORDER BY id DESC LIMIT $3 OFFSET $4`,
		query.Action, query.Actor, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AuditEventRecord, 0, limit)
	for rows.Next() {
		var a AuditEventRecord
		var mc int64
		if err := rows.Scan(&a.ID, &a.Action, &a.Actor, &a.Resource, &mc, &a.Result, &a.Detail, &a.PrevHash, &a.EventHash, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.AmountMC = Amount(mc)
		out = append(out, a)
	}
	return out, rows.Err()
}

// postgresUnitOfWork binds a ledger mutation and a job mutation to the
// same *sql.Tx so they commit or roll back together.
type postgresUnitOfWork struct {
	ctx context.Context
	tx  *sql.Tx
	p   *PostgresStore
}

func (p *PostgresStore) WithUnitOfWork(ctx context.Context, fn func(UnitOfWork) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(postgresUnitOfWork{ctx: ctx, tx: tx, p: p}); err != nil {
		return err
	}
	return tx.Commit()
}

func (u postgresUnitOfWork) EnsureAccount(ctx context.Context, accountID string) error {
	_, err := u.tx.ExecContext(ctx, `INSERT INTO accounts (id, balance_mc, created_at, updated_at) VALUES ($1, $2, $3, $3) ON CONFLICT (id) DO NOTHING`, accountID, int64(u.p.startingBalance), time.Now().UTC())
	return err
}

func (u postgresUnitOfWork) Debit(ctx context.Context, accountID string, amount Amount, reason string) (bool, error) {
	ctx, span := observability.StartLedgerSpan(ctx, accountID, reason)
	defer span.End()
	if err := u.EnsureAccount(ctx, accountID); err != nil {
		return false, err
	}
	res, err := u.tx.ExecContext(ctx,
		`UPDATE accounts SET balance_mc = balance_mc - $2, updated_at = $3 WHERE id = $1 AND balance_mc >= $2`,
		accountID, int64(amount), time.Now().UTC())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	ok := rows > 0
	result := "ok"
	if !ok {
		result = "denied"
	}
	if err := appendAuditTx(ctx, u.tx, AuditEventRecord{Action: "debit", Actor: accountID, Resource: reason, AmountMC: amount, Result: result}); err != nil {
		return false, err
	}
	return ok, nil
}

func (u postgresUnitOfWork) Credit(ctx context.Context, accountID string, amount Amount, reason string) error {
	ctx, span := observability.StartLedgerSpan(ctx, accountID, reason)
	defer span.End()
	if err := u.EnsureAccount(ctx, accountID); err != nil {
		return err
	}
	if _, err := u.tx.ExecContext(ctx, `UPDATE accounts SET balance_mc = balance_mc + $2, updated_at = $3 WHERE id = $1`, accountID, int64(amount), time.Now().UTC()); err != nil {
		return err
	}
	return appendAuditTx(ctx, u.tx, AuditEventRecord{Action: "credit", Actor: accountID, Resource: reason, AmountMC: amount, Result: "ok"})
}

func (u postgresUnitOfWork) CreateJob(ctx context.Context, job JobRecord) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	_, err := u.tx.ExecContext(ctx,
		`INSERT INTO jobs (id, submitter, language, code, wall_timeout_seconds, memory_mb, cpu_cores, need_accelerator, state, assigned_worker_id, attempts, stdout, stderr, has_output, exit_code, error_reason, artifact_bucket, artifact_key, created_at, updated_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		job.ID, job.Submitter, job.Language, job.Code, job.WallTimeoutSeconds, job.MemoryMB, job.CPUCores, job.NeedAccelerator,
		job.State, job.AssignedWorkerID, job.Attempts, job.Stdout, job.Stderr, job.HasOutput, job.ExitCode, job.ErrorReason,
		job.ArtifactBucket, job.ArtifactKey, job.CreatedAt, job.UpdatedAt, nullTime(job.CompletedAt))
	return err
}

func (u postgresUnitOfWork) SetState(ctx context.Context, jobID string, to JobState, mutate func(*JobRecord)) error {
	return setStateTx(ctx, u.tx, jobID, to, mutate)
}

// appendAuditTx appends one audit event within an already-open
// transaction, chaining it to the most recent row visible in that tx.
func appendAuditTx(ctx context.Context, tx *sql.Tx, event AuditEventRecord) error {
	var prevHash string
	err := tx.QueryRowContext(ctx, `SELECT event_hash FROM audit_events ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.PrevHash = prevHash
	event.EventHash = computeAuditHash(event)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events (action, actor, resource, amount_mc, result, detail, prev_hash, event_hash, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.Action, event.Actor, event.Resource, int64(event.AmountMC), event.Result, event.Detail, event.PrevHash, event.EventHash, event.CreatedAt,
	)
	return err
}

func scanJob(row *sql.Row) (JobRecord, error) {
	var j JobRecord
	var completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.Submitter, &j.Language, &j.Code, &j.WallTimeoutSeconds, &j.MemoryMB, &j.CPUCores, &j.NeedAccelerator,
		&j.State, &j.AssignedWorkerID, &j.Attempts, &j.Stdout, &j.Stderr, &j.HasOutput, &j.ExitCode, &j.ErrorReason,
		&j.ArtifactBucket, &j.ArtifactKey, &j.CreatedAt, &j.UpdatedAt, &completedAt)
	if completedAt.Valid {
		j.CompletedAt = completedAt.Time
	}
	return j, err
}

func scanJobs(rows *sql.Rows) ([]JobRecord, error) {
	out := make([]JobRecord, 0, 16)
	for rows.Next() {
		var j JobRecord
		var completedAt sql.NullTime
		if err := rows.Scan(&j.ID, &j.Submitter, &j.Language, &j.Code, &j.WallTimeoutSeconds, &j.MemoryMB, &j.CPUCores, &j.NeedAccelerator,
			&j.State, &j.AssignedWorkerID, &j.Attempts, &j.Stdout, &j.Stderr, &j.HasOutput, &j.ExitCode, &j.ErrorReason,
			&j.ArtifactBucket, &j.ArtifactKey, &j.CreatedAt, &j.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			j.CompletedAt = completedAt.Time
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
