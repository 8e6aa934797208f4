package api

import (
	"encoding/csv"
	"encoding/json"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Jay-Jay-Tee/the-grid-x/internal/observability"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/policy"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/registry"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/scheduler"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/store"
	"github.com/Jay-Jay-Tee/the-grid-x/pkg/gridxapi"
)

var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const maxCodeBytes = 1 << 20 // 1 MiB, per spec's submission cap

// Server is the Submission API (C6): request/response surface for job
// submission, status polling, balance queries, worker listing, and the
// admin endpoints for purge/credit/audit.
type Server struct {
	store        store.Store
	engine       *scheduler.Engine
	registry     *registry.Registry
	auth         *authorizer
	safety       *adminSafety
	limiter      *submitLimiter
	policy       *policy.Engine
	jobCost      store.Amount
	startBalance store.Amount
}

func NewServer(st store.Store, engine *scheduler.Engine, reg *registry.Registry, pol *policy.Engine, jobCost, startBalance store.Amount) *Server {
	return &Server{
		store:        st,
		engine:       engine,
		registry:     reg,
		auth:         newAuthorizerFromEnv(),
		safety:       newAdminSafetyFromEnv(),
		limiter:      newSubmitLimiterFromEnv(),
		policy:       pol,
		jobCost:      jobCost,
		startBalance: startBalance,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJobByID)
	mux.HandleFunc("/workers", s.handleWorkers)
	mux.HandleFunc("/credits/", s.handleCredits)
	mux.HandleFunc("/admin/jobs/", s.handleAdminJobPurge)
	mux.HandleFunc("/admin/audit", s.handleAuditEvents)
	mux.HandleFunc("/admin/accounts/", s.handleAdminCredit)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, gridxapi.HealthView{Status: "healthy", TS: time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

// handleJobs implements the submit-job operation of §4.6: validate, run
// one ledger unit-of-work that debits the submitter and creates the job
// row, then enqueue. Enqueue only appends to the in-memory queue and
// cannot fail, so a committed debit is never refunded here.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req gridxapi.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}
	if !accountIDPattern.MatchString(req.Submitter) {
		writeError(w, http.StatusBadRequest, "invalid_input", "submitter must match [A-Za-z0-9_-]{1,64}")
		return
	}
	if req.Code == "" || len(req.Code) > maxCodeBytes {
		writeError(w, http.StatusBadRequest, "invalid_input", "code must be non-empty and at most 1 MiB")
		return
	}
	if strings.TrimSpace(req.Language) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "language is required")
		return
	}

	if !s.limiter.allow(req.Submitter, time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "submit rate limit exceeded")
		return
	}

	running, err := s.store.ListJobsBySubmitter(r.Context(), req.Submitter, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	runningCount := 0
	for _, j := range running {
		if !j.State.Terminal() {
			runningCount++
		}
	}
	decision := s.policy.EvaluateSubmit(policy.SubmitInput{Account: req.Submitter, Language: req.Language, RunningJobs: runningCount})
	if !decision.Allowed {
		writeError(w, http.StatusBadRequest, "invalid_input", "policy denied: "+decision.ReasonCode)
		return
	}

	jobID := uuid.NewString()
	job := store.JobRecord{
		ID:                 jobID,
		Submitter:          req.Submitter,
		Language:           req.Language,
		Code:               req.Code,
		State:              store.JobQueued,
		WallTimeoutSeconds: defaultTimeoutSeconds,
		MemoryMB:           defaultMemoryMB,
		CPUCores:           defaultCPUCores,
	}

	var insufficient bool
	err = s.store.WithUnitOfWork(r.Context(), func(u store.UnitOfWork) error {
		if err := u.EnsureAccount(r.Context(), req.Submitter); err != nil {
			return err
		}
		ok, err := u.Debit(r.Context(), req.Submitter, s.jobCost, "job_cost:"+jobID)
		if err != nil {
			return err
		}
		if !ok {
			insufficient = true
			return nil
		}
		return u.CreateJob(r.Context(), job)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if insufficient {
		writeError(w, http.StatusPaymentRequired, "insufficient_credits", "insufficient credits")
		return
	}

	s.engine.Enqueue(r.Context(), jobID)
	writeJSON(w, http.StatusOK, gridxapi.SubmitJobResponse{JobID: jobID})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if u, err := uuid.Parse(id); err != nil || u.Version() != 4 {
		writeError(w, http.StatusBadRequest, "invalid_input", "job id must be a UUIDv4")
		return
	}
	job, ok, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	live := s.registry.Snapshot()
	out := make([]gridxapi.WorkerView, 0, len(live))
	for _, sess := range live {
		out = append(out, gridxapi.WorkerView{
			ID:           sess.ID,
			Owner:        sess.Owner,
			Status:       string(sess.Status),
			Capabilities: sess.Capabilities,
			LastSeen:     sess.LastSeen.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, gridxapi.WorkersResponse{Workers: out})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/credits/")
	if !accountIDPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid_input", "account id must match [A-Za-z0-9_-]{1,64}")
		return
	}
	bal, err := s.store.Balance(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, gridxapi.BalanceView{AccountID: id, Balance: bal.String()})
}

// handleAdminJobPurge implements POST /admin/jobs/{id}/purge, the one
// sanctioned way a terminal job leaves its terminal state (I5).
func (s *Server) handleAdminJobPurge(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/admin/jobs/"), "/purge")
	if u, err := uuid.Parse(id); err != nil || u.Version() != 4 {
		writeError(w, http.StatusBadRequest, "invalid_input", "job id must be a UUIDv4")
		return
	}
	if !s.safety.allowPurge(time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "admin purge rate limit exceeded")
		return
	}
	purged, err := s.store.PurgeJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	if !purged {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"purged": true})
}

// handleAdminCredit implements POST /admin/accounts/{id}/credit, a manual
// top-up that is always its own unit of work and never touches a job row.
func (s *Server) handleAdminCredit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/admin/accounts/"), "/credit")
	if !accountIDPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid_input", "account id must match [A-Za-z0-9_-]{1,64}")
		return
	}
	var body struct {
		AmountCredits float64 `json:"amount_credits"`
		Reason        string  `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AmountCredits <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "amount_credits must be a positive number")
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "admin_manual_credit"
	}
	if err := s.store.WithUnitOfWork(r.Context(), func(u store.UnitOfWork) error {
		if err := u.EnsureAccount(r.Context(), id); err != nil {
			return err
		}
		return u.Credit(r.Context(), id, store.AmountFromCredits(body.AmountCredits), reason)
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	bal, err := s.store.Balance(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, gridxapi.BalanceView{AccountID: id, Balance: bal.String()})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	q := r.URL.Query()
	limit, offset := 50, 0
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	events, err := s.store.ListAuditEvents(r.Context(), store.AuditQuery{
		Limit:  limit,
		Offset: offset,
		Action: q.Get("action"),
		Actor:  q.Get("actor"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if strings.EqualFold(q.Get("format"), "csv") {
		writeAuditCSV(w, events)
		return
	}
	out := make([]gridxapi.AuditEventView, 0, len(events))
	for _, e := range events {
		out = append(out, gridxapi.AuditEventView{
			ID:        e.ID,
			Action:    e.Action,
			Actor:     e.Actor,
			Resource:  e.Resource,
			Amount:    e.AmountMC.String(),
			Result:    e.Result,
			PrevHash:  e.PrevHash,
			EventHash: e.EventHash,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "limit": limit, "offset": offset})
}

func writeAuditCSV(w http.ResponseWriter, events []store.AuditEventRecord) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "created_at", "action", "actor", "resource", "amount", "result", "prev_hash", "event_hash"})
	for _, e := range events {
		_ = cw.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.Format(time.RFC3339),
			e.Action,
			e.Actor,
			e.Resource,
			e.AmountMC.String(),
			e.Result,
			e.PrevHash,
			e.EventHash,
		})
	}
	cw.Flush()
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	code, msg := s.auth.requireAdmin(r)
	if code != http.StatusOK {
		writeError(w, code, "unauthenticated", msg)
		return "", false
	}
	return "admin", true
}

func jobView(j store.JobRecord) gridxapi.JobView {
	v := gridxapi.JobView{
		ID:               j.ID,
		Submitter:        j.Submitter,
		Language:         j.Language,
		State:            string(j.State),
		AssignedWorkerID: j.AssignedWorkerID,
		ErrorReason:      j.ErrorReason,
		CreatedAt:        j.CreatedAt.Format(time.RFC3339),
	}
	if j.HasOutput {
		stdout, stderr, exitCode := j.Stdout, j.Stderr, j.ExitCode
		v.Stdout = &stdout
		v.Stderr = &stderr
		v.ExitCode = &exitCode
	}
	if !j.CompletedAt.IsZero() {
		v.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, gridxapi.ErrorResponse{Code: code, Message: msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}

const (
	defaultTimeoutSeconds = 300
	defaultMemoryMB       = 512
	defaultCPUCores       = 1
)
