// Package gridxapi holds the wire types shared between the coordinator's
// HTTP surface, its worker-facing WebSocket surface, and the worker agent.
package gridxapi

// SubmitJobRequest is the body of POST /jobs.
type SubmitJobRequest struct {
	Submitter string `json:"submitter"`
	Code      string `json:"code"`
	Language  string `json:"language"`
}

// SubmitJobResponse is returned on successful submission.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

// JobView is the JSON shape of GET /jobs/{id}.
type JobView struct {
	ID               string  `json:"id"`
	Submitter        string  `json:"submitter"`
	Language         string  `json:"language"`
	State            string  `json:"state"`
	AssignedWorkerID string  `json:"assigned_worker_id,omitempty"`
	Stdout           *string `json:"stdout,omitempty"`
	Stderr           *string `json:"stderr,omitempty"`
	ExitCode         *int    `json:"exit_code,omitempty"`
	ErrorReason      string  `json:"error_reason,omitempty"`
	CreatedAt        string  `json:"created_at"`
	CompletedAt      string  `json:"completed_at,omitempty"`
}

// WorkerView is one entry of GET /workers.
type WorkerView struct {
	ID           string       `json:"id"`
	Owner        string       `json:"owner"`
	Status       string       `json:"status"`
	Capabilities Capabilities `json:"capabilities"`
	LastSeen     string       `json:"last_seen"`
}

// WorkersResponse is the body of GET /workers.
type WorkersResponse struct {
	Workers []WorkerView `json:"workers"`
}

// BalanceView is the body of GET /credits/{id}.
type BalanceView struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
}

// HealthView is the body of GET /health.
type HealthView struct {
	Status string `json:"status"`
	TS     string `json:"ts"`
}

// ErrorResponse is the uniform error body for 4xx/5xx responses.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuditEventView is one entry of GET /admin/audit.
type AuditEventView struct {
	ID        int64  `json:"id"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Resource  string `json:"resource"`
	Amount    string `json:"amount,omitempty"`
	Result    string `json:"result"`
	PrevHash  string `json:"prev_hash"`
	EventHash string `json:"event_hash"`
	CreatedAt string `json:"created_at"`
}

// Capabilities describes what a worker session can run.
type Capabilities struct {
	CPUCores      int      `json:"cpu_cores"`
	AcceleratorN  int      `json:"accelerator_count,omitempty"`
	MemoryMB      int      `json:"memory_mb"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	Languages     []string `json:"languages,omitempty"`
}

// Limits describes the resource envelope for a single job execution.
type Limits struct {
	WallTimeoutSeconds int `json:"wall_timeout_seconds"`
	MemoryMB           int `json:"memory_mb"`
	CPUCores           int `json:"cpu_cores"`
}

func (c Capabilities) Satisfies(want Limits, wantAccelerator bool) bool {
	if c.CPUCores < want.CPUCores {
		return false
	}
	if c.MemoryMB < want.MemoryMB {
		return false
	}
	if wantAccelerator && c.AcceleratorN < 1 {
		return false
	}
	return true
}
