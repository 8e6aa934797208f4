package gridxapi

import "encoding/json"

// Frame is the envelope for every message on the worker session. Type
// selects which of the payload structs below Payload decodes into; callers
// must total-match on Type rather than relying on reflection.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	FrameAuth      = "auth"
	FrameAuthOK    = "auth_ok"
	FrameAuthFail  = "auth_fail"
	FrameHeartbeat = "heartbeat"
	FrameAssign    = "assign"
	FrameAck       = "ack"
	FrameProgress  = "progress"
	FrameResult    = "result"
	FrameCancel    = "cancel"
	FramePing      = "ping"
	FramePong      = "pong"
)

func NewFrame(typ string, payload any) (Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, Payload: b}, nil
}

// AuthPayload is sent worker->coordinator as the first frame on a new
// connection. WorkerID is optional: when it is set the coordinator
// registers the session under that id instead of minting a new one. The
// worker agent in this module leaves it empty on every connection, so
// each reconnect is registered under a fresh id.
type AuthPayload struct {
	AccountID    string       `json:"account_id"`
	Secret       string       `json:"secret"`
	WorkerID     string       `json:"worker_id,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

type AuthOKPayload struct {
	WorkerID string `json:"worker_id"`
}

type AuthFailPayload struct {
	Reason string `json:"reason"`
}

// HeartbeatPayload is sent worker->coordinator on a fixed cadence.
type HeartbeatPayload struct {
	TimestampUnix int64  `json:"timestamp_unix"`
	Status        string `json:"status"`
	RunningJobs   int    `json:"running_jobs"`
}

// AssignPayload is sent coordinator->worker to dispatch a job.
type AssignPayload struct {
	JobID    string `json:"job_id"`
	Language string `json:"language"`
	Code     string `json:"code"`
	Limits   Limits `json:"limits"`
}

type AckPayload struct {
	JobID    string `json:"job_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type ProgressPayload struct {
	JobID string `json:"job_id"`
	Phase string `json:"phase"`
}

// ResultPayload is sent worker->coordinator exactly once per job. stdout and
// stderr are already truncated to the configured capture cap.
type ResultPayload struct {
	JobID    string `json:"job_id"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type CancelPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

type PingPayload struct {
	CorrelationID string `json:"correlation_id"`
}

type PongPayload struct {
	CorrelationID string `json:"correlation_id"`
}
