// Package session implements the coordinator side of the worker
// streaming protocol (C5): one goroutine per WebSocket connection owns
// that connection's reads and writes and never blocks holding the
// registry or ledger locks. It implements scheduler.Dispatcher so the
// scheduler can hand off an assignment without importing a transport
// package.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Jay-Jay-Tee/the-grid-x/internal/observability"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/registry"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/scheduler"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/store"
	"github.com/Jay-Jay-Tee/the-grid-x/pkg/gridxapi"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WorkerConn is the opaque handle the registry stores as Session.Conn and
// the scheduler's Dispatcher writes assignments to.
type WorkerConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
	id   string
}

func (c *WorkerConn) writeFrame(frame gridxapi.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

// Manager owns every live WorkerConn and the ledger/registry/scheduler
// references needed to drive the session state machine. It implements
// scheduler.Dispatcher.
type Manager struct {
	store    store.Store
	registry *registry.Registry
	engine   *scheduler.Engine
}

func NewManager(st store.Store, reg *registry.Registry, engine *scheduler.Engine) *Manager {
	return &Manager{store: st, registry: reg, engine: engine}
}

// Bind completes construction for the case where the scheduler.Engine did
// not exist yet when this Manager was created (the Engine's constructor
// takes a Dispatcher, which a Manager is). Callers must invoke Bind before
// HandleWorker serves any connection.
func (m *Manager) Bind(st store.Store, reg *registry.Registry, engine *scheduler.Engine) {
	m.store = st
	m.registry = reg
	m.engine = engine
}

// SendAssign implements scheduler.Dispatcher.
func (m *Manager) SendAssign(_ context.Context, conn any, job store.JobRecord) error {
	wc, ok := conn.(*WorkerConn)
	if !ok || wc == nil {
		return errors.New("session: connection handle is not a worker connection")
	}
	frame, err := gridxapi.NewFrame(gridxapi.FrameAssign, gridxapi.AssignPayload{
		JobID:    job.ID,
		Language: job.Language,
		Code:     job.Code,
		Limits:   job.Limits(),
	})
	if err != nil {
		return err
	}
	return wc.writeFrame(frame)
}

// HandleWorker upgrades the request to a WebSocket and runs the session
// state machine until the connection closes. The first frame on the
// connection MUST be auth; any other frame is an immediate close, per
// spec.md §4.5.
func (m *Manager) HandleWorker(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("session: upgrade failed: %v", err)
		return
	}
	wc := &WorkerConn{conn: conn}
	defer conn.Close()

	sessionID, owner, ok := m.handshake(wc)
	if !ok {
		return
	}
	wc.id = sessionID
	defer m.onDisconnect(sessionID, owner)

	for {
		var frame gridxapi.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if !m.dispatchFrame(context.Background(), wc, sessionID, frame) {
			return
		}
	}
}

func (m *Manager) handshake(wc *WorkerConn) (string, string, bool) {
	var frame gridxapi.Frame
	if err := wc.conn.ReadJSON(&frame); err != nil {
		return "", "", false
	}
	if frame.Type != gridxapi.FrameAuth {
		_ = wc.writeFrame(mustFrame(gridxapi.FrameAuthFail, gridxapi.AuthFailPayload{Reason: "auth must be the first frame"}))
		return "", "", false
	}
	var auth gridxapi.AuthPayload
	if err := json.Unmarshal(frame.Payload, &auth); err != nil {
		_ = wc.writeFrame(mustFrame(gridxapi.FrameAuthFail, gridxapi.AuthFailPayload{Reason: "malformed auth payload"}))
		return "", "", false
	}

	ok, err := m.store.VerifyAuth(context.Background(), auth.AccountID, auth.Secret)
	if err != nil || !ok {
		_ = wc.writeFrame(mustFrame(gridxapi.FrameAuthFail, gridxapi.AuthFailPayload{Reason: "authentication failed"}))
		return "", "", false
	}

	sessionID := auth.WorkerID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	m.registry.Register(sessionID, auth.AccountID, auth.Capabilities, wc)
	_ = m.store.UpsertWorkerRecord(context.Background(), store.WorkerRecord{
		ID:            sessionID,
		Owner:         auth.AccountID,
		CPUCores:      auth.Capabilities.CPUCores,
		MemoryMB:      auth.Capabilities.MemoryMB,
		AcceleratorN:  auth.Capabilities.AcceleratorN,
		MaxConcurrent: auth.Capabilities.MaxConcurrent,
		Languages:     auth.Capabilities.Languages,
		Status:        string(registry.Idle),
		LastSeen:      time.Now().UTC(),
	})

	if err := wc.writeFrame(mustFrame(gridxapi.FrameAuthOK, gridxapi.AuthOKPayload{WorkerID: sessionID})); err != nil {
		m.registry.Deregister(sessionID)
		return "", "", false
	}
	observability.Default.IncCounter("worker_sessions_authenticated_total", nil, 1)
	m.engine.Dispatch(context.Background())
	return sessionID, auth.AccountID, true
}

// dispatchFrame handles one post-handshake frame and reports whether the
// connection should stay open.
func (m *Manager) dispatchFrame(ctx context.Context, wc *WorkerConn, sessionID string, frame gridxapi.Frame) bool {
	switch frame.Type {
	case gridxapi.FrameHeartbeat:
		var hb gridxapi.HeartbeatPayload
		if err := json.Unmarshal(frame.Payload, &hb); err == nil {
			status := registry.Idle
			if hb.RunningJobs > 0 {
				status = registry.Busy
			}
			m.registry.Touch(sessionID, status, hb.RunningJobs)
		}
		return true

	case gridxapi.FramePong:
		return true

	case gridxapi.FrameAck:
		var ack gridxapi.AckPayload
		if err := json.Unmarshal(frame.Payload, &ack); err != nil {
			return true
		}
		if ack.Accepted {
			if err := m.engine.HandleAckAccept(ctx, ack.JobID); err != nil {
				log.Printf("session: handle ack accept job=%s err=%v", ack.JobID, err)
			}
		} else {
			_ = m.engine.HandleAckReject(ctx, sessionID, ack.JobID)
		}
		return true

	case gridxapi.FrameProgress:
		// Progress frames are informational only; assigned->running is
		// already taken on ack(accept).
		return true

	case gridxapi.FrameResult:
		var res gridxapi.ResultPayload
		if err := json.Unmarshal(frame.Payload, &res); err != nil {
			return true
		}
		if err := m.engine.HandleResult(ctx, sessionID, res.JobID, res.ExitCode, res.Stdout, res.Stderr); err != nil {
			log.Printf("session: handle result job=%s err=%v", res.JobID, err)
		}
		return true

	default:
		// Unknown frame types are ignored rather than closing the
		// connection; only a missing initial auth is fatal.
		return true
	}
}

func (m *Manager) onDisconnect(sessionID, owner string) {
	observability.Default.IncCounter("worker_sessions_disconnected_total", map[string]string{"owner": owner}, 1)
	m.engine.HandleWorkerLoss(context.Background(), sessionID)
}

func mustFrame(typ string, payload any) gridxapi.Frame {
	f, err := gridxapi.NewFrame(typ, payload)
	if err != nil {
		// payload types here are always json.Marshal-able structs.
		panic(err)
	}
	return f
}
