// Package runtime owns the worker agent's persistent session connection:
// dial, handshake, heartbeat, and the read loop that hands assignments to
// the executor and writes ack/progress/result frames back.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Jay-Jay-Tee/the-grid-x/pkg/gridxapi"
	"github.com/Jay-Jay-Tee/the-grid-x/worker/internal/config"
	"github.com/Jay-Jay-Tee/the-grid-x/worker/internal/executor"
	"github.com/Jay-Jay-Tee/the-grid-x/worker/internal/heartbeat"
	"github.com/Jay-Jay-Tee/the-grid-x/worker/internal/registration"
	"github.com/Jay-Jay-Tee/the-grid-x/worker/internal/telemetry"
)

const heartbeatInterval = 15 * time.Second

// Runtime drives one worker agent's lifetime: connect, authenticate,
// serve jobs, reconnect on transport loss.
type Runtime struct {
	cfg     config.Config
	exec    *executor.Executor
	tel     telemetry.Client
	running atomic.Int64
	writeMu sync.Mutex
}

func New(cfg config.Config, tel telemetry.Client) *Runtime {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Runtime{cfg: cfg, exec: executor.New(cfg), tel: tel}
}

// Run dials the coordinator and serves jobs until ctx is cancelled or an
// unrecoverable auth failure occurs. A transient transport loss causes a
// reconnect with backoff rather than returning.
func (r *Runtime) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := r.runOnce(ctx)
		if err == errAuthRejected {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("worker: session ended: %v; reconnecting in %s", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

var errAuthRejected = fmt.Errorf("worker: authentication rejected")

func (r *Runtime) runOnce(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", r.cfg.CoordinatorIP, r.cfg.StreamPort), Path: "/ws/worker"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	workerID, err := registration.Handshake(conn, r.cfg)
	if err != nil {
		return errAuthRejected
	}
	log.Printf("worker: authenticated as %s", workerID)

	hb := heartbeat.New(heartbeatInterval, func() int { return int(r.running.Load()) })
	defer hb.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case frame := <-hb.Frames():
				if err := r.writeFrame(conn, frame); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var frame gridxapi.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			<-done
			return fmt.Errorf("read frame: %w", err)
		}
		if !r.dispatch(ctx, conn, frame) {
			<-done
			return fmt.Errorf("session closed by coordinator")
		}
	}
}

func (r *Runtime) writeFrame(conn *websocket.Conn, frame gridxapi.Frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (r *Runtime) dispatch(ctx context.Context, conn *websocket.Conn, frame gridxapi.Frame) bool {
	switch frame.Type {
	case gridxapi.FrameAssign:
		var assign gridxapi.AssignPayload
		if err := json.Unmarshal(frame.Payload, &assign); err != nil {
			return true
		}
		go r.runJob(ctx, conn, assign)
		return true

	case gridxapi.FrameCancel:
		// Best-effort: the executor enforces its own wall timeout; an
		// explicit cancel frame races with that and is not separately
		// tracked per job in this version.
		return true

	case gridxapi.FramePing:
		var ping gridxapi.PingPayload
		_ = json.Unmarshal(frame.Payload, &ping)
		pong, _ := gridxapi.NewFrame(gridxapi.FramePong, gridxapi.PongPayload{CorrelationID: ping.CorrelationID})
		_ = r.writeFrame(conn, pong)
		return true

	default:
		return true
	}
}

func (r *Runtime) runJob(ctx context.Context, conn *websocket.Conn, assign gridxapi.AssignPayload) {
	ack, _ := gridxapi.NewFrame(gridxapi.FrameAck, gridxapi.AckPayload{JobID: assign.JobID, Accepted: true})
	if err := r.writeFrame(conn, ack); err != nil {
		return
	}

	r.running.Add(1)
	defer r.running.Add(-1)

	result := r.exec.Run(ctx, executor.Task{
		JobID:              assign.JobID,
		Language:           assign.Language,
		Code:               assign.Code,
		WallTimeoutSeconds: assign.Limits.WallTimeoutSeconds,
		MemoryMB:           assign.Limits.MemoryMB,
		CPUCores:           assign.Limits.CPUCores,
	})
	r.tel.Incr("worker.job.executed")

	resultFrame, _ := gridxapi.NewFrame(gridxapi.FrameResult, gridxapi.ResultPayload{
		JobID:    assign.JobID,
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	})
	if err := r.writeFrame(conn, resultFrame); err != nil {
		log.Printf("worker: failed to send result for job=%s: %v", assign.JobID, err)
	}
}
