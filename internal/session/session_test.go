package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Jay-Jay-Tee/the-grid-x/internal/registry"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/scheduler"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/store"
	"github.com/Jay-Jay-Tee/the-grid-x/pkg/gridxapi"
)

func newTestManager(t *testing.T) (*Manager, store.Store, *registry.Registry, *scheduler.Engine) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New()
	mgr := NewManager(st, reg, nil)
	eng := scheduler.NewEngine(st, reg, mgr, scheduler.Options{WorkerReward: store.AmountFromCredits(0.8)})
	mgr.engine = eng
	return mgr, st, reg, eng
}

func dialTestWorker(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestAuthHandshakeThenDispatchAndResult(t *testing.T) {
	mgr, st, reg, eng := newTestManager(t)
	ts := httptest.NewServer(http.HandlerFunc(mgr.HandleWorker))
	defer ts.Close()

	conn := dialTestWorker(t, ts.URL)
	defer conn.Close()

	authFrame, _ := gridxapi.NewFrame(gridxapi.FrameAuth, gridxapi.AuthPayload{
		AccountID:    "bob",
		Secret:       "s3cret",
		Capabilities: gridxapi.Capabilities{CPUCores: 4, MemoryMB: 1024},
	})
	if err := conn.WriteJSON(authFrame); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	var reply gridxapi.Frame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read auth_ok: %v", err)
	}
	if reply.Type != gridxapi.FrameAuthOK {
		t.Fatalf("expected auth_ok, got %s", reply.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected worker registered")
	}

	ctx := context.Background()
	if err := st.CreateJob(ctx, store.JobRecord{ID: "22222222-2222-4222-8222-222222222222", Submitter: "alice", Language: "python", Code: "print(1)", State: store.JobQueued, CPUCores: 1, MemoryMB: 128}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	eng.Enqueue(ctx, "22222222-2222-4222-8222-222222222222")

	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read assign: %v", err)
	}
	if reply.Type != gridxapi.FrameAssign {
		t.Fatalf("expected assign, got %s", reply.Type)
	}

	resultFrame, _ := gridxapi.NewFrame(gridxapi.FrameResult, gridxapi.ResultPayload{
		JobID:    "22222222-2222-4222-8222-222222222222",
		ExitCode: 0,
		Stdout:   "1\n",
	})
	if err := conn.WriteJSON(resultFrame); err != nil {
		t.Fatalf("write result: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, _, err := st.GetJob(ctx, "22222222-2222-4222-8222-222222222222")
		if err == nil && job.State == store.JobCompleted {
			bal, _ := st.Balance(ctx, "bob")
			if bal != store.AmountFromCredits(0.8) {
				t.Fatalf("expected worker reward credited, got %s", bal)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job never completed")
}

func TestAuthMustBeFirstFrame(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ts := httptest.NewServer(http.HandlerFunc(mgr.HandleWorker))
	defer ts.Close()

	conn := dialTestWorker(t, ts.URL)
	defer conn.Close()

	hbFrame, _ := gridxapi.NewFrame(gridxapi.FrameHeartbeat, gridxapi.HeartbeatPayload{TimestampUnix: 1})
	if err := conn.WriteJSON(hbFrame); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	var reply gridxapi.Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return // connection closed without a reply is an acceptable outcome too
	}
	if reply.Type != gridxapi.FrameAuthFail {
		t.Fatalf("expected auth_fail, got %s", reply.Type)
	}
}
