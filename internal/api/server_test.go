package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Jay-Jay-Tee/the-grid-x/internal/policy"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/registry"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/scheduler"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/store"
	"github.com/Jay-Jay-Tee/the-grid-x/pkg/gridxapi"
)

type noopDispatcher struct{}

func (noopDispatcher) SendAssign(context.Context, any, store.JobRecord) error { return nil }

func newTestServer(t *testing.T) (*Server, store.Store, *registry.Registry) {
	t.Helper()
	st := store.NewMemoryStore()
	startBalance := store.AmountFromCredits(100.0)
	st.SetStartingBalance(startBalance)
	reg := registry.New()
	eng := scheduler.NewEngine(st, reg, noopDispatcher{}, scheduler.Options{WorkerReward: store.AmountFromCredits(0.8)})
	srv := NewServer(st, eng, reg, policy.NewAllowAll(), store.AmountFromCredits(1.0), startBalance)
	return srv, st, reg
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestSubmitJobInsufficientCredits(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	if err := st.EnsureAccount(ctx, "alice"); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	// alice starts seeded with the configured starting balance; drain it
	// so this test still exercises the insufficient-credits path.
	bal, err := st.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if _, err := st.Debit(ctx, "alice", bal, "test_drain"); err != nil {
		t.Fatalf("drain balance: %v", err)
	}

	var errResp gridxapi.ErrorResponse
	resp := doJSON(t, http.MethodPost, ts.URL+"/jobs", gridxapi.SubmitJobRequest{
		Submitter: "alice",
		Code:      "print(2+2)",
		Language:  "python",
	}, &errResp)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if errResp.Code != "insufficient_credits" {
		t.Fatalf("unexpected error code: %s", errResp.Code)
	}
	bal, err = st.Balance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 0 {
		t.Fatalf("balance should be untouched, got %s", bal)
	}
}

func TestSubmitAndFetchJob(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// alice's account is seeded with the configured starting balance on
	// first contact, so no manual credit is needed before submitting.

	var submitResp gridxapi.SubmitJobResponse
	resp := doJSON(t, http.MethodPost, ts.URL+"/jobs", gridxapi.SubmitJobRequest{
		Submitter: "alice",
		Code:      "print(2+2)",
		Language:  "python",
	}, &submitResp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if submitResp.JobID == "" {
		t.Fatalf("expected job id")
	}

	var job gridxapi.JobView
	resp = doJSON(t, http.MethodGet, ts.URL+"/jobs/"+submitResp.JobID, nil, &job)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if job.State != string(store.JobQueued) {
		t.Fatalf("expected queued, got %s", job.State)
	}

	bal, err := st.Balance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.String() != "99.000000" {
		t.Fatalf("expected balance 99.0, got %s", bal)
	}
}

func TestAdminPurgeRequiresToken(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	job := store.JobRecord{ID: "11111111-1111-4111-8111-111111111111", Submitter: "alice", Language: "python", Code: "x", State: store.JobCompleted, HasOutput: true}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	resp := doJSON(t, http.MethodPost, ts.URL+"/admin/jobs/"+job.ID+"/purge", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when admin token unconfigured, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var health gridxapi.HealthView
	resp := doJSON(t, http.MethodGet, ts.URL+"/health", nil, &health)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if health.Status != "healthy" {
		t.Fatalf("unexpected status: %s", health.Status)
	}
	if _, err := time.Parse(time.RFC3339, health.TS); err != nil {
		t.Fatalf("bad timestamp: %v", err)
	}
}
