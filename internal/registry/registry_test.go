package registry

import (
	"testing"
	"time"

	"github.com/Jay-Jay-Tee/the-grid-x/pkg/gridxapi"
)

func TestPickIdlePrefersLongestIdleMatchingCapabilities(t *testing.T) {
	r := New()
	r.Register("w-new", "acct-1", gridxapi.Capabilities{CPUCores: 4, MemoryMB: 4096, Languages: []string{"python"}}, nil)
	old := r.Register("w-old", "acct-1", gridxapi.Capabilities{CPUCores: 4, MemoryMB: 4096, Languages: []string{"python"}}, nil)
	old.LastSeen = time.Now().UTC().Add(-time.Minute)

	got, ok := r.PickIdle(gridxapi.Limits{CPUCores: 1, MemoryMB: 256}, false, "python")
	if !ok {
		t.Fatalf("expected a match")
	}
	if got.ID != "w-old" {
		t.Fatalf("expected longest-idle worker w-old, got %s", got.ID)
	}
}

func TestPickIdleSkipsBusyAndUnsatisfyingCapabilities(t *testing.T) {
	r := New()
	r.Register("w-small", "acct-1", gridxapi.Capabilities{CPUCores: 1, MemoryMB: 512, Languages: []string{"bash"}}, nil)
	r.Register("w-big", "acct-1", gridxapi.Capabilities{CPUCores: 8, MemoryMB: 8192, Languages: []string{"bash"}}, nil)
	r.MarkBusy("w-big")

	_, ok := r.PickIdle(gridxapi.Limits{CPUCores: 4, MemoryMB: 2048}, false, "bash")
	if ok {
		t.Fatalf("expected no idle worker to satisfy the request")
	}
}

func TestMarkBusyThenIdleRoundTrip(t *testing.T) {
	r := New()
	r.Register("w1", "acct-1", gridxapi.Capabilities{CPUCores: 1, MemoryMB: 256}, nil)

	if !r.MarkBusy("w1") {
		t.Fatalf("expected mark busy to succeed on an idle worker")
	}
	if r.MarkBusy("w1") {
		t.Fatalf("expected mark busy to fail on an already-busy worker")
	}
	r.MarkIdle("w1")
	s, ok := r.Get("w1")
	if !ok || s.Status != Idle {
		t.Fatalf("expected worker to return to idle, got %+v", s)
	}
}

func TestStaleSinceFindsOldSessions(t *testing.T) {
	r := New()
	fresh := r.Register("w-fresh", "acct-1", gridxapi.Capabilities{}, nil)
	stale := r.Register("w-stale", "acct-1", gridxapi.Capabilities{}, nil)
	fresh.LastSeen = time.Now().UTC()
	stale.LastSeen = time.Now().UTC().Add(-time.Hour)

	cut := time.Now().UTC().Add(-time.Minute)
	got := r.StaleSince(cut)
	if len(got) != 1 || got[0] != "w-stale" {
		t.Fatalf("expected only w-stale to be reported, got %v", got)
	}
}
