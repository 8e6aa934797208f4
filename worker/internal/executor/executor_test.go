package executor

import (
	"testing"

	"github.com/Jay-Jay-Tee/the-grid-x/worker/internal/config"
)

func TestDockerArgsAppliesIsolationFlags(t *testing.T) {
	e := New(config.Config{ArtifactRoot: t.TempDir()})
	args := e.dockerArgs(Task{JobID: "j1", Language: "python", CPUCores: 2, MemoryMB: 256}, "/tmp/ws")

	want := []string{"--network=none", "--read-only", "--cap-drop=ALL", "--security-opt", "no-new-privileges"}
	for _, w := range want {
		if !containsArg(args, w) {
			t.Fatalf("expected docker args to contain %q, got %v", w, args)
		}
	}
	if !containsArg(args, "python:3.11-slim") {
		t.Fatalf("expected python image in args, got %v", args)
	}
}

func TestPrepareWorkspaceRejectsUnknownLanguage(t *testing.T) {
	e := New(config.Config{ArtifactRoot: t.TempDir()})
	if _, err := e.prepareWorkspace(Task{JobID: "j1", Language: "rust", Code: "fn main(){}"}); err == nil {
		t.Fatalf("expected error for unsupported language")
	}
}

func TestTruncateCapsAtMax(t *testing.T) {
	s := make([]byte, maxCaptureBytes+100)
	for i := range s {
		s[i] = 'a'
	}
	out := truncate(string(s), maxCaptureBytes)
	if len(out) != maxCaptureBytes {
		t.Fatalf("expected truncated length %d, got %d", maxCaptureBytes, len(out))
	}
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
