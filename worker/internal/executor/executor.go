// Package executor runs one dispatched job inside a sandboxed docker
// container (C7, worker side) and captures its result.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Jay-Jay-Tee/the-grid-x/worker/internal/config"
)

const maxCaptureBytes = 64 * 1024 // 64 KiB per stream, per spec.md §6

// ErrUnsupportedLanguage is wrapped into the error prepareWorkspace
// returns when a task names a language with no registered source file
// or run command.
var ErrUnsupportedLanguage = errors.New("executor: unsupported language")

// Task is one dispatched job's execution request.
type Task struct {
	JobID              string
	Language           string
	Code               string
	WallTimeoutSeconds int
	MemoryMB           int
	CPUCores           int
}

// Result is what gets sent back on the session as a `result` frame.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

type Executor struct {
	cfg config.Config
}

func New(cfg config.Config) *Executor {
	return &Executor{cfg: cfg}
}

// sourceFileName maps a language tag to the filename docker run mounts
// and executes inside the container.
var sourceFileName = map[string]string{
	"python":     "main.py",
	"javascript": "main.js",
	"node":       "main.js",
	"bash":       "main.sh",
}

var runCommand = map[string]string{
	"python":     "python3",
	"javascript": "node",
	"node":       "node",
	"bash":       "bash",
}

// Run prepares an ephemeral workspace, launches a sandboxed container to
// execute the job's code, and returns a Result exactly once — on any
// failure to launch or capture, it still returns a Result carrying a
// synthetic non-zero exit code and the error text on stderr, matching
// spec.md §4.7's "emits result exactly once" guarantee.
func (e *Executor) Run(ctx context.Context, t Task) Result {
	workspace, err := e.prepareWorkspace(t)
	if err != nil {
		return Result{ExitCode: 126, Stderr: err.Error()}
	}
	defer os.RemoveAll(workspace)

	timeout := time.Duration(t.WallTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := e.dockerArgs(t, workspace)
	cmd := exec.CommandContext(runCtx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			exitCode = 124
			stderr.WriteString("\ntimeout: wall clock exceeded\n")
		} else if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{ExitCode: 126, Stderr: "launch failed: " + runErr.Error()}
		}
	}

	result := Result{
		ExitCode: exitCode,
		Stdout:   truncate(stdout.String(), maxCaptureBytes),
		Stderr:   truncate(stderr.String(), maxCaptureBytes),
	}

	if e.cfg.MinIOEndpoint != "" {
		if err := e.archive(ctx, t, workspace, stdout.String(), stderr.String()); err != nil {
			result.Stderr += "\narchive failed: " + err.Error()
		}
	}
	return result
}

func (e *Executor) prepareWorkspace(t Task) (string, error) {
	name := sourceFileName[t.Language]
	if name == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, t.Language)
	}
	dir := filepath.Join(e.cfg.ArtifactRoot, "jobs", t.JobID, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(t.Code), 0o644); err != nil {
		return "", err
	}
	return dir, nil
}

// dockerArgs builds the docker run invocation with the isolation
// properties spec.md §4.7 requires: no network, read-only root
// filesystem, dropped capabilities, no new privileges, and a resource
// cap derived from the job's limits.
func (e *Executor) dockerArgs(t Task, workspace string) []string {
	cpus := t.CPUCores
	if cpus <= 0 {
		cpus = 1
	}
	memMB := t.MemoryMB
	if memMB <= 0 {
		memMB = 512
	}
	args := []string{
		"run", "--rm",
		"--network=none",
		"--read-only",
		"--cap-drop=ALL",
		"--security-opt", "no-new-privileges",
		"--cpus", strconv.Itoa(cpus),
		"--memory", strconv.Itoa(memMB) + "m",
		"--user", "1000:1000",
		"-v", workspace + ":/workspace:ro",
		"--tmpfs", "/tmp:rw,size=64m",
		"-w", "/workspace",
		config.ImageForLanguage(t.Language),
		runCommand[t.Language], "/workspace/" + sourceFileName[t.Language],
	}
	return args
}

func (e *Executor) archive(ctx context.Context, t Task, workspace, stdout, stderr string) error {
	client, err := minio.New(e.cfg.MinIOEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(e.cfg.MinIOAccessKey, e.cfg.MinIOSecretKey, ""),
		Secure: e.cfg.MinIOUseSSL,
	})
	if err != nil {
		return err
	}
	bucket := strings.TrimSpace(e.cfg.MinIOBucket)
	if bucket == "" {
		bucket = "gridx-artifacts"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	uploads := map[string][]byte{
		"stdout.log": []byte(stdout),
		"stderr.log": []byte(stderr),
	}
	name := sourceFileName[t.Language]
	if src, err := os.ReadFile(filepath.Join(workspace, name)); err == nil {
		uploads[name] = src
	}
	for fname, data := range uploads {
		object := fmt.Sprintf("jobs/%s/%s", t.JobID, fname)
		if _, err := client.PutObject(ctx, bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
