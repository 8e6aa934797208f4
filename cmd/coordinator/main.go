package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Jay-Jay-Tee/the-grid-x/internal/api"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/bootstrap"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/observability"
	"github.com/Jay-Jay-Tee/the-grid-x/internal/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracingFromEnv("gridx-coordinator")
	if err != nil {
		log.Printf("coordinator: tracing init failed: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	httpPort := getenv("GRIDX_HTTP_PORT", "8081")
	streamPort := getenv("GRIDX_STREAM_PORT", "8080")

	// session.Manager implements scheduler.Dispatcher but needs the
	// scheduler.Engine bootstrap.NewFromEnv constructs, and the engine
	// needs a dispatcher up front — so the manager is built first with a
	// nil engine and wired up once NewFromEnv returns.
	mgr := session.NewManager(nil, nil, nil)

	cp, err := bootstrap.NewFromEnv(ctx, mgr)
	if err != nil {
		log.Fatalf("coordinator: bootstrap failed: %v", err)
	}
	mgr.Bind(cp.Store, cp.Registry, cp.Engine)

	cp.StartSweeps(ctx)

	server := api.NewServer(cp.Store, cp.Engine, cp.Registry, cp.Policy, cp.JobCost, cp.StartBalance)

	httpSrv := &http.Server{Addr: ":" + httpPort, Handler: server.Handler()}
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws/worker", mgr.HandleWorker)
	streamSrv := &http.Server{Addr: ":" + streamPort, Handler: wsMux}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("coordinator: submission API listening on :%s", httpPort)
		errCh <- httpSrv.ListenAndServe()
	}()
	go func() {
		log.Printf("coordinator: worker sessions listening on :%s", streamPort)
		errCh <- streamSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("coordinator: server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = streamSrv.Shutdown(shutdownCtx)
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
