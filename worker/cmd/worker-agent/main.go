package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Jay-Jay-Tee/the-grid-x/worker/internal/config"
	"github.com/Jay-Jay-Tee/the-grid-x/worker/internal/runtime"
	"github.com/Jay-Jay-Tee/the-grid-x/worker/internal/telemetry"
)

func main() {
	var (
		user          = flag.String("user", os.Getenv("GRIDX_ACCOUNT_ID"), "account id to authenticate as")
		password      = flag.String("password", os.Getenv("GRIDX_SECRET"), "account secret")
		coordinatorIP = flag.String("coordinator-ip", "127.0.0.1", "coordinator host or IP")
		httpPort      = flag.Int("http-port", 8081, "coordinator HTTP port (submission API, informational)")
		streamPort    = flag.Int("stream-port", 8080, "coordinator WebSocket port (worker sessions)")
	)
	flag.Parse()

	if *user == "" || *password == "" {
		log.Fatal("worker-agent: --user and --password are required")
	}
	log.Printf("worker-agent: coordinator %s (http :%d, stream :%d)", *coordinatorIP, *httpPort, *streamPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnvAndFlags(*user, *password, *coordinatorIP, *streamPort)
	rt := runtime.New(cfg, telemetry.NewNop())

	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("worker-agent: stopped with error: %v", err)
	}
}
