package serverrun

import (
	"context"
	"net"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/raftlog/internal/config"
	"github.com/rzbill/raftlog/internal/runtime"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

func testConfig(t *testing.T) cfgpkg.Config {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Members = map[uint64]string{1: "127.0.0.1:0"}
	cfg.DataDir = t.TempDir()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Fsync = "never"
	cfg.Log = logpkg.Config{Level: "error", Format: "text", Outputs: []string{"null"}}
	return cfg
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.NodeID = 9
	if err := Run(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatal("expected a validation error for a node outside members")
	}
}

func TestRunFailsOnBusyAddress(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	cfg := testConfig(t)
	cfg.HTTPAddr = busy.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := Run(ctx, Options{Config: cfg}); err == nil {
		t.Fatal("expected listen error")
	}
}

// TestRunIntegration starts a node and lets the context end it.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	cfg := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var ready *runtime.Runtime
	err := Run(ctx, Options{Config: cfg, Version: "test", Ready: func(rt *runtime.Runtime) { ready = rt }})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if ready == nil {
		t.Fatal("ready callback not called")
	}
}
