package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentkernel/kernel/internal/config"
	"github.com/agentkernel/kernel/internal/statestore"
	"github.com/agentkernel/kernel/internal/wire"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Socket:     config.SocketConfig{Path: filepath.Join(t.TempDir(), "kernel.sock"), Mode: 0o660},
		Audit:      config.AuditConfig{MaxEntries: 100},
		Supervisor: config.SupervisorConfig{DefaultMaxRestarts: 5, RestartWindowSec: 60},
	}
	return cfg
}

func TestKernelServesRequestsUntilShutdown(t *testing.T) {
	cfg := testConfig(t)
	k, err := New(cfg, zap.NewNop(), nil, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- k.Run(ctx) }()

	waitForSocket(t, cfg.Socket.Path)

	conn, err := net.Dial("unix", cfg.Socket.Path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := wire.Encode(conn, wire.Frame{Opcode: 0x00}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := wire.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var env struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(reply.Payload, &env); err != nil || !env.Success {
		t.Fatalf("expected successful NOOP reply, got %+v (err=%v)", env, err)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestMaintenanceJobsSweepExpiredState(t *testing.T) {
	cfg := testConfig(t)
	k, err := New(cfg, zap.NewNop(), nil, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	k.Store.Store("k", json.RawMessage(`1`), statestore.Global, 0, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := k.scheduleMaintenance(ctx); err != nil {
		t.Fatalf("scheduleMaintenance: %v", err)
	}
	k.cron.Start()
	defer k.cron.Shutdown()

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := k.Store.Fetch(0, "k"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected sweep to have expired key \"k\"")
}

func TestRunPropagatesListenFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Socket.Path = filepath.Join(cfg.Socket.Path, "nonexistent-parent", "kernel.sock")

	k, err := New(cfg, zap.NewNop(), nil, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = k.Run(ctx)
	if err == nil {
		t.Fatal("expected Run to surface the listen failure, got nil")
	}
	var netErr *net.OpError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected Run's error to unwrap to a *net.OpError, got %v (%T)", err, err)
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %q was never created", path)
}
