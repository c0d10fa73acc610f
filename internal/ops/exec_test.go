package ops

import (
	"context"
	"testing"
	"time"

	"github.com/agentkernel/kernel/internal/asyncresult"
	"github.com/agentkernel/kernel/internal/kernelerr"
	"github.com/agentkernel/kernel/internal/permission"
)

func TestExecDeniedWhenDisabled(t *testing.T) {
	perms := permission.New()
	perms.Set(1, permission.Permissions{ExecEnabled: false})
	e := NewExec(perms, asyncresult.New())

	_, _, err := e.Run(context.Background(), 1, "echo", []string{"hi"}, nil, "")
	if kernelerr.KindOf(err) != kernelerr.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestExecDeniedForDisallowedCommand(t *testing.T) {
	perms := permission.New()
	perms.Set(1, permission.Permissions{ExecEnabled: true, MaxExecTimeMs: 1000, Commands: permission.Commands{Allowed: []string{"ls"}}})
	e := NewExec(perms, asyncresult.New())

	_, _, err := e.Run(context.Background(), 1, "rm", nil, nil, "")
	if kernelerr.KindOf(err) != kernelerr.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestExecSyncRunsAndCapturesOutput(t *testing.T) {
	perms := permission.New()
	perms.Set(1, permission.Permissions{ExecEnabled: true, MaxExecTimeMs: 1000})
	e := NewExec(perms, asyncresult.New())

	result, asyncID, err := e.Run(context.Background(), 1, "echo", []string{"hello"}, nil, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if asyncID != "" {
		t.Fatalf("expected a synchronous result, got async id %q", asyncID)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", result.ExitCode)
	}
	if result.Output != "hello\n" {
		t.Fatalf("expected output %q, got %q", "hello\n", result.Output)
	}
}

func TestExecLongRunningGoesAsync(t *testing.T) {
	perms := permission.New()
	perms.Set(1, permission.Permissions{ExecEnabled: true, MaxExecTimeMs: 10_000})
	async := asyncresult.New()
	e := NewExec(perms, async)

	_, asyncID, err := e.Run(context.Background(), 1, "sleep", []string{"0.05"}, nil, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if asyncID == "" {
		t.Fatal("expected a long-timeout command to be dispatched asynchronously")
	}

	time.Sleep(300 * time.Millisecond)
	res, ok := async.Poll(1, asyncID)
	if !ok || !res.Success {
		t.Fatalf("expected the async result to be ready and successful, got %+v ok=%v", res, ok)
	}
}
