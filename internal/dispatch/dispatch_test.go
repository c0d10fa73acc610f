package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentkernel/kernel/internal/asyncresult"
	"github.com/agentkernel/kernel/internal/audit"
	"github.com/agentkernel/kernel/internal/eventbus"
	"github.com/agentkernel/kernel/internal/ipc"
	"github.com/agentkernel/kernel/internal/kernelerr"
	"github.com/agentkernel/kernel/internal/metrics"
	"github.com/agentkernel/kernel/internal/ops"
	"github.com/agentkernel/kernel/internal/permission"
	"github.com/agentkernel/kernel/internal/recorder"
	"github.com/agentkernel/kernel/internal/registry"
	"github.com/agentkernel/kernel/internal/statestore"
	"github.com/agentkernel/kernel/internal/supervisor"
	"github.com/agentkernel/kernel/internal/tunnel"
	"github.com/agentkernel/kernel/internal/wire"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	logger := zap.NewNop()
	reg := registry.New(logger)
	perms := permission.New()
	bus := eventbus.New()
	sup := supervisor.New(reg, bus, logger)
	ipcHub := ipc.New(reg, bus, logger)
	store := statestore.New(bus, logger)
	auditLog := audit.New(100, nil, logger)
	rec := recorder.New()
	async := asyncresult.New()
	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	bridge := tunnel.New("", reg, bus, logger)
	fsOps := ops.NewFS(perms)
	execOps := ops.NewExec(perms, async)
	httpOps := ops.NewHTTP(perms)

	return New(reg, perms, sup, ipcHub, store, bus, auditLog, rec, async, collector, bridge, fsOps, execOps, httpOps, logger)
}

func decodeEnvelope(t *testing.T, payload []byte) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("decoding reply envelope: %v", err)
	}
	return env
}

func TestUnknownOpcodeIsUnsupported(t *testing.T) {
	d := newTestDispatcher(t)
	agentID := d.Registry.Allocate()

	out := d.Handle(context.Background(), wire.Frame{AgentID: agentID, Opcode: 0x9F})
	env := decodeEnvelope(t, out.Payload)
	if env.Success {
		t.Fatal("expected failure for unknown opcode")
	}
	if env.Error.Kind != string(kernelerr.Unsupported) {
		t.Fatalf("expected Unsupported, got %s", env.Error.Kind)
	}
}

func TestUnregisteredAgentIsAgentNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	out := d.Handle(context.Background(), wire.Frame{AgentID: 999, Opcode: 0x00})
	env := decodeEnvelope(t, out.Payload)
	if env.Error == nil || env.Error.Kind != string(kernelerr.AgentNotFound) {
		t.Fatalf("expected AgentNotFound, got %+v", env.Error)
	}
}

func TestHelloRegistersNameAndDefaultPermissions(t *testing.T) {
	d := newTestDispatcher(t)
	agentID := d.Registry.Allocate()

	payload, _ := json.Marshal(helloRequest{Name: "worker-1"})
	out := d.Handle(context.Background(), wire.Frame{AgentID: agentID, Opcode: 0xFE, Payload: payload})
	env := decodeEnvelope(t, out.Payload)
	if !env.Success {
		t.Fatalf("expected HELLO to succeed, got %+v", env.Error)
	}

	resolved, err := d.Registry.Resolve("worker-1")
	if err != nil || resolved != agentID {
		t.Fatalf("expected worker-1 to resolve to %d, got %d (%v)", agentID, resolved, err)
	}
	if !d.Perms.Has(agentID) {
		t.Fatal("expected HELLO to attach default permissions")
	}
}

func TestSpawnDeniedBelowRequiredLevel(t *testing.T) {
	d := newTestDispatcher(t)
	agentID := d.Registry.Allocate()
	d.Perms.Set(agentID, permission.Presets[permission.Sandboxed])

	payload, _ := json.Marshal(spawnRequest{Command: "/bin/true"})
	out := d.Handle(context.Background(), wire.Frame{AgentID: agentID, Opcode: 0x10, Payload: payload})
	env := decodeEnvelope(t, out.Payload)
	if env.Success || env.Error.Kind != string(kernelerr.PermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %+v", env)
	}
}

func TestStoreFetchRoundTripThroughDispatch(t *testing.T) {
	d := newTestDispatcher(t)
	agentID := d.Registry.Allocate()
	d.Perms.Set(agentID, permission.Presets[permission.Standard])

	storePayload, _ := json.Marshal(storeRequest{Key: "k", Value: json.RawMessage(`"v"`)})
	out := d.Handle(context.Background(), wire.Frame{AgentID: agentID, Opcode: 0x30, Payload: storePayload})
	if env := decodeEnvelope(t, out.Payload); !env.Success {
		t.Fatalf("STORE failed: %+v", env.Error)
	}

	fetchPayload, _ := json.Marshal(keyRequest{Key: "k"})
	out = d.Handle(context.Background(), wire.Frame{AgentID: agentID, Opcode: 0x31, Payload: fetchPayload})
	env := decodeEnvelope(t, out.Payload)
	if !env.Success {
		t.Fatalf("FETCH failed: %+v", env.Error)
	}

	var entry statestore.Entry
	raw, _ := json.Marshal(env.Result)
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("decoding fetched entry: %v", err)
	}
	if string(entry.Value) != `"v"` {
		t.Fatalf("expected value \"v\", got %s", entry.Value)
	}
}

func TestFetchMissingKeyIsStateKeyNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	agentID := d.Registry.Allocate()
	d.Perms.Set(agentID, permission.Presets[permission.Standard])

	payload, _ := json.Marshal(keyRequest{Key: "nope"})
	out := d.Handle(context.Background(), wire.Frame{AgentID: agentID, Opcode: 0x31, Payload: payload})
	env := decodeEnvelope(t, out.Payload)
	if env.Success || env.Error.Kind != string(kernelerr.StateKeyNotFound) {
		t.Fatalf("expected StateKeyNotFound, got %+v", env)
	}
}

func TestEveryDispatchedRequestIsAudited(t *testing.T) {
	d := newTestDispatcher(t)
	agentID := d.Registry.Allocate()
	d.Perms.Set(agentID, permission.Presets[permission.Standard])

	d.Handle(context.Background(), wire.Frame{AgentID: agentID, Opcode: 0x00})

	tail := d.Audit.Tail(1)
	if len(tail) != 1 || tail[0].Action != "noop" {
		t.Fatalf("expected one audited noop entry, got %+v", tail)
	}
}

func TestRecorderOnlyCapturesWhileActive(t *testing.T) {
	d := newTestDispatcher(t)
	agentID := d.Registry.Allocate()
	d.Perms.Set(agentID, permission.Presets[permission.Standard])

	d.Handle(context.Background(), wire.Frame{AgentID: agentID, Opcode: 0x00})
	if d.Recorder.Status().EntryCount != 0 {
		t.Fatal("expected no capture before Start")
	}

	if err := d.Recorder.Start("s1"); err != nil {
		t.Fatal(err)
	}
	d.Handle(context.Background(), wire.Frame{AgentID: agentID, Opcode: 0x00})
	if d.Recorder.Status().EntryCount != 1 {
		t.Fatalf("expected one captured entry, got %d", d.Recorder.Status().EntryCount)
	}
}

func TestExactlyOneReplyFramePerRequest(t *testing.T) {
	d := newTestDispatcher(t)
	agentID := d.Registry.Allocate()
	d.Perms.Set(agentID, permission.Presets[permission.Standard])

	out := d.Handle(context.Background(), wire.Frame{AgentID: agentID, Opcode: 0x00})
	if out.AgentID != agentID || out.Opcode != 0x00 {
		t.Fatalf("expected reply echoing agent/opcode, got %+v", out)
	}
}
