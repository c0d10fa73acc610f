// Package dispatch implements the kernel's syscall dispatch core: the
// opcode table and the fixed nine-step pipeline every request passes
// through — validate, resolve the calling agent, resolve the opcode,
// check permission level, invoke the handler, serialize the reply,
// record and audit, emit events, and write exactly one reply frame.
package dispatch

import (
	"context"
	"encoding/json"

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

// Handler implements one opcode. It receives the raw JSON request payload
// and returns the value to be serialized as the reply payload.
type Handler func(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error)

type opcodeDef struct {
	name     string
	minLevel permission.Level
	handler  Handler
}

// Dispatcher wires every kernel subsystem together behind the opcode
// table. It holds no connection state — internal/transport owns one
// Dispatcher shared across every connection.
type Dispatcher struct {
	Registry   *registry.Registry
	Perms      *permission.Engine
	Supervisor *supervisor.Supervisor
	IPC        *ipc.Hub
	Store      *statestore.Store
	Bus        *eventbus.Bus
	Audit      *audit.Log
	Recorder   *recorder.Recorder
	Async      *asyncresult.Store
	Metrics    *metrics.Collector
	Tunnel     *tunnel.Bridge
	FS         *ops.FS
	Exec       *ops.Exec
	HTTP       *ops.HTTP
	Logger     *zap.Logger

	table map[byte]opcodeDef
}

// New builds a Dispatcher with the full opcode table registered.
func New(
	reg *registry.Registry, perms *permission.Engine, sup *supervisor.Supervisor,
	ipcHub *ipc.Hub, store *statestore.Store, bus *eventbus.Bus, auditLog *audit.Log,
	rec *recorder.Recorder, async *asyncresult.Store, metricsCollector *metrics.Collector,
	tunnelBridge *tunnel.Bridge, fsOps *ops.FS, execOps *ops.Exec, httpOps *ops.HTTP,
	logger *zap.Logger,
) *Dispatcher {
	d := &Dispatcher{
		Registry: reg, Perms: perms, Supervisor: sup, IPC: ipcHub, Store: store,
		Bus: bus, Audit: auditLog, Recorder: rec, Async: async, Metrics: metricsCollector,
		Tunnel: tunnelBridge, FS: fsOps, Exec: execOps, HTTP: httpOps,
		Logger: logger.Named("dispatch"),
	}
	d.table = buildTable()
	return d
}

// Handle runs the nine-step pipeline for one inbound frame and returns the
// single reply frame to write back.
func (d *Dispatcher) Handle(ctx context.Context, in wire.Frame) wire.Frame {
	// Step 1: frame validation already happened in wire.ReadFrame; here an
	// empty payload is replaced by {}. The JSON itself is decoded by the
	// opcode's handler.
	var rawReq json.RawMessage = in.Payload
	if len(rawReq) == 0 {
		rawReq = json.RawMessage(`{}`)
	}

	// Step 2: resolve the calling agent (KernelAgentID always exists).
	if in.AgentID != registry.KernelAgentID {
		if _, err := d.Registry.Get(in.AgentID); err != nil {
			return d.errorReply(ctx, in, "", kernelerr.New(kernelerr.AgentNotFound, "agent %d is not registered", in.AgentID))
		}
	}

	// Step 3: resolve the opcode.
	def, ok := d.table[in.Opcode]
	if !ok {
		return d.errorReply(ctx, in, "", kernelerr.New(kernelerr.Unsupported, "unknown opcode 0x%02x", in.Opcode))
	}

	// Step 4: permission-level check.
	if def.minLevel != "" {
		level := d.Perms.Get(in.AgentID).Level
		if !level.AtLeast(def.minLevel) {
			d.Bus.Emit(eventbus.Event{Type: eventbus.SyscallBlocked, SourceAgent: in.AgentID, Data: map[string]any{
				"opcode": def.name, "required_level": def.minLevel, "actual_level": level,
			}})
			agentID := in.AgentID
			d.Audit.Record(audit.Security, &agentID, "syscall_blocked", map[string]any{"opcode": def.name})
			return d.errorReply(ctx, in, def.name, kernelerr.New(kernelerr.PermissionDenied, "opcode %s requires level >= %s", def.name, def.minLevel))
		}
	}

	// Step 5: invoke the handler.
	result, err := def.handler(ctx, d, in.AgentID, rawReq)

	// Step 6: serialize the reply.
	out := d.buildReply(in, result, err)

	// Step 7: record + audit.
	agentID := in.AgentID
	d.Recorder.Capture(in.AgentID, in.Opcode, rawReq, out.Payload, err == nil)
	d.Audit.Record(auditCategoryFor(def.name), &agentID, def.name, map[string]any{"success": err == nil})

	// Step 8: events beyond what individual handlers already emit — a
	// generic ResourceWarning on handler-internal (Internal-kind) failure.
	if kernelerr.KindOf(err) == kernelerr.Internal {
		d.Bus.Emit(eventbus.Event{Type: eventbus.ResourceWarning, SourceAgent: in.AgentID, Data: map[string]any{
			"opcode": def.name, "reason": "internal_error",
		}})
	}

	// Step 9: exactly one reply frame is returned to the caller (transport
	// writes it).
	return out
}

func (d *Dispatcher) buildReply(in wire.Frame, result any, err error) wire.Frame {
	if err != nil {
		return d.errorReply(context.Background(), in, "", err)
	}
	payload, marshalErr := json.Marshal(envelope{Success: true, Result: result})
	if marshalErr != nil {
		return d.errorReply(context.Background(), in, "", kernelerr.Wrap(kernelerr.Internal, marshalErr))
	}
	return wire.Frame{AgentID: in.AgentID, Opcode: in.Opcode, Payload: payload}
}

func (d *Dispatcher) errorReply(_ context.Context, in wire.Frame, opName string, err error) wire.Frame {
	kind := kernelerr.KindOf(err)
	payload, _ := json.Marshal(envelope{Success: false, Error: &errorBody{Kind: string(kind), Message: err.Error()}})
	return wire.Frame{AgentID: in.AgentID, Opcode: in.Opcode, Payload: payload}
}

type envelope struct {
	Success bool       `json:"success"`
	Result  any        `json:"result,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func auditCategoryFor(opName string) audit.Category {
	switch {
	case opName == "spawn" || opName == "kill" || opName == "list" || opName == "pause" || opName == "resume":
		return audit.AgentLifecycle
	case opName == "send" || opName == "recv" || opName == "broadcast" || opName == "register":
		return audit.Ipc
	case opName == "store" || opName == "fetch" || opName == "delete" || opName == "keys":
		return audit.State
	case opName == "get_perms" || opName == "set_perms":
		return audit.Security
	case opName == "http":
		return audit.Network
	case opName == "tunnel_connect" || opName == "tunnel_disconnect" || opName == "tunnel_status" || opName == "tunnel_list_remotes" || opName == "tunnel_configure":
		return audit.World
	case opName == "metrics_system" || opName == "metrics_agent" || opName == "metrics_cgroup":
		return audit.Resource
	default:
		return audit.Syscall
	}
}
