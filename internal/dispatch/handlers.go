package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/agentkernel/kernel/internal/audit"
	"github.com/agentkernel/kernel/internal/eventbus"
	"github.com/agentkernel/kernel/internal/kernelerr"
	"github.com/agentkernel/kernel/internal/metrics"
	"github.com/agentkernel/kernel/internal/ops"
	"github.com/agentkernel/kernel/internal/permission"
	"github.com/agentkernel/kernel/internal/recorder"
	"github.com/agentkernel/kernel/internal/registry"
	"github.com/agentkernel/kernel/internal/statestore"
	"github.com/agentkernel/kernel/internal/supervisor"
)

func buildTable() map[byte]opcodeDef {
	t := map[byte]opcodeDef{}
	reg := func(op byte, name string, minLevel permission.Level, h Handler) {
		t[op] = opcodeDef{name: name, minLevel: minLevel, handler: h}
	}

	reg(0x00, "noop", "", handleNoop)
	reg(0x01, "think", "", handleThink)
	reg(0x02, "exec", permission.Sandboxed, handleExec)
	reg(0x03, "read", permission.Readonly, handleRead)
	reg(0x04, "write", permission.Sandboxed, handleWrite)

	reg(0x10, "spawn", permission.Standard, handleSpawn)
	reg(0x11, "kill", permission.Standard, handleKill)
	reg(0x12, "list", "", handleList)
	reg(0x14, "pause", permission.Standard, handlePause)
	reg(0x15, "resume", permission.Standard, handleResume)

	reg(0x20, "send", "", handleSend)
	reg(0x21, "recv", "", handleRecv)
	reg(0x22, "broadcast", "", handleBroadcast)
	reg(0x23, "register", "", handleRegister)

	reg(0x30, "store", "", handleStore)
	reg(0x31, "fetch", "", handleFetch)
	reg(0x32, "delete", "", handleDelete)
	reg(0x33, "keys", "", handleKeys)

	reg(0x40, "get_perms", "", handleGetPerms)
	reg(0x41, "set_perms", permission.Standard, handleSetPerms)

	reg(0x50, "http", permission.Sandboxed, handleHTTP)

	reg(0x60, "subscribe", "", handleSubscribe)
	reg(0x61, "unsubscribe", "", handleUnsubscribe)
	reg(0x62, "poll_events", "", handlePollEvents)
	reg(0x63, "emit_custom", "", handleEmitCustom)

	reg(0x70, "record_start", permission.Standard, handleRecordStart)
	reg(0x71, "record_stop", permission.Standard, handleRecordStop)
	reg(0x72, "record_status", "", handleRecordStatus)
	reg(0x73, "record_export", permission.Standard, handleRecordExport)
	reg(0x74, "audit_tail", permission.Standard, handleAuditTail)
	reg(0x75, "audit_query", permission.Standard, handleAuditQuery)
	reg(0x76, "audit_verify", permission.Standard, handleAuditVerify)
	reg(0x77, "replay_verify", permission.Standard, handleReplayVerify)

	reg(0x80, "async_poll", "", handleAsyncPoll)

	reg(0xB0, "tunnel_connect", permission.Unrestricted, handleTunnelConnect)
	reg(0xB1, "tunnel_disconnect", permission.Unrestricted, handleTunnelDisconnect)
	reg(0xB2, "tunnel_status", permission.Standard, handleTunnelStatus)
	reg(0xB3, "tunnel_configure", permission.Unrestricted, handleTunnelConfigure)
	reg(0xB4, "tunnel_list_remotes", permission.Standard, handleTunnelListRemotes)

	reg(0xC0, "metrics_system", "", handleMetricsSystem)
	reg(0xC1, "metrics_agent", "", handleMetricsAgent)
	reg(0xC2, "metrics_cgroup", "", handleMetricsCgroup)
	reg(0xC3, "metrics_self", "", handleMetricsSelf)

	reg(0xF0, "llm_report", "", handleLLMReport)

	reg(0xFE, "hello", "", handleHello)
	reg(0xFF, "exit", "", handleExit)

	return t
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, kernelerr.New(kernelerr.BadRequest, "malformed request payload: %v", err)
	}
	return v, nil
}

// --- NOOP / THINK -----------------------------------------------------

func handleNoop(_ context.Context, _ *Dispatcher, _ uint32, _ json.RawMessage) (any, error) {
	return struct{}{}, nil
}

type thinkRequest struct {
	Prompt string `json:"prompt"`
	Image  string `json:"image,omitempty"`
}

// handleThink acknowledges a THINK call. The kernel does not itself run
// inference — THINK exists so an agent's reasoning step shows up in the
// same audited, recordable syscall stream as everything else it does.
func handleThink(_ context.Context, _ *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	if _, err := decode[thinkRequest](payload); err != nil {
		return nil, err
	}
	return struct {
		Acknowledged bool `json:"acknowledged"`
	}{true}, nil
}

// --- EXEC / READ / WRITE ----------------------------------------------

type execRequest struct {
	Program        string            `json:"program"`
	Args           []string          `json:"args"`
	Env            map[string]string `json:"env"`
	AsyncRequestID string            `json:"async_request_id"`
}

func handleExec(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[execRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.Program == "" {
		return nil, kernelerr.New(kernelerr.BadRequest, "program is required")
	}
	result, requestID, err := d.Exec.Run(ctx, agentID, req.Program, req.Args, req.Env, req.AsyncRequestID)
	if err != nil {
		return nil, err
	}
	if requestID != "" {
		return struct {
			RequestID string `json:"request_id"`
		}{requestID}, nil
	}
	return result, nil
}

type readRequest struct {
	Path string `json:"path"`
}

func handleRead(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[readRequest](payload)
	if err != nil {
		return nil, err
	}
	return d.FS.Read(agentID, req.Path)
}

type writeRequest struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func handleWrite(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[writeRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := d.FS.Write(agentID, req.Path, req.Content, req.Encoding); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- Agent lifecycle ----------------------------------------------------

type spawnRequest struct {
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	MaxRestarts int               `json:"max_restarts"`
	WindowSec   int               `json:"restart_window_sec"`
	Level       permission.Level  `json:"level"`
}

func handleSpawn(ctx context.Context, d *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[spawnRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.Command == "" {
		return nil, kernelerr.New(kernelerr.BadRequest, "command is required")
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	spec := supervisor.Spec{
		Name:    req.Name,
		Command: req.Command,
		Args:    req.Args,
		Env:     env,
		Policy: supervisor.RestartPolicy{
			MaxRestarts: req.MaxRestarts,
			Window:      time.Duration(req.WindowSec) * time.Second,
		},
	}

	newID, err := d.Supervisor.Spawn(ctx, spec)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, err)
	}

	level := req.Level
	if level == "" {
		level = permission.Standard
	}
	if preset, ok := permission.Presets[level]; ok {
		d.Perms.Set(newID, preset)
	}

	return struct {
		AgentID uint32 `json:"agent_id"`
	}{newID}, nil
}

type agentIDRequest struct {
	AgentID uint32 `json:"agent_id"`
}

func handleKill(_ context.Context, d *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[agentIDRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := d.Supervisor.Kill(req.AgentID); err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, err)
	}
	d.Store.RemoveAgentScope(req.AgentID)
	d.Async.RemoveAgent(req.AgentID)
	d.IPC.RemoveAgent(req.AgentID)
	d.Bus.RemoveAgent(req.AgentID)
	d.Perms.Remove(req.AgentID)
	d.Metrics.RemoveAgent(req.AgentID)
	return struct{}{}, nil
}

func handleList(_ context.Context, d *Dispatcher, _ uint32, _ json.RawMessage) (any, error) {
	return d.Registry.List(), nil
}

func handlePause(_ context.Context, d *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[agentIDRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := d.Supervisor.Pause(req.AgentID); err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, err)
	}
	return struct{}{}, nil
}

func handleResume(_ context.Context, d *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[agentIDRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := d.Supervisor.Resume(req.AgentID); err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, err)
	}
	return struct{}{}, nil
}

// --- IPC ----------------------------------------------------------------

type sendRequest struct {
	To      uint32 `json:"to,omitempty"`
	ToName  string `json:"to_name,omitempty"`
	Payload any    `json:"payload"`
}

func (d *Dispatcher) resolveTarget(req sendRequest) (uint32, error) {
	if req.ToName != "" {
		return d.Registry.Resolve(req.ToName)
	}
	if _, err := d.Registry.Get(req.To); err != nil {
		return 0, err
	}
	return req.To, nil
}

func handleSend(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[sendRequest](payload)
	if err != nil {
		return nil, err
	}
	to, err := d.resolveTarget(req)
	if err != nil {
		return nil, kernelerr.New(kernelerr.AgentNotFound, "no such recipient")
	}
	d.IPC.Send(agentID, to, req.Payload)
	return struct{}{}, nil
}

type recvRequest struct {
	Max int `json:"max"`
}

func handleRecv(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[recvRequest](payload)
	if err != nil {
		return nil, err
	}
	return d.IPC.Recv(agentID, req.Max), nil
}

type broadcastRequest struct {
	Payload any `json:"payload"`
}

func handleBroadcast(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[broadcastRequest](payload)
	if err != nil {
		return nil, err
	}
	d.IPC.Broadcast(agentID, req.Payload)
	return struct{}{}, nil
}

type registerRequest struct {
	Name string `json:"name"`
}

func handleRegister(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[registerRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, kernelerr.New(kernelerr.BadRequest, "name is required")
	}
	if err := d.IPC.Register(agentID, req.Name); err != nil {
		if err == registry.ErrNameTaken {
			return nil, kernelerr.New(kernelerr.NameTaken, "name %q is already registered", req.Name)
		}
		return nil, kernelerr.Wrap(kernelerr.Internal, err)
	}
	return struct{}{}, nil
}

// --- State store ----------------------------------------------------------

type storeRequest struct {
	Key    string             `json:"key"`
	Value  json.RawMessage    `json:"value"`
	Scope  statestore.Scope   `json:"scope"`
	TTLSec int                `json:"ttl_sec"`
}

func handleStore(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[storeRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.Key == "" {
		return nil, kernelerr.New(kernelerr.BadRequest, "key is required")
	}
	scope := req.Scope
	if scope == "" {
		scope = statestore.Agent
	}
	d.Store.Store(req.Key, req.Value, scope, agentID, time.Duration(req.TTLSec)*time.Second)
	return struct{}{}, nil
}

type keyRequest struct {
	Key string `json:"key"`
}

func handleFetch(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[keyRequest](payload)
	if err != nil {
		return nil, err
	}
	entry, ok := d.Store.Fetch(agentID, req.Key)
	if !ok {
		return nil, kernelerr.New(kernelerr.StateKeyNotFound, "key %q not found", req.Key)
	}
	return entry, nil
}

type deleteRequest struct {
	Key   string           `json:"key"`
	Scope statestore.Scope `json:"scope"`
}

func handleDelete(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[deleteRequest](payload)
	if err != nil {
		return nil, err
	}
	scope := req.Scope
	if scope == "" {
		scope = statestore.Agent
	}
	existed := d.Store.Delete(req.Key, scope, agentID)
	return struct {
		Existed bool `json:"existed"`
	}{existed}, nil
}

type keysRequest struct {
	Prefix string `json:"prefix"`
}

func handleKeys(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[keysRequest](payload)
	if err != nil {
		return nil, err
	}
	return d.Store.ListKeys(agentID, req.Prefix), nil
}

// --- Permissions ----------------------------------------------------------

func handleGetPerms(_ context.Context, d *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[agentIDRequest](payload)
	if err != nil {
		return nil, err
	}
	return d.Perms.Get(req.AgentID), nil
}

type setPermsRequest struct {
	AgentID     uint32                 `json:"agent_id"`
	Level       permission.Level       `json:"level"`
	Permissions *permission.Permissions `json:"permissions,omitempty"`
}

func handleSetPerms(_ context.Context, d *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[setPermsRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.Permissions != nil {
		d.Perms.Set(req.AgentID, *req.Permissions)
		return struct{}{}, nil
	}
	preset, ok := permission.Presets[req.Level]
	if !ok {
		return nil, kernelerr.New(kernelerr.BadRequest, "unknown permission level %q", req.Level)
	}
	d.Perms.Set(req.AgentID, preset)
	return struct{}{}, nil
}

// --- HTTP -------------------------------------------------------------

func handleHTTP(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[ops.HTTPRequest](payload)
	if err != nil {
		return nil, err
	}
	return d.HTTP.Do(ctx, agentID, req)
}

// --- Events ---------------------------------------------------------------

type subscribeRequest struct {
	Types []eventbus.Type `json:"types"`
}

func handleSubscribe(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[subscribeRequest](payload)
	if err != nil {
		return nil, err
	}
	d.Bus.Subscribe(agentID, req.Types)
	return struct{}{}, nil
}

func handleUnsubscribe(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[subscribeRequest](payload)
	if err != nil {
		return nil, err
	}
	d.Bus.Unsubscribe(agentID, req.Types)
	return struct{}{}, nil
}

type pollEventsRequest struct {
	Max int `json:"max"`
}

func handlePollEvents(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[pollEventsRequest](payload)
	if err != nil {
		return nil, err
	}
	return d.Bus.Poll(agentID, req.Max), nil
}

type emitCustomRequest struct {
	Type eventbus.Type `json:"type,omitempty"`
	Data any           `json:"data"`
}

// handleEmitCustom services an agent-originated EMIT: only Custom events
// may be raised this way — every structural event (AgentSpawned, etc.) is
// emitted exclusively by the subsystem that owns that transition.
func handleEmitCustom(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[emitCustomRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.Type != "" && req.Type != eventbus.Custom {
		return nil, kernelerr.New(kernelerr.BadRequest, "agents may only emit %s events, not %q", eventbus.Custom, req.Type)
	}
	d.Bus.Emit(eventbus.Event{Type: eventbus.Custom, SourceAgent: agentID, Data: req.Data})
	return struct{}{}, nil
}

// --- Recording / audit ------------------------------------------------

type sessionIDRequest struct {
	SessionID string `json:"session_id"`
}

func handleRecordStart(_ context.Context, d *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[sessionIDRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := d.Recorder.Start(req.SessionID); err != nil {
		return nil, kernelerr.New(kernelerr.BadRequest, "%v", err)
	}
	return struct{}{}, nil
}

func handleRecordStop(_ context.Context, d *Dispatcher, _ uint32, _ json.RawMessage) (any, error) {
	d.Recorder.Stop()
	return struct{}{}, nil
}

func handleRecordStatus(_ context.Context, d *Dispatcher, _ uint32, _ json.RawMessage) (any, error) {
	return d.Recorder.Status(), nil
}

func handleRecordExport(_ context.Context, d *Dispatcher, _ uint32, _ json.RawMessage) (any, error) {
	var buf bytes.Buffer
	if err := d.Recorder.Export(&buf); err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, err)
	}
	return struct {
		Entries json.RawMessage `json:"entries"`
	}{json.RawMessage(buf.Bytes())}, nil
}

type auditTailRequest struct {
	Limit int `json:"limit"`
}

func handleAuditTail(_ context.Context, d *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[auditTailRequest](payload)
	if err != nil {
		return nil, err
	}
	return d.Audit.Tail(req.Limit), nil
}

type auditQueryRequest struct {
	Category string  `json:"category"`
	AgentID  *uint32 `json:"agent_id,omitempty"`
	Limit    int     `json:"limit"`
}

func handleAuditQuery(_ context.Context, d *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[auditQueryRequest](payload)
	if err != nil {
		return nil, err
	}
	q := audit.Query{Category: audit.Category(req.Category), AgentID: req.AgentID, Limit: req.Limit}
	entries, err := d.Audit.Query(q)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, err)
	}
	return entries, nil
}

func handleAuditVerify(_ context.Context, d *Dispatcher, _ uint32, _ json.RawMessage) (any, error) {
	ok, brokenAt := d.Audit.VerifyChain()
	return struct {
		Ok       bool `json:"ok"`
		BrokenAt int  `json:"broken_at"`
	}{ok, brokenAt}, nil
}

type replayVerifyRequest struct {
	Entries json.RawMessage `json:"entries"`
	Actual  json.RawMessage `json:"actual"`
	Index   int             `json:"index"`
}

func handleReplayVerify(_ context.Context, _ *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[replayVerifyRequest](payload)
	if err != nil {
		return nil, err
	}
	var entries []recorder.Entry
	if err := json.Unmarshal(req.Entries, &entries); err != nil {
		return nil, kernelerr.New(kernelerr.BadRequest, "malformed entries: %v", err)
	}
	if req.Index < 0 || req.Index >= len(entries) {
		return nil, kernelerr.New(kernelerr.BadRequest, "index %d out of range for %d entries", req.Index, len(entries))
	}
	return struct {
		Ok bool `json:"ok"`
	}{recorder.Verify(entries[req.Index], req.Actual)}, nil
}

// --- Async result queue -------------------------------------------------

type asyncPollRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

func handleAsyncPoll(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[asyncPollRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.RequestID != "" {
		result, ok := d.Async.Poll(agentID, req.RequestID)
		if !ok {
			return nil, kernelerr.New(kernelerr.BadRequest, "no completed result for request %q", req.RequestID)
		}
		return result, nil
	}
	return d.Async.PollAll(agentID), nil
}

// --- Tunnel -------------------------------------------------------------

type tunnelConnectRequest struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

func handleTunnelConnect(ctx context.Context, d *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[tunnelConnectRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := d.Tunnel.Connect(ctx, req.Address, req.Token); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleTunnelDisconnect(ctx context.Context, d *Dispatcher, _ uint32, _ json.RawMessage) (any, error) {
	if err := d.Tunnel.Disconnect(ctx); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleTunnelStatus(_ context.Context, d *Dispatcher, _ uint32, _ json.RawMessage) (any, error) {
	return d.Tunnel.Status(), nil
}

func handleTunnelConfigure(ctx context.Context, d *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[map[string]any](payload)
	if err != nil {
		return nil, err
	}
	if err := d.Tunnel.Configure(ctx, req); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleTunnelListRemotes(_ context.Context, d *Dispatcher, _ uint32, _ json.RawMessage) (any, error) {
	return d.Tunnel.Status().Remotes, nil
}

// --- Metrics ------------------------------------------------------------

func handleMetricsSystem(ctx context.Context, d *Dispatcher, _ uint32, _ json.RawMessage) (any, error) {
	snap, err := d.Metrics.CollectSystem(ctx)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, err)
	}
	return snap, nil
}

func handleMetricsAgent(ctx context.Context, d *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[agentIDRequest](payload)
	if err != nil {
		return nil, err
	}
	agent, err := d.Registry.Get(req.AgentID)
	if err != nil {
		return nil, kernelerr.New(kernelerr.AgentNotFound, "agent %d is not registered", req.AgentID)
	}
	if agent.PID == 0 {
		return nil, kernelerr.New(kernelerr.BadRequest, "agent %d has no backing process", req.AgentID)
	}
	snap, err := d.Metrics.CollectAgent(ctx, req.AgentID, int32(agent.PID))
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, err)
	}
	return snap, nil
}

type metricsCgroupRequest struct {
	Path string `json:"path"`
}

func handleMetricsCgroup(_ context.Context, _ *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	req, err := decode[metricsCgroupRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.Path == "" {
		return nil, kernelerr.New(kernelerr.BadRequest, "path is required")
	}
	snap, err := metrics.CollectCgroup(req.Path)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.IoError, err)
	}
	return snap, nil
}

func handleMetricsSelf(ctx context.Context, d *Dispatcher, _ uint32, _ json.RawMessage) (any, error) {
	snap, err := d.Metrics.CollectAgent(ctx, registry.KernelAgentID, metrics.SelfPID())
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, err)
	}
	return snap, nil
}

// --- LLM report / lifecycle ---------------------------------------------

type llmReportRequest struct {
	Model        string  `json:"model"`
	PromptTokens int     `json:"prompt_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// handleLLMReport accepts an agent's self-reported inference usage. The
// payload is validated and then discarded; the audit entry the dispatch
// pipeline records for the call holds only its success flag.
func handleLLMReport(_ context.Context, _ *Dispatcher, _ uint32, payload json.RawMessage) (any, error) {
	if _, err := decode[llmReportRequest](payload); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type helloRequest struct {
	Name string `json:"name,omitempty"`
}

func handleHello(_ context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, error) {
	req, err := decode[helloRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.Name != "" {
		if err := d.Registry.RegisterName(agentID, req.Name); err != nil {
			if err == registry.ErrNameTaken {
				return nil, kernelerr.New(kernelerr.NameTaken, "name %q is already registered", req.Name)
			}
			return nil, kernelerr.Wrap(kernelerr.Internal, err)
		}
	}
	if !d.Perms.Has(agentID) {
		d.Perms.Set(agentID, permission.Presets[permission.Standard])
	}
	return struct {
		AgentID uint32 `json:"agent_id"`
	}{agentID}, nil
}

// handleExit tears down everything owned by the calling agent. It does not
// close the connection itself — that is internal/transport's job once it
// sees the reply go out.
func handleExit(_ context.Context, d *Dispatcher, agentID uint32, _ json.RawMessage) (any, error) {
	if agent, err := d.Registry.Get(agentID); err == nil && agent.PID != 0 {
		_ = d.Supervisor.Kill(agentID)
	}
	d.Store.RemoveAgentScope(agentID)
	d.Async.RemoveAgent(agentID)
	d.IPC.RemoveAgent(agentID)
	d.Bus.RemoveAgent(agentID)
	d.Perms.Remove(agentID)
	d.Metrics.RemoveAgent(agentID)
	d.Registry.Remove(agentID)
	return struct{}{}, nil
}
