package ops

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentkernel/kernel/internal/asyncresult"
	"github.com/agentkernel/kernel/internal/kernelerr"
	"github.com/agentkernel/kernel/internal/permission"
	"github.com/agentkernel/kernel/internal/supervisor"
)

// ExecResult is the synchronous EXEC reply shape.
type ExecResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Exec handles the EXEC opcode, running short commands synchronously and
// handing longer ones to the async result queue by request id.
type Exec struct {
	perms  *permission.Engine
	async  *asyncresult.Store
}

func NewExec(perms *permission.Engine, async *asyncresult.Store) *Exec {
	return &Exec{perms: perms, async: async}
}

// syncThreshold is the longest exec timeout that still runs synchronously:
// a longer one goes to the async queue even without a caller-supplied
// asyncRequestID, so it does not hold a dispatch worker and the
// one-reply-per-request frame open. It is also the timeout used when the
// agent's MaxExecTimeMs is unset.
const syncThreshold = 5 * time.Second

// Run executes program with args on behalf of agentID. If asyncRequestID
// is non-empty, or the agent's MaxExecTimeMs exceeds syncThreshold (a
// request id is then generated), the call returns immediately with
// {request_id} and the result is later retrieved via ASYNC_POLL; otherwise
// it blocks (bounded by the agent's MaxExecTimeMs) and returns the result
// directly.
func (e *Exec) Run(ctx context.Context, agentID uint32, program string, args []string, env map[string]string, asyncRequestID string) (*ExecResult, string, error) {
	perm := e.perms.Get(agentID)
	if !perm.ExecEnabled {
		return nil, "", kernelerr.New(kernelerr.PermissionDenied, "agent %d has exec disabled", agentID)
	}
	if !e.perms.CheckCommand(agentID, program) {
		return nil, "", kernelerr.New(kernelerr.PermissionDenied, "agent %d may not run %q", agentID, program)
	}

	timeout := time.Duration(perm.MaxExecTimeMs) * time.Millisecond
	if timeout <= 0 {
		timeout = syncThreshold
	}
	filteredEnv := filterEnv(env)

	if asyncRequestID == "" && timeout > syncThreshold {
		asyncRequestID = uuid.NewString()
	}

	if asyncRequestID != "" {
		go e.runAsync(agentID, asyncRequestID, program, args, filteredEnv, timeout)
		return nil, asyncRequestID, nil
	}

	output, exitCode, err := supervisor.RunOneShot(ctx, timeout, program, args, filteredEnv)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", kernelerr.New(kernelerr.Timeout, "exec of %q exceeded %s", program, timeout)
		}
	}
	return &ExecResult{Output: output, ExitCode: exitCode}, "", nil
}

func (e *Exec) runAsync(agentID uint32, requestID, program string, args, env []string, timeout time.Duration) {
	output, exitCode, err := supervisor.RunOneShot(context.Background(), timeout, program, args, env)
	result := asyncresult.Result{
		RequestID: requestID,
		AgentID:   agentID,
		Opcode:    0x02, // EXEC
		Success:   err == nil,
		Value:     ExecResult{Output: output, ExitCode: exitCode},
	}
	if err != nil {
		result.Error = err.Error()
	}
	e.async.Put(agentID, result)
}

// filterEnv converts the caller-supplied environment map to the
// "KEY=VALUE" slice os/exec expects, dropping entries whose key is empty
// or contains '=' or NUL, so a crafted key cannot inject a second entry.
func filterEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}
