//go:build windows

package supervisor

import "syscall"

// Windows has no process-group signaling equivalent to SIGKILL/SIGSTOP;
// Kill falls back to terminating the immediate process only.
var syscallSetpgid = syscall.SysProcAttr{}
