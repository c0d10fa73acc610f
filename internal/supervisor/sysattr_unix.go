//go:build !windows

package supervisor

import "syscall"

// syscallSetpgid puts a spawned agent in its own process group so Kill,
// Pause, and Resume can signal the whole group (the agent plus any
// children it forks) rather than just its immediate PID.
var syscallSetpgid = syscall.SysProcAttr{Setpgid: true}
