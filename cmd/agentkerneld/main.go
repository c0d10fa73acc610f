// Command agentkerneld is the agent microkernel daemon: it loads its
// configuration, wires every subsystem via internal/kernel, and blocks
// serving the local stream socket until signaled to stop. Flags and
// bootstrap order follow arkeep's cmd/server/main.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentkernel/kernel/internal/config"
	"github.com/agentkernel/kernel/internal/kernel"
	"github.com/agentkernel/kernel/internal/logging"
)

// Exit codes per the kernel's CLI contract: 0 clean exit, 1 fatal
// configuration error, 2 socket bind failure, 3 unreachable supervisor
// dependencies (e.g. the configured container runtime socket).
const (
	exitOK = iota
	exitConfigError
	exitBindFailure
	exitSupervisorUnavailable
)

var (
	version = "dev"
	commit  = "none"
)

type flags struct {
	configPath  string
	socketPath  string
	socketMode  uint32
	auditMax    int
	tunnelHelper string
	logLevel    string
	logDev      bool
}

func main() {
	os.Exit(run())
}

func run() int {
	f := &flags{}
	root := newRootCmd(f)
	root.AddCommand(newVersionCmd())
	root.AddCommand(newConfigInitCmd(f))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	return exitOK
}

func newRootCmd(f *flags) *cobra.Command {
	root := &cobra.Command{
		Use:   "agentkerneld",
		Short: "agentkerneld — local agent microkernel",
		Long: `agentkerneld multiplexes sandboxed agent processes over a single
local stream socket: filesystem, exec, HTTP, IPC, and state-store syscalls
all pass through one permission-checked, audited dispatch core.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), f)
		},
	}

	root.PersistentFlags().StringVar(&f.configPath, "config", envOrDefault("AGENTKERNEL_CONFIG", "/etc/agentkernel/config.yaml"), "path to config.yaml")
	root.PersistentFlags().StringVar(&f.socketPath, "socket", "", "override the configured socket path")
	root.PersistentFlags().Uint32Var(&f.socketMode, "socket-mode", 0, "override the configured socket file mode (octal, e.g. 0660)")
	root.PersistentFlags().IntVar(&f.auditMax, "audit-max-entries", 0, "override the configured audit ring capacity")
	root.PersistentFlags().StringVar(&f.tunnelHelper, "tunnel-helper", "", "override the configured tunnel bridge helper path")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", envOrDefault("AGENTKERNEL_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&f.logDev, "log-dev", false, "use zap's development (console) encoder")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentkerneld %s (commit: %s)\n", version, commit)
		},
	}
}

func newConfigInitCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "config-init",
		Short: "Write a default config.yaml to --config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(f.configPath); err != nil {
				return fmt.Errorf("writing default config: %w", err)
			}
			fmt.Printf("wrote default config to %s\n", f.configPath)
			return nil
		},
	}
}

// exitErr carries the specific exit code a configuration or bootstrap
// failure should produce, distinguishing them from a generic run error.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var ee *exitErr
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitConfigError
}

func runDaemon(ctx context.Context, f *flags) error {
	logger, err := logging.Build(f.logLevel, f.logDev)
	if err != nil {
		return &exitErr{exitConfigError, fmt.Errorf("building logger: %w", err)}
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return &exitErr{exitConfigError, fmt.Errorf("loading config: %w", err)}
	}
	applyOverrides(cfg, f)

	if cfg.Supervisor.UseContainerRuntime {
		if _, statErr := os.Stat(cfg.Supervisor.DockerSocket); statErr != nil {
			return &exitErr{exitSupervisorUnavailable, fmt.Errorf("container runtime socket %q unreachable: %w", cfg.Supervisor.DockerSocket, statErr)}
		}
	}

	logger.Info("starting agentkerneld",
		zap.String("version", version),
		zap.String("socket", cfg.Socket.Path),
		zap.String("log_level", f.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	k, err := kernel.New(cfg, logger, nil, prometheus.DefaultRegisterer)
	if err != nil {
		return &exitErr{exitConfigError, fmt.Errorf("wiring kernel: %w", err)}
	}

	go func() {
		if watchErr := config.Watch(ctx, f.configPath, logger, func(reloaded *config.Config) {
			logger.Info("config reload observed (not applied; restart required for changes to take effect)",
				zap.String("path", f.configPath))
		}); watchErr != nil && ctx.Err() == nil {
			logger.Warn("config watcher stopped", zap.Error(watchErr))
		}
	}()

	if err := k.Run(ctx); err != nil {
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			return &exitErr{exitBindFailure, err}
		}
		return &exitErr{exitConfigError, err}
	}
	return nil
}

func applyOverrides(cfg *config.Config, f *flags) {
	if f.socketPath != "" {
		cfg.Socket.Path = f.socketPath
	}
	if f.socketMode != 0 {
		cfg.Socket.Mode = f.socketMode
	}
	if f.auditMax != 0 {
		cfg.Audit.MaxEntries = f.auditMax
	}
	if f.tunnelHelper != "" {
		cfg.Tunnel.HelperPath = f.tunnelHelper
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
