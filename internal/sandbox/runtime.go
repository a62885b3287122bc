package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/conductor-sh/conductor/internal/model"
)

// ProcessRuntime runs the agent as a local subprocess inside the sandbox
// workspace. It backs the "local" sandbox type.
type ProcessRuntime struct {
	command string
	args    []string
	logger  *slog.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewProcessRuntime creates a runtime that launches command with args for
// every sandbox.
func NewProcessRuntime(command string, args []string, logger *slog.Logger) *ProcessRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRuntime{
		command: command,
		args:    args,
		logger:  logger,
		procs:   make(map[string]*exec.Cmd),
	}
}

// Start launches the agent process detached from ctx cancellation: the
// orchestrator controls its lifetime through Stop, not context teardown.
func (r *ProcessRuntime) Start(_ context.Context, sb *model.Sandbox, env map[string]string) error {
	cmd := exec.Command(r.command, r.args...)
	cmd.Dir = sb.WorkspacePath
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}

	r.mu.Lock()
	r.procs[sb.ID] = cmd
	r.mu.Unlock()

	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		delete(r.procs, sb.ID)
		r.mu.Unlock()
		if err != nil {
			r.logger.Warn("agent process exited", "sandbox_id", sb.ID, "error", err)
		}
	}()

	r.logger.Info("agent process started", "sandbox_id", sb.ID, "pid", cmd.Process.Pid)
	return nil
}

// Stop kills the sandbox's process if it is still running.
func (r *ProcessRuntime) Stop(_ context.Context, sandboxID string) error {
	r.mu.Lock()
	cmd := r.procs[sandboxID]
	delete(r.procs, sandboxID)
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
