// Package git wraps the git CLI for the conductor branch model: ticket
// branches cut from the project base, one task branch per task, and
// isolated worktrees for sandbox execution.
package git

import (
	"bytes"
	"os/exec"
	"strings"
)

// CommandRunner executes shell commands. Tests inject a fake to avoid
// touching a real repository.
type CommandRunner interface {
	// Run executes a command in workDir and returns the trimmed stdout.
	Run(workDir string, name string, args ...string) (string, error)
}

// ExecRunner is the default CommandRunner backed by exec.Command.
type ExecRunner struct{}

func (ExecRunner) Run(workDir, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		return msg, &CommandError{
			Command: name,
			Args:    args,
			WorkDir: workDir,
			Output:  msg,
			Err:     err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CommandError carries the output of a failed command.
type CommandError struct {
	Command string
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
