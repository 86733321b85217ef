package queue

import (
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/teranos/chainpulse/errors"
)

// Environment variables that make up the worker process contract
const (
	EnvWorkflowID  = "WORKFLOW_ID"
	EnvExecutionID = "EXECUTION_ID"
	EnvDatabaseURL = "DATABASE_URL"
)

// WorkerEnv identifies the execution a worker process runs
type WorkerEnv struct {
	WorkflowID  string
	ExecutionID string
	DatabaseURL string
}

// Environ renders env as KEY=value pairs
func (e WorkerEnv) Environ() []string {
	return []string{
		EnvWorkflowID + "=" + e.WorkflowID,
		EnvExecutionID + "=" + e.ExecutionID,
		EnvDatabaseURL + "=" + e.DatabaseURL,
	}
}

// Launcher runs one worker to completion and reports its exit code.
// A non-nil error means the worker could not be started or waited on.
type Launcher interface {
	Launch(ctx context.Context, env WorkerEnv) (int, error)
}

// ProcessLauncher starts workers as child processes
type ProcessLauncher struct {
	Path string   // executable
	Args []string // arguments after the executable, e.g. ["worker"]

	// StopGrace is how long a cancelled worker gets between SIGTERM and SIGKILL
	StopGrace time.Duration

	Stdout io.Writer
	Stderr io.Writer
}

// NewProcessLauncher returns a launcher running "<path> worker". An empty
// path selects the current executable.
func NewProcessLauncher(path string) (*ProcessLauncher, error) {
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve worker executable")
		}
		path = self
	}
	return &ProcessLauncher{
		Path:      path,
		Args:      []string{"worker"},
		StopGrace: 30 * time.Second,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}, nil
}

// Launch runs the worker and waits for it to exit
func (l *ProcessLauncher) Launch(ctx context.Context, env WorkerEnv) (int, error) {
	cmd := exec.CommandContext(ctx, l.Path, l.Args...)
	cmd.Env = append(os.Environ(), env.Environ()...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	// Workers shut down gracefully on SIGTERM
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = l.StopGrace

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		// killed by a signal
		return 1, nil
	}
	return -1, errors.Wrapf(err, "failed to run worker %s", l.Path)
}
