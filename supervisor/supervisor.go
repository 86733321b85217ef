package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/logger"
)

// State is a supervisor lifecycle state
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateShuttingDown
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateExited:
		return "exited"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Exit codes
const (
	ExitOK     = 0
	ExitSystem = 1
)

// Job is the unit of work a supervisor hosts. A nil return or a business
// failure already recorded in the ledger exits 0; anything else exits 1.
type Job func(ctx context.Context) error

// Options configure a Supervisor
type Options struct {
	// Signals replaces SIGTERM/SIGINT delivery; tests inject their own
	Signals <-chan os.Signal
	// ShutdownTimeout bounds cleanup after the first signal
	ShutdownTimeout time.Duration
	Logger          *zap.SugaredLogger
}

// Supervisor runs one job and turns its outcome into an exit code
type Supervisor struct {
	signals  <-chan os.Signal
	timeout  time.Duration
	log      *zap.SugaredLogger
	closeLog *zap.SugaredLogger

	state        atomic.Int32
	shuttingDown atomic.Bool
	started      time.Time
}

// New creates a supervisor
func New(opts Options) *Supervisor {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 25 * time.Second
	}
	s := &Supervisor{
		signals:  opts.Signals,
		timeout:  opts.ShutdownTimeout,
		log:      logger.AddPulseOpenSymbol(opts.Logger),
		closeLog: logger.AddPulseCloseSymbol(opts.Logger),
	}
	s.state.Store(int32(StateStarting))
	return s
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Run hosts job until it returns, a signal arrives or ctx ends, and returns
// the process exit code.
func (s *Supervisor) Run(ctx context.Context, job Job) int {
	s.started = time.Now()
	signals := s.signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(ch)
		signals = ch
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("worker panic: %v\n%s", r, debug.Stack())
			}
		}()
		done <- job(jobCtx)
	}()
	s.state.Store(int32(StateRunning))

	var deadline <-chan time.Time
	parentDone := ctx.Done()
	for {
		select {
		case err := <-done:
			if s.shuttingDown.Load() {
				return s.exit(ExitSystem, err)
			}
			return s.exit(ExitCode(err), err)

		case sig := <-signals:
			if s.beginShutdown(fmt.Sprint(sig)) {
				cancel()
				deadline = time.After(s.timeout)
			}

		case <-parentDone:
			parentDone = nil
			if s.beginShutdown("context cancelled") {
				cancel()
				deadline = time.After(s.timeout)
			}

		case <-deadline:
			s.closeLog.Errorw("Shutdown timed out, forcing exit", "timeout", s.timeout)
			return s.exit(ExitSystem, nil)
		}
	}
}

// beginShutdown moves to shutting-down once; later calls are ignored.
func (s *Supervisor) beginShutdown(reason string) bool {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return false
	}
	s.state.Store(int32(StateShuttingDown))
	s.closeLog.Warnw("Shutting down worker", logger.FieldSignal, reason, "timeout", s.timeout)
	return true
}

func (s *Supervisor) exit(code int, err error) int {
	s.state.Store(int32(StateExited))

	fields := []interface{}{
		logger.FieldExitCode, code,
		logger.FieldDurationMS, time.Since(s.started).Milliseconds(),
	}
	if p, perr := process.NewProcess(int32(os.Getpid())); perr == nil {
		if mi, merr := p.MemoryInfo(); merr == nil {
			fields = append(fields, "rss_mb", mi.RSS/1024/1024)
		}
		if times, terr := p.Times(); terr == nil {
			fields = append(fields, "cpu_seconds", times.User+times.System)
		}
	}

	switch {
	case err == nil:
		s.closeLog.Infow("Worker exited", fields...)
	case code == ExitOK:
		s.closeLog.Infow("Worker exited after recording failure", append(fields, logger.FieldError, err)...)
	default:
		s.closeLog.Errorw("Worker exited with error", append(fields, logger.FieldError, err)...)
	}
	return code
}

// ExitCode maps a job outcome to a process exit code
func ExitCode(err error) int {
	if err == nil || errors.IsBusinessFailure(err) {
		return ExitOK
	}
	return ExitSystem
}
