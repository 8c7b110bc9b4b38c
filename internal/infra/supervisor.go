package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/calvera-dev/pullrun/internal/domain"
)

// ExecSupervisor implements domain.Supervisor on top of os/exec. Children
// inherit the parent's standard streams so their output is seen live, and
// run in their own process group so termination reaches grandchildren
// spawned by shell wrappers.
type ExecSupervisor struct {
	logger *zap.Logger
}

// NewExecSupervisor creates a new supervisor.
func NewExecSupervisor(logger *zap.Logger) *ExecSupervisor {
	return &ExecSupervisor{logger: logger}
}

type execHandle struct {
	cmd     *exec.Cmd
	spec    domain.CommandSpec
	started time.Time
	done    chan struct{}

	mu   sync.Mutex
	exit *domain.ExitStatus
}

func (h *execHandle) PID() int                 { return h.cmd.Process.Pid }
func (h *execHandle) StartedAt() time.Time     { return h.started }
func (h *execHandle) Spec() domain.CommandSpec { return h.spec }

func (h *execHandle) exitStatus() *domain.ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exit == nil {
		return nil
	}
	st := *h.exit
	return &st
}

// Start implements domain.Supervisor.
func (s *ExecSupervisor) Start(spec domain.CommandSpec) (domain.ProcessHandle, error) {
	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", domain.ErrSpawnFailed, spec.String(), err)
	}

	h := &execHandle{
		cmd:     cmd,
		spec:    spec,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	s.logger.Info("command started",
		zap.Int("pid", h.PID()),
		zap.String("command", spec.String()))

	go func() {
		err := cmd.Wait()

		h.mu.Lock()
		h.exit = waitStatus(err)
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// waitStatus converts the result of cmd.Wait into an exit status.
func waitStatus(err error) *domain.ExitStatus {
	if err == nil {
		return &domain.ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return &domain.ExitStatus{Code: int(ws.Signal()), Signaled: true}
		}
		return &domain.ExitStatus{Code: exitErr.ExitCode()}
	}
	// Wait itself failed; report a generic failure code.
	return &domain.ExitStatus{Code: -1}
}

// Poll implements domain.Supervisor.
func (s *ExecSupervisor) Poll(h domain.ProcessHandle) (*domain.ExitStatus, bool) {
	eh, ok := h.(*execHandle)
	if !ok {
		return nil, false
	}
	select {
	case <-eh.done:
		return eh.exitStatus(), true
	default:
		return nil, false
	}
}

// Terminate implements domain.Supervisor. It signals the child's process
// group with SIGTERM, waits up to grace, then SIGKILLs the group. It always
// returns with the child dead. Context cancellation skips straight to the
// kill.
func (s *ExecSupervisor) Terminate(ctx context.Context, h domain.ProcessHandle, grace time.Duration) (domain.TerminationOutcome, error) {
	eh, ok := h.(*execHandle)
	if !ok {
		return 0, fmt.Errorf("foreign process handle %T", h)
	}

	select {
	case <-eh.done:
		return domain.TerminatedAlreadyExited, nil
	default:
	}

	pid := eh.PID()

	// Guard against signaling a recycled PID: if the OS no longer knows
	// the process, just wait for the reaper goroutine to finish.
	if alive, err := process.PidExists(int32(pid)); err == nil && !alive {
		<-eh.done
		return domain.TerminatedAlreadyExited, nil
	}

	s.logger.Debug("terminating command", zap.Int("pid", pid), zap.Duration("grace", grace))

	// Negative PID targets the whole process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return 0, fmt.Errorf("signaling pid %d: %w", pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-eh.done:
		s.logger.Info("command exited gracefully", zap.Int("pid", pid))
		return domain.TerminatedGracefully, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return 0, fmt.Errorf("killing pid %d: %w", pid, err)
	}
	<-eh.done

	s.logger.Warn("command ignored shutdown request, killed", zap.Int("pid", pid))
	return domain.TerminatedKilled, nil
}

var _ domain.Supervisor = (*ExecSupervisor)(nil)
