package infra

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calvera-dev/pullrun/internal/domain"
)

func shSpec(dir, script string) domain.CommandSpec {
	return domain.CommandSpec{Program: "/bin/sh", Args: []string{"-c", script}, Dir: dir}
}

// waitExited polls the handle until the child reports an exit status.
func waitExited(t *testing.T, s *ExecSupervisor, h domain.ProcessHandle) domain.ExitStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if status, exited := s.Poll(h); exited {
			return *status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("child did not exit in time")
	return domain.ExitStatus{}
}

// waitFile blocks until the child signals readiness by creating a file.
func waitFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("child never created %s", path)
}

func TestStartRunsInSpecDir(t *testing.T) {
	s := NewExecSupervisor(zap.NewNop())
	dir := t.TempDir()

	h, err := s.Start(shSpec(dir, "pwd > cwd.txt"))
	require.NoError(t, err)

	status := waitExited(t, s, h)
	assert.True(t, status.Success())

	data, err := os.ReadFile(filepath.Join(dir, "cwd.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), filepath.Base(dir))
}

func TestStartSpawnFailed(t *testing.T) {
	s := NewExecSupervisor(zap.NewNop())

	_, err := s.Start(domain.CommandSpec{Program: "/no/such/binary", Dir: t.TempDir()})

	assert.ErrorIs(t, err, domain.ErrSpawnFailed)
}

func TestPollReportsSpontaneousExit(t *testing.T) {
	s := NewExecSupervisor(zap.NewNop())

	h, err := s.Start(shSpec(t.TempDir(), "exit 3"))
	require.NoError(t, err)

	status := waitExited(t, s, h)
	assert.Equal(t, 3, status.Code)
	assert.False(t, status.Signaled)
	assert.False(t, status.Success())
}

func TestPollWhileRunning(t *testing.T) {
	s := NewExecSupervisor(zap.NewNop())

	h, err := s.Start(shSpec(t.TempDir(), "sleep 30"))
	require.NoError(t, err)
	defer func() { _, _ = s.Terminate(context.Background(), h, time.Second) }()

	status, exited := s.Poll(h)
	assert.False(t, exited)
	assert.Nil(t, status)
}

func TestTerminateGraceful(t *testing.T) {
	s := NewExecSupervisor(zap.NewNop())

	h, err := s.Start(shSpec(t.TempDir(), "sleep 30"))
	require.NoError(t, err)

	outcome, err := s.Terminate(context.Background(), h, 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, domain.TerminatedGracefully, outcome)
}

func TestTerminateForceKillsWithinGraceBound(t *testing.T) {
	s := NewExecSupervisor(zap.NewNop())
	dir := t.TempDir()
	ready := filepath.Join(dir, "ready")

	// The child ignores SIGTERM, so only the SIGKILL fallback can end it.
	h, err := s.Start(shSpec(dir, `trap "" TERM; : > ready; sleep 30`))
	require.NoError(t, err)
	waitFile(t, ready)

	grace := 200 * time.Millisecond
	start := time.Now()
	outcome, err := s.Terminate(context.Background(), h, grace)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, domain.TerminatedKilled, outcome)
	assert.GreaterOrEqual(t, elapsed, grace)
	assert.Less(t, elapsed, 5*time.Second, "termination must be bounded by grace plus epsilon")
}

func TestTerminateAlreadyExited(t *testing.T) {
	s := NewExecSupervisor(zap.NewNop())

	h, err := s.Start(shSpec(t.TempDir(), "true"))
	require.NoError(t, err)
	waitExited(t, s, h)

	outcome, err := s.Terminate(context.Background(), h, time.Second)

	require.NoError(t, err)
	assert.Equal(t, domain.TerminatedAlreadyExited, outcome)
}

func TestTerminateReachesProcessGroup(t *testing.T) {
	s := NewExecSupervisor(zap.NewNop())
	dir := t.TempDir()
	ready := filepath.Join(dir, "ready")
	marker := filepath.Join(dir, "grandchild-survived")

	// The shell spawns a background grandchild; killing the group must
	// take both down before the grandchild writes its marker.
	h, err := s.Start(shSpec(dir, `(sleep 2 && : > grandchild-survived) & : > ready; sleep 30`))
	require.NoError(t, err)
	waitFile(t, ready)

	outcome, err := s.Terminate(context.Background(), h, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.TerminatedGracefully, outcome)

	time.Sleep(2500 * time.Millisecond)
	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "grandchild outlived termination")
}

func TestHandleAccessors(t *testing.T) {
	s := NewExecSupervisor(zap.NewNop())
	spec := shSpec(t.TempDir(), "sleep 30")

	h, err := s.Start(spec)
	require.NoError(t, err)
	defer func() { _, _ = s.Terminate(context.Background(), h, time.Second) }()

	assert.Positive(t, h.PID())
	assert.WithinDuration(t, time.Now(), h.StartedAt(), 5*time.Second)
	assert.Equal(t, spec, h.Spec())
}

func TestTerminateForeignHandle(t *testing.T) {
	s := NewExecSupervisor(zap.NewNop())

	_, err := s.Terminate(context.Background(), foreignHandle{}, time.Second)

	assert.Error(t, err)
}

type foreignHandle struct{}

func (foreignHandle) PID() int                 { return -1 }
func (foreignHandle) StartedAt() time.Time     { return time.Time{} }
func (foreignHandle) Spec() domain.CommandSpec { return domain.CommandSpec{} }
