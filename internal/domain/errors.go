package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for the watch loop. Transient errors are retried with
// backoff; fatal errors halt the loop and require operator intervention.
var (
	// ErrRemoteUnreachable is transient: the network or remote could not
	// be contacted. Retried indefinitely with capped backoff.
	ErrRemoteUnreachable = errors.New("remote unreachable")

	// ErrRefNotFound is fatal: the tracked branch does not exist on the
	// remote (misconfiguration).
	ErrRefNotFound = errors.New("branch not found on remote")

	// ErrNonFastForward is fatal: local history has diverged and cannot
	// be advanced without rewriting. Never auto-resolved.
	ErrNonFastForward = errors.New("local history has diverged from remote (non-fast-forward)")

	// ErrDirtyWorkingTree is fatal: uncommitted local modifications would
	// be overwritten by a sync.
	ErrDirtyWorkingTree = errors.New("working tree has uncommitted changes")

	// ErrSpawnFailed is fatal: the configured command could not be
	// started (binary missing, permission denied).
	ErrSpawnFailed = errors.New("failed to spawn command")
)

// IsTransient reports whether err should be swallowed into backoff rather
// than halting the loop.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRemoteUnreachable)
}

// CommandFailedError reports a child that exited non-zero while
// stop-on-failure is enabled. It carries the child's exit code so the CLI
// can propagate it.
type CommandFailedError struct {
	Spec   CommandSpec
	Status ExitStatus
}

func (e *CommandFailedError) Error() string {
	if e.Status.Signaled {
		return fmt.Sprintf("command %q terminated by signal %d", e.Spec.String(), e.Status.Code)
	}
	return fmt.Sprintf("command %q exited with code %d", e.Spec.String(), e.Status.Code)
}
