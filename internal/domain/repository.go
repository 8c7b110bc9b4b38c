package domain

import (
	"context"
	"time"
)

// RefResolver queries the remote for the current tip of a branch.
// Implementations: git transport ref listing, GitHub commits API.
type RefResolver interface {
	// Resolve returns the commit the branch currently points to on the
	// remote. It is a pure query: no local state is mutated, and calling
	// it twice without remote changes returns the same CommitID.
	Resolve(ctx context.Context, branch string) (CommitID, error)
}

// TreeSyncer brings the local checkout up to a target commit.
type TreeSyncer interface {
	// SyncTo fast-forwards the working tree to target. It is idempotent:
	// calling it redundantly succeeds with ChangedFiles=false.
	SyncTo(ctx context.Context, target CommitID) (SyncResult, error)
}

// Supervisor starts, monitors and terminates the user command.
type Supervisor interface {
	// Start spawns the command. Spawn either succeeds or fails
	// synchronously; there is no intermediate starting state visible to
	// the caller.
	Start(spec CommandSpec) (ProcessHandle, error)

	// Terminate requests graceful shutdown, waits up to grace, then
	// force-kills if the child is still alive. It always returns with the
	// child dead (or already exited).
	Terminate(ctx context.Context, h ProcessHandle, grace time.Duration) (TerminationOutcome, error)

	// Poll is a non-blocking check for spontaneous exit. The second
	// return is false while the child is still running.
	Poll(h ProcessHandle) (*ExitStatus, bool)
}
