// Package domain contains core entities and interfaces.
// This is the innermost layer - no external dependencies.
package domain

import "time"

// CommitID is an opaque identifier for a commit (a hash string).
// It is only ever compared for equality, never parsed.
type CommitID string

// CommandSpec is the immutable description of the user command to run.
// It is supplied once at startup and read-only thereafter.
type CommandSpec struct {
	Program string
	Args    []string
	Dir     string // working directory, the checkout root
}

// String renders the spec the way the user typed it.
func (s CommandSpec) String() string {
	out := s.Program
	for _, a := range s.Args {
		out += " " + a
	}
	return out
}

// SyncResult reports the outcome of a successful working tree sync.
type SyncResult struct {
	// ChangedFiles is false when the target tip was already applied by a
	// prior cycle, so the sync was a no-op.
	ChangedFiles bool
}

// ExitStatus captures how a child process ended.
type ExitStatus struct {
	Code     int
	Signaled bool // ended by an uncaught signal rather than exit()
}

// Success reports whether the child exited cleanly with code zero.
func (e ExitStatus) Success() bool {
	return !e.Signaled && e.Code == 0
}

// TerminationOutcome describes how a Terminate call concluded.
type TerminationOutcome int

const (
	// TerminatedGracefully means the child exited within the grace period.
	TerminatedGracefully TerminationOutcome = iota
	// TerminatedKilled means the child ignored the shutdown request and
	// was force-killed.
	TerminatedKilled
	// TerminatedAlreadyExited means the child had already exited on its
	// own before termination was requested.
	TerminatedAlreadyExited
)

func (o TerminationOutcome) String() string {
	switch o {
	case TerminatedGracefully:
		return "graceful"
	case TerminatedKilled:
		return "killed"
	case TerminatedAlreadyExited:
		return "already-exited"
	default:
		return "unknown"
	}
}

// ProcessHandle represents a running child process. Handles are created by
// the supervisor on each start and are never reused; callers hold them only
// for lifecycle decisions and never inspect process internals.
type ProcessHandle interface {
	PID() int
	StartedAt() time.Time
	Spec() CommandSpec
}
