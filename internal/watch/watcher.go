// Package watch implements the watch-pull-restart loop.
package watch

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/calvera-dev/pullrun/internal/domain"
)

// Config holds watch loop configuration.
type Config struct {
	PollInterval   time.Duration // how often to poll the remote tip
	GraceTimeout   time.Duration // how long a child may take to exit before SIGKILL
	InitialBackoff time.Duration // first delay after a transient failure
	MaxBackoff     time.Duration // backoff cap
	StopOnFailure  bool          // stop the loop when the child exits non-zero
	RestartOnExit  bool          // restart a child that exited without a new commit
}

// DefaultConfig returns default loop configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		GraceTimeout:   10 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     2 * time.Minute,
	}
}

// state is the loop's current phase. The loop owns all mutable state and
// executes one transition at a time; polling, syncing and restarting never
// overlap.
type state int

const (
	stateInitializing state = iota
	statePolling
	stateSyncing
	stateRestarting
)

func (s state) String() string {
	switch s {
	case stateInitializing:
		return "initializing"
	case statePolling:
		return "polling"
	case stateSyncing:
		return "syncing"
	case stateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// Loop polls the remote tip, syncs the working tree on change and restarts
// the user command. It is the single owner of the child process slot: there
// is never more than one live child at a time.
type Loop struct {
	config     Config
	spec       domain.CommandSpec
	branch     string
	resolver   domain.RefResolver
	syncer     domain.TreeSyncer
	supervisor domain.Supervisor
	logger     *zap.Logger

	state    state
	lastSeen domain.CommitID
	target   domain.CommitID
	child    domain.ProcessHandle
	errCount int
	retry    *backoff.ExponentialBackOff
}

// New creates a watch loop for the given command and branch.
func New(
	config Config,
	spec domain.CommandSpec,
	branch string,
	resolver domain.RefResolver,
	syncer domain.TreeSyncer,
	supervisor domain.Supervisor,
	logger *zap.Logger,
) *Loop {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = config.InitialBackoff
	retry.MaxInterval = config.MaxBackoff
	retry.Multiplier = 2
	retry.RandomizationFactor = 0
	retry.MaxElapsedTime = 0 // transient failures retry indefinitely
	retry.Reset()

	return &Loop{
		config:     config,
		spec:       spec,
		branch:     branch,
		resolver:   resolver,
		syncer:     syncer,
		supervisor: supervisor,
		logger:     logger,
		state:      stateInitializing,
		retry:      retry,
	}
}

// Run drives the loop until a fatal error or context cancellation. On
// return the child process has been terminated; no child outlives the loop.
func (l *Loop) Run(ctx context.Context) error {
	defer l.shutdownChild()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		phase := l.state
		var err error
		switch phase {
		case stateInitializing:
			err = l.initialize(ctx)
		case statePolling:
			err = l.poll(ctx)
		case stateSyncing:
			err = l.sync(ctx)
		case stateRestarting:
			err = l.restart(ctx)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if domain.IsTransient(err) {
			l.errCount++
			delay := l.retry.NextBackOff()
			if delay == backoff.Stop {
				delay = l.config.MaxBackoff
			}
			l.logger.Warn("transient failure, backing off",
				zap.String("phase", phase.String()),
				zap.Int("consecutive_errors", l.errCount),
				zap.Duration("delay", delay),
				zap.Error(err))
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			l.state = statePolling
			continue
		}

		l.logger.Error("fatal error, stopping watch loop",
			zap.String("phase", phase.String()),
			zap.Error(err))
		return err
	}
}

// initialize resolves the current remote tip and treats it as changed, so
// the command runs at least once on startup even with no new commits.
func (l *Loop) initialize(ctx context.Context) error {
	tip, err := l.resolver.Resolve(ctx, l.branch)
	if err != nil {
		return err
	}
	l.resetErrors()

	l.logger.Info("listening for changes",
		zap.String("branch", l.branch),
		zap.String("tip", string(tip)))

	l.target = tip
	l.state = stateSyncing
	return nil
}

// poll waits one interval, observes the child, and resolves the remote tip.
func (l *Loop) poll(ctx context.Context) error {
	if err := sleepCtx(ctx, l.config.PollInterval); err != nil {
		return err
	}

	if err := l.observeChild(); err != nil {
		return err
	}
	if l.state != statePolling {
		return nil
	}

	tip, err := l.resolver.Resolve(ctx, l.branch)
	if err != nil {
		return err
	}
	l.resetErrors()

	if tip == l.lastSeen {
		l.logger.Debug("remote tip unchanged", zap.String("tip", string(tip)))
		return nil
	}

	l.logger.Info("remote branch changed",
		zap.String("branch", l.branch),
		zap.String("from", string(l.lastSeen)),
		zap.String("to", string(tip)))

	l.target = tip
	l.state = stateSyncing
	return nil
}

// observeChild checks for a spontaneous exit. A child finishing on its own
// is an observation, not an error; policy flags decide what happens next.
func (l *Loop) observeChild() error {
	if l.child == nil {
		return nil
	}
	status, exited := l.supervisor.Poll(l.child)
	if !exited {
		return nil
	}

	l.logger.Info("command exited",
		zap.Int("pid", l.child.PID()),
		zap.Int("code", status.Code),
		zap.Bool("signaled", status.Signaled))
	l.child = nil

	if !status.Success() && l.config.StopOnFailure {
		return &domain.CommandFailedError{Spec: l.spec, Status: *status}
	}
	if l.config.RestartOnExit {
		l.state = stateRestarting
	}
	return nil
}

// sync fast-forwards the working tree to the pending target tip.
func (l *Loop) sync(ctx context.Context) error {
	result, err := l.syncer.SyncTo(ctx, l.target)
	if err != nil {
		return err
	}

	l.lastSeen = l.target
	l.logger.Info("working tree synced",
		zap.String("tip", string(l.target)),
		zap.Bool("changed_files", result.ChangedFiles))

	l.state = stateRestarting
	return nil
}

// restart terminates the previous child, if any, and starts a fresh one. A
// new start is always preceded by termination of the prior handle.
func (l *Loop) restart(ctx context.Context) error {
	if l.child != nil {
		if _, exited := l.supervisor.Poll(l.child); exited {
			l.child = nil
		} else {
			outcome, err := l.supervisor.Terminate(ctx, l.child, l.config.GraceTimeout)
			if err != nil {
				return err
			}
			l.logger.Info("previous command terminated",
				zap.Int("pid", l.child.PID()),
				zap.Stringer("outcome", outcome))
			l.child = nil
		}
	}

	h, err := l.supervisor.Start(l.spec)
	if err != nil {
		return err
	}
	l.child = h

	l.state = statePolling
	return nil
}

// resetErrors clears the backoff state after a successful poll.
func (l *Loop) resetErrors() {
	l.errCount = 0
	l.retry.Reset()
}

// shutdownChild terminates any live child on loop exit. It runs under a
// fresh context because the loop's own context is usually already canceled
// by the time cleanup happens.
func (l *Loop) shutdownChild() {
	if l.child == nil {
		return
	}
	if _, exited := l.supervisor.Poll(l.child); exited {
		l.child = nil
		return
	}

	outcome, err := l.supervisor.Terminate(context.Background(), l.child, l.config.GraceTimeout)
	if err != nil {
		l.logger.Error("failed to terminate command during shutdown",
			zap.Int("pid", l.child.PID()),
			zap.Error(err))
	} else {
		l.logger.Info("command terminated on shutdown",
			zap.Int("pid", l.child.PID()),
			zap.Stringer("outcome", outcome))
	}
	l.child = nil
}

// sleepCtx blocks for d or until ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
