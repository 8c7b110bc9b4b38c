package infra

import (
	"context"
	"fmt"

	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"

	"github.com/calvera-dev/pullrun/internal/domain"
)

// PullSyncer fast-forwards the local checkout to the remote branch tip.
// The checkout is treated as a disposable mirror: divergent history and
// dirty trees are surfaced as fatal errors, never reconciled.
type PullSyncer struct {
	repo   *git.Repository
	remote string
	branch string
	auth   transport.AuthMethod
}

// NewPullSyncer creates a syncer pulling branch from the named remote.
func NewPullSyncer(repo *LocalRepo, remote, branch string, auth transport.AuthMethod) *PullSyncer {
	return &PullSyncer{repo: repo.Repository(), remote: remote, branch: branch, auth: auth}
}

// SyncTo implements domain.TreeSyncer. The target is used for idempotence
// and change reporting; the pull itself advances to whatever the remote tip
// is at fetch time, which may be at or past target.
func (s *PullSyncer) SyncTo(ctx context.Context, target domain.CommitID) (domain.SyncResult, error) {
	var result domain.SyncResult

	wt, err := s.repo.Worktree()
	if err != nil {
		return result, fmt.Errorf("opening worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return result, fmt.Errorf("reading worktree status: %w", err)
	}
	if isDirtyStatus(status) {
		return result, domain.ErrDirtyWorkingTree
	}

	head, err := s.repo.Head()
	if err != nil {
		return result, fmt.Errorf("resolving HEAD: %w", err)
	}
	if domain.CommitID(head.Hash().String()) == target {
		// A prior cycle already applied this tip.
		return result, nil
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    s.remote,
		ReferenceName: branchRef(s.branch),
		Auth:          s.auth,
	})
	switch err {
	case nil:
	case git.NoErrAlreadyUpToDate:
		return result, nil
	case git.ErrNonFastForwardUpdate:
		return result, domain.ErrNonFastForward
	default:
		if err == transport.ErrRepositoryNotFound {
			return result, fmt.Errorf("pulling %s: %w: %v", s.branch, domain.ErrRefNotFound, err)
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("pulling %s: %w: %v", s.branch, domain.ErrRemoteUnreachable, err)
	}

	newHead, err := s.repo.Head()
	if err != nil {
		return result, fmt.Errorf("resolving HEAD after pull: %w", err)
	}
	result.ChangedFiles = newHead.Hash() != head.Hash()
	return result, nil
}

var _ domain.TreeSyncer = (*PullSyncer)(nil)
