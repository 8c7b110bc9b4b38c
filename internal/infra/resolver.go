package infra

import (
	"context"
	"fmt"

	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"

	"github.com/calvera-dev/pullrun/internal/domain"
)

// ListResolver resolves the remote tip by listing the remote's references
// over the git transport, the network equivalent of ls-remote. It never
// touches the working tree.
type ListResolver struct {
	repo   *git.Repository
	remote string
	auth   transport.AuthMethod
}

// NewListResolver creates a resolver that queries the named remote of the
// given repository. auth may be nil when the transport needs none (local
// paths, ssh-agent, pre-configured credentials).
func NewListResolver(repo *LocalRepo, remote string, auth transport.AuthMethod) *ListResolver {
	return &ListResolver{repo: repo.Repository(), remote: remote, auth: auth}
}

// Resolve implements domain.RefResolver.
func (r *ListResolver) Resolve(ctx context.Context, branch string) (domain.CommitID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rem, err := r.repo.Remote(r.remote)
	if err != nil {
		return "", fmt.Errorf("remote %q: %w", r.remote, err)
	}

	refs, err := rem.List(&git.ListOptions{Auth: r.auth})
	if err != nil {
		if err == transport.ErrRepositoryNotFound {
			return "", fmt.Errorf("listing %q: %w: %v", r.remote, domain.ErrRefNotFound, err)
		}
		// Anything else at the transport level is treated as a network
		// class failure and retried.
		return "", fmt.Errorf("listing %q: %w: %v", r.remote, domain.ErrRemoteUnreachable, err)
	}

	want := branchRef(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return domain.CommitID(ref.Hash().String()), nil
		}
	}

	return "", fmt.Errorf("branch %q on remote %q: %w", branch, r.remote, domain.ErrRefNotFound)
}

var _ domain.RefResolver = (*ListResolver)(nil)
