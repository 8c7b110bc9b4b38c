// Package infra implements infrastructure concerns (git access, the GitHub
// API, child process supervision).
package infra

import (
	"fmt"
	"strings"

	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
)

// LocalRepo wraps the checkout the watcher synchronizes and runs commands in.
type LocalRepo struct {
	repo *git.Repository
	root string
}

// OpenRepo opens the repository containing path, searching parent
// directories for the .git directory like the git CLI does.
func OpenRepo(path string) (*LocalRepo, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if err == git.ErrRepositoryNotExists {
			return nil, fmt.Errorf("%s is not inside a git work tree", path)
		}
		return nil, fmt.Errorf("opening repository at %s: %w", path, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}

	return &LocalRepo{repo: repo, root: wt.Filesystem.Root()}, nil
}

// Root returns the absolute path of the checkout root.
func (r *LocalRepo) Root() string {
	return r.root
}

// Repository exposes the underlying go-git repository for the resolver and
// syncer built on the same handle.
func (r *LocalRepo) Repository() *git.Repository {
	return r.repo
}

// HeadBranch returns the currently checked out branch name. Detached HEAD
// is an error: there is no branch to track.
func (r *LocalRepo) HeadBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached, checkout a branch to track")
	}
	return head.Name().Short(), nil
}

// HeadCommit returns the commit HEAD currently points to.
func (r *LocalRepo) HeadCommit() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// UpstreamRemote returns the remote the given branch is configured to pull
// from, falling back to origin when the branch carries no tracking config.
func (r *LocalRepo) UpstreamRemote(branch string) string {
	cfg, err := r.repo.Branch(branch)
	if err != nil || cfg.Remote == "" {
		return git.DefaultRemoteName
	}
	return cfg.Remote
}

// RemoteURL returns the first fetch URL of the named remote.
func (r *LocalRepo) RemoteURL(remote string) (string, error) {
	rem, err := r.repo.Remote(remote)
	if err != nil {
		return "", fmt.Errorf("remote %q: %w", remote, err)
	}
	urls := rem.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %q has no URL", remote)
	}
	return urls[0], nil
}

// IsDirty reports whether tracked files have uncommitted changes. Untracked
// files do not count: commands typically leave build artifacts behind, and a
// fast-forward never touches them.
func (r *LocalRepo) IsDirty() (bool, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("reading worktree status: %w", err)
	}
	return isDirtyStatus(status), nil
}

// isDirtyStatus reports whether any tracked file is modified or staged.
func isDirtyStatus(status git.Status) bool {
	for _, s := range status {
		if s.Worktree == git.Untracked {
			continue
		}
		if s.Worktree != git.Unmodified || s.Staging != git.Unmodified {
			return true
		}
	}
	return false
}

// branchRef returns the full reference name for a branch.
func branchRef(branch string) plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(branch)
}

// ParseOwnerRepo extracts the owner and repository name from a remote URL.
// Both SSH (git@host:owner/repo.git) and HTTP(S) forms are understood.
func ParseOwnerRepo(url string) (owner, name string, err error) {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(url, "/"), ".git")

	var path string
	switch {
	case strings.Contains(trimmed, "://"):
		// https://host/owner/repo or ssh://git@host/owner/repo
		_, rest, _ := strings.Cut(trimmed, "://")
		_, path, _ = strings.Cut(rest, "/")
	case strings.Contains(trimmed, "@") && strings.Contains(trimmed, ":"):
		// git@host:owner/repo
		_, path, _ = strings.Cut(trimmed, ":")
	default:
		return "", "", fmt.Errorf("unrecognized remote URL: %s", url)
	}

	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("remote URL %s has no owner/repo path", url)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
