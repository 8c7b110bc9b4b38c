package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/calvera-dev/pullrun/internal/domain"
)

const (
	githubAPIBase    = "https://api.github.com"
	githubAPIVersion = "2022-11-28"
	githubTimeout    = 30 * time.Second

	// GitHub rejects requests without a User-Agent; a curl UA is known
	// to pass.
	githubUserAgent = "curl/7.68.0"
)

// githubCommit is the slice element returned by the commits endpoint. Only
// the sha is needed for change detection.
type githubCommit struct {
	SHA string `json:"sha"`
}

// GitHubResolver resolves the remote tip through the GitHub commits API
// instead of the git transport. Useful when polling must stay cheap and the
// remote lives on github.com.
type GitHubResolver struct {
	client  *http.Client
	apiBase string
	owner   string
	repo    string
	token   string
}

// NewGitHubResolver creates a resolver for the given repository. The token
// is sent as a bearer credential on every request.
func NewGitHubResolver(owner, repo, token string) *GitHubResolver {
	return &GitHubResolver{
		client:  &http.Client{Timeout: githubTimeout},
		apiBase: githubAPIBase,
		owner:   owner,
		repo:    repo,
		token:   token,
	}
}

// Resolve implements domain.RefResolver.
func (g *GitHubResolver) Resolve(ctx context.Context, branch string) (domain.CommitID, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/commits?sha=%s&per_page=1",
		g.apiBase, g.owner, g.repo, branch)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building commits request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	req.Header.Set("User-Agent", githubUserAgent)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching commits for %s/%s: %w: %v",
			g.owner, g.repo, domain.ErrRemoteUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%s/%s@%s: %w", g.owner, g.repo, branch, domain.ErrRefNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("GitHub API denied access (status %d), check GH_TOKEN", resp.StatusCode)
	default:
		return "", fmt.Errorf("GitHub API returned status %d: %w",
			resp.StatusCode, domain.ErrRemoteUnreachable)
	}

	var commits []githubCommit
	if err := json.NewDecoder(resp.Body).Decode(&commits); err != nil {
		return "", fmt.Errorf("parsing commits response: %w", err)
	}
	if len(commits) == 0 || commits[0].SHA == "" {
		return "", fmt.Errorf("%s/%s@%s has no commits: %w",
			g.owner, g.repo, branch, domain.ErrRefNotFound)
	}

	return domain.CommitID(commits[0].SHA), nil
}

var _ domain.RefResolver = (*GitHubResolver)(nil)
