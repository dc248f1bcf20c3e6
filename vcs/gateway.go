// Package vcs provides the version-control gateway: branch lifecycle against
// a local working tree via the git CLI, and pull-request lifecycle against
// the hosting provider's API. The split is deliberate: local actions assume a
// colocated working tree, provider actions require credentials.
package vcs

import (
	"context"
	"log/slog"

	"github.com/google/go-github/v74/github"
)

// CIStatus is the derived aggregate state of a pull request's checks.
type CIStatus string

const (
	CIPending CIStatus = "pending"
	CISuccess CIStatus = "success"
	CIFailure CIStatus = "failure"
)

// PullRequest identifies an opened pull request.
type PullRequest struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Number int    `json:"number"`
}

// CheckFailure describes one failed CI check, for feedback assembly.
type CheckFailure struct {
	Name       string `json:"name"`
	Conclusion string `json:"conclusion"`
	Title      string `json:"title,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// Gateway is the full VCS contract the orchestrator and testing worker use.
type Gateway interface {
	// CreateBranch fetches base from origin and checks out a fresh
	// ticket-<ticketID> branch from origin/base in the working tree.
	CreateBranch(ctx context.Context, ticketID, base string) (string, error)

	// Push publishes the branch to origin with upstream tracking.
	Push(ctx context.Context, branch string) error

	// CreatePR opens a pull request from branch into base. Re-running for
	// a branch whose PR is already open returns the existing PR.
	CreatePR(ctx context.Context, branch, title, body, base string) (*PullRequest, error)

	// GetPRCIStatus derives the CI state from the PR's check runs.
	GetPRCIStatus(ctx context.Context, prNumber int) (CIStatus, error)

	// FailedChecks lists the checks whose conclusion is outside the safe
	// set, with enough detail for human-readable failure logs.
	FailedChecks(ctx context.Context, prNumber int) ([]CheckFailure, error)

	// MergePR merges using the rebase strategy.
	MergePR(ctx context.Context, prNumber int) error

	// DeleteBranch removes the remote ref. Already-deleted is success.
	DeleteBranch(ctx context.Context, branch string) error
}

// Client implements Gateway by composing the local git CLI and the GitHub
// API halves.
type Client struct {
	*Git
	*GitHub
}

var _ Gateway = (*Client)(nil)

// New creates a gateway for one project: repoPath is the local working tree,
// owner/repo the GitHub coordinates.
func New(repoPath string, gh *github.Client, owner, repo string, logger *slog.Logger) *Client {
	return &Client{
		Git:    NewGit(repoPath, logger),
		GitHub: NewGitHub(gh, owner, repo, logger),
	}
}
