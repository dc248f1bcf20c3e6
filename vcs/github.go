package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/go-github/v74/github"
)

// safeConclusions are check conclusions that do not count as failures.
var safeConclusions = map[string]bool{
	"success": true,
	"skipped": true,
	"neutral": true,
}

// GitHub performs provider-side actions through the GitHub API.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
	logger *slog.Logger
}

// NewGitHub creates the provider half of the gateway for owner/repo.
func NewGitHub(client *github.Client, owner, repo string, logger *slog.Logger) *GitHub {
	return &GitHub{
		client: client,
		owner:  owner,
		repo:   repo,
		logger: logger,
	}
}

// CreatePR opens a pull request from branch into base. If GitHub reports
// that a PR already exists for the branch, the open one is looked up and
// returned so a resumed pipeline reuses its PR.
func (g *GitHub) CreatePR(ctx context.Context, branch, title, body, base string) (*PullRequest, error) {
	pr, _, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(branch),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	})
	if err != nil {
		if isAlreadyExists(err) {
			return g.findOpenPR(ctx, branch)
		}
		return nil, fmt.Errorf("pr_error: failed to create PR for %s: %w", branch, err)
	}

	g.logger.Info("Opened pull request", "number", pr.GetNumber(), "url", pr.GetHTMLURL())
	return toPullRequest(pr), nil
}

// GetPRCIStatus derives the CI state from the PR head's check runs: pending
// while any run has not completed, failure when any completed run's
// conclusion is outside the safe set, success otherwise. Per-check
// conclusions win over the provider's aggregate status, so the combined
// status API is never consulted.
func (g *GitHub) GetPRCIStatus(ctx context.Context, prNumber int) (CIStatus, error) {
	runs, err := g.listCheckRuns(ctx, prNumber)
	if err != nil {
		return "", err
	}

	status := CISuccess
	for _, run := range runs {
		if run.GetStatus() != "completed" {
			return CIPending, nil
		}
		if !safeConclusions[run.GetConclusion()] {
			status = CIFailure
		}
	}
	return status, nil
}

// FailedChecks lists the completed checks whose conclusion is outside the
// safe set.
func (g *GitHub) FailedChecks(ctx context.Context, prNumber int) ([]CheckFailure, error) {
	runs, err := g.listCheckRuns(ctx, prNumber)
	if err != nil {
		return nil, err
	}

	var failures []CheckFailure
	for _, run := range runs {
		if run.GetStatus() != "completed" || safeConclusions[run.GetConclusion()] {
			continue
		}
		failures = append(failures, CheckFailure{
			Name:       run.GetName(),
			Conclusion: run.GetConclusion(),
			Title:      run.GetOutput().GetTitle(),
			Summary:    run.GetOutput().GetSummary(),
		})
	}
	return failures, nil
}

// MergePR merges the pull request using the rebase strategy.
func (g *GitHub) MergePR(ctx context.Context, prNumber int) error {
	_, _, err := g.client.PullRequests.Merge(ctx, g.owner, g.repo, prNumber, "", &github.PullRequestOptions{
		MergeMethod: "rebase",
	})
	if err != nil {
		return fmt.Errorf("merge_error: failed to merge PR #%d: %w", prNumber, err)
	}
	g.logger.Info("Merged pull request", "number", prNumber)
	return nil
}

// DeleteBranch removes the remote ref. A ref that is already gone counts as
// success, so cleanup after a merge-with-auto-delete is quiet.
func (g *GitHub) DeleteBranch(ctx context.Context, branch string) error {
	_, err := g.client.Git.DeleteRef(ctx, g.owner, g.repo, "heads/"+branch)
	if err != nil {
		if isGone(err) {
			return nil
		}
		return fmt.Errorf("failed to delete branch %s: %w", branch, err)
	}
	g.logger.Info("Deleted branch", "branch", branch)
	return nil
}

// listCheckRuns fetches all check runs for the PR's head commit.
func (g *GitHub) listCheckRuns(ctx context.Context, prNumber int) ([]*github.CheckRun, error) {
	pr, _, err := g.client.PullRequests.Get(ctx, g.owner, g.repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch PR #%d: %w", prNumber, err)
	}

	var runs []*github.CheckRun
	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		result, resp, err := g.client.Checks.ListCheckRunsForRef(ctx, g.owner, g.repo, pr.GetHead().GetSHA(), opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list check runs for PR #%d: %w", prNumber, err)
		}
		runs = append(runs, result.CheckRuns...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return runs, nil
}

// findOpenPR locates the open PR whose head is branch.
func (g *GitHub) findOpenPR(ctx context.Context, branch string) (*PullRequest, error) {
	prs, _, err := g.client.PullRequests.List(ctx, g.owner, g.repo, &github.PullRequestListOptions{
		State: "open",
		Head:  g.owner + ":" + branch,
	})
	if err != nil {
		return nil, fmt.Errorf("pr_error: failed to look up existing PR for %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, fmt.Errorf("pr_error: PR for %s reported as existing but not found", branch)
	}

	g.logger.Info("Reusing existing pull request", "number", prs[0].GetNumber())
	return toPullRequest(prs[0]), nil
}

func toPullRequest(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		ID:     strconv.FormatInt(pr.GetID(), 10),
		URL:    pr.GetHTMLURL(),
		Number: pr.GetNumber(),
	}
}

// isAlreadyExists matches GitHub's 422 for a duplicate open PR on a head.
func isAlreadyExists(err error) bool {
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) {
		return false
	}
	if ghErr.Response == nil || ghErr.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	for _, e := range ghErr.Errors {
		if strings.Contains(e.Message, "already exists") {
			return true
		}
	}
	return strings.Contains(ghErr.Message, "already exists")
}

// isGone matches the responses GitHub gives for deleting a missing ref.
func isGone(err error) bool {
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) {
		return false
	}
	if ghErr.Response == nil {
		return false
	}
	return ghErr.Response.StatusCode == http.StatusNotFound ||
		ghErr.Response.StatusCode == http.StatusUnprocessableEntity
}
