package vcs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Git performs local repository actions by shelling out to the git CLI in a
// project's working tree.
type Git struct {
	repoPath string
	remote   string
	logger   *slog.Logger
}

// NewGit creates a local git runner for the working tree at repoPath.
func NewGit(repoPath string, logger *slog.Logger) *Git {
	return &Git{
		repoPath: repoPath,
		remote:   "origin",
		logger:   logger,
	}
}

// BranchName returns the branch name for a ticket.
func BranchName(ticketID string) string {
	return "ticket-" + ticketID
}

// CreateBranch fetches base from origin, then creates and checks out
// ticket-<ticketID> from origin/base. Re-running resets the branch to the
// fetched base, which makes a resumed pipeline start from a clean tree.
func (g *Git) CreateBranch(ctx context.Context, ticketID, base string) (string, error) {
	branch := BranchName(ticketID)

	if err := g.run(ctx, "fetch", g.remote, base); err != nil {
		return "", fmt.Errorf("branch_error: failed to fetch %s/%s: %w", g.remote, base, err)
	}

	if err := g.run(ctx, "checkout", "-B", branch, g.remote+"/"+base); err != nil {
		return "", fmt.Errorf("branch_error: failed to create branch %s: %w", branch, err)
	}

	g.logger.Info("Created branch", "branch", branch, "base", base)
	return branch, nil
}

// Push publishes the branch to origin with upstream tracking.
func (g *Git) Push(ctx context.Context, branch string) error {
	if err := g.run(ctx, "push", "-u", g.remote, branch); err != nil {
		return fmt.Errorf("push_error: failed to push %s: %w", branch, err)
	}
	g.logger.Info("Pushed branch", "branch", branch)
	return nil
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (g *Git) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := g.output(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

// CurrentBranch returns the checked-out branch of the working tree.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.output(ctx, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// run executes a git command in the working tree, capturing stderr for the
// wrapped error.
func (g *Git) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("git %s: %s: %w", args[0], msg, err)
		}
		return fmt.Errorf("git %s: %w", args[0], err)
	}
	return nil
}

// output executes a git command and returns its stdout.
func (g *Git) output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	return out, nil
}
