package kanban

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/go-github/v74/github"

	"github.com/arctek/vibecc/pipeline"
)

// labelPrefix namespaces the board columns inside the repository's label set
// so they never collide with labels humans use.
const labelPrefix = "vibecc:"

// GitHubBoard drives the board as labels on a repository's issues: an issue
// labeled vibecc:queue is in the queue column, and so on. The issue number is
// the ticket id.
type GitHubBoard struct {
	client *github.Client
	owner  string
	repo   string
	logger *slog.Logger
}

var _ Board = (*GitHubBoard)(nil)

// NewGitHubBoard creates a board over owner/repo's issues.
func NewGitHubBoard(client *github.Client, owner, repo string, logger *slog.Logger) *GitHubBoard {
	return &GitHubBoard{
		client: client,
		owner:  owner,
		repo:   repo,
		logger: logger,
	}
}

// ColumnLabel returns the issue label that marks membership in column.
func ColumnLabel(c Column) string {
	return labelPrefix + string(c)
}

// ListTickets lists open issues carrying the column's label. Pull requests
// share the issues API and are skipped.
func (b *GitHubBoard) ListTickets(ctx context.Context, column Column) ([]Ticket, error) {
	if !ValidColumn(column) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrColumnNotFound, column)
	}

	var tickets []Ticket
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Labels:      []string{ColumnLabel(column)},
		Sort:        "created",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		issues, resp, err := b.client.Issues.ListByRepo(ctx, b.owner, b.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list tickets in %s: %w", column, err)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			tickets = append(tickets, toTicket(issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}
	return tickets, nil
}

// GetTicket fetches one issue by its number.
func (b *GitHubBoard) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	number, err := issueNumber(ticketID)
	if err != nil {
		return nil, err
	}

	issue, _, err := b.client.Issues.Get(ctx, b.owner, b.repo, number)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", pipeline.ErrTicketNotFound, ticketID)
		}
		return nil, fmt.Errorf("failed to fetch ticket %s: %w", ticketID, err)
	}
	if issue.IsPullRequest() {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrTicketNotFound, ticketID)
	}

	t := toTicket(issue)
	return &t, nil
}

// MoveTicket swaps the issue's column label: every label under the prefix is
// dropped and the target column's label added in one edit.
func (b *GitHubBoard) MoveTicket(ctx context.Context, ticketID string, column Column) error {
	if !ValidColumn(column) {
		return fmt.Errorf("%w: %s", pipeline.ErrColumnNotFound, column)
	}
	number, err := issueNumber(ticketID)
	if err != nil {
		return err
	}

	issue, _, err := b.client.Issues.Get(ctx, b.owner, b.repo, number)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", pipeline.ErrTicketNotFound, ticketID)
		}
		return fmt.Errorf("failed to fetch ticket %s: %w", ticketID, err)
	}

	labels := []string{ColumnLabel(column)}
	for _, l := range issue.Labels {
		if name := l.GetName(); !isColumnLabel(name) {
			labels = append(labels, name)
		}
	}

	_, _, err = b.client.Issues.Edit(ctx, b.owner, b.repo, number, &github.IssueRequest{
		Labels: &labels,
	})
	if err != nil {
		return fmt.Errorf("failed to move ticket %s to %s: %w", ticketID, column, err)
	}

	b.logger.Info("Moved ticket", "ticket", ticketID, "column", column)
	return nil
}

// CloseTicket closes the issue.
func (b *GitHubBoard) CloseTicket(ctx context.Context, ticketID string) error {
	number, err := issueNumber(ticketID)
	if err != nil {
		return err
	}

	_, _, err = b.client.Issues.Edit(ctx, b.owner, b.repo, number, &github.IssueRequest{
		State: github.Ptr("closed"),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", pipeline.ErrTicketNotFound, ticketID)
		}
		return fmt.Errorf("failed to close ticket %s: %w", ticketID, err)
	}

	b.logger.Info("Closed ticket", "ticket", ticketID)
	return nil
}

func toTicket(issue *github.Issue) Ticket {
	t := Ticket{
		ID:    strconv.Itoa(issue.GetNumber()),
		Title: issue.GetTitle(),
		Body:  issue.GetBody(),
	}
	for _, l := range issue.Labels {
		t.Labels = append(t.Labels, l.GetName())
	}
	return t
}

func isColumnLabel(name string) bool {
	return len(name) > len(labelPrefix) && name[:len(labelPrefix)] == labelPrefix
}

func issueNumber(ticketID string) (int, error) {
	number, err := strconv.Atoi(ticketID)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", pipeline.ErrTicketNotFound, ticketID)
	}
	return number, nil
}

func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusNotFound
}
