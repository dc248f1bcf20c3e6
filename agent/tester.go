package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/arctek/vibecc/vcs"
)

// TestingTask describes one push-and-verify attempt for a branch.
type TestingTask struct {
	TicketID    string
	TicketTitle string
	Branch      string
	BaseBranch  string
	RepoPath    string
}

// TestingResult is the outcome of one testing attempt. PRID and PRURL are
// populated whenever a PR was opened, success or not, so the caller can
// persist them before deciding what to do next.
type TestingResult struct {
	Success     bool
	PRID        string
	PRURL       string
	PRNumber    int
	CIStatus    vcs.CIStatus
	FailureLogs string
}

// Tester pushes a branch and waits for CI to resolve.
type Tester interface {
	Execute(ctx context.Context, task TestingTask) (*TestingResult, error)
}

// DefaultPollInterval is how often the tester re-checks CI.
const DefaultPollInterval = 30 * time.Second

// CITester implements Tester against the VCS gateway: push, open PR, poll
// check runs until they resolve or the poll cap is reached.
type CITester struct {
	gateway      vcs.Gateway
	clock        clockwork.Clock
	pollInterval time.Duration
	maxPolls     int // 0 means unbounded
	logger       *slog.Logger
}

var _ Tester = (*CITester)(nil)

// TesterOption configures a CITester.
type TesterOption func(*CITester)

// WithClock substitutes the wall clock, for tests.
func WithClock(c clockwork.Clock) TesterOption {
	return func(t *CITester) { t.clock = c }
}

// WithPollInterval overrides the CI poll cadence.
func WithPollInterval(d time.Duration) TesterOption {
	return func(t *CITester) { t.pollInterval = d }
}

// WithMaxPolls caps the number of CI polls; reaching the cap while CI is
// still pending counts as a failure.
func WithMaxPolls(n int) TesterOption {
	return func(t *CITester) { t.maxPolls = n }
}

// NewCITester creates a testing worker over the gateway.
func NewCITester(gateway vcs.Gateway, logger *slog.Logger, opts ...TesterOption) *CITester {
	t := &CITester{
		gateway:      gateway,
		clock:        clockwork.NewRealClock(),
		pollInterval: DefaultPollInterval,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Execute pushes the branch, opens its PR, and polls CI to a terminal state.
// Push and PR failures return an error; a CI failure or poll-cap exhaustion
// returns success=false with the failure context filled in.
func (t *CITester) Execute(ctx context.Context, task TestingTask) (*TestingResult, error) {
	if err := t.gateway.Push(ctx, task.Branch); err != nil {
		return nil, err
	}

	title := fmt.Sprintf("#%s: %s", task.TicketID, task.TicketTitle)
	body := fmt.Sprintf("Closes #%s", task.TicketID)
	pr, err := t.gateway.CreatePR(ctx, task.Branch, title, body, task.BaseBranch)
	if err != nil {
		return nil, err
	}

	result := &TestingResult{
		PRID:     pr.ID,
		PRURL:    pr.URL,
		PRNumber: pr.Number,
	}

	t.logger.Info("Waiting on CI", "ticket", task.TicketID, "pr", pr.Number)

	polls := 0
	for {
		status, err := t.gateway.GetPRCIStatus(ctx, pr.Number)
		if err != nil {
			return nil, err
		}
		result.CIStatus = status

		switch status {
		case vcs.CISuccess:
			result.Success = true
			return result, nil
		case vcs.CIFailure:
			result.FailureLogs = t.collectFailureLogs(ctx, pr.Number)
			return result, nil
		}

		polls++
		if t.maxPolls > 0 && polls >= t.maxPolls {
			result.FailureLogs = fmt.Sprintf("CI did not complete after %d polls", polls)
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.clock.After(t.pollInterval):
		}
	}
}

// collectFailureLogs assembles a human-readable summary of every failed
// check, for the coder's next attempt.
func (t *CITester) collectFailureLogs(ctx context.Context, prNumber int) string {
	failures, err := t.gateway.FailedChecks(ctx, prNumber)
	if err != nil {
		t.logger.Warn("Failed to fetch check details", "pr", prNumber, "error", err)
		return "CI failed; check details unavailable"
	}

	var b strings.Builder
	for i, f := range failures {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Check %q concluded %s", f.Name, f.Conclusion)
		if f.Title != "" {
			fmt.Fprintf(&b, ": %s", f.Title)
		}
		if f.Summary != "" {
			fmt.Fprintf(&b, "\n%s", f.Summary)
		}
	}
	if b.Len() == 0 {
		return "CI failed"
	}
	return b.String()
}
