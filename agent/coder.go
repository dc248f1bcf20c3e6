// Package agent provides the two workers that do the pipeline's external
// work: the coding worker drives the code-generation agent subprocess, and
// the testing worker drives the branch through CI via the VCS gateway.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CodingTask describes one coding attempt for a ticket.
type CodingTask struct {
	TicketID    string
	TicketTitle string
	TicketBody  string
	RepoPath    string
	Branch      string
	Feedback    string // Failure context from the previous attempt, if any
}

// CodingResult is the outcome of one coding attempt.
type CodingResult struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int
	Duration time.Duration
}

// Coder runs the code-generation agent against a working tree.
type Coder interface {
	Execute(ctx context.Context, task CodingTask) (*CodingResult, error)
}

// promptTemplate is the prompt handed to the agent on stdin. The agent is
// expected to modify the working tree and commit; its exit status is the
// success signal.
const promptTemplate = `# {{title "task"}}: {{.TicketTitle}}

Ticket #{{.TicketID}}

{{.TicketBody}}

You are working on branch {{.Branch}}. Implement the ticket, then commit your
changes to the working tree. Do not push.
{{- if .Feedback}}

## Previous failure

The previous attempt failed continuous integration. Fix the following before
committing:

{{.Feedback}}
{{- end}}
`

var templateFuncs = template.FuncMap{
	"title": cases.Title(language.English).String,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
}

var codingPrompt = template.Must(
	template.New("coding").Funcs(templateFuncs).Parse(promptTemplate))

// CLICoder invokes an external agent binary with the rendered prompt on
// stdin, working directory set to the task's repo path.
type CLICoder struct {
	binPath string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

var _ Coder = (*CLICoder)(nil)

// NewCLICoder creates a coder for the given agent binary. A zero timeout
// means no timeout.
func NewCLICoder(binPath string, args []string, timeout time.Duration, logger *slog.Logger) *CLICoder {
	if path, err := exec.LookPath(binPath); err == nil {
		binPath = path
	}
	return &CLICoder{
		binPath: binPath,
		args:    args,
		timeout: timeout,
		logger:  logger,
	}
}

// Execute runs one coding attempt. Exit status zero means success; timeouts,
// a missing binary, and other OS errors map to success=false with a
// descriptive error rather than an error return, so the caller treats them
// as ordinary coding failures.
func (c *CLICoder) Execute(ctx context.Context, task CodingTask) (*CodingResult, error) {
	start := time.Now()

	prompt, err := RenderPrompt(task)
	if err != nil {
		return nil, fmt.Errorf("failed to render prompt: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.binPath, c.args...)
	cmd.Dir = task.RepoPath
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Info("Running coding agent", "ticket", task.TicketID, "branch", task.Branch,
		"feedback", task.Feedback != "")

	runErr := cmd.Run()

	result := &CodingResult{
		Success:  runErr == nil,
		Output:   stdout.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			result.Error = fmt.Sprintf("agent timed out after %s", c.timeout)
		default:
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
				result.Error = strings.TrimSpace(stderr.String())
				if result.Error == "" {
					result.Error = fmt.Sprintf("agent exited with status %d", result.ExitCode)
				}
			} else {
				// Spawn failure: missing binary, permission, etc.
				result.Error = runErr.Error()
			}
		}
		c.logger.Warn("Coding agent failed", "ticket", task.TicketID, "error", result.Error)
		return result, nil
	}

	c.logger.Info("Coding agent finished", "ticket", task.TicketID, "duration", result.Duration)
	return result, nil
}

// RenderPrompt renders the agent prompt for a task.
func RenderPrompt(task CodingTask) (string, error) {
	var buf bytes.Buffer
	if err := codingPrompt.Execute(&buf, task); err != nil {
		return "", err
	}
	return buf.String(), nil
}
