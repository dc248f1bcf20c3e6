package vibecc

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/arctek/vibecc/kanban"
	"github.com/arctek/vibecc/pipeline"
)

// DefaultSchedulerInterval is the pause between scheduler iterations.
const DefaultSchedulerInterval = 5 * time.Second

// DefaultMaxConcurrent bounds a project's working set when no cap is
// configured.
const DefaultMaxConcurrent = 1

// SyncResult reports one admission pass: the pipelines it started and the
// queue tickets left behind for lack of capacity.
type SyncResult struct {
	Started   []pipeline.Pipeline
	Remaining []kanban.Ticket
}

// Scheduler is the per-project admission controller. One Run loop per
// project is the only mutator of that project's pipelines, which is what
// makes transitions on a pipeline strictly ordered.
type Scheduler struct {
	orch          *Orchestrator
	store         pipeline.Store
	logger        *slog.Logger
	clock         clockwork.Clock
	interval      time.Duration
	maxConcurrent int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock substitutes the wall clock, for tests.
func WithSchedulerClock(c clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithInterval overrides the pause between iterations.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithMaxConcurrent overrides the per-project working-set cap.
func WithMaxConcurrent(n int) SchedulerOption {
	return func(s *Scheduler) { s.maxConcurrent = n }
}

// NewScheduler creates a scheduler over the orchestrator.
func NewScheduler(orch *Orchestrator, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		orch:          orch,
		store:         orch.store,
		logger:        logger,
		clock:         clockwork.NewRealClock(),
		interval:      DefaultSchedulerInterval,
		maxConcurrent: DefaultMaxConcurrent,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run loops for one project until its autopilot flag flips off or the
// context is canceled. An in-flight step always completes; the flag is only
// observed at iteration boundaries.
func (s *Scheduler) Run(ctx context.Context, projectID string, tools Toolset) {
	s.logger.Info("Scheduler loop started", "project", projectID)

	for s.orch.AutopilotRunning(projectID) {
		if err := s.Step(ctx, projectID, tools); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("Scheduler step failed", "project", projectID, "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler loop canceled", "project", projectID)
			return
		case <-s.clock.After(s.interval):
		}
	}

	s.logger.Info("Scheduler loop stopped", "project", projectID)
}

// Step performs one scheduler iteration: advance a working pipeline if one
// exists, else promote a queued one within capacity, else admit new tickets
// from the board.
func (s *Scheduler) Step(ctx context.Context, projectID string, tools Toolset) error {
	working, err := s.listOldestFirst(projectID, pipeline.WorkingStates...)
	if err != nil {
		return err
	}
	queued, err := s.listOldestFirst(projectID, pipeline.StateQueued)
	if err != nil {
		return err
	}

	switch {
	case len(working) > 0:
		return s.process(ctx, working[0].ID, tools)
	case len(working) < s.maxConcurrent && len(queued) > 0:
		return s.process(ctx, queued[0].ID, tools)
	default:
		_, err := s.Sync(ctx, projectID, tools)
		return err
	}
}

// Sync performs one admission pass: pull tickets from the board's queue
// column and start pipelines up to the remaining capacity. Moving an
// admitted ticket to in_progress is best-effort.
func (s *Scheduler) Sync(ctx context.Context, projectID string, tools Toolset) (*SyncResult, error) {
	active, err := s.store.CountPipelines(projectID,
		append([]pipeline.State{pipeline.StateQueued}, pipeline.WorkingStates...)...)
	if err != nil {
		return nil, err
	}

	capacity := s.maxConcurrent - active
	result := &SyncResult{}
	if capacity <= 0 {
		return result, nil
	}

	tickets, err := tools.Board.ListTickets(ctx, kanban.ColumnQueue)
	if err != nil {
		return nil, err
	}

	for i, ticket := range tickets {
		if len(result.Started) >= capacity {
			result.Remaining = append(result.Remaining, tickets[i:]...)
			break
		}

		p, err := s.orch.StartPipeline(ctx, projectID, ticket, tools)
		if err != nil {
			if errors.Is(err, pipeline.ErrPipelineExists) {
				// Already admitted, most likely by a previous pass whose
				// board move did not stick.
				continue
			}
			s.logger.Error("Failed to start pipeline", "project", projectID,
				"ticket", ticket.ID, "error", err)
			result.Remaining = append(result.Remaining, ticket)
			continue
		}
		result.Started = append(result.Started, *p)

		if err := tools.Board.MoveTicket(ctx, ticket.ID, kanban.ColumnInProgress); err != nil {
			s.logger.Warn("Failed to move ticket to in_progress",
				"ticket", ticket.ID, "error", err)
		}
	}

	return result, nil
}

// process advances one pipeline, tolerating a row that vanished between the
// listing and the step.
func (s *Scheduler) process(ctx context.Context, pipelineID string, tools Toolset) error {
	err := s.orch.ProcessPipeline(ctx, pipelineID, tools)
	if errors.Is(err, pipeline.ErrPipelineNotFound) {
		return nil
	}
	return err
}

// listOldestFirst inverts the store's most-recent-first ordering so the
// scheduler always advances the pipeline that has waited longest.
func (s *Scheduler) listOldestFirst(projectID string, states ...pipeline.State) ([]pipeline.Pipeline, error) {
	var out []pipeline.Pipeline
	for _, state := range states {
		rows, err := s.store.ListPipelines(pipeline.PipelineFilter{ProjectID: projectID, State: state})
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
