// Package vibecc is the ticket-to-merge pipeline core: the orchestrator's
// per-pipeline state machine, the per-project scheduler loop, and the
// manager that runs one scheduler per project.
package vibecc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/arctek/vibecc/agent"
	"github.com/arctek/vibecc/events"
	"github.com/arctek/vibecc/kanban"
	"github.com/arctek/vibecc/pipeline"
	"github.com/arctek/vibecc/vcs"
)

// Autopilot stop reasons carried on the autopilot_stopped event.
const (
	StopReasonManual        = "manual"
	StopReasonCodingFailure = "coding_failure"
	StopReasonMaxRetries    = "max_retries"
)

// Toolset bundles the per-project external collaborators a pipeline step
// needs. The orchestrator itself is project-agnostic; the scheduler hands it
// the right toolset for each call.
type Toolset struct {
	VCS      vcs.Gateway
	Board    kanban.Board
	Coder    agent.Coder
	Tester   agent.Tester
	RepoPath string
}

// Orchestrator drives pipelines through the state machine one transition at
// a time. At most one transition is in flight per pipeline id; every
// transition reads the latest row before computing the next state.
type Orchestrator struct {
	store  pipeline.Store
	bus    *events.Bus
	logger *slog.Logger
	flags  *autopilotFlags
	clock  clockwork.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOrchestrator creates an orchestrator over the store and event bus.
func NewOrchestrator(store pipeline.Store, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		bus:    bus,
		logger: logger,
		flags:  newAutopilotFlags(),
		clock:  clockwork.NewRealClock(),
		locks:  make(map[string]*sync.Mutex),
	}
}

// StartPipeline admits a ticket: creates its branch, persists a queued
// pipeline row, and announces it. It does not begin coding; the scheduler
// re-enters to drive the pipeline forward.
func (o *Orchestrator) StartPipeline(ctx context.Context, projectID string, ticket kanban.Ticket, tools Toolset) (*pipeline.Pipeline, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}

	branch, err := tools.VCS.CreateBranch(ctx, ticket.ID, project.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to create branch for ticket %s: %w", ticket.ID, err)
	}

	p, err := o.store.CreatePipeline(projectID, ticket.ID, ticket.Title, ticket.Body, branch)
	if err != nil {
		return nil, err
	}

	o.bus.Emit(events.Event{
		Type:      events.TypePipelineCreated,
		ProjectID: projectID,
		Payload: events.PipelineCreated{
			PipelineID: p.ID,
			ProjectID:  projectID,
			TicketID:   ticket.ID,
			State:      p.State,
		},
	})
	o.emitLog(projectID, p.ID, events.LevelInfo,
		fmt.Sprintf("Pipeline started for ticket #%s on branch %s", ticket.ID, branch))

	o.logger.Info("Pipeline started", "pipeline", p.ID, "ticket", ticket.ID, "branch", branch)
	return p, nil
}

// ProcessPipeline advances the pipeline exactly one state. Concurrent calls
// for the same pipeline id serialize; the dispatch always reads the latest
// row first.
func (o *Orchestrator) ProcessPipeline(ctx context.Context, pipelineID string, tools Toolset) error {
	lock := o.pipelineLock(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	p, err := o.store.GetPipeline(pipelineID)
	if err != nil {
		return err
	}

	switch p.State {
	case pipeline.StateQueued:
		return o.stepQueued(p)
	case pipeline.StateCoding:
		return o.stepCoding(ctx, p, tools)
	case pipeline.StateTesting, pipeline.StateReview:
		return o.stepVerify(ctx, p, tools)
	case pipeline.StateMerged, pipeline.StateFailed:
		// A terminal active row means a crash interposed between the
		// transition and its archive. Re-archiving is idempotent.
		o.logger.Warn("Re-archiving terminal pipeline", "pipeline", p.ID, "state", p.State)
		return o.archive(p, p.State)
	default:
		return fmt.Errorf("pipeline %s in unknown state %q", p.ID, p.State)
	}
}

// stepQueued moves a queued pipeline into coding.
func (o *Orchestrator) stepQueued(p *pipeline.Pipeline) error {
	_, err := o.transition(p, pipeline.Update{State: statePtr(pipeline.StateCoding)})
	if err != nil {
		return err
	}
	o.emitLog(p.ProjectID, p.ID, events.LevelInfo,
		fmt.Sprintf("Coding started for ticket #%s", p.TicketID))
	return nil
}

// stepCoding runs the coding worker. Success moves to testing with feedback
// cleared; failure is terminal and halts the project's autopilot.
func (o *Orchestrator) stepCoding(ctx context.Context, p *pipeline.Pipeline, tools Toolset) error {
	result, err := tools.Coder.Execute(ctx, agent.CodingTask{
		TicketID:    p.TicketID,
		TicketTitle: p.TicketTitle,
		TicketBody:  p.TicketBody,
		RepoPath:    tools.RepoPath,
		Branch:      p.BranchName,
		Feedback:    p.Feedback,
	})
	if err != nil {
		return fmt.Errorf("coding worker failed to run for pipeline %s: %w", p.ID, err)
	}

	if result.Success {
		if _, err := o.transition(p, pipeline.Update{
			State:    statePtr(pipeline.StateTesting),
			Feedback: strPtr(""),
		}); err != nil {
			return err
		}
		o.emitLog(p.ProjectID, p.ID, events.LevelInfo,
			fmt.Sprintf("Coding finished for ticket #%s, moving to testing", p.TicketID))
		return nil
	}

	o.emitLog(p.ProjectID, p.ID, events.LevelError,
		fmt.Sprintf("Coding failed for ticket #%s: %s", p.TicketID, result.Error))
	return o.complete(p, pipeline.StateFailed, pipeline.Update{
		State:    statePtr(pipeline.StateFailed),
		Feedback: strPtr(result.Error),
	}, StopReasonCodingFailure)
}

// stepVerify runs the testing worker and applies the retry policy. The
// review state shares the machinery but books against the review budget.
func (o *Orchestrator) stepVerify(ctx context.Context, p *pipeline.Pipeline, tools Toolset) error {
	project, err := o.store.GetProject(p.ProjectID)
	if err != nil {
		return err
	}

	result, execErr := tools.Tester.Execute(ctx, agent.TestingTask{
		TicketID:    p.TicketID,
		TicketTitle: p.TicketTitle,
		Branch:      p.BranchName,
		BaseBranch:  project.BaseBranch,
		RepoPath:    tools.RepoPath,
	})
	if execErr != nil {
		if ctx.Err() != nil {
			return execErr
		}
		// Push or PR creation failed; book it against the retry budget
		// like a red CI run.
		o.emitLog(p.ProjectID, p.ID, events.LevelError,
			fmt.Sprintf("Testing failed for ticket #%s: %v", p.TicketID, execErr))
		return o.retryOrFail(p, project, execErr.Error())
	}

	// Persist PR identity regardless of outcome so the row always points at
	// the PR that was opened for it.
	if result.PRID != "" && result.PRID != p.PRID {
		updated, err := o.store.UpdatePipeline(p.ID, pipeline.Update{
			PRID:  strPtr(result.PRID),
			PRURL: strPtr(result.PRURL),
		})
		if err != nil {
			return err
		}
		p = updated
	}

	if result.Success {
		return o.merge(ctx, p, result, tools)
	}

	o.emitLog(p.ProjectID, p.ID, events.LevelWarning,
		fmt.Sprintf("CI failed for ticket #%s: %s", p.TicketID, result.FailureLogs))
	return o.retryOrFail(p, project, result.FailureLogs)
}

// merge lands a green pipeline: merge the PR, then best-effort cleanup, then
// terminal bookkeeping.
func (o *Orchestrator) merge(ctx context.Context, p *pipeline.Pipeline, result *agent.TestingResult, tools Toolset) error {
	project, err := o.store.GetProject(p.ProjectID)
	if err != nil {
		return err
	}

	if err := tools.VCS.MergePR(ctx, result.PRNumber); err != nil {
		o.emitLog(p.ProjectID, p.ID, events.LevelError,
			fmt.Sprintf("Merge failed for ticket #%s: %v", p.TicketID, err))
		return o.retryOrFail(p, project, err.Error())
	}

	// Cleanup after the merge is best-effort: the merge already happened and
	// the pipeline is done regardless.
	if err := tools.VCS.DeleteBranch(ctx, p.BranchName); err != nil {
		o.logger.Warn("Failed to delete branch", "pipeline", p.ID, "branch", p.BranchName, "error", err)
	}
	if err := tools.Board.CloseTicket(ctx, p.TicketID); err != nil {
		o.logger.Warn("Failed to close ticket", "pipeline", p.ID, "ticket", p.TicketID, "error", err)
	}
	if err := tools.Board.MoveTicket(ctx, p.TicketID, kanban.ColumnDone); err != nil {
		o.logger.Warn("Failed to move ticket to done", "pipeline", p.ID, "ticket", p.TicketID, "error", err)
	}

	o.emitLog(p.ProjectID, p.ID, events.LevelInfo,
		fmt.Sprintf("Merged PR %s for ticket #%s", result.PRURL, p.TicketID))
	return o.complete(p, pipeline.StateMerged, pipeline.Update{
		State: statePtr(pipeline.StateMerged),
	}, "")
}

// retryOrFail applies the retry budget after a failed verification attempt.
// Reaching the budget is terminal and halts autopilot; otherwise the
// pipeline goes back to coding with the failure context as feedback.
func (o *Orchestrator) retryOrFail(p *pipeline.Pipeline, project *pipeline.Project, failureLogs string) error {
	update := pipeline.Update{Feedback: strPtr(failureLogs)}
	var n, budget int
	if p.State == pipeline.StateReview {
		n = p.RetryCountReview + 1
		budget = project.MaxRetriesReview
		update.RetryCountReview = intPtr(n)
	} else {
		n = p.RetryCountCI + 1
		budget = project.MaxRetriesCI
		update.RetryCountCI = intPtr(n)
	}

	if n >= budget {
		update.State = statePtr(pipeline.StateFailed)
		o.emitLog(p.ProjectID, p.ID, events.LevelError,
			fmt.Sprintf("Ticket #%s failed after %d attempts", p.TicketID, n))
		return o.complete(p, pipeline.StateFailed, update, StopReasonMaxRetries)
	}

	update.State = statePtr(pipeline.StateCoding)
	if _, err := o.transition(p, update); err != nil {
		return err
	}
	o.emitLog(p.ProjectID, p.ID, events.LevelWarning,
		fmt.Sprintf("Retrying ticket #%s (attempt %d of %d)", p.TicketID, n+1, budget))
	return nil
}

// transition applies a partial update and emits pipeline_updated.
func (o *Orchestrator) transition(p *pipeline.Pipeline, update pipeline.Update) (*pipeline.Pipeline, error) {
	updated, err := o.store.UpdatePipeline(p.ID, update)
	if err != nil {
		return nil, err
	}

	o.bus.Emit(events.Event{
		Type:      events.TypePipelineUpdated,
		ProjectID: p.ProjectID,
		Payload: events.PipelineUpdated{
			PipelineID:    p.ID,
			State:         updated.State,
			PreviousState: p.State,
		},
	})
	return updated, nil
}

// complete performs the terminal bookkeeping shared by merged and failed
// arrivals: final transition, pipeline_completed, archive, and (for
// failures) halting the project's autopilot.
func (o *Orchestrator) complete(p *pipeline.Pipeline, finalState pipeline.State, update pipeline.Update, stopReason string) error {
	updated, err := o.transition(p, update)
	if err != nil {
		return err
	}

	o.bus.Emit(events.Event{
		Type:      events.TypePipelineCompleted,
		ProjectID: p.ProjectID,
		Payload: events.PipelineCompleted{
			PipelineID: p.ID,
			FinalState: finalState,
		},
	})

	if err := o.archive(updated, finalState); err != nil {
		return err
	}

	if stopReason != "" {
		o.StopAutopilot(p.ProjectID, stopReason)
	}
	return nil
}

// archive copies the pipeline to history and removes the active row. The
// history row is keyed by the pipeline id, so re-archiving after a crash
// between the two steps refreshes rather than duplicates.
func (o *Orchestrator) archive(p *pipeline.Pipeline, finalState pipeline.State) error {
	if _, err := o.store.SaveToHistory(p, finalState, o.clock.Now()); err != nil {
		return fmt.Errorf("failed to archive pipeline %s: %w", p.ID, err)
	}
	if err := o.store.DeletePipeline(p.ID); err != nil {
		return fmt.Errorf("failed to remove archived pipeline %s: %w", p.ID, err)
	}

	o.mu.Lock()
	delete(o.locks, p.ID)
	o.mu.Unlock()

	o.logger.Info("Pipeline archived", "pipeline", p.ID, "final_state", finalState)
	return nil
}

// StartAutopilot sets the project's runtime flag and announces it.
func (o *Orchestrator) StartAutopilot(projectID string) error {
	if _, err := o.store.GetProject(projectID); err != nil {
		return err
	}

	o.flags.set(projectID, true)
	o.bus.Emit(events.Event{
		Type:      events.TypeAutopilotStarted,
		ProjectID: projectID,
		Payload:   events.AutopilotStarted{ProjectID: projectID},
	})
	o.logger.Info("Autopilot started", "project", projectID)
	return nil
}

// StopAutopilot clears the project's runtime flag and announces it with the
// reason. Idempotent: every call emits, the flag stays false.
func (o *Orchestrator) StopAutopilot(projectID, reason string) {
	o.flags.set(projectID, false)
	o.bus.Emit(events.Event{
		Type:      events.TypeAutopilotStopped,
		ProjectID: projectID,
		Payload:   events.AutopilotStopped{ProjectID: projectID, Reason: reason},
	})
	o.logger.Info("Autopilot stopped", "project", projectID, "reason", reason)
}

// AutopilotRunning reports the project's runtime flag.
func (o *Orchestrator) AutopilotRunning(projectID string) bool {
	return o.flags.get(projectID)
}

// AutopilotStatus returns the derived per-project aggregate.
func (o *Orchestrator) AutopilotStatus(projectID string) (*pipeline.AutopilotStatus, error) {
	if _, err := o.store.GetProject(projectID); err != nil {
		return nil, err
	}

	active, err := o.store.CountPipelines(projectID, pipeline.WorkingStates...)
	if err != nil {
		return nil, err
	}
	queued, err := o.store.CountPipelines(projectID, pipeline.StateQueued)
	if err != nil {
		return nil, err
	}

	return &pipeline.AutopilotStatus{
		Running:         o.flags.get(projectID),
		ActivePipelines: active,
		QueuedTickets:   queued,
	}, nil
}

// pipelineLock returns the serialization lock for a pipeline id.
func (o *Orchestrator) pipelineLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}
	return lock
}

func (o *Orchestrator) emitLog(projectID, pipelineID string, level events.LogLevel, msg string) {
	o.bus.Emit(events.Event{
		Type:      events.TypeLog,
		ProjectID: projectID,
		Payload: events.Log{
			PipelineID: pipelineID,
			Level:      level,
			Message:    msg,
			Timestamp:  o.clock.Now(),
		},
	})
}

func statePtr(s pipeline.State) *pipeline.State { return &s }
func strPtr(s string) *string                   { return &s }
func intPtr(n int) *int                         { return &n }
