package vibecc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arctek/vibecc/pipeline"
)

// ToolsetFactory builds the external collaborators for one project. The
// manager calls it when a project's autopilot starts.
type ToolsetFactory func(project *pipeline.Project) (Toolset, error)

// SchedulerManager runs one scheduler loop per project with autopilot on.
// Loops for different projects are independent and run concurrently.
type SchedulerManager struct {
	orch     *Orchestrator
	newSched func() *Scheduler
	tools    ToolsetFactory
	logger   *slog.Logger

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

// NewSchedulerManager creates a manager. newSched builds a fresh scheduler
// per loop so each project gets its own clock and interval configuration.
func NewSchedulerManager(orch *Orchestrator, newSched func() *Scheduler, tools ToolsetFactory, logger *slog.Logger) *SchedulerManager {
	return &SchedulerManager{
		orch:     orch,
		newSched: newSched,
		tools:    tools,
		logger:   logger,
		loops:    make(map[string]context.CancelFunc),
	}
}

// StartProject turns the project's autopilot on and launches its scheduler
// loop. Starting an already-running project is a no-op beyond re-emitting
// autopilot_started.
func (m *SchedulerManager) StartProject(ctx context.Context, projectID string) error {
	project, err := m.orch.store.GetProject(projectID)
	if err != nil {
		return err
	}

	tools, err := m.tools(project)
	if err != nil {
		return fmt.Errorf("failed to build toolset for project %s: %w", projectID, err)
	}

	if err := m.orch.StartAutopilot(projectID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.loops[projectID]; running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.loops[projectID] = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.newSched().Run(loopCtx, projectID, tools)

		m.mu.Lock()
		delete(m.loops, projectID)
		m.mu.Unlock()
		cancel()
	}()

	return nil
}

// StopProject turns the project's autopilot off. The loop observes the flag
// at its next boundary and exits; an in-flight step completes first.
func (m *SchedulerManager) StopProject(projectID, reason string) {
	m.orch.StopAutopilot(projectID, reason)
}

// AutopilotStatus reports the project's derived autopilot aggregate.
func (m *SchedulerManager) AutopilotStatus(projectID string) (*pipeline.AutopilotStatus, error) {
	return m.orch.AutopilotStatus(projectID)
}

// Shutdown stops every loop and waits for in-flight steps to finish.
func (m *SchedulerManager) Shutdown() {
	m.mu.Lock()
	for projectID, cancel := range m.loops {
		m.orch.StopAutopilot(projectID, StopReasonManual)
		cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("All scheduler loops stopped")
}
