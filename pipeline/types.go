// Package pipeline defines the domain model for the ticket-to-merge pipeline:
// projects, active pipelines, completed-pipeline history, and the store
// contract the orchestrator drives them through.
package pipeline

import "time"

// State represents the current stage of a pipeline.
type State string

const (
	StateQueued  State = "queued"  // Admitted, branch created, not yet coding
	StateCoding  State = "coding"  // Code-generation agent working
	StateTesting State = "testing" // Branch pushed, PR open, waiting on CI
	StateReview  State = "review"  // Reserved; no transition enters it yet
	StateMerged  State = "merged"  // Terminal: PR merged, ticket closed
	StateFailed  State = "failed"  // Terminal: coding failed or retries exhausted
)

// Terminal reports whether the state is a terminal one.
func (s State) Terminal() bool {
	return s == StateMerged || s == StateFailed
}

// Working reports whether the state counts toward a project's working set.
func (s State) Working() bool {
	return s == StateCoding || s == StateTesting || s == StateReview
}

// WorkingStates are the states that count toward per-project concurrency.
var WorkingStates = []State{StateCoding, StateTesting, StateReview}

// ValidState reports whether s is one of the six known states.
func ValidState(s State) bool {
	switch s {
	case StateQueued, StateCoding, StateTesting, StateReview, StateMerged, StateFailed:
		return true
	}
	return false
}

// Project is the configuration for one target repository.
type Project struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Repo             string    `json:"repo"` // owner/name, unique
	BaseBranch       string    `json:"base_branch"`
	Board            string    `json:"board,omitempty"` // External kanban board reference
	MaxRetriesCI     int       `json:"max_retries_ci"`
	MaxRetriesReview int       `json:"max_retries_review"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DefaultBaseBranch is applied when a project is created without one.
const DefaultBaseBranch = "main"

// Pipeline is one in-flight ticket's transit through the state machine.
// At most one active pipeline exists per (project, ticket).
type Pipeline struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	TicketID         string    `json:"ticket_id"`
	TicketTitle      string    `json:"ticket_title"`
	TicketBody       string    `json:"ticket_body,omitempty"`
	BranchName       string    `json:"branch_name"`
	PRID             string    `json:"pr_id,omitempty"`
	PRURL            string    `json:"pr_url,omitempty"`
	RetryCountCI     int       `json:"retry_count_ci"`
	RetryCountReview int       `json:"retry_count_review"`
	Feedback         string    `json:"feedback,omitempty"` // Most recent failure context for the coder
	State            State     `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// History is the immutable record of a completed pipeline.
type History struct {
	ID                 string    `json:"id"`
	PipelineID         string    `json:"pipeline_id"` // Original active pipeline id, unique
	ProjectID          string    `json:"project_id"`
	TicketID           string    `json:"ticket_id"`
	TicketTitle        string    `json:"ticket_title"`
	BranchName         string    `json:"branch_name"`
	PRID               string    `json:"pr_id,omitempty"`
	PRURL              string    `json:"pr_url,omitempty"`
	FinalState         State     `json:"final_state"` // merged or failed
	StartedAt          time.Time `json:"started_at"`
	CompletedAt        time.Time `json:"completed_at"`
	DurationSeconds    float64   `json:"duration_seconds"`
	TotalRetriesCI     int       `json:"total_retries_ci"`
	TotalRetriesReview int       `json:"total_retries_review"`
}

// HistoryStats aggregates completed pipelines. Empty sets yield zeros.
type HistoryStats struct {
	TotalCompleted     int     `json:"total_completed"`
	TotalMerged        int     `json:"total_merged"`
	TotalFailed        int     `json:"total_failed"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	AvgRetriesCI       float64 `json:"avg_retries_ci"`
	AvgRetriesReview   float64 `json:"avg_retries_review"`
}

// AutopilotStatus is the derived per-project runtime aggregate. The running
// flag is process-local and intentionally not persisted; autopilot is off
// after a restart.
type AutopilotStatus struct {
	Running         bool `json:"running"`
	ActivePipelines int  `json:"active_pipelines"` // coding|testing|review
	QueuedTickets   int  `json:"queued_tickets"`   // queued
}
