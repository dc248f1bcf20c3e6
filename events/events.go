// Package events provides the typed domain event bus behind the SSE stream.
// Emission is fire-and-forget: a subscriber whose queue is full is skipped so
// the pipeline workers are never blocked by a slow operator console.
package events

import (
	"time"

	"github.com/arctek/vibecc/pipeline"
)

// Type identifies a domain event.
type Type string

const (
	TypePipelineCreated   Type = "pipeline_created"
	TypePipelineUpdated   Type = "pipeline_updated"
	TypePipelineCompleted Type = "pipeline_completed"
	TypeAutopilotStarted  Type = "autopilot_started"
	TypeAutopilotStopped  Type = "autopilot_stopped"
	TypeLog               Type = "log"
	TypeHeartbeat         Type = "heartbeat"
)

// LogLevel is the severity of a log event.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// Event is one message on the bus. ProjectID is used for subscription
// filtering; heartbeats carry none and bypass filters.
type Event struct {
	Type      Type      `json:"type"`
	ProjectID string    `json:"project_id,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// PipelineCreated announces a newly admitted pipeline.
type PipelineCreated struct {
	PipelineID string         `json:"pipeline_id"`
	ProjectID  string         `json:"project_id"`
	TicketID   string         `json:"ticket_id"`
	State      pipeline.State `json:"state"`
}

// PipelineUpdated announces a state transition.
type PipelineUpdated struct {
	PipelineID    string         `json:"pipeline_id"`
	State         pipeline.State `json:"state"`
	PreviousState pipeline.State `json:"previous_state"`
}

// PipelineCompleted announces a terminal arrival, before archival.
type PipelineCompleted struct {
	PipelineID string         `json:"pipeline_id"`
	FinalState pipeline.State `json:"final_state"`
}

// AutopilotStarted announces the runtime flag being set.
type AutopilotStarted struct {
	ProjectID string `json:"project_id"`
}

// AutopilotStopped announces the runtime flag being cleared.
type AutopilotStopped struct {
	ProjectID string `json:"project_id"`
	Reason    string `json:"reason"`
}

// Log is a human-readable progress message for the operator stream.
type Log struct {
	PipelineID string    `json:"pipeline_id"`
	Level      LogLevel  `json:"level"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Heartbeat keeps idle SSE connections alive.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}
