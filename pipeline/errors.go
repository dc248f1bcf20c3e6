package pipeline

import "errors"

// Sentinel errors the store and gateways surface instead of raw driver
// errors. The HTTP layer maps them to status codes with errors.Is.
var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrHistoryNotFound  = errors.New("history record not found")

	// ErrDuplicateRepo means a project already exists for the repo.
	ErrDuplicateRepo = errors.New("project with this repo already exists")

	// ErrPipelineExists means an active pipeline already exists for the
	// (project, ticket) pair.
	ErrPipelineExists = errors.New("active pipeline already exists for ticket")

	// ErrProjectHasActivePipelines blocks deleting a project while any of
	// its pipelines is in a non-terminal state.
	ErrProjectHasActivePipelines = errors.New("project has active pipelines")

	ErrTicketNotFound = errors.New("ticket not found")
	ErrColumnNotFound = errors.New("column not found")
)
