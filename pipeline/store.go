package pipeline

import "time"

// PipelineFilter narrows ListPipelines. Zero values mean no filter.
type PipelineFilter struct {
	ProjectID string
	State     State
}

// HistoryFilter narrows GetHistory. Limit of zero means no limit.
type HistoryFilter struct {
	ProjectID  string
	FinalState State
	Limit      int
	Offset     int
}

// Update is a partial pipeline update. Nil fields are left untouched; a
// non-nil pointer to the zero value clears the column.
type Update struct {
	State            *State
	PRID             *string
	PRURL            *string
	RetryCountCI     *int
	RetryCountReview *int
	Feedback         *string
}

// Store is the durable persistence contract. Implementations must make every
// write atomic and surface the typed errors from errors.go rather than raw
// driver errors. Listing is ordered most-recent-first.
type Store interface {
	CreateProject(p *Project) error
	GetProject(id string) (*Project, error)
	GetProjectByRepo(repo string) (*Project, error)
	ListProjects() ([]Project, error)
	UpdateProject(p *Project) error
	DeleteProject(id string) error

	CreatePipeline(projectID, ticketID, ticketTitle, ticketBody, branchName string) (*Pipeline, error)
	GetPipeline(id string) (*Pipeline, error)
	GetPipelineByTicket(projectID, ticketID string) (*Pipeline, error)
	ListPipelines(f PipelineFilter) ([]Pipeline, error)
	UpdatePipeline(id string, u Update) (*Pipeline, error)
	DeletePipeline(id string) error
	CountPipelines(projectID string, states ...State) (int, error)

	// SaveToHistory inserts (or, for a re-archived pipeline, refreshes) the
	// immutable completion record keyed by the pipeline's id. It does not
	// delete the active row; Archive callers do that separately.
	SaveToHistory(p *Pipeline, finalState State, completedAt time.Time) (*History, error)
	GetHistory(f HistoryFilter) ([]History, error)
	GetHistoryStats(projectID string) (HistoryStats, error)
}
