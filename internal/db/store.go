package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arctek/vibecc/pipeline"
)

// Store implements pipeline.Store using SQLite.
type Store struct {
	db *DB
}

// NewStore creates a new SQLite-backed store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

var _ pipeline.Store = (*Store)(nil)

// --- Project Operations ---

// CreateProject creates a new project. The id and timestamps are assigned
// here; an empty base branch defaults to main.
func (s *Store) CreateProject(p *pipeline.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.BaseBranch == "" {
		p.BaseBranch = pipeline.DefaultBaseBranch
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, repo, base_branch, board, max_retries_ci, max_retries_review, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Repo, p.BaseBranch, nullString(p.Board), p.MaxRetriesCI, p.MaxRetriesReview, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "projects.repo") {
			return pipeline.ErrDuplicateRepo
		}
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id string) (*pipeline.Project, error) {
	row := s.db.QueryRow(`
		SELECT id, name, repo, base_branch, board, max_retries_ci, max_retries_review, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)
	return scanProject(row)
}

// GetProjectByRepo retrieves a project by its owner/name repo string.
func (s *Store) GetProjectByRepo(repo string) (*pipeline.Project, error) {
	row := s.db.QueryRow(`
		SELECT id, name, repo, base_branch, board, max_retries_ci, max_retries_review, created_at, updated_at
		FROM projects WHERE repo = ?
	`, repo)
	return scanProject(row)
}

// ListProjects retrieves all projects, most recent first.
func (s *Store) ListProjects() ([]pipeline.Project, error) {
	rows, err := s.db.Query(`
		SELECT id, name, repo, base_branch, board, max_retries_ci, max_retries_review, created_at, updated_at
		FROM projects ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []pipeline.Project
	for rows.Next() {
		var p pipeline.Project
		var board sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Repo, &p.BaseBranch, &board,
			&p.MaxRetriesCI, &p.MaxRetriesReview, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.Board = board.String
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject updates a project in place.
func (s *Store) UpdateProject(p *pipeline.Project) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE projects SET name = ?, repo = ?, base_branch = ?, board = ?,
			max_retries_ci = ?, max_retries_review = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, p.Repo, p.BaseBranch, nullString(p.Board), p.MaxRetriesCI, p.MaxRetriesReview, p.UpdatedAt, p.ID)
	if err != nil {
		if isUniqueViolation(err, "projects.repo") {
			return pipeline.ErrDuplicateRepo
		}
		return fmt.Errorf("failed to update project: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return pipeline.ErrProjectNotFound
	}
	return nil
}

// DeleteProject deletes a project. Deletion is refused while any of the
// project's pipelines is in a non-terminal state; otherwise pipelines cascade.
func (s *Store) DeleteProject(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM pipelines
		WHERE project_id = ? AND state NOT IN ('merged', 'failed')
	`, id).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to count active pipelines: %w", err)
	}
	if active > 0 {
		return pipeline.ErrProjectHasActivePipelines
	}

	res, err := tx.Exec("DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return pipeline.ErrProjectNotFound
	}

	return tx.Commit()
}

// --- Pipeline Operations ---

// CreatePipeline creates a new active pipeline in state queued with zero
// retries.
func (s *Store) CreatePipeline(projectID, ticketID, ticketTitle, ticketBody, branchName string) (*pipeline.Pipeline, error) {
	if _, err := s.GetProject(projectID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &pipeline.Pipeline{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		TicketID:    ticketID,
		TicketTitle: ticketTitle,
		TicketBody:  ticketBody,
		BranchName:  branchName,
		State:       pipeline.StateQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.Exec(`
		INSERT INTO pipelines (id, project_id, ticket_id, ticket_title, ticket_body, branch_name, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ProjectID, p.TicketID, p.TicketTitle, nullString(p.TicketBody), p.BranchName, p.State, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "pipelines.project_id") {
			return nil, pipeline.ErrPipelineExists
		}
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return p, nil
}

// GetPipeline retrieves an active pipeline by ID.
func (s *Store) GetPipeline(id string) (*pipeline.Pipeline, error) {
	row := s.db.QueryRow(pipelineSelect+" WHERE id = ?", id)
	return scanPipeline(row)
}

// GetPipelineByTicket retrieves the active pipeline for a (project, ticket).
func (s *Store) GetPipelineByTicket(projectID, ticketID string) (*pipeline.Pipeline, error) {
	row := s.db.QueryRow(pipelineSelect+" WHERE project_id = ? AND ticket_id = ?", projectID, ticketID)
	return scanPipeline(row)
}

// ListPipelines retrieves active pipelines, most recent first.
func (s *Store) ListPipelines(f pipeline.PipelineFilter) ([]pipeline.Pipeline, error) {
	query := pipelineSelect
	var conds []string
	var args []any
	if f.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, f.State)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []pipeline.Pipeline
	for rows.Next() {
		p, err := scanPipelineRows(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, *p)
	}
	return pipelines, rows.Err()
}

// UpdatePipeline applies a partial update atomically and bumps updated_at.
func (s *Store) UpdatePipeline(id string, u pipeline.Update) (*pipeline.Pipeline, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if u.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, *u.State)
	}
	if u.PRID != nil {
		sets = append(sets, "pr_id = ?")
		args = append(args, nullString(*u.PRID))
	}
	if u.PRURL != nil {
		sets = append(sets, "pr_url = ?")
		args = append(args, nullString(*u.PRURL))
	}
	if u.RetryCountCI != nil {
		sets = append(sets, "retry_count_ci = ?")
		args = append(args, *u.RetryCountCI)
	}
	if u.RetryCountReview != nil {
		sets = append(sets, "retry_count_review = ?")
		args = append(args, *u.RetryCountReview)
	}
	if u.Feedback != nil {
		sets = append(sets, "feedback = ?")
		args = append(args, nullString(*u.Feedback))
	}
	args = append(args, id)

	res, err := s.db.Exec("UPDATE pipelines SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update pipeline: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, pipeline.ErrPipelineNotFound
	}
	return s.GetPipeline(id)
}

// DeletePipeline hard-deletes an active pipeline row. Used only after the
// row has been archived to history.
func (s *Store) DeletePipeline(id string) error {
	res, err := s.db.Exec("DELETE FROM pipelines WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return pipeline.ErrPipelineNotFound
	}
	return nil
}

// CountPipelines counts a project's active pipelines in the given states.
// With no states it counts all of the project's active rows.
func (s *Store) CountPipelines(projectID string, states ...pipeline.State) (int, error) {
	query := "SELECT COUNT(*) FROM pipelines WHERE project_id = ?"
	args := []any{projectID}
	if len(states) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
		query += " AND state IN (" + placeholders + ")"
		for _, st := range states {
			args = append(args, st)
		}
	}

	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pipelines: %w", err)
	}
	return count, nil
}

// --- History Operations ---

// SaveToHistory inserts the immutable completion record for a pipeline. The
// record is keyed by the active pipeline's id, so re-archiving the same
// pipeline refreshes the existing row instead of duplicating it.
func (s *Store) SaveToHistory(p *pipeline.Pipeline, finalState pipeline.State, completedAt time.Time) (*pipeline.History, error) {
	h := &pipeline.History{
		ID:                 uuid.New().String(),
		PipelineID:         p.ID,
		ProjectID:          p.ProjectID,
		TicketID:           p.TicketID,
		TicketTitle:        p.TicketTitle,
		BranchName:         p.BranchName,
		PRID:               p.PRID,
		PRURL:              p.PRURL,
		FinalState:         finalState,
		StartedAt:          p.CreatedAt,
		CompletedAt:        completedAt,
		DurationSeconds:    completedAt.Sub(p.CreatedAt).Seconds(),
		TotalRetriesCI:     p.RetryCountCI,
		TotalRetriesReview: p.RetryCountReview,
	}

	_, err := s.db.Exec(`
		INSERT INTO pipeline_history (id, pipeline_id, project_id, ticket_id, ticket_title, branch_name,
			pr_id, pr_url, final_state, started_at, completed_at, duration_seconds,
			total_retries_ci, total_retries_review)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_id) DO UPDATE SET
			final_state = excluded.final_state,
			completed_at = excluded.completed_at,
			duration_seconds = excluded.duration_seconds,
			total_retries_ci = excluded.total_retries_ci,
			total_retries_review = excluded.total_retries_review
	`, h.ID, h.PipelineID, h.ProjectID, h.TicketID, h.TicketTitle, h.BranchName,
		nullString(h.PRID), nullString(h.PRURL), h.FinalState, h.StartedAt, h.CompletedAt,
		h.DurationSeconds, h.TotalRetriesCI, h.TotalRetriesReview)
	if err != nil {
		return nil, fmt.Errorf("failed to save history: %w", err)
	}
	return h, nil
}

// GetHistory retrieves completion records, most recent first.
func (s *Store) GetHistory(f pipeline.HistoryFilter) ([]pipeline.History, error) {
	query := `
		SELECT id, pipeline_id, project_id, ticket_id, ticket_title, branch_name,
			pr_id, pr_url, final_state, started_at, completed_at, duration_seconds,
			total_retries_ci, total_retries_review
		FROM pipeline_history`
	var conds []string
	var args []any
	if f.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.FinalState != "" {
		conds = append(conds, "final_state = ?")
		args = append(args, f.FinalState)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY completed_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []pipeline.History
	for rows.Next() {
		var h pipeline.History
		var prID, prURL sql.NullString
		if err := rows.Scan(&h.ID, &h.PipelineID, &h.ProjectID, &h.TicketID, &h.TicketTitle,
			&h.BranchName, &prID, &prURL, &h.FinalState, &h.StartedAt, &h.CompletedAt,
			&h.DurationSeconds, &h.TotalRetriesCI, &h.TotalRetriesReview); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		h.PRID = prID.String
		h.PRURL = prURL.String
		records = append(records, h)
	}
	return records, rows.Err()
}

// GetHistoryStats aggregates completion records. An empty project filter
// aggregates across all projects; empty sets yield zeros.
func (s *Store) GetHistoryStats(projectID string) (pipeline.HistoryStats, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN final_state = 'merged' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN final_state = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(duration_seconds), 0),
			COALESCE(AVG(total_retries_ci), 0),
			COALESCE(AVG(total_retries_review), 0)
		FROM pipeline_history`
	var args []any
	if projectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, projectID)
	}

	var stats pipeline.HistoryStats
	err := s.db.QueryRow(query, args...).Scan(&stats.TotalCompleted, &stats.TotalMerged,
		&stats.TotalFailed, &stats.AvgDurationSeconds, &stats.AvgRetriesCI, &stats.AvgRetriesReview)
	if err != nil {
		return pipeline.HistoryStats{}, fmt.Errorf("failed to query history stats: %w", err)
	}
	return stats, nil
}

// --- Helpers ---

const pipelineSelect = `
	SELECT id, project_id, ticket_id, ticket_title, ticket_body, branch_name,
		pr_id, pr_url, retry_count_ci, retry_count_review, feedback, state,
		created_at, updated_at
	FROM pipelines`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*pipeline.Project, error) {
	var p pipeline.Project
	var board sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Repo, &p.BaseBranch, &board,
		&p.MaxRetriesCI, &p.MaxRetriesReview, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, pipeline.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	p.Board = board.String
	return &p, nil
}

func scanPipeline(row rowScanner) (*pipeline.Pipeline, error) {
	p, err := scanPipelineRow(row)
	if err == sql.ErrNoRows {
		return nil, pipeline.ErrPipelineNotFound
	}
	return p, err
}

func scanPipelineRows(rows *sql.Rows) (*pipeline.Pipeline, error) {
	p, err := scanPipelineRow(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pipeline: %w", err)
	}
	return p, nil
}

func scanPipelineRow(row rowScanner) (*pipeline.Pipeline, error) {
	var p pipeline.Pipeline
	var body, prID, prURL, feedback sql.NullString
	err := row.Scan(&p.ID, &p.ProjectID, &p.TicketID, &p.TicketTitle, &body, &p.BranchName,
		&prID, &prURL, &p.RetryCountCI, &p.RetryCountReview, &feedback, &p.State,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.TicketBody = body.String
	p.PRID = prID.String
	p.PRURL = prURL.String
	p.Feedback = feedback.String
	return &p, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure on
// the given column prefix. modernc.org/sqlite surfaces constraint errors as
// formatted strings, not typed values.
func isUniqueViolation(err error, column string) bool {
	return err != nil &&
		strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), column)
}
