package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/arctek/vibecc/pipeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

func mustCreateProject(t *testing.T, s *Store, repo string) *pipeline.Project {
	t.Helper()
	p := &pipeline.Project{Name: "Widgets", Repo: repo, MaxRetriesCI: 3}
	if err := s.CreateProject(p); err != nil {
		t.Fatalf("create project %s: %v", repo, err)
	}
	return p
}

func TestCreateProjectDefaults(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "acme/widgets")

	if p.ID == "" {
		t.Error("no id assigned")
	}
	if p.BaseBranch != "main" {
		t.Errorf("base branch = %q, want default main", p.BaseBranch)
	}
	if p.CreatedAt.IsZero() || p.UpdatedAt.IsZero() {
		t.Error("timestamps not populated")
	}

	got, err := s.GetProject(p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Repo != "acme/widgets" || got.MaxRetriesCI != 3 {
		t.Errorf("round trip = %+v", got)
	}

	byRepo, err := s.GetProjectByRepo("acme/widgets")
	if err != nil || byRepo.ID != p.ID {
		t.Errorf("GetProjectByRepo = %+v, %v", byRepo, err)
	}
}

func TestCreateProjectDuplicateRepo(t *testing.T) {
	s := newTestStore(t)
	mustCreateProject(t, s, "acme/widgets")

	err := s.CreateProject(&pipeline.Project{Name: "Again", Repo: "acme/widgets"})
	if !errors.Is(err, pipeline.ErrDuplicateRepo) {
		t.Errorf("duplicate repo = %v, want ErrDuplicateRepo", err)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetProject("nope"); !errors.Is(err, pipeline.ErrProjectNotFound) {
		t.Errorf("GetProject = %v, want ErrProjectNotFound", err)
	}
	if err := s.UpdateProject(&pipeline.Project{ID: "nope", Repo: "a/b"}); !errors.Is(err, pipeline.ErrProjectNotFound) {
		t.Errorf("UpdateProject = %v, want ErrProjectNotFound", err)
	}
	if err := s.DeleteProject("nope"); !errors.Is(err, pipeline.ErrProjectNotFound) {
		t.Errorf("DeleteProject = %v, want ErrProjectNotFound", err)
	}
}

func TestDeleteProjectRefusedWhileActive(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "acme/widgets")

	pl, err := s.CreatePipeline(p.ID, "42", "Add widget", "", "ticket-42")
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}

	if err := s.DeleteProject(p.ID); !errors.Is(err, pipeline.ErrProjectHasActivePipelines) {
		t.Fatalf("delete with active pipeline = %v, want conflict", err)
	}

	// A terminal active row is a transient pre-archival moment and does not
	// block deletion.
	if _, err := s.UpdatePipeline(pl.ID, pipeline.Update{State: statePtr(pipeline.StateFailed)}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteProject(p.ID); err != nil {
		t.Fatalf("delete after terminal = %v", err)
	}

	// Cascade removed the pipeline row.
	if _, err := s.GetPipeline(pl.ID); !errors.Is(err, pipeline.ErrPipelineNotFound) {
		t.Errorf("pipeline after cascade = %v, want ErrPipelineNotFound", err)
	}
}

func TestCreatePipeline(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "acme/widgets")

	pl, err := s.CreatePipeline(p.ID, "42", "Add widget", "body", "ticket-42")
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if pl.State != pipeline.StateQueued || pl.RetryCountCI != 0 {
		t.Errorf("new pipeline = %+v, want queued with zero retries", pl)
	}

	if _, err := s.CreatePipeline(p.ID, "42", "Add widget", "", "ticket-42"); !errors.Is(err, pipeline.ErrPipelineExists) {
		t.Errorf("duplicate (project, ticket) = %v, want ErrPipelineExists", err)
	}
	if _, err := s.CreatePipeline("nope", "43", "X", "", "ticket-43"); !errors.Is(err, pipeline.ErrProjectNotFound) {
		t.Errorf("unknown project = %v, want ErrProjectNotFound", err)
	}

	byTicket, err := s.GetPipelineByTicket(p.ID, "42")
	if err != nil || byTicket.ID != pl.ID {
		t.Errorf("GetPipelineByTicket = %+v, %v", byTicket, err)
	}
}

func TestUpdatePipelinePartial(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "acme/widgets")
	pl, _ := s.CreatePipeline(p.ID, "42", "Add widget", "", "ticket-42")

	updated, err := s.UpdatePipeline(pl.ID, pipeline.Update{
		State:    statePtr(pipeline.StateCoding),
		Feedback: strPtr("Test failed"),
	})
	if err != nil {
		t.Fatalf("UpdatePipeline: %v", err)
	}
	if updated.State != pipeline.StateCoding || updated.Feedback != "Test failed" {
		t.Errorf("updated = %+v", updated)
	}
	if updated.BranchName != "ticket-42" {
		t.Errorf("untouched field changed: %+v", updated)
	}
	if !updated.UpdatedAt.After(pl.UpdatedAt) && !updated.UpdatedAt.Equal(pl.UpdatedAt) {
		t.Errorf("updated_at went backwards: %s -> %s", pl.UpdatedAt, updated.UpdatedAt)
	}

	// A non-nil zero value clears the column.
	cleared, err := s.UpdatePipeline(pl.ID, pipeline.Update{Feedback: strPtr("")})
	if err != nil {
		t.Fatalf("clear feedback: %v", err)
	}
	if cleared.Feedback != "" {
		t.Errorf("feedback = %q, want cleared", cleared.Feedback)
	}

	if _, err := s.UpdatePipeline("nope", pipeline.Update{}); !errors.Is(err, pipeline.ErrPipelineNotFound) {
		t.Errorf("unknown pipeline = %v, want ErrPipelineNotFound", err)
	}
}

func TestListAndCountPipelines(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "acme/widgets")
	other := mustCreateProject(t, s, "acme/gadgets")

	a, _ := s.CreatePipeline(p.ID, "1", "A", "", "ticket-1")
	if _, err := s.CreatePipeline(p.ID, "2", "B", "", "ticket-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreatePipeline(other.ID, "1", "C", "", "ticket-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.UpdatePipeline(a.ID, pipeline.Update{State: statePtr(pipeline.StateCoding)}); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListPipelines(pipeline.PipelineFilter{ProjectID: p.ID})
	if err != nil || len(all) != 2 {
		t.Fatalf("project list = %d rows, %v; want 2", len(all), err)
	}

	coding, err := s.ListPipelines(pipeline.PipelineFilter{ProjectID: p.ID, State: pipeline.StateCoding})
	if err != nil || len(coding) != 1 || coding[0].ID != a.ID {
		t.Errorf("coding list = %+v, %v", coding, err)
	}

	working, err := s.CountPipelines(p.ID, pipeline.WorkingStates...)
	if err != nil || working != 1 {
		t.Errorf("working count = %d, %v; want 1", working, err)
	}
	queued, err := s.CountPipelines(p.ID, pipeline.StateQueued)
	if err != nil || queued != 1 {
		t.Errorf("queued count = %d, %v; want 1", queued, err)
	}
	total, err := s.CountPipelines(p.ID)
	if err != nil || total != 2 {
		t.Errorf("total count = %d, %v; want 2", total, err)
	}
}

func TestSaveToHistoryIdempotent(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "acme/widgets")
	pl, _ := s.CreatePipeline(p.ID, "42", "Add widget", "", "ticket-42")

	pl, err := s.UpdatePipeline(pl.ID, pipeline.Update{
		State:        statePtr(pipeline.StateFailed),
		RetryCountCI: intPtr(2),
	})
	if err != nil {
		t.Fatal(err)
	}

	completedAt := time.Now().UTC()
	h, err := s.SaveToHistory(pl, pipeline.StateFailed, completedAt)
	if err != nil {
		t.Fatalf("SaveToHistory: %v", err)
	}
	if h.FinalState != pipeline.StateFailed || h.TotalRetriesCI != 2 {
		t.Errorf("history = %+v", h)
	}
	if h.DurationSeconds < 0 {
		t.Errorf("duration = %f, want non-negative", h.DurationSeconds)
	}

	// A crash between save and delete re-archives: the same pipeline id must
	// refresh the row, not duplicate it.
	if _, err := s.SaveToHistory(pl, pipeline.StateFailed, completedAt.Add(time.Second)); err != nil {
		t.Fatalf("re-archive: %v", err)
	}

	records, err := s.GetHistory(pipeline.HistoryFilter{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("history rows = %d, want 1 after re-archive", len(records))
	}
	if err := s.DeletePipeline(pl.ID); err != nil {
		t.Fatalf("DeletePipeline: %v", err)
	}
}

func TestGetHistoryFiltersAndPagination(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "acme/widgets")

	base := time.Now().UTC()
	for i, final := range []pipeline.State{pipeline.StateMerged, pipeline.StateFailed, pipeline.StateMerged} {
		pl, err := s.CreatePipeline(p.ID, string(rune('1'+i)), "T", "", "b")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.SaveToHistory(pl, final, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
		if err := s.DeletePipeline(pl.ID); err != nil {
			t.Fatal(err)
		}
	}

	merged, err := s.GetHistory(pipeline.HistoryFilter{ProjectID: p.ID, FinalState: pipeline.StateMerged})
	if err != nil || len(merged) != 2 {
		t.Fatalf("merged history = %d rows, %v; want 2", len(merged), err)
	}

	// Most recent first.
	all, _ := s.GetHistory(pipeline.HistoryFilter{ProjectID: p.ID})
	if len(all) != 3 || !all[0].CompletedAt.After(all[2].CompletedAt) {
		t.Errorf("history ordering wrong: %+v", all)
	}

	page, err := s.GetHistory(pipeline.HistoryFilter{ProjectID: p.ID, Limit: 2, Offset: 2})
	if err != nil || len(page) != 1 {
		t.Errorf("page = %d rows, %v; want 1", len(page), err)
	}
}

func TestGetHistoryStats(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "acme/widgets")

	empty, err := s.GetHistoryStats(p.ID)
	if err != nil {
		t.Fatalf("empty stats: %v", err)
	}
	if empty != (pipeline.HistoryStats{}) {
		t.Errorf("empty stats = %+v, want zeros", empty)
	}

	for i, final := range []pipeline.State{pipeline.StateMerged, pipeline.StateFailed} {
		pl, err := s.CreatePipeline(p.ID, string(rune('1'+i)), "T", "", "b")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.UpdatePipeline(pl.ID, pipeline.Update{RetryCountCI: intPtr(i * 2)}); err != nil {
			t.Fatal(err)
		}
		pl, _ = s.GetPipeline(pl.ID)
		if _, err := s.SaveToHistory(pl, final, time.Now().UTC()); err != nil {
			t.Fatal(err)
		}
		if err := s.DeletePipeline(pl.ID); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.GetHistoryStats(p.ID)
	if err != nil {
		t.Fatalf("GetHistoryStats: %v", err)
	}
	if stats.TotalCompleted != 2 || stats.TotalMerged != 1 || stats.TotalFailed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AvgRetriesCI != 1 { // (0 + 2) / 2
		t.Errorf("avg retries = %f, want 1", stats.AvgRetriesCI)
	}
}

func statePtr(s pipeline.State) *pipeline.State { return &s }
func strPtr(s string) *string                   { return &s }
func intPtr(n int) *int                         { return &n }
