package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arctek/vibecc/events"
	"github.com/arctek/vibecc/internal/db"
	"github.com/arctek/vibecc/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAutopilot satisfies Autopilot without running scheduler loops.
type fakeAutopilot struct {
	store   pipeline.Store
	running map[string]bool
}

func (f *fakeAutopilot) StartProject(_ context.Context, projectID string) error {
	if _, err := f.store.GetProject(projectID); err != nil {
		return err
	}
	f.running[projectID] = true
	return nil
}

func (f *fakeAutopilot) StopProject(projectID, reason string) {
	delete(f.running, projectID)
}

func (f *fakeAutopilot) AutopilotStatus(projectID string) (*pipeline.AutopilotStatus, error) {
	if _, err := f.store.GetProject(projectID); err != nil {
		return nil, err
	}
	return &pipeline.AutopilotStatus{Running: f.running[projectID]}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, pipeline.Store, *events.Bus) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "vibecc.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := db.NewStore(database)
	bus := events.NewBus(testLogger())
	autopilot := &fakeAutopilot{store: store, running: make(map[string]bool)}

	srv := httptest.NewServer(NewServer("", store, autopilot, bus, testLogger()).Router())
	t.Cleanup(srv.Close)
	return srv, store, bus
}

func doJSON(t *testing.T, method, url string, body string) (*http.Response, envelope) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var env envelope
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("%s %s: decode envelope: %v", method, url, err)
		}
	}
	return resp, env
}

func createTestProject(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/projects",
		`{"name": "Widgets", "repo": "acme/widgets", "max_retries_ci": 3}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d, error %v", resp.StatusCode, env.Error)
	}
	return env.Data.(map[string]any)["id"].(string)
}

func TestCreateProject(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/projects",
		`{"name": "Widgets", "repo": "acme/widgets"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if env.Error != nil {
		t.Fatalf("error = %q, want null", *env.Error)
	}

	data := env.Data.(map[string]any)
	if data["id"] == "" {
		t.Error("no id assigned")
	}
	if data["base_branch"] != "main" {
		t.Errorf("base_branch = %v, want default main", data["base_branch"])
	}
}

func TestCreateProjectValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing name", `{"repo": "acme/widgets"}`},
		{"bad repo", `{"name": "X", "repo": "no-slash"}`},
		{"negative retries", `{"name": "X", "repo": "a/b", "max_retries_ci": -1}`},
		{"bad json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/projects", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if env.Error == nil {
				t.Error("no error message in envelope")
			}
		})
	}
}

func TestCreateProjectDuplicateRepo(t *testing.T) {
	srv, _, _ := newTestServer(t)
	createTestProject(t, srv)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/projects",
		`{"name": "Again", "repo": "acme/widgets"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/projects/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if env.Data != nil {
		t.Errorf("data = %v, want null on error", env.Data)
	}
}

func TestUpdateProject(t *testing.T) {
	srv, _, _ := newTestServer(t)
	id := createTestProject(t, srv)

	resp, env := doJSON(t, http.MethodPatch, srv.URL+"/api/v1/projects/"+id,
		`{"max_retries_ci": 5, "base_branch": "develop"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data := env.Data.(map[string]any)
	if data["max_retries_ci"] != float64(5) || data["base_branch"] != "develop" {
		t.Errorf("updated project = %v", data)
	}
	if data["name"] != "Widgets" {
		t.Errorf("name = %v, want untouched", data["name"])
	}
}

func TestDeleteProjectWithActivePipelineConflicts(t *testing.T) {
	srv, store, _ := newTestServer(t)
	id := createTestProject(t, srv)

	if _, err := store.CreatePipeline(id, "42", "Add widget", "", "ticket-42"); err != nil {
		t.Fatalf("create pipeline: %v", err)
	}

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/projects/"+id, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestDeleteProject(t *testing.T) {
	srv, _, _ := newTestServer(t)
	id := createTestProject(t, srv)

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/projects/"+id, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/projects/"+id, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", resp.StatusCode)
	}
}

func TestListPipelinesFiltered(t *testing.T) {
	srv, store, _ := newTestServer(t)
	id := createTestProject(t, srv)

	if _, err := store.CreatePipeline(id, "42", "Add widget", "", "ticket-42"); err != nil {
		t.Fatal(err)
	}

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/pipelines?project_id="+id+"&state=queued", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if rows := env.Data.([]any); len(rows) != 1 {
		t.Errorf("rows = %d, want 1", len(rows))
	}

	resp, env = doJSON(t, http.MethodGet, srv.URL+"/api/v1/pipelines?state=coding", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if rows := env.Data.([]any); len(rows) != 0 {
		t.Errorf("rows = %d, want 0 (empty list, not null)", len(rows))
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/pipelines?state=bogus", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus state status = %d, want 400", resp.StatusCode)
	}
}

func TestGetPipelineByTicket(t *testing.T) {
	srv, store, _ := newTestServer(t)
	id := createTestProject(t, srv)

	if _, err := store.CreatePipeline(id, "42", "Add widget", "", "ticket-42"); err != nil {
		t.Fatal(err)
	}

	resp, env := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/projects/%s/tickets/42/pipeline", srv.URL, id), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if env.Data.(map[string]any)["ticket_id"] != "42" {
		t.Errorf("pipeline = %v", env.Data)
	}

	resp, _ = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/projects/%s/tickets/99/pipeline", srv.URL, id), "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown ticket status = %d, want 404", resp.StatusCode)
	}
}

func TestHistoryStatsEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/history/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data := env.Data.(map[string]any)
	if data["total_completed"] != float64(0) || data["avg_duration_seconds"] != float64(0) {
		t.Errorf("empty stats = %v, want zeros", data)
	}
}

func TestAutopilotLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)
	id := createTestProject(t, srv)

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/projects/"+id+"/autopilot", "")
	if resp.StatusCode != http.StatusOK || env.Data.(map[string]any)["running"] != false {
		t.Fatalf("initial status = %d %v, want 200 not running", resp.StatusCode, env.Data)
	}

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/v1/projects/"+id+"/autopilot/start", "")
	if resp.StatusCode != http.StatusOK || env.Data.(map[string]any)["running"] != true {
		t.Fatalf("start = %d %v, want 200 running", resp.StatusCode, env.Data)
	}

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/v1/projects/"+id+"/autopilot/stop", "")
	if resp.StatusCode != http.StatusOK || env.Data.(map[string]any)["running"] != false {
		t.Fatalf("stop = %d %v, want 200 not running", resp.StatusCode, env.Data)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/projects/nope/autopilot/start", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("start unknown project = %d, want 404", resp.StatusCode)
	}
}

func TestSSEStreamDeliversFilteredEvents(t *testing.T) {
	srv, _, bus := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/v1/events/stream?project_id=p1", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Wait for the handler's subscription before emitting.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("SSE handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	bus.Emit(events.Event{Type: events.TypePipelineCreated, ProjectID: "p2",
		Payload: events.PipelineCreated{PipelineID: "other"}})
	bus.Emit(events.Event{Type: events.TypePipelineCreated, ProjectID: "p1",
		Payload: events.PipelineCreated{PipelineID: "mine", ProjectID: "p1"}})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}

	if eventLine != "event: pipeline_created" {
		t.Errorf("event line = %q", eventLine)
	}
	if !strings.Contains(dataLine, `"mine"`) {
		t.Errorf("data line = %q, want the p1 event (p2 filtered out)", dataLine)
	}
	if strings.Contains(dataLine, `"other"`) {
		t.Error("filtered event leaked through")
	}
}
