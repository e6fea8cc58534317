package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kinohq/kino/internal/model"
)

func createTask(t *testing.T, ts *httptest.Server, body string) model.Task {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var task model.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func postEmpty(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestCreateTaskValid(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTask(t, ts, `{"name":"render","type":"fake","input":{"prompt":"hi"}}`)

	if len(task.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(task.ID))
	}
	if task.Status != model.StatusPending {
		t.Errorf("Status = %q, want %q", task.Status, model.StatusPending)
	}
	if task.Type != "fake" {
		t.Errorf("Type = %q, want %q", task.Type, "fake")
	}
}

func TestCreateTaskUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/tasks", "application/json",
		bytes.NewBufferString(`{"type":"nonexistent"}`))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateTaskMissingType(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/tasks", "application/json",
		bytes.NewBufferString(`{"name":"no type"}`))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/01JUNKJUNKJUNKJUNKJUNKJUNK")
	if err != nil {
		t.Fatalf("GET task: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStartTaskLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTask(t, ts, `{"type":"fake"}`)

	resp := postEmpty(t, ts.URL+"/v1/tasks/"+task.ID+"/start")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202", resp.StatusCode)
	}

	done := waitForTaskStatus(t, ts, task.ID, model.StatusCompleted)
	if done.Progress != 100 {
		t.Errorf("progress = %v, want 100", done.Progress)
	}
}

func TestStartTaskConflictWhenNotPending(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTask(t, ts, `{"type":"fake"}`)

	resp := postEmpty(t, ts.URL+"/v1/tasks/"+task.ID+"/start")
	resp.Body.Close()
	waitForTaskStatus(t, ts, task.ID, model.StatusCompleted)

	again := postEmpty(t, ts.URL+"/v1/tasks/"+task.ID+"/start")
	defer again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Errorf("restart status = %d, want 409", again.StatusCode)
	}
}

func TestStartTaskNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postEmpty(t, ts.URL+"/v1/tasks/01JUNKJUNKJUNKJUNKJUNKJUNK/start")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStopRunningTask(t *testing.T) {
	srv, p := newTestServer(t)
	p.release = make(chan struct{})
	p.started = make(chan struct{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTask(t, ts, `{"type":"fake"}`)
	resp := postEmpty(t, ts.URL+"/v1/tasks/"+task.ID+"/start")
	resp.Body.Close()
	<-p.started

	stopResp := postEmpty(t, ts.URL+"/v1/tasks/"+task.ID+"/stop")
	defer stopResp.Body.Close()
	if stopResp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", stopResp.StatusCode)
	}

	var stopped model.Task
	if err := json.NewDecoder(stopResp.Body).Decode(&stopped); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stopped.Status != model.StatusStopped {
		t.Errorf("status = %q, want %q", stopped.Status, model.StatusStopped)
	}
	if stopped.Error == "" {
		t.Error("expected stopped task to carry an error message")
	}

	close(p.release)
}

func TestStopPendingTaskConflicts(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTask(t, ts, `{"type":"fake"}`)

	resp := postEmpty(t, ts.URL+"/v1/tasks/"+task.ID+"/stop")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestProgressEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTask(t, ts, `{"type":"fake"}`)

	resp, err := http.Get(ts.URL + "/v1/tasks/" + task.ID + "/progress")
	if err != nil {
		t.Fatalf("GET progress: %v", err)
	}
	defer resp.Body.Close()

	var prog progressResponse
	if err := json.NewDecoder(resp.Body).Decode(&prog); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if prog.TaskID != task.ID || prog.Status != model.StatusPending || prog.Progress != 0 {
		t.Errorf("unexpected progress response %+v", prog)
	}
	if prog.Live {
		t.Error("pending task must not report live progress")
	}
}

func TestListTasksFilterByStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	createTask(t, ts, `{"type":"fake"}`)
	done := createTask(t, ts, `{"type":"fake"}`)
	resp := postEmpty(t, ts.URL+"/v1/tasks/"+done.ID+"/start")
	resp.Body.Close()
	waitForTaskStatus(t, ts, done.ID, model.StatusCompleted)

	listResp, err := http.Get(ts.URL + "/v1/tasks?status=pending")
	if err != nil {
		t.Fatalf("GET tasks: %v", err)
	}
	defer listResp.Body.Close()

	var list listTasksResponse
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 1 {
		t.Fatalf("total = %d, want 1 pending task", list.Total)
	}
	if list.Tasks[0].Status != model.StatusPending {
		t.Errorf("status = %q, want pending", list.Tasks[0].Status)
	}
}

func TestClearPending(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	createTask(t, ts, `{"type":"fake"}`)
	createTask(t, ts, `{"type":"fake"}`)

	resp := postEmpty(t, ts.URL+"/v1/tasks/clear-pending")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["cleared"] != 2 {
		t.Errorf("cleared = %d, want 2", body["cleared"])
	}
}

func TestEmergencyStop(t *testing.T) {
	srv, p := newTestServer(t)
	p.release = make(chan struct{})
	p.started = make(chan struct{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	running := createTask(t, ts, `{"type":"fake"}`)
	resp := postEmpty(t, ts.URL+"/v1/tasks/"+running.ID+"/start")
	resp.Body.Close()
	<-p.started

	createTask(t, ts, `{"type":"fake"}`)

	stopResp := postEmpty(t, ts.URL+"/v1/system/emergency-stop")
	defer stopResp.Body.Close()
	if stopResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", stopResp.StatusCode)
	}

	var counts map[string]int
	if err := json.NewDecoder(stopResp.Body).Decode(&counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counts["stopped"] != 1 || counts["cleared"] != 1 {
		t.Errorf("counts = %v, want stopped=1 cleared=1", counts)
	}

	close(p.release)
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTask(t, ts, `{"type":"fake"}`)
	resp := postEmpty(t, ts.URL+"/v1/tasks/"+task.ID+"/start")
	resp.Body.Close()
	waitForTaskStatus(t, ts, task.ID, model.StatusCompleted)

	statsResp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer statsResp.Body.Close()

	var stats statsResponse
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("total = %d, want 1", stats.Total)
	}
	if stats.ByStatus[model.StatusCompleted] != 1 {
		t.Errorf("by_status = %v, want 1 completed", stats.ByStatus)
	}
	if stats.ByType["fake"] != 1 {
		t.Errorf("by_type = %v, want 1 fake", stats.ByType)
	}
}
