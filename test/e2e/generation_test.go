package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	taskTimeout    = 30 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd       *exec.Cmd
	stdout    *lockedBuffer
	url       string
	framesDir string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "kino-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "kino")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/kino")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func startServer(t *testing.T, binary string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	framesDir := filepath.Join(t.TempDir(), "frames")

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"KINO_LISTEN_ADDR="+addr,
		"KINO_DB_PATH="+dbPath,
		"KINO_FRAMES_DIR="+framesDir,
		"KINO_LOG_LEVEL=info",
		"KINO_STEP_DELAY_MS=5",
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:       cmd,
		stdout:    stdout,
		url:       "http://" + addr,
		framesDir: framesDir,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func postJSON(t *testing.T, url, payload string) map[string]any {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST %s status = %d\nbody: %s", url, resp.StatusCode, body)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func waitForTask(t *testing.T, sp *serverProc, id, status string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(taskTimeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		last = getJSON(t, sp.url+"/v1/tasks/"+id)
		if last["status"] == status {
			return last
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("task %s never reached %q, last: %v\nstdout:\n%s", id, status, last, sp.stdout.String())
	return nil
}

func TestServerStartsAndReportsHealth(t *testing.T) {
	sp := startServer(t, getBinary(t))

	body := getJSON(t, sp.url+"/healthz")
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	metrics, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(metrics), "kino_http_requests_total") {
		t.Error("metrics output missing kino_http_requests_total")
	}
	if !strings.Contains(string(metrics), "kino_tasks_submitted_total") {
		t.Error("metrics output missing kino_tasks_submitted_total")
	}
}

func TestFullGenerationFlow(t *testing.T) {
	sp := startServer(t, getBinary(t))

	project := postJSON(t, sp.url+"/v1/projects", `{"name":"e2e"}`)
	projectID := project["id"].(string)

	task := postJSON(t, sp.url+"/v1/tasks", fmt.Sprintf(
		`{"name":"render","type":"diffusion","input":{"prompt":"a river","model_name":"sdxl-base","project_id":%q,"seed":100,"num_variants":2,"steps":5}}`,
		projectID))
	taskID := task["id"].(string)
	if task["status"] != "pending" {
		t.Fatalf("status = %v, want pending", task["status"])
	}

	postJSON(t, sp.url+"/v1/tasks/"+taskID+"/start", "")
	done := waitForTask(t, sp, taskID, "completed")

	if done["progress"].(float64) != 100 {
		t.Errorf("progress = %v, want 100", done["progress"])
	}

	var result map[string]any
	if raw, ok := done["result"].(map[string]any); ok {
		result = raw
	} else {
		t.Fatalf("result = %v, want object", done["result"])
	}
	frames, ok := result["frames"].([]any)
	if !ok || len(frames) != 2 {
		t.Fatalf("result frames = %v, want 2", result["frames"])
	}

	// Frame records point at final artifacts on disk, grouped by a shared id.
	resp, err := http.Get(sp.url + "/v1/projects/" + projectID + "/frames")
	if err != nil {
		t.Fatalf("GET frames: %v", err)
	}
	var frameList []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&frameList); err != nil {
		t.Fatalf("decode frames: %v", err)
	}
	resp.Body.Close()
	if len(frameList) != 2 {
		t.Fatalf("frame count = %d, want 2", len(frameList))
	}
	group := frameList[0]["group_id"]
	for _, f := range frameList {
		if f["group_id"] != group {
			t.Errorf("frame groups differ: %v vs %v", f["group_id"], group)
		}
		path := f["path"].(string)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("artifact missing: %v", err)
		}
		if _, err := os.Stat(path + ".params.json"); err != nil {
			t.Errorf("sidecar missing: %v", err)
		}
	}

	stats := getJSON(t, sp.url+"/v1/stats")
	if stats["total"].(float64) != 1 {
		t.Errorf("stats total = %v, want 1", stats["total"])
	}
}

func TestStopAndEmergencyStop(t *testing.T) {
	sp := startServer(t, getBinary(t))

	project := postJSON(t, sp.url+"/v1/projects", `{"name":"e2e-stop"}`)
	projectID := project["id"].(string)

	mkTask := func() string {
		task := postJSON(t, sp.url+"/v1/tasks", fmt.Sprintf(
			`{"type":"diffusion","input":{"prompt":"slow","model_name":"sdxl-base","project_id":%q,"steps":150}}`,
			projectID))
		return task["id"].(string)
	}

	running := mkTask()
	postJSON(t, sp.url+"/v1/tasks/"+running+"/start", "")
	waitForTask(t, sp, running, "running")

	stopped := postJSON(t, sp.url+"/v1/tasks/"+running+"/stop", "")
	if stopped["status"] != "stopped" {
		t.Fatalf("status = %v, want stopped", stopped["status"])
	}
	if stopped["error"] == "" {
		t.Error("stopped task must carry an error message")
	}

	// Queue one running and one pending task, then reset everything.
	second := mkTask()
	postJSON(t, sp.url+"/v1/tasks/"+second+"/start", "")
	waitForTask(t, sp, second, "running")
	pending := mkTask()

	counts := postJSON(t, sp.url+"/v1/system/emergency-stop", "")
	if counts["stopped"].(float64) != 1 || counts["cleared"].(float64) != 1 {
		t.Errorf("counts = %v, want stopped=1 cleared=1", counts)
	}
	waitForTask(t, sp, second, "stopped")
	waitForTask(t, sp, pending, "stopped")
}

func TestCrashRecoveryMarksOrphans(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	project := postJSON(t, sp.url+"/v1/projects", `{"name":"e2e-crash"}`)
	task := postJSON(t, sp.url+"/v1/tasks", fmt.Sprintf(
		`{"type":"diffusion","input":{"prompt":"slow","model_name":"sdxl-base","project_id":%q,"steps":150}}`,
		project["id"].(string)))
	taskID := task["id"].(string)

	postJSON(t, sp.url+"/v1/tasks/"+taskID+"/start", "")
	waitForTask(t, sp, taskID, "running")

	// Kill the process mid-task, then restart against the same database.
	dbPath := ""
	for _, kv := range sp.cmd.Env {
		if v, ok := strings.CutPrefix(kv, "KINO_DB_PATH="); ok {
			dbPath = v
		}
	}
	sp.cmd.Process.Kill()
	sp.cmd.Wait()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"KINO_LISTEN_ADDR="+addr,
		"KINO_DB_PATH="+dbPath,
		"KINO_FRAMES_DIR="+sp.framesDir,
		"KINO_STEP_DELAY_MS=5",
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	if err := cmd.Start(); err != nil {
		t.Fatalf("restart server: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	url := "http://" + addr
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		time.Sleep(pollInterval)
	}

	recovered := getJSON(t, url+"/v1/tasks/"+taskID)
	if recovered["status"] != "stopped" {
		t.Errorf("status = %v, want stopped after recovery", recovered["status"])
	}
	if recovered["progress"].(float64) != 0 {
		t.Errorf("progress = %v, want 0 after recovery", recovered["progress"])
	}
	if recovered["error"] == "" {
		t.Error("recovered task must carry an error message")
	}
}

func TestShutdownEndpointExitsCleanly(t *testing.T) {
	sp := startServer(t, getBinary(t))

	postJSON(t, sp.url+"/v1/system/shutdown", "")

	done := make(chan error, 1)
	go func() { done <- sp.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("process exited with error: %v\nstdout:\n%s", err, sp.stdout.String())
		}
	case <-time.After(startupTimeout):
		t.Fatal("server did not exit after shutdown request")
	}
}
