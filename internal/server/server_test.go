//go:build !windows

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulce2011/GPU-Code-Runner/internal/config"
	"github.com/pulce2011/GPU-Code-Runner/internal/process"
	"github.com/pulce2011/GPU-Code-Runner/internal/publish"
	"github.com/pulce2011/GPU-Code-Runner/internal/scheduler"
	"github.com/pulce2011/GPU-Code-Runner/internal/store"
	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

type testEnv struct {
	srv   *Server
	store *store.SQLiteStore
	sched *scheduler.Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	script := filepath.Join(t.TempDir(), "run_exercise.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec sh \"$1\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultServerConfig()
	cfg.Runtime.WorkDir = t.TempDir()
	cfg.Runtime.RunCommand = "sh " + script
	cfg.Runtime.LineBuffered = false
	cfg.Runtime.PollInterval = config.D(5 * time.Millisecond)
	cfg.Runtime.KillGrace = config.D(200 * time.Millisecond)

	launcher, err := process.NewLauncher(cfg.Runtime.RunCommand, "", false, logger)
	if err != nil {
		t.Fatal(err)
	}
	hub := publish.NewHub(publish.DefaultBuffer, logger)
	sched := scheduler.New(st, launcher, publish.NewPublisher(hub, logger), cfg.Runtime, logger)
	hub.OnDisconnect(sched.InterruptChannel)
	t.Cleanup(func() { sched.Stop() })

	st.CreateUser(ctx, &model.User{ID: "alice", Matr: "1001", FirstName: "Alice", LastName: "Rossi", Credits: 1000, CreatedAt: time.Now()})
	st.CreateUser(ctx, &model.User{ID: "bob", Matr: "1002", Credits: 0, CreatedAt: time.Now()})
	st.CreateExercise(ctx, &model.Exercise{
		ID: "ex-1", Name: "saxpy", ReturnType: "void", FileExtension: ".sh",
		Params: []model.Param{{Type: "float", Name: "a"}, {Type: "float*", Name: "x"}},
	})

	return &testEnv{srv: New(cfg, st, sched, hub, logger), store: st, sched: sched}
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Error     *model.APIError `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, user, body string) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v, body=%s", method, path, err, w.Body.String())
	}
	return w.Code, env
}

func (e *testEnv) submit(t *testing.T, user, code string) model.SubmitResult {
	t.Helper()
	body, _ := json.Marshal(model.SubmitRequest{ExerciseID: "ex-1", Code: code})
	status, env := e.do(t, "POST", "/api/v1/run", user, string(body))
	if status != http.StatusCreated {
		t.Fatalf("POST /run: status=%d, error=%v", status, env.Error)
	}
	var res model.SubmitResult
	json.Unmarshal(env.Data, &res)
	return res
}

func (e *testEnv) waitTerminal(t *testing.T, id string) *model.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, _ := e.store.GetTask(context.Background(), id)
		if task != nil && task.State.IsTerminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", id)
	return nil
}

func TestDiscovery(t *testing.T) {
	env := newTestEnv(t)
	status, resp := env.do(t, "GET", "/api/v1/", "", "")
	if status != http.StatusOK || resp.Status != "ok" {
		t.Fatalf("status=%d envelope=%q", status, resp.Status)
	}
	if resp.RequestID == "" {
		t.Error("request_id is empty")
	}
	var data discoveryResponse
	json.Unmarshal(resp.Data, &data)
	if data.Name != "GPU Code Runner API" || len(data.Endpoints) < 8 {
		t.Errorf("discovery = %+v", data)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	_, resp := env.do(t, "GET", "/api/v1/health", "", "")
	var data healthResponse
	json.Unmarshal(resp.Data, &data)
	if data.Status != "healthy" || data.Store != "ok" || data.MaxConcurrent != 1 {
		t.Errorf("health = %+v", data)
	}
}

func TestIdentityRequired(t *testing.T) {
	env := newTestEnv(t)

	status, resp := env.do(t, "GET", "/api/v1/me", "", "")
	if status != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != model.ErrUnauthorized {
		t.Errorf("no header: status=%d error=%v", status, resp.Error)
	}
	status, _ = env.do(t, "GET", "/api/v1/me", "mallory", "")
	if status != http.StatusUnauthorized {
		t.Errorf("unknown user: status=%d", status)
	}
	status, _ = env.do(t, "GET", "/api/v1/me?user=alice", "", "")
	if status != http.StatusOK {
		t.Errorf("query identity: status=%d", status)
	}
}

func TestMe(t *testing.T) {
	env := newTestEnv(t)
	res := env.submit(t, "alice", "true")
	env.waitTerminal(t, res.TaskID)

	_, resp := env.do(t, "GET", "/api/v1/me", "alice", "")
	var data struct {
		User   model.User          `json:"user"`
		Ledger []model.LedgerEntry `json:"ledger"`
	}
	json.Unmarshal(resp.Data, &data)
	if data.User.Matr != "1001" {
		t.Errorf("user = %+v", data.User)
	}
	if len(data.Ledger) == 0 || data.Ledger[len(data.Ledger)-1].Reason != model.LedgerTaskStart {
		t.Errorf("ledger = %+v", data.Ledger)
	}
}

func TestExercises(t *testing.T) {
	env := newTestEnv(t)

	_, resp := env.do(t, "GET", "/api/v1/exercises/", "alice", "")
	var list []map[string]any
	json.Unmarshal(resp.Data, &list)
	if len(list) != 1 || list[0]["id"] != "ex-1" {
		t.Fatalf("exercises = %v", list)
	}
	if list[0]["signature"] != "void saxpy(float a, float* x)" {
		t.Errorf("signature = %v", list[0]["signature"])
	}

	status, resp := env.do(t, "GET", "/api/v1/exercises/nope", "alice", "")
	if status != http.StatusNotFound || resp.Error.Code != model.ErrNotFound {
		t.Errorf("missing exercise: status=%d error=%v", status, resp.Error)
	}
}

func TestRunAndGetTask(t *testing.T) {
	env := newTestEnv(t)
	res := env.submit(t, "alice", "echo from-gpu")
	if !strings.HasPrefix(res.TaskID, "task_") || res.Message != "task started" {
		t.Errorf("submit = %+v", res)
	}
	env.waitTerminal(t, res.TaskID)

	status, resp := env.do(t, "GET", "/api/v1/tasks/"+res.TaskID, "alice", "")
	if status != http.StatusOK {
		t.Fatalf("GET task: status=%d", status)
	}
	var task model.Task
	json.Unmarshal(resp.Data, &task)
	if task.State != model.TaskStateCompleted || task.Stdout != "from-gpu\n" {
		t.Errorf("task = %s %q", task.State, task.Stdout)
	}

	status, _ = env.do(t, "GET", "/api/v1/tasks/"+res.TaskID, "bob", "")
	if status != http.StatusNotFound {
		t.Errorf("other user's task: status=%d, want 404", status)
	}

	_, resp = env.do(t, "GET", "/api/v1/tasks?limit=5", "alice", "")
	var tasks []model.Task
	json.Unmarshal(resp.Data, &tasks)
	if len(tasks) != 1 || tasks[0].ID != res.TaskID {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestRunErrors(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		user   string
		body   string
		status int
		code   model.ErrorCode
	}{
		{"bad json", "alice", "not json", http.StatusBadRequest, model.ErrValidation},
		{"empty code", "alice", `{"exercise_id":"ex-1","code":""}`, http.StatusBadRequest, model.ErrValidation},
		{"unknown exercise", "alice", `{"exercise_id":"ex-9","code":"true"}`, http.StatusNotFound, model.ErrNotFound},
		{"no credits", "bob", `{"exercise_id":"ex-1","code":"true"}`, http.StatusPaymentRequired, model.ErrPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, "POST", "/api/v1/run", tt.user, tt.body)
			if status != tt.status {
				t.Errorf("status = %d, want %d", status, tt.status)
			}
			if resp.Status != "error" || resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("error = %v, want %s", resp.Error, tt.code)
			}
		})
	}
}

func TestListTasks_InvalidLimit(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.do(t, "GET", "/api/v1/tasks?limit=many", "alice", "")
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestInterruptTask(t *testing.T) {
	env := newTestEnv(t)
	res := env.submit(t, "alice", "sleep 30")

	status, _ := env.do(t, "POST", "/api/v1/tasks/"+res.TaskID+"/interrupt", "bob", "")
	if status != http.StatusNotFound {
		t.Errorf("foreign interrupt: status=%d, want 404", status)
	}

	status, _ = env.do(t, "POST", "/api/v1/tasks/"+res.TaskID+"/interrupt", "alice", "")
	if status != http.StatusOK {
		t.Fatalf("interrupt: status=%d", status)
	}
	task := env.waitTerminal(t, res.TaskID)
	if task.State != model.TaskStateInterrupted || task.Message != ReasonUser {
		t.Errorf("task = %s %q", task.State, task.Message)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "runner_") {
		t.Error("metrics output has no runner_ series")
	}
}

func TestSSETask(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	res := env.submit(t, "alice", "sleep 0.2; echo streamed")

	req, _ := http.NewRequest("GET", ts.URL+"/api/v1/sse/tasks/"+res.TaskID, nil)
	req.Header.Set(UserHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET sse: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var events []string
	var last model.Task
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if ev, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, ev)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			json.Unmarshal([]byte(data), &last)
		}
	}

	if len(events) < 2 || events[0] != "init" || events[len(events)-1] != "complete" {
		t.Fatalf("events = %v", events)
	}
	if last.State != model.TaskStateCompleted || last.Stdout != "streamed\n" {
		t.Errorf("final snapshot = %s %q", last.State, last.Stdout)
	}
}

func dialTask(t *testing.T, ts *httptest.Server, id, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws/tasks/" + id
	header := http.Header{}
	header.Set(UserHeader, user)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWSTask_StreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	res := env.submit(t, "alice", "sleep 0.2; echo over-ws")
	conn := dialTask(t, ts, res.TaskID, "alice")
	defer conn.Close()

	var last model.Task
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if err := json.Unmarshal(msg, &last); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
	}
	if last.ID != res.TaskID || last.State != model.TaskStateCompleted || last.Stdout != "over-ws\n" {
		t.Errorf("final frame = %s %s %q", last.ID, last.State, last.Stdout)
	}
}

func TestWSTask_DisconnectInterrupts(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	res := env.submit(t, "alice", "sleep 30")
	conn := dialTask(t, ts, res.TaskID, "alice")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("initial frame: %v", err)
	}
	conn.Close()

	task := env.waitTerminal(t, res.TaskID)
	if task.State != model.TaskStateInterrupted || task.Message != scheduler.ReasonDisconnect {
		t.Errorf("task = %s %q", task.State, task.Message)
	}
}

func TestWSTask_IgnoresUndecodableMessages(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	res := env.submit(t, "alice", "sleep 30")
	conn := dialTask(t, ts, res.TaskID, "alice")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("initial frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"interrupt"}`)); err != nil {
		t.Fatalf("write interrupt: %v", err)
	}

	// A reader killed by the first frame would close the socket and record
	// a disconnect instead.
	task := env.waitTerminal(t, res.TaskID)
	if task.State != model.TaskStateInterrupted || task.Message != ReasonUser {
		t.Errorf("task = %s %q, want interrupted %q", task.State, task.Message, ReasonUser)
	}
}

func TestWSTask_Forbidden(t *testing.T) {
	env := newTestEnv(t)
	res := env.submit(t, "alice", "true")

	status, resp := env.do(t, "GET", "/api/v1/ws/tasks/"+res.TaskID, "bob", "")
	if status != http.StatusNotFound || resp.Error.Code != model.ErrNotFound {
		t.Errorf("status=%d error=%v", status, resp.Error)
	}
}
