package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/pkg/models"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	svc, err := orchestrator.New(orchestrator.Config{
		Agents: map[models.ProcessKind]agent.KindSpec{
			models.KindWorker:       {Binary: "/bin/sh", Args: []string{"-c"}},
			models.KindOrchestrator: {Binary: "/bin/sh", Args: []string{"-c"}},
		},
		KindMax: map[models.ProcessKind]int{
			models.KindWorker:       4,
			models.KindOrchestrator: 2,
		},
		LogDir:          t.TempDir(),
		HistoryDir:      t.TempDir(),
		HistoryDebounce: 20 * time.Millisecond,
		GracefulTimeout: 500 * time.Millisecond,
		RingCapacity:    256,
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	t.Cleanup(func() { svc.Shutdown() })

	return New(Config{Addr: "127.0.0.1:0", Service: svc, Version: "test", Commit: "none"})
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

type sessionResp struct {
	Session models.SessionRecord `json:"session"`
}

func TestSpawnAndInspectSession(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/api/sessions", spawnRequestBody{
		Kind:        "worker",
		ProjectRoot: t.TempDir(),
		Prompt:      "run the linter",
		ExtraArgs:   []string{`exit 0`},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", w.Code, w.Body.String())
	}

	var created sessionResp
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Session.SessionID == "" {
		t.Fatal("expected a session id")
	}

	w2 := doJSON(t, srv, "GET", "/api/sessions/"+created.Session.SessionID, nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w2.Code)
	}
	var fetched sessionResp
	if err := json.Unmarshal(w2.Body.Bytes(), &fetched); err != nil {
		t.Fatal(err)
	}
	if fetched.Session.Kind != models.KindWorker {
		t.Errorf("expected worker, got %s", fetched.Session.Kind)
	}
}

func TestSpawnInvalidKind(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/api/sessions", spawnRequestBody{Kind: "manager"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", w.Code)
	}
}

func TestSessionListFilter(t *testing.T) {
	srv := setupTestServer(t)
	root := t.TempDir()

	for i := 0; i < 2; i++ {
		w := doJSON(t, srv, "POST", "/api/sessions", spawnRequestBody{
			Kind:        "worker",
			ProjectRoot: root,
			ExtraArgs:   []string{`exit 0`},
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201 got %d", w.Code)
		}
	}

	w := doJSON(t, srv, "GET", "/api/sessions?kind=worker", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	var resp struct {
		Sessions []models.SessionRecord `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(resp.Sessions))
	}

	w2 := doJSON(t, srv, "GET", "/api/sessions?kind=orchestrator", nil)
	var empty struct {
		Sessions []models.SessionRecord `json:"sessions"`
	}
	if err := json.Unmarshal(w2.Body.Bytes(), &empty); err != nil {
		t.Fatal(err)
	}
	if len(empty.Sessions) != 0 {
		t.Errorf("expected no orchestrator sessions, got %d", len(empty.Sessions))
	}
}

func TestSendInputAfterExitConflicts(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/api/sessions", spawnRequestBody{
		Kind:      "worker",
		ExtraArgs: []string{`exit 0`},
	})
	var created sessionResp
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.service.Await(ctx, created.Session.SessionID); err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	w2 := doJSON(t, srv, "POST", "/api/sessions/"+created.Session.SessionID+"/input",
		map[string]string{"text": "hello\n"})
	if w2.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestSendInputUnknownSession(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/api/sessions/sess-missing/input", map[string]string{"text": "x"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", w.Code)
	}
}

func TestStopSession(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/api/sessions", spawnRequestBody{
		Kind:      "worker",
		ExtraArgs: []string{`trap '' INT; while true; do sleep 0.05; done`},
	})
	var created sessionResp
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	w2 := doJSON(t, srv, "POST", "/api/sessions/"+created.Session.SessionID+"/stop",
		map[string]string{"mode": "force"})
	if w2.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d: %s", w2.Code, w2.Body.String())
	}

	w3 := doJSON(t, srv, "GET", "/api/sessions/"+created.Session.SessionID, nil)
	var final sessionResp
	if err := json.Unmarshal(w3.Body.Bytes(), &final); err != nil {
		t.Fatal(err)
	}
	if !final.Session.State.IsTerminal() {
		t.Errorf("expected terminal state after stop, got %s", final.Session.State)
	}
}

func TestPauseAndResumeSession(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/api/sessions", spawnRequestBody{
		Kind:      "worker",
		ExtraArgs: []string{`while true; do sleep 0.05; done`},
	})
	var created sessionResp
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	id := created.Session.SessionID

	w2 := doJSON(t, srv, "POST", "/api/sessions/"+id+"/pause", nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", w2.Code, w2.Body.String())
	}
	var paused sessionResp
	if err := json.Unmarshal(w2.Body.Bytes(), &paused); err != nil {
		t.Fatal(err)
	}
	if paused.Session.State != models.SessionPaused {
		t.Errorf("expected paused, got %s", paused.Session.State)
	}

	// Input is rejected while paused.
	w3 := doJSON(t, srv, "POST", "/api/sessions/"+id+"/input", map[string]string{"text": "x\n"})
	if w3.Code != http.StatusConflict {
		t.Errorf("expected 409 while paused, got %d", w3.Code)
	}

	w4 := doJSON(t, srv, "POST", "/api/sessions/"+id+"/resume", nil)
	if w4.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w4.Code)
	}

	w5 := doJSON(t, srv, "POST", "/api/sessions/"+id+"/stop", map[string]string{"mode": "force"})
	if w5.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", w5.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "GET", "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	var status models.ConcurrencyStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if _, ok := status.Kinds[models.KindWorker]; !ok {
		t.Errorf("expected worker kind in status, got %+v", status)
	}
}

func TestHistoryRequiresProjectRoot(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "GET", "/api/history", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", w.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv := setupTestServer(t)
	root := t.TempDir()

	w := doJSON(t, srv, "POST", "/api/sessions", spawnRequestBody{
		Kind:        "worker",
		ProjectRoot: root,
		ExtraArgs:   []string{`exit 0`},
	})
	var created sessionResp
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.service.Await(ctx, created.Session.SessionID)

	w2 := doJSON(t, srv, "GET", "/api/history?project_root="+root, nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w2.Code)
	}
	var resp struct {
		Sessions []models.RunState `json:"sessions"`
	}
	if err := json.Unmarshal(w2.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Sessions) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(resp.Sessions))
	}
}

func TestWebsocketStream(t *testing.T) {
	srv := setupTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	w := doJSON(t, srv, "POST", "/api/sessions", spawnRequestBody{
		Kind:      "worker",
		ExtraArgs: []string{`echo one; echo two`},
	})
	var created sessionResp
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session_id=" + created.Session.SessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var events []models.Event
	for {
		var e models.Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("ReadJSON failed after %d events: %v", len(events), err)
		}
		events = append(events, e)
		if e.Kind == models.EventCompleted {
			break
		}
	}

	if events[0].Kind != models.EventStarted {
		t.Errorf("expected started first, got %s", events[0].Kind)
	}
	var lastSeq uint64
	streams := 0
	for _, e := range events {
		if e.Sequence <= lastSeq {
			t.Errorf("sequence not strictly increasing: %d after %d", e.Sequence, lastSeq)
		}
		lastSeq = e.Sequence
		if e.Kind == models.EventStream {
			streams++
		}
	}
	if streams != 2 {
		t.Errorf("expected 2 stream events, got %d", streams)
	}
}

func TestWebsocketReplayCursor(t *testing.T) {
	srv := setupTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	w := doJSON(t, srv, "POST", "/api/sessions", spawnRequestBody{
		Kind:      "worker",
		ExtraArgs: []string{`echo one; echo two; echo three`},
	})
	var created sessionResp
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.service.Await(ctx, created.Session.SessionID)

	// First connection: read everything, remember a mid-stream cursor.
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session_id=" + created.Session.SessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var all []models.Event
	for {
		var e models.Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("ReadJSON failed: %v", err)
		}
		all = append(all, e)
		if e.Kind == models.EventCompleted {
			break
		}
	}
	conn.Close()
	if len(all) < 3 {
		t.Fatalf("expected at least 3 events, got %d", len(all))
	}
	cursor := all[1].Sequence

	// Reconnect from the cursor: only later events replay.
	conn2, _, err := websocket.DefaultDialer.Dial(wsURL+"&after_sequence="+strconv.FormatUint(cursor, 10), nil)
	if err != nil {
		t.Fatalf("Redial failed: %v", err)
	}
	defer conn2.Close()
	conn2.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first models.Event
	if err := conn2.ReadJSON(&first); err != nil {
		t.Fatalf("ReadJSON after reconnect failed: %v", err)
	}
	if first.Sequence != all[2].Sequence {
		t.Errorf("expected replay to resume at %d, got %d", all[2].Sequence, first.Sequence)
	}
}

func TestWebsocketBadCursor(t *testing.T) {
	srv := setupTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?after_sequence=nonsense"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 handshake rejection, got %+v", resp)
	}
}
