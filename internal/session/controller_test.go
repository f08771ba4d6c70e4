package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/scribefeed/scribefeed/internal/history"
	"github.com/scribefeed/scribefeed/internal/session"
	"github.com/scribefeed/scribefeed/pkg/stream"
	"github.com/scribefeed/scribefeed/pkg/types"
)

var (
	refA = types.MeetingRef{Platform: "google_meet", NativeID: "abc-defg-hij", ID: 42}
	refB = types.MeetingRef{Platform: "zoom", NativeID: "9911", ID: 43}
)

// fixture wires a Controller to a live test WebSocket server and an optional
// REST server.
type fixture struct {
	ctrl    *session.Controller
	client  *stream.Client
	inbound chan string          // frames the client sent to the server
	conns   chan *websocket.Conn // accepted server-side connections
}

func newFixture(t *testing.T, rest http.Handler) *fixture {
	t.Helper()

	f := &fixture{
		inbound: make(chan string, 32),
		conns:   make(chan *websocket.Conn, 4),
	}
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			f.inbound <- string(data)
		}
	}))
	t.Cleanup(wsSrv.Close)

	var hist *history.Client
	if rest != nil {
		restSrv := httptest.NewServer(rest)
		t.Cleanup(restSrv.Close)
		var err error
		if hist, err = history.New(restSrv.URL, "test-key"); err != nil {
			t.Fatalf("history.New: %v", err)
		}
	}

	client, err := stream.New(stream.Config{
		URL:         "ws" + strings.TrimPrefix(wsSrv.URL, "http"),
		APIKey:      "test-key",
		BackoffBase: 10 * time.Millisecond,
		OnFrame:     func(data []byte) { f.ctrl.HandleFrame(data) },
	})
	if err != nil {
		t.Fatalf("stream.New: %v", err)
	}
	f.client = client

	f.ctrl, err = session.New(session.Config{Transport: client, History: hist})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go f.ctrl.Run(ctx)
	t.Cleanup(func() {
		f.ctrl.Shutdown()
		cancel()
	})
	return f
}

// conn returns the next accepted server-side connection.
func (f *fixture) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no server-side connection accepted")
		return nil
	}
}

// push writes one server frame to the client.
func push(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.Write(context.Background(), websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("push frame: %v", err)
	}
}

// awaitDirective reads client frames until one carries the wanted action.
func (f *fixture) awaitDirective(t *testing.T, action string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-f.inbound:
			if strings.Contains(frame, `"action":"`+action+`"`) {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %q directive received", action)
		}
	}
}

// awaitSnapshot drains snapshots until cond holds.
func (f *fixture) awaitSnapshot(t *testing.T, cond func(session.Snapshot) bool, msg string) session.Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-f.ctrl.Snapshots():
			if cond(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal(msg)
		}
	}
}

// transcriptHandler serves a canned GET transcript and accepts all
// state-changing calls.
func transcriptHandler(status string, segments ...map[string]any) http.Handler {
	if segments == nil {
		segments = []map[string]any{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]any{
				"status":   status,
				"language": "en",
				"segments": segments,
			})
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestSelect_LiveFlow(t *testing.T) {
	f := newFixture(t, transcriptHandler("active", map[string]any{
		"text":                "welcome everyone",
		"speaker":             "Alice",
		"absolute_start_time": "2026-03-01T10:00:00Z",
	}))

	if err := f.ctrl.Select(context.Background(), refA); err != nil {
		t.Fatalf("Select: %v", err)
	}
	f.awaitDirective(t, "subscribe")
	conn := f.conn(t)

	// The initial snapshot already carries the historical page.
	first := f.awaitSnapshot(t, func(s session.Snapshot) bool { return len(s.Blocks) > 0 },
		"no snapshot with historical blocks")
	if first.State != session.StateConnecting {
		t.Errorf("state before ack = %v, want connecting", first.State)
	}
	if first.Blocks[0].Text != "welcome everyone" {
		t.Errorf("historical text = %q", first.Blocks[0].Text)
	}

	push(t, conn, `{"type":"subscribed","payload":{"meetings":[42]}}`)
	f.awaitSnapshot(t, func(s session.Snapshot) bool { return s.State == session.StateSubscribed },
		"subscription ack did not reach subscribed state")

	push(t, conn, `{"type":"meeting.status","meeting":{"id":42},"payload":{"status":"active"}}`)
	f.awaitSnapshot(t, func(s session.Snapshot) bool { return s.State == session.StateActive },
		"active status did not reach active state")

	push(t, conn, `{"type":"transcript.mutable","meeting":{"id":42},"payload":{"segments":[
		{"text":"and  now  the agenda","speaker":"Alice","absolute_start_time":"2026-03-01T10:00:05Z","updated_at":"2026-03-01T10:00:06Z"}
	]}}`)
	snap := f.awaitSnapshot(t, func(s session.Snapshot) bool {
		return len(s.Blocks) == 1 && strings.Contains(s.Blocks[0].Text, "agenda")
	}, "mutable segment never merged")
	if snap.Blocks[0].Text != "welcome everyone and now the agenda" {
		t.Errorf("grouped text = %q", snap.Blocks[0].Text)
	}
	if !snap.Blocks[0].Provisional {
		t.Error("block with a mutable segment must be provisional")
	}

	push(t, conn, `{"type":"transcript.finalized","meeting":{"id":42},"payload":{"segments":[
		{"text":"and now the agenda","speaker":"Alice","absolute_start_time":"2026-03-01T10:00:05Z","updated_at":"2026-03-01T10:00:07Z"}
	]}}`)
	f.awaitSnapshot(t, func(s session.Snapshot) bool {
		return len(s.Blocks) == 1 && !s.Blocks[0].Provisional
	}, "finalized segment did not clear the provisional flag")
}

func TestSelect_ReplacesPreviousSession(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.ctrl.Select(context.Background(), refA); err != nil {
		t.Fatalf("Select A: %v", err)
	}
	f.awaitDirective(t, "subscribe")
	conn := f.conn(t)
	firstSnap := f.awaitSnapshot(t, func(s session.Snapshot) bool { return s.Meeting == refA },
		"no snapshot for meeting A")

	if err := f.ctrl.Select(context.Background(), refB); err != nil {
		t.Fatalf("Select B: %v", err)
	}
	if frame := f.awaitDirective(t, "unsubscribe"); !strings.Contains(frame, `"id":42`) {
		t.Errorf("unsubscribe directive = %s, want meeting 42", frame)
	}
	if frame := f.awaitDirective(t, "subscribe"); !strings.Contains(frame, `"id":43`) {
		t.Errorf("subscribe directive = %s, want meeting 43", frame)
	}

	// A late frame for the superseded meeting must not reach session B.
	push(t, conn, `{"type":"transcript.finalized","meeting":{"id":42},"payload":{"segments":[
		{"text":"stale text","speaker":"Ghost","absolute_start_time":"2026-03-01T10:00:00Z"}
	]}}`)
	push(t, conn, `{"type":"transcript.finalized","meeting":{"id":43},"payload":{"segments":[
		{"text":"fresh text","speaker":"Bob","absolute_start_time":"2026-03-01T11:00:00Z"}
	]}}`)

	snap := f.awaitSnapshot(t, func(s session.Snapshot) bool { return len(s.Blocks) > 0 },
		"fresh session never received its segment")
	if snap.SessionUID == firstSnap.SessionUID {
		t.Error("new session reused the previous session UID")
	}
	if snap.Meeting != refB {
		t.Errorf("snapshot meeting = %v, want %v", snap.Meeting, refB)
	}
	for _, b := range snap.Blocks {
		if strings.Contains(b.Text, "stale") {
			t.Errorf("stale-session segment leaked into fresh session: %q", b.Text)
		}
	}
}

func TestTerminalStatus_ClosesBinding(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.ctrl.Select(context.Background(), refA); err != nil {
		t.Fatalf("Select: %v", err)
	}
	f.awaitDirective(t, "subscribe")
	conn := f.conn(t)

	push(t, conn, `{"type":"meeting.status","meeting":{"id":42},"payload":{"status":"completed"}}`)

	snap := f.awaitSnapshot(t, func(s session.Snapshot) bool { return s.State == session.StateClosed },
		"terminal status did not close the binding")
	if snap.Status != types.StatusCompleted {
		t.Errorf("status = %q, want completed", snap.Status)
	}
	f.awaitDirective(t, "unsubscribe")

	// The shared transport survives the closed binding.
	if f.client.State() != stream.StateOpen {
		t.Errorf("transport state = %v, want open", f.client.State())
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.ctrl.Select(context.Background(), refA); err != nil {
		t.Fatalf("Select: %v", err)
	}
	f.awaitDirective(t, "subscribe")
	conn := f.conn(t)

	// Abnormal server-side close triggers the transport's backoff reconnect;
	// the controller must re-issue the subscription on the fresh connection.
	conn.Close(websocket.StatusInternalError, "boom")

	if frame := f.awaitDirective(t, "subscribe"); !strings.Contains(frame, `"id":42`) {
		t.Errorf("re-subscribe directive = %s, want meeting 42", frame)
	}
	conn = f.conn(t)
	push(t, conn, `{"type":"subscribed","payload":{"meetings":[42]}}`)
	f.awaitSnapshot(t, func(s session.Snapshot) bool { return s.State == session.StateSubscribed },
		"session did not recover to subscribed after reconnect")
}

func TestUpdateLanguage(t *testing.T) {
	var fail atomic.Bool
	rest := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"status":   "active",
				"language": "en",
				"segments": []map[string]any{{
					"text":                "guten tag",
					"speaker":             "Alice",
					"absolute_start_time": "2026-03-01T10:00:00Z",
				}},
			})
		case http.MethodPut:
			if fail.Load() {
				http.Error(w, "conflict", http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	f := newFixture(t, rest)

	if err := f.ctrl.Select(context.Background(), refA); err != nil {
		t.Fatalf("Select: %v", err)
	}
	f.awaitSnapshot(t, func(s session.Snapshot) bool { return len(s.Blocks) > 0 },
		"historical page never arrived")

	// Upstream failure leaves local state untouched.
	fail.Store(true)
	if err := f.ctrl.UpdateLanguage(context.Background(), "de"); err == nil {
		t.Fatal("expected error when upstream rejects the language update")
	}
	if got := f.ctrl.Search("guten"); len(got) == 0 {
		t.Error("transcript cleared despite failed upstream call")
	}

	// Success clears the transcript for the new recognition pass.
	fail.Store(false)
	if err := f.ctrl.UpdateLanguage(context.Background(), "de"); err != nil {
		t.Fatalf("UpdateLanguage: %v", err)
	}
	f.awaitSnapshot(t, func(s session.Snapshot) bool { return len(s.Blocks) == 0 },
		"transcript not reset after language update")
}

func TestStop_ClosesBinding(t *testing.T) {
	var deletes atomic.Int32
	rest := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deletes.Add(1)
		}
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]any{"status": "active", "segments": []any{}})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	f := newFixture(t, rest)

	if err := f.ctrl.Select(context.Background(), refA); err != nil {
		t.Fatalf("Select: %v", err)
	}
	f.awaitDirective(t, "subscribe")

	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if deletes.Load() != 1 {
		t.Errorf("stop call count = %d, want 1", deletes.Load())
	}
	snap := f.awaitSnapshot(t, func(s session.Snapshot) bool { return s.State == session.StateClosed },
		"stop did not close the binding")
	if snap.Status != types.StatusStopped {
		t.Errorf("status = %q, want stopped", snap.Status)
	}

	if err := f.ctrl.Stop(context.Background()); err == nil {
		t.Error("expected error stopping with no bound meeting")
	}
}

func TestLoad_HistoricalView(t *testing.T) {
	f := newFixture(t, transcriptHandler("completed",
		map[string]any{
			"text":                "first point",
			"speaker":             "Alice",
			"absolute_start_time": "2026-03-01T10:00:00Z",
		},
		map[string]any{
			"text":                "second point",
			"speaker":             "Alice",
			"absolute_start_time": "2026-03-01T10:00:04Z",
		},
	))

	if err := f.ctrl.Load(context.Background(), refA); err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap := f.awaitSnapshot(t, func(s session.Snapshot) bool { return len(s.Blocks) > 0 },
		"historical view never published")
	if snap.State != session.StateDegraded {
		t.Errorf("state = %v, want degraded for an ended meeting", snap.State)
	}
	if snap.Status != types.StatusCompleted {
		t.Errorf("status = %q, want completed", snap.Status)
	}
	if want := "first point second point"; snap.Blocks[0].Text != want {
		t.Errorf("grouped text = %q, want %q", snap.Blocks[0].Text, want)
	}

	// No subscription traffic for historical views.
	select {
	case frame := <-f.inbound:
		t.Errorf("unexpected stream traffic for historical view: %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSelect_RequiresSubscribableRef(t *testing.T) {
	f := newFixture(t, nil)
	err := f.ctrl.Select(context.Background(), types.MeetingRef{Platform: "zoom", NativeID: "x"})
	if err == nil {
		t.Fatal("expected error for ref without internal ID")
	}
}
