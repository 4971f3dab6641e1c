package collab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/outlinekit/collab/internal/crdt"
	"github.com/outlinekit/collab/internal/protocol"
)

// testServer is an in-process collaboration server: it holds one shared
// replica per instance, answers the sync handshake, merges inbound
// updates, and lets tests push arbitrary frames or kill connections.
type testServer struct {
	t   *testing.T
	srv *httptest.Server

	unauthorized bool // reject at the HTTP layer
	denyToken    bool // reject with an auth frame after upgrade

	mu  sync.Mutex
	doc *crdt.Doc

	connMu sync.Mutex
	conns  []*serverConn

	awareMu sync.Mutex
	aware   [][]byte
}

type serverConn struct {
	ws   *websocket.Conn
	send chan []byte
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{t: t, doc: crdt.NewDoc(999)}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	if ts.unauthorized {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{ws: ws, send: make(chan []byte, 64)}

	ts.connMu.Lock()
	ts.conns = append(ts.conns, sc)
	ts.connMu.Unlock()

	go func() {
		for frame := range sc.send {
			sc.ws.WriteMessage(websocket.BinaryMessage, frame)
		}
	}()

	defer func() {
		ts.connMu.Lock()
		for i, c := range ts.conns {
			if c == sc {
				ts.conns = append(ts.conns[:i], ts.conns[i+1:]...)
				break
			}
		}
		close(sc.send)
		ts.connMu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ts.handleFrame(sc, data)
	}
}

func (ts *testServer) handleFrame(sc *serverConn, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		return
	}

	switch msg.Type {
	case protocol.MessageAuth:
		if ts.denyToken {
			sc.send <- append([]byte{protocol.MessageAuth}, []byte(`{"denied":"bad token"}`)...)
		}

	case protocol.MessageAwareness:
		ts.awareMu.Lock()
		ts.aware = append(ts.aware, append([]byte(nil), msg.Payload...))
		ts.awareMu.Unlock()

	case protocol.MessageSync:
		switch msg.Step {
		case protocol.SyncStep1:
			ts.mu.Lock()
			diff, err := ts.doc.DiffSince(msg.Payload)
			sv := ts.doc.StateVector()
			ts.mu.Unlock()
			if err != nil {
				return
			}
			sc.send <- protocol.EncodeSyncStep2(diff)
			sc.send <- protocol.EncodeSyncStep1(sv)
		case protocol.SyncStep2, protocol.SyncUpdate:
			ts.mu.Lock()
			ts.doc.ApplyUpdate(msg.Payload)
			ts.mu.Unlock()
		}
	}
}

func (ts *testServer) awarenessFrames() [][]byte {
	ts.awareMu.Lock()
	defer ts.awareMu.Unlock()
	return append([][]byte(nil), ts.aware...)
}

func (ts *testServer) content() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.doc.Content()
}

// push sends a frame to every live connection.
func (ts *testServer) push(frame []byte) {
	ts.connMu.Lock()
	defer ts.connMu.Unlock()
	for _, c := range ts.conns {
		c.send <- frame
	}
}

// dropConns severs every live connection, simulating a network outage.
func (ts *testServer) dropConns() {
	ts.connMu.Lock()
	defer ts.connMu.Unlock()
	for _, c := range ts.conns {
		c.ws.Close()
	}
}

func (ts *testServer) config() Config {
	return Config{
		Endpoint:       ts.srv.URL,
		Token:          "test-token",
		DocumentID:     "doc-1",
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
	}
}

func waitStatus(t *testing.T, events <-chan Event, want Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("Event channel closed while waiting for status %v", want)
			}
			if sc, isStatus := ev.(StatusChanged); isStatus && sc.Status == want {
				return
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for status %v", want)
		}
	}
}

func waitContent(t *testing.T, events <-chan Event, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("Event channel closed while waiting for content %q", want)
			}
			if du, isDoc := ev.(DocumentUpdated); isDoc && du.Content == want {
				return
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for content %q", want)
		}
	}
}

func waitServerContent(t *testing.T, ts *testServer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ts.content() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected server content %q, got %q", want, ts.content())
}

func TestStartValidation(t *testing.T) {
	if _, _, err := Start(context.Background(), Config{Token: "t", DocumentID: "d"}); err == nil {
		t.Error("Expected error for missing endpoint")
	}
	if _, _, err := Start(context.Background(), Config{Endpoint: "https://x", DocumentID: "d"}); err == nil {
		t.Error("Expected error for missing token")
	}
	if _, _, err := Start(context.Background(), Config{Endpoint: "https://x", Token: "t"}); err == nil {
		t.Error("Expected error for missing document id")
	}
	if _, _, err := Start(context.Background(), Config{Endpoint: "ftp://x", Token: "t", DocumentID: "d"}); err == nil {
		t.Error("Expected error for bad endpoint scheme")
	}
}

func TestCollabURL(t *testing.T) {
	got, err := collabURL("https://docs.example.com", "abc")
	if err != nil {
		t.Fatalf("collabURL failed: %v", err)
	}
	if got != "wss://docs.example.com/collaboration/document.abc" {
		t.Errorf("Unexpected URL: %s", got)
	}

	got, err = collabURL("http://localhost:8080/base", "abc")
	if err != nil {
		t.Fatalf("collabURL failed: %v", err)
	}
	if got != "ws://localhost:8080/base/collaboration/document.abc" {
		t.Errorf("Unexpected URL: %s", got)
	}
}

func TestHandshakeSyncsServerContent(t *testing.T) {
	ts := newTestServer(t)
	ts.doc.InsertText(0, "server text")

	session, events, err := Start(context.Background(), ts.config())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	waitStatus(t, events, StatusSynced)

	if got := session.Content(); got != "server text" {
		t.Errorf("Expected %q, got %q", "server text", got)
	}
	if session.Status() != StatusSynced {
		t.Errorf("Expected status synced, got %v", session.Status())
	}
}

func TestLocalEditsReachServer(t *testing.T) {
	ts := newTestServer(t)

	session, events, err := Start(context.Background(), ts.config())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	waitStatus(t, events, StatusSynced)

	if err := session.SubmitEdit(Edit{Pos: 0, Insert: "hello"}); err != nil {
		t.Fatalf("SubmitEdit failed: %v", err)
	}
	waitContent(t, events, "hello")
	waitServerContent(t, ts, "hello")

	// Replace "hello" with "howdy" in one edit.
	if err := session.SubmitEdit(Edit{Pos: 0, Delete: 5, Insert: "howdy"}); err != nil {
		t.Fatalf("SubmitEdit failed: %v", err)
	}
	waitServerContent(t, ts, "howdy")
}

func TestRemoteUpdatesReachClient(t *testing.T) {
	ts := newTestServer(t)

	session, events, err := Start(context.Background(), ts.config())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	waitStatus(t, events, StatusSynced)

	ts.mu.Lock()
	update := ts.doc.InsertText(0, "from the server")
	ts.mu.Unlock()
	ts.push(protocol.EncodeUpdate(update))

	waitContent(t, events, "from the server")
}

func TestReconnectPreservesOfflineEdits(t *testing.T) {
	ts := newTestServer(t)
	ts.doc.InsertText(0, "base")

	cfg := ts.config()
	cfg.InitialBackoff = 300 * time.Millisecond

	session, events, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	waitStatus(t, events, StatusSynced)

	ts.dropConns()
	waitStatus(t, events, StatusReconnecting)

	// These edits land while the transport is down; they mutate the
	// replica immediately and travel with the next handshake.
	if err := session.SubmitEdit(Edit{Pos: 4, Insert: " plus"}); err != nil {
		t.Fatalf("SubmitEdit failed: %v", err)
	}
	if err := session.SubmitEdit(Edit{Pos: 9, Insert: " more"}); err != nil {
		t.Fatalf("SubmitEdit failed: %v", err)
	}
	if got := session.Content(); got != "base plus more" {
		t.Errorf("Offline edit did not apply locally: %q", got)
	}

	waitStatus(t, events, StatusSynced)
	// Exactly once: idempotent merges mean nothing duplicates even
	// though the edits travel via both the handshake diff and the
	// deferred flush.
	waitServerContent(t, ts, "base plus more")
}

func TestAuthRejectionIsTerminal(t *testing.T) {
	ts := newTestServer(t)
	ts.denyToken = true

	session, events, err := Start(context.Background(), ts.config())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	var sawUnauthorized bool
	deadline := time.After(5 * time.Second)
	for session.Status() != StatusFailed {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("Event channel closed before StatusFailed")
			}
			switch e := ev.(type) {
			case Error:
				if errors.Is(e.Err, ErrUnauthorized) {
					sawUnauthorized = true
				}
			case StatusChanged:
				if e.Status == StatusFailed {
					if !sawUnauthorized {
						t.Error("Expected ErrUnauthorized before StatusFailed")
					}
					return
				}
				if e.Status == StatusReconnecting {
					t.Fatal("Auth rejection must not trigger reconnects")
				}
			}
		case <-deadline:
			t.Fatal("Timed out waiting for StatusFailed")
		}
	}
}

func TestUnauthorizedHTTPIsTerminal(t *testing.T) {
	ts := newTestServer(t)
	ts.unauthorized = true

	session, events, err := Start(context.Background(), ts.config())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	waitStatus(t, events, StatusFailed)
}

func TestAwarenessEvents(t *testing.T) {
	ts := newTestServer(t)

	cfg := ts.config()
	cfg.User = "local-user"

	session, events, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	waitStatus(t, events, StatusSynced)

	ts.push(protocol.EncodeAwareness([]byte(`{"clientId":"peer-1","state":{"user":"ada","cursor":{"anchor":2,"head":2}}}`)))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("Event channel closed while waiting for UserJoined")
			}
			if uj, isJoin := ev.(UserJoined); isJoin {
				if uj.ClientID != "peer-1" || uj.Presence.User != "ada" {
					t.Errorf("Unexpected join: %+v", uj)
				}
				goto joined
			}
		case <-deadline:
			t.Fatal("Timed out waiting for UserJoined")
		}
	}
joined:
	if _, ok := session.Peers()["peer-1"]; !ok {
		t.Error("Expected peer-1 in the presence map")
	}

	ts.push(protocol.EncodeAwareness([]byte(`{"clientId":"peer-1","state":null}`)))

	deadline = time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("Event channel closed while waiting for UserLeft")
			}
			if ul, isLeft := ev.(UserLeft); isLeft {
				if ul.ClientID != "peer-1" {
					t.Errorf("Unexpected departure: %+v", ul)
				}
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for UserLeft")
		}
	}
}

func TestConfiguredUserAnnouncedOnConnect(t *testing.T) {
	ts := newTestServer(t)

	cfg := ts.config()
	cfg.User = "alice"

	session, events, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	waitStatus(t, events, StatusSynced)

	// The handshake announces the configured name without any
	// SubmitPresence call.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, frame := range ts.awarenessFrames() {
			if strings.Contains(string(frame), `"user":"alice"`) {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("No awareness frame carried the configured user; got %d frames", len(ts.awarenessFrames()))
}

func TestCorruptUpdateDroppedWithoutDisconnect(t *testing.T) {
	ts := newTestServer(t)

	session, events, err := Start(context.Background(), ts.config())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	waitStatus(t, events, StatusSynced)

	// A well-formed sync frame wrapping a payload that cannot decode.
	ts.push(protocol.EncodeUpdate([]byte{0xff, 0xff, 0xff, 0xff}))

	deadline := time.After(5 * time.Second)
	for sawError := false; !sawError; {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("Event channel closed after a corrupt update")
			}
			switch e := ev.(type) {
			case Error:
				sawError = true
			case StatusChanged:
				if e.Status == StatusReconnecting {
					t.Fatal("A corrupt update must not tear the connection down")
				}
			}
		case <-deadline:
			t.Fatal("Timed out waiting for the Error event")
		}
	}

	// The same connection keeps syncing.
	ts.mu.Lock()
	update := ts.doc.InsertText(0, "still here")
	ts.mu.Unlock()
	ts.push(protocol.EncodeUpdate(update))
	waitContent(t, events, "still here")
}

func TestMalformedFrameForcesReconnect(t *testing.T) {
	ts := newTestServer(t)

	session, events, err := Start(context.Background(), ts.config())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	waitStatus(t, events, StatusSynced)

	// An unknown message type is a protocol error, not a droppable
	// update: the session must drop the connection and resync.
	ts.push([]byte{0x7f, 0x00})

	waitStatus(t, events, StatusReconnecting)
	waitStatus(t, events, StatusSynced)
}

func TestAwarenessTimeout(t *testing.T) {
	ts := newTestServer(t)

	cfg := ts.config()
	cfg.AwarenessTimeout = 150 * time.Millisecond

	session, events, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	waitStatus(t, events, StatusSynced)

	ts.push(protocol.EncodeAwareness([]byte(`{"clientId":"quiet-peer","state":{"user":"q"}}`)))

	var left int
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("Event channel closed while waiting for timeout departure")
			}
			if ul, isLeft := ev.(UserLeft); isLeft {
				if ul.ClientID != "quiet-peer" {
					t.Errorf("Unexpected departure: %+v", ul)
				}
				left++
				// Wait a little longer: the departure must not repeat.
				select {
				case ev2, ok2 := <-events:
					if ok2 {
						if _, again := ev2.(UserLeft); again {
							t.Error("UserLeft emitted more than once for one departure")
						}
					}
				case <-time.After(400 * time.Millisecond):
				}
				if left != 1 {
					t.Errorf("Expected exactly one UserLeft, got %d", left)
				}
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for liveness timeout")
		}
	}
}

func TestBackpressureDropsNothing(t *testing.T) {
	ts := newTestServer(t)

	cfg := ts.config()
	cfg.EventBuffer = 4

	session, events, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	waitStatus(t, events, StatusSynced)

	// Produce a burst of remote updates while the consumer stalls.
	const n = 20
	for i := 0; i < n; i++ {
		ts.mu.Lock()
		update := ts.doc.InsertText(ts.doc.Len(), "x")
		ts.mu.Unlock()
		ts.push(protocol.EncodeUpdate(update))
	}
	time.Sleep(300 * time.Millisecond)

	// Resume consuming: every update must arrive, in order.
	want := strings.Repeat("x", n)
	prev := 0
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("Event channel closed mid-stream")
			}
			du, isDoc := ev.(DocumentUpdated)
			if !isDoc {
				continue
			}
			if len(du.Content) < prev {
				t.Fatalf("Events reordered: content shrank from %d to %d", prev, len(du.Content))
			}
			prev = len(du.Content)
			if du.Content == want {
				return
			}
		case <-deadline:
			t.Fatalf("Timed out: final content %q never delivered", want)
		}
	}
}

func TestCloseEndsEventStream(t *testing.T) {
	ts := newTestServer(t)

	session, events, err := Start(context.Background(), ts.config())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitStatus(t, events, StatusSynced)

	if err := session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				// Channel closed; the session emits nothing afterward.
				if err := session.SubmitEdit(Edit{Insert: "late"}); err != ErrSessionClosed {
					t.Errorf("Expected ErrSessionClosed, got %v", err)
				}
				if err := session.SubmitPresence(Presence{User: "late"}); err != ErrSessionClosed {
					t.Errorf("Expected ErrSessionClosed, got %v", err)
				}
				// Close is idempotent from any state.
				session.Close()
				return
			}
		case <-deadline:
			t.Fatal("Event channel never closed after Close")
		}
	}
}

func TestCachePersistsAcrossSessions(t *testing.T) {
	ts := newTestServer(t)

	cachePath := t.TempDir() + "/cache.db"

	cfg := ts.config()
	cfg.CachePath = cachePath

	session, events, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitStatus(t, events, StatusSynced)

	if err := session.SubmitEdit(Edit{Pos: 0, Insert: "cached content"}); err != nil {
		t.Fatalf("SubmitEdit failed: %v", err)
	}
	waitServerContent(t, ts, "cached content")

	session.Close()
	for range events {
	}

	// A new session preloads the replica from the cache before the
	// first connection attempt; content is available immediately even
	// though the endpoint is unreachable.
	cfg.Endpoint = "http://127.0.0.1:1"
	session2, events2, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session2.Close()

	if got := session2.Content(); got != "cached content" {
		t.Errorf("Expected preloaded content %q, got %q", "cached content", got)
	}
	_ = events2
}
