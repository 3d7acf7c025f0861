package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/tabletop/internal/services/tabletop/authority"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action/core"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/system"
)

func fixture() *state.GameState {
	s := state.New(state.Campaign{ID: "camp", GameMasterID: "gm"})
	s.Documents = map[string]state.Document{
		"hero":  {ID: "hero", Name: "Hero", OwnerID: "alice", DocumentType: state.DocumentCharacter},
		"sword": {ID: "sword", Name: "Sword", OwnerID: "alice", DocumentType: state.DocumentItem},
	}
	s.CurrentEncounter = &state.Encounter{
		ID:     "enc-1",
		Status: state.EncounterInProgress,
		CurrentMap: &state.Map{
			Resolution: state.Resolution{PixelsPerGrid: 70, MapSize: state.Point{X: 10, Y: 10}},
		},
		Tokens: map[string]state.Token{
			"tok-hero": {ID: "tok-hero", DocumentID: "hero", OwnerID: "alice", Bounds: state.BoundsAt(state.GridPoint{X: 2, Y: 2}, 1, 1)},
		},
		Participants: []string{"hero"},
	}
	return s
}

type testServer struct {
	srv  *httptest.Server
	hub  *Hub
	auth *authority.Authority
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	registry, err := core.NewRegistry()
	if err != nil {
		t.Fatalf("core.NewRegistry: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	hub := NewHub(logger)
	auth, err := authority.New(authority.Options{
		Registry:        registry,
		Services:        action.Services{Plugins: system.NewRegistry(), FetchTimeout: time.Second},
		Broadcaster:     hub,
		ApprovalTimeout: time.Minute,
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("authority.New: %v", err)
	}
	t.Cleanup(auth.Shutdown)

	snap, err := state.NewSnapshot(fixture(), 1)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	if _, err := auth.Start("sess-1", snap); err != nil {
		t.Fatalf("Start: %v", err)
	}

	srv := httptest.NewServer(NewHandler(HandlerOptions{Hub: hub, Sessions: auth, Logger: logger}))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, hub: hub, auth: auth}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	conn, err := websocket.Dial(wsURL, "", s.srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got Frame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

func readType(t *testing.T, conn *websocket.Conn, want string) Frame {
	t.Helper()
	got := readFrame(t, conn)
	if got.Type != want {
		t.Fatalf("frame type = %q, want %q (payload %s)", got.Type, want, got.Payload)
	}
	return got
}

func decodePayload[T any](t *testing.T, frame Frame) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(frame.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", frame.Type, err)
	}
	return out
}

func join(t *testing.T, conn *websocket.Conn, player string) JoinedPayload {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":       FrameJoin,
		"request_id": "join-" + player,
		"payload":    map[string]any{"session_id": "sess-1", "grant": player},
	})
	frame := readType(t, conn, FrameJoined)
	if frame.RequestID != "join-"+player {
		t.Fatalf("joined request id = %q", frame.RequestID)
	}
	return decodePayload[JoinedPayload](t, frame)
}

func submit(t *testing.T, conn *websocket.Conn, requestID string, typ action.Type, params any) {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":       FrameSubmit,
		"request_id": requestID,
		"payload":    map[string]any{"id": requestID, "action": string(typ), "parameters": params},
	})
}

func waitConnections(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Connections("sess-1") != want {
		if time.Now().After(deadline) {
			t.Fatalf("connections = %d, want %d", hub.Connections("sess-1"), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUpEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(HandlerOptions{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/up", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestWSRejectsNonGet(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(HandlerOptions{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ws", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodGet {
		t.Fatalf("Allow = %q", allow)
	}
}

func TestWSRequiresSessions(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(HandlerOptions{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestJoinReturnsSnapshot(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	joined := join(t, conn, "alice")
	if joined.SessionID != "sess-1" || joined.PlayerID != "alice" {
		t.Fatalf("joined = %+v", joined)
	}
	if joined.Version != 1 || joined.Hash == "" {
		t.Fatalf("joined version/hash = %d %q", joined.Version, joined.Hash)
	}
	if joined.State == nil || joined.State.Campaign.GameMasterID != "gm" {
		t.Fatalf("joined state = %+v", joined.State)
	}
	if ts.hub.Connections("sess-1") != 1 {
		t.Fatalf("connections = %d, want 1", ts.hub.Connections("sess-1"))
	}
}

func TestJoinErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		code    string
	}{
		{name: "missing session", payload: map[string]any{"grant": "alice"}, code: codeInvalidArgument},
		{name: "empty grant", payload: map[string]any{"session_id": "sess-1"}, code: "GRANT_INVALID"},
		{name: "unknown session", payload: map[string]any{"session_id": "nope", "grant": "alice"}, code: "SESSION_NOT_FOUND"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			conn := ts.dial(t)
			writeFrame(t, conn, map[string]any{"type": FrameJoin, "request_id": "j1", "payload": tc.payload})
			frame := readType(t, conn, FrameError)
			if frame.RequestID != "j1" {
				t.Fatalf("request id = %q", frame.RequestID)
			}
			payload := decodePayload[ErrorPayload](t, frame)
			if payload.Code != tc.code || payload.Message == "" {
				t.Fatalf("error = %+v, want code %s", payload, tc.code)
			}
		})
	}
}

func TestFramesBeforeJoinAreRejected(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	submit(t, conn, "r1", action.MoveToken, map[string]any{"tokenId": "tok-hero", "position": map[string]int{"x": 3, "y": 2}})
	payload := decodePayload[ErrorPayload](t, readType(t, conn, FrameError))
	if payload.Code != codeForbidden {
		t.Fatalf("submit error = %+v", payload)
	}

	writeFrame(t, conn, map[string]any{"type": FrameDecide, "payload": map[string]any{"request_id": "r1", "approve": true}})
	payload = decodePayload[ErrorPayload](t, readType(t, conn, FrameError))
	if payload.Code != codeForbidden {
		t.Fatalf("decide error = %+v", payload)
	}
}

func TestUnsupportedFrameType(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	writeFrame(t, conn, map[string]any{"type": "chat.send", "request_id": "x1", "payload": map[string]any{}})
	frame := readType(t, conn, FrameError)
	if frame.RequestID != "x1" {
		t.Fatalf("request id = %q", frame.RequestID)
	}
	if payload := decodePayload[ErrorPayload](t, frame); payload.Code != codeInvalidArgument {
		t.Fatalf("error = %+v", payload)
	}
}

func TestInvalidJSONClosesAfterRepeatedErrors(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	for i := 0; i < maxDecodeErrorsPerConn; i++ {
		if _, err := conn.Write([]byte("{not json")); err != nil {
			t.Fatalf("write: %v", err)
		}
		readType(t, conn, FrameError)
	}
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	if err := json.NewDecoder(conn).Decode(&frame); err == nil {
		t.Fatalf("expected closed connection, got frame %+v", frame)
	}
}

func TestSubmitBroadcastsPatch(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	bob := ts.dial(t)
	join(t, alice, "alice")
	join(t, bob, "bob")

	submit(t, alice, "r1", action.MoveToken, map[string]any{"tokenId": "tok-hero", "position": map[string]int{"x": 3, "y": 2}})

	patch := decodePayload[PatchPayload](t, readType(t, alice, FramePatch))
	if patch.Version != 2 || patch.BaseVersion != 1 || patch.RequestID != "r1" || len(patch.Operations) == 0 {
		t.Fatalf("patch = %+v", patch)
	}
	result := readType(t, alice, FrameResult)
	if result.RequestID != "r1" {
		t.Fatalf("result request id = %q", result.RequestID)
	}
	out := decodePayload[ResultPayload](t, result)
	if out.Status != string(authority.StatusApplied) || out.Version != 2 || out.Hash != patch.Hash || out.PatchCount != len(patch.Operations) {
		t.Fatalf("result = %+v", out)
	}

	bobPatch := decodePayload[PatchPayload](t, readType(t, bob, FramePatch))
	if bobPatch.Version != 2 || bobPatch.Hash != patch.Hash {
		t.Fatalf("bob patch = %+v", bobPatch)
	}
}

func TestSubmitRejectedIsNotBroadcast(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	join(t, alice, "alice")

	submit(t, alice, "r1", action.MoveToken, map[string]any{"tokenId": "tok-hero", "position": map[string]int{"x": 20, "y": 2}})
	out := decodePayload[ResultPayload](t, readType(t, alice, FrameResult))
	if out.Status != string(authority.StatusRejected) || out.Error == nil || out.Version != 1 {
		t.Fatalf("result = %+v", out)
	}
	if out.Error.Code == "" || out.Error.Message == "" {
		t.Fatalf("rejection = %+v", out.Error)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	gm := ts.dial(t)
	alice := ts.dial(t)
	join(t, gm, "gm")
	join(t, alice, "alice")

	submit(t, alice, "r1", action.AssignItem, map[string]string{"itemId": "sword", "targetCharacterId": "hero"})

	prompt := readType(t, gm, FrameApprovalRequest)
	if prompt.RequestID != "r1" {
		t.Fatalf("prompt request id = %q", prompt.RequestID)
	}
	payload := decodePayload[approvalRequestPayload](t, prompt)
	if payload.PlayerID != "alice" || payload.Message == "" || payload.ExpiresAt == "" {
		t.Fatalf("prompt = %+v", payload)
	}

	// Only the game master can decide.
	writeFrame(t, alice, map[string]any{"type": FrameDecide, "request_id": "d0", "payload": map[string]any{"request_id": "r1", "approve": true}})
	denied := decodePayload[ErrorPayload](t, readType(t, alice, FrameError))
	if denied.Code != "PERMISSION_DENIED" {
		t.Fatalf("alice decide error = %+v", denied)
	}

	writeFrame(t, gm, map[string]any{"type": FrameDecide, "request_id": "d1", "payload": map[string]any{"request_id": "r1", "approve": true}})
	resolved := decodePayload[approvalResolvedPayload](t, readType(t, gm, FrameApprovalResolved))
	if !resolved.Approved || resolved.RequestID != "r1" {
		t.Fatalf("resolved = %+v", resolved)
	}
	readType(t, gm, FramePatch)

	readType(t, alice, FramePatch)
	out := decodePayload[ResultPayload](t, readType(t, alice, FrameResult))
	if out.Status != string(authority.StatusApplied) || out.Version != 2 {
		t.Fatalf("result = %+v", out)
	}
}

func TestDecideUnknownRequest(t *testing.T) {
	ts := newTestServer(t)
	gm := ts.dial(t)
	join(t, gm, "gm")

	writeFrame(t, gm, map[string]any{"type": FrameDecide, "request_id": "d1", "payload": map[string]any{"request_id": "missing", "approve": false}})
	payload := decodePayload[ErrorPayload](t, readType(t, gm, FrameError))
	if payload.Code != "APPROVAL_NOT_FOUND" {
		t.Fatalf("error = %+v", payload)
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	join(t, alice, "alice")
	waitConnections(t, ts.hub, 1)

	_ = alice.Close()
	waitConnections(t, ts.hub, 0)
}

func TestGMJoiningLateSeesPendingApproval(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	join(t, alice, "alice")

	submit(t, alice, "r1", action.AssignItem, map[string]string{"itemId": "sword", "targetCharacterId": "hero"})
	session, err := ts.auth.Open(testContext(t), "sess-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := session.PendingApproval(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("approval never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bob := ts.dial(t)
	join(t, bob, "bob")
	gm := ts.dial(t)
	join(t, gm, "gm")
	prompt := readType(t, gm, FrameApprovalRequest)
	payload := decodePayload[approvalRequestPayload](t, prompt)
	if prompt.RequestID != "r1" || payload.PlayerID != "alice" || payload.Action != string(action.AssignItem) || payload.Message == "" {
		t.Fatalf("prompt = %+v", payload)
	}

	writeFrame(t, gm, map[string]any{"type": FrameDecide, "request_id": "d1", "payload": map[string]any{"request_id": "r1", "approve": true}})
	readType(t, gm, FrameApprovalResolved)
	readType(t, alice, FramePatch)
	out := decodePayload[ResultPayload](t, readType(t, alice, FrameResult))
	if out.Status != string(authority.StatusApplied) {
		t.Fatalf("result = %+v", out)
	}
	// Players who join mid-approval never see the prompt.
	if frame := readFrame(t, bob); frame.Type != FramePatch {
		t.Fatalf("bob frame = %q, want %q", frame.Type, FramePatch)
	}
}

// recorder collects written frames for hub tests.
type recorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *recorder) frames() int {
	return strings.Count(r.String(), "\n")
}

// stalledWriter blocks every write until release is closed.
type stalledWriter struct {
	release chan struct{}
}

func (w stalledWriter) Write(p []byte) (int, error) {
	<-w.release
	return 0, io.ErrClosedPipe
}

func testPeer(t *testing.T, w io.Writer, logger *log.Logger) *peer {
	t.Helper()
	p := startPeer(nil, w, logger)
	t.Cleanup(p.close)
	return p
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubWritesFailuresToLog(t *testing.T) {
	logs := &recorder{}
	logger := log.New(logs, "", 0)
	hub := NewHub(logger)
	p := testPeer(t, failingWriter{}, logger)
	hub.join("sess-1", "gm", "alice", p)

	hub.BroadcastPatch(testContext(t), authority.PatchSet{SessionID: "sess-1", Version: 2})
	eventually(t, "write failure log", func() bool {
		return strings.Contains(logs.String(), "ws: frame write failed")
	})
	eventually(t, "peer to stop", func() bool {
		return errors.Is(p.writeFrame(Frame{Type: FramePatch}), errPeerClosed)
	})
}

func TestHubApprovalOnlyReachesGM(t *testing.T) {
	gmOut, playerOut := &recorder{}, &recorder{}
	logger := log.New(io.Discard, "", 0)
	hub := NewHub(logger)
	hub.join("sess-1", "gm", "gm", testPeer(t, gmOut, logger))
	player := testPeer(t, playerOut, logger)
	hub.join("sess-1", "gm", "alice", player)

	hub.RequestApproval(testContext(t), authority.ApprovalRequest{SessionID: "sess-1", RequestID: "r1", PlayerID: "alice", ExpiresAt: time.Now()})
	hub.BroadcastPatch(testContext(t), authority.PatchSet{SessionID: "sess-1", Version: 2})
	eventually(t, "gm frames", func() bool { return gmOut.frames() == 2 })
	eventually(t, "player patch", func() bool { return playerOut.frames() == 1 })
	if !strings.Contains(gmOut.String(), FrameApprovalRequest) {
		t.Fatalf("gm frames = %q", gmOut.String())
	}
	if strings.Contains(playerOut.String(), FrameApprovalRequest) {
		t.Fatalf("player frames = %q", playerOut.String())
	}
}

func TestHubDropsStalledPeer(t *testing.T) {
	logs := &recorder{}
	logger := log.New(logs, "", 0)
	hub := NewHub(logger)
	stalled := stalledWriter{release: make(chan struct{})}
	defer close(stalled.release)
	hub.join("sess-1", "gm", "alice", testPeer(t, stalled, logger))
	healthy := &recorder{}
	hub.join("sess-1", "gm", "bob", testPeer(t, healthy, logger))

	start := time.Now()
	for i := 0; i < peerOutboxSize+2; i++ {
		hub.BroadcastPatch(testContext(t), authority.PatchSet{SessionID: "sess-1", Version: uint64(i + 2)})
		want := i + 1
		eventually(t, "healthy peer to catch up", func() bool { return healthy.frames() == want })
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("broadcasts took %s behind a stalled peer", elapsed)
	}
	if !strings.Contains(logs.String(), `ws: dropping slow peer session="sess-1" player="alice"`) {
		t.Fatalf("logs = %q", logs.String())
	}
	if strings.Contains(logs.String(), `player="bob"`) {
		t.Fatalf("healthy peer dropped: %q", logs.String())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, io.ErrClosedPipe
}

// testContext stands in for testing.T.Context on toolchains older than Go 1.24:
// the returned context is canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
