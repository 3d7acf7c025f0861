package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/net/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/louisbranch/tabletop/internal/services/tabletop/api/grpc/actions"
	"github.com/louisbranch/tabletop/internal/services/tabletop/transport/ws"
)

func TestNewRequiresAddresses(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{GRPCAddr: "127.0.0.1:0"}); err == nil {
		t.Fatal("expected http address error")
	}
	if _, err := New(context.Background(), Config{HTTPAddr: "127.0.0.1:0"}); err == nil {
		t.Fatal("expected grpc address error")
	}
}

func TestNewRejectsBadSeed(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{
		HTTPAddr: "127.0.0.1:0",
		GRPCAddr: "127.0.0.1:0",
		DBPath:   filepath.Join(t.TempDir(), "tabletop.db"),
		SeedPath: writeSeed(t, "campaigns:\n  - id: camp-1\n"),
	})
	if err == nil {
		t.Fatal("expected seed error")
	}
}

func startServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(context.Background(), Config{
		HTTPAddr:        "127.0.0.1:0",
		GRPCAddr:        "127.0.0.1:0",
		DBPath:          filepath.Join(t.TempDir(), "tabletop.db"),
		SeedPath:        writeSeed(t, testSeed),
		ApprovalTimeout: time.Second,
		Locale:          "en-US",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("timed out waiting for Serve to return")
		}
	})
	return srv
}

func dialGRPC(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServerEndToEnd(t *testing.T) {
	srv := startServer(t)
	conn := dialGRPC(t, srv.GRPCAddr())
	client := actions.NewActionServiceClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: actions.ServiceName})
	if err != nil {
		t.Fatalf("health Check: %v", err)
	}
	if health.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("health = %v, want SERVING", health.GetStatus())
	}

	in, err := structpb.NewStruct(map[string]any{
		"session_id": "sess-1",
		"id":         "start-1",
		"action":     "start-encounter",
		"parameters": map[string]any{"encounterId": "enc-1"},
	})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	out, err := client.SubmitAction(actions.WithGrant(ctx, "gm"), in)
	if err != nil {
		t.Fatalf("SubmitAction: %v", err)
	}
	if got := out.GetFields()["status"].GetStringValue(); got != "applied" {
		t.Fatalf("status = %q, want applied: %v", got, out)
	}
	if got := out.GetFields()["version"].GetNumberValue(); got != 1 {
		t.Fatalf("version = %v, want 1", got)
	}

	origin := "http://" + srv.HTTPAddr()
	wsConn, err := websocket.Dial("ws://"+srv.HTTPAddr()+"/ws", "", origin)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer wsConn.Close()
	raw, _ := json.Marshal(map[string]string{"session_id": "sess-1", "grant": "alice"})
	if err := websocket.JSON.Send(wsConn, ws.Frame{Type: ws.FrameJoin, Payload: raw}); err != nil {
		t.Fatalf("send join: %v", err)
	}
	_ = wsConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame ws.Frame
	if err := websocket.JSON.Receive(wsConn, &frame); err != nil {
		t.Fatalf("receive joined: %v", err)
	}
	if frame.Type != ws.FrameJoined {
		t.Fatalf("frame = %s %s", frame.Type, frame.Payload)
	}
	var joined ws.JoinedPayload
	if err := json.Unmarshal(frame.Payload, &joined); err != nil {
		t.Fatalf("decode joined: %v", err)
	}
	if joined.Version != 1 || joined.PlayerID != "alice" {
		t.Fatalf("joined = %d %s", joined.Version, joined.PlayerID)
	}
	if joined.State.CurrentEncounter == nil || joined.State.CurrentEncounter.ID != "enc-1" {
		t.Fatalf("current encounter = %+v", joined.State.CurrentEncounter)
	}
	if _, ok := joined.State.Documents["hero"]; !ok {
		t.Fatal("hero document missing from joined state")
	}

	req, _ := structpb.NewStruct(map[string]any{"session_id": "sess-1"})
	got, err := client.GetState(actions.WithGrant(ctx, "alice"), req)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if hash := got.GetFields()["hash"].GetStringValue(); hash != joined.Hash {
		t.Fatalf("GetState hash = %s, joined hash = %s", hash, joined.Hash)
	}
}

func TestServerReloadsPersistedState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tabletop.db")
	seed := writeSeed(t, testSeed)
	cfg := Config{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0", DBPath: dbPath, SeedPath: seed}

	var hash string
	for run := 0; run < 2; run++ {
		srv, err := New(context.Background(), cfg)
		if err != nil {
			t.Fatalf("New run %d: %v", run, err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Serve(ctx) }()

		client := actions.NewActionServiceClient(dialGRPC(t, srv.GRPCAddr()))
		callCtx, callCancel := context.WithTimeout(actions.WithGrant(context.Background(), "gm"), 5*time.Second)
		if run == 0 {
			in, _ := structpb.NewStruct(map[string]any{
				"session_id": "sess-1",
				"action":     "start-encounter",
				"parameters": map[string]any{"encounterId": "enc-1"},
			})
			if _, err := client.SubmitAction(callCtx, in); err != nil {
				t.Fatalf("SubmitAction: %v", err)
			}
		}
		req, _ := structpb.NewStruct(map[string]any{"session_id": "sess-1"})
		got, err := client.GetState(callCtx, req)
		callCancel()
		if err != nil {
			t.Fatalf("GetState run %d: %v", run, err)
		}
		if v := got.GetFields()["version"].GetNumberValue(); v != 1 {
			t.Fatalf("run %d version = %v, want 1", run, v)
		}
		current := got.GetFields()["hash"].GetStringValue()
		if run == 1 && current != hash {
			t.Fatalf("reloaded hash = %s, want %s", current, hash)
		}
		hash = current

		cancel()
		if err := <-done; err != nil {
			t.Fatalf("Serve run %d: %v", run, err)
		}
	}
}
