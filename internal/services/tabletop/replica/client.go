package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/louisbranch/tabletop/internal/platform/timeouts"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/transport/ws"
)

// Config describes the session a client follows.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8090/ws.
	URL        string
	SessionID  string
	Grant      string
	MaxPending int
	Logger     *log.Logger
	// OnUpdate runs after every join and every applied patch.
	OnUpdate func(state.Snapshot)
}

// Client follows one session over a websocket connection.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	replica *Replica
	resyncs atomic.Int64
}

// NewClient validates cfg and creates a client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("url is required")
	}
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = timeouts.GRPCDial
	return &Client{cfg: cfg, dialer: &dialer, replica: New(cfg.MaxPending)}, nil
}

// Replica returns the local copy the client maintains.
func (c *Client) Replica() *Replica {
	return c.replica
}

// Resyncs returns how many times the client rejoined to recover.
func (c *Client) Resyncs() int64 {
	return c.resyncs.Load()
}

// Run dials the server, joins the session and applies broadcast patches
// until ctx ends or the connection fails. A replica that falls out of step
// rejoins for a fresh snapshot.
func (c *Client) Run(ctx context.Context) error {
	header := http.Header{}
	header.Set("Origin", originFor(c.cfg.URL))
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	if err := c.join(conn); err != nil {
		return err
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		var frame ws.Frame
		if err := decode(msg, &frame); err != nil {
			c.cfg.Logger.Printf("replica: invalid frame err=%v", err)
			continue
		}
		if err := c.handle(conn, frame); err != nil {
			return err
		}
	}
}

func (c *Client) handle(conn *websocket.Conn, frame ws.Frame) error {
	switch frame.Type {
	case ws.FrameJoined:
		var joined ws.JoinedPayload
		if err := decode(frame.Payload, &joined); err != nil {
			return fmt.Errorf("decode joined payload: %w", err)
		}
		if err := c.replica.Reset(joined); err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		c.cfg.Logger.Printf("replica: joined session=%q version=%d", joined.SessionID, joined.Version)
		c.notify()
	case ws.FramePatch:
		var payload ws.PatchPayload
		if err := decode(frame.Payload, &payload); err != nil {
			return fmt.Errorf("decode patch payload: %w", err)
		}
		result, err := c.replica.Apply(payload)
		switch {
		case errors.Is(err, ErrResyncRequired):
			c.resyncs.Add(1)
			c.cfg.Logger.Printf("replica: resyncing session=%q err=%v", c.cfg.SessionID, err)
			return c.join(conn)
		case errors.Is(err, ErrNotJoined):
			// Patches that race the first join are covered by its snapshot.
		case err != nil:
			return err
		case result == Applied:
			c.notify()
		}
	case ws.FrameError:
		var payload ws.ErrorPayload
		_ = decode(frame.Payload, &payload)
		c.cfg.Logger.Printf("replica: server error request=%q code=%s message=%q", frame.RequestID, payload.Code, payload.Message)
		if !c.replica.joinedOnce() {
			return fmt.Errorf("join rejected: %s", payload.Code)
		}
	}
	return nil
}

func (c *Client) join(conn *websocket.Conn) error {
	payload, err := json.Marshal(map[string]string{"session_id": c.cfg.SessionID, "grant": c.cfg.Grant})
	if err != nil {
		return fmt.Errorf("encode join: %w", err)
	}
	if err := conn.WriteJSON(ws.Frame{Type: ws.FrameJoin, Payload: payload}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	return nil
}

func (c *Client) notify() {
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(c.replica.Snapshot())
	}
}

// originFor maps a ws(s):// endpoint to the http(s):// origin the server
// handshake expects.
func originFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}

func decode(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(target)
}
