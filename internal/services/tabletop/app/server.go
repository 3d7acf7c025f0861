// Package server wires the tabletop authority to its storage and serves it
// over websockets and gRPC.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/tabletop/internal/platform/timeouts"
	"github.com/louisbranch/tabletop/internal/services/tabletop/api/grpc/actions"
	"github.com/louisbranch/tabletop/internal/services/tabletop/authority"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action/core"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/dice"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/system"
	"github.com/louisbranch/tabletop/internal/services/tabletop/identity"
	"github.com/louisbranch/tabletop/internal/services/tabletop/storage/sqlite"
	"github.com/louisbranch/tabletop/internal/services/tabletop/transport/ws"
)

// Config defines the inputs of a tabletop server.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	DBPath   string
	// SeedPath optionally names a YAML seed applied at startup.
	SeedPath string
	// SystemsManifest optionally names a systems.yaml of scripted systems.
	SystemsManifest             string
	ApprovalTimeout             time.Duration
	FetchTimeout                time.Duration
	SnapshotEvery               uint64
	AllowDiagonalThroughCorners bool
	Locale                      string
	// Verifier resolves player grants. Nil trusts the grant as the player id.
	Verifier          identity.Verifier
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the tabletop websocket and gRPC endpoints.
type Server struct {
	httpListener    net.Listener
	httpServer      *http.Server
	grpcListener    net.Listener
	grpcServer      *grpc.Server
	health          *health.Server
	authority       *authority.Authority
	store           *sqlite.Store
	shutdownTimeout time.Duration
	closeOnce       sync.Once
}

// New opens storage, loads game systems and binds both listeners.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(cfg.GRPCAddr) == "" {
		return nil, errors.New("grpc address is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = timeouts.Fetch
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if cfg.SeedPath != "" {
		if err := LoadSeedFile(ctx, store, cfg.SeedPath); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	plugins := system.NewRegistry()
	if cfg.SystemsManifest != "" {
		dir, name := filepath.Split(cfg.SystemsManifest)
		if dir == "" {
			dir = "."
		}
		if err := plugins.RegisterManifest(os.DirFS(dir), name); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load systems: %w", err)
		}
	}
	roller, err := dice.NewRandomRoller()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("seed dice: %w", err)
	}
	registry, err := core.NewRegistry()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("register actions: %w", err)
	}

	hub := ws.NewHub(log.Default())
	auth, err := authority.New(authority.Options{
		Registry: registry,
		Services: action.Services{
			Plugins:                     plugins,
			Store:                       store,
			Roller:                      roller,
			Now:                         time.Now,
			Logger:                      log.Default(),
			Locale:                      cfg.Locale,
			FetchTimeout:                cfg.FetchTimeout,
			AllowDiagonalThroughCorners: cfg.AllowDiagonalThroughCorners,
		},
		Loader:          store,
		Log:             store,
		Broadcaster:     hub,
		ApprovalTimeout: cfg.ApprovalTimeout,
		SnapshotEvery:   cfg.SnapshotEvery,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		auth.Shutdown()
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpListener.Close()
		auth.Shutdown()
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}

	httpServer := &http.Server{
		Handler: ws.NewHandler(ws.HandlerOptions{
			Hub:      hub,
			Sessions: auth,
			Verifier: cfg.Verifier,
			Locale:   cfg.Locale,
		}),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	actions.RegisterActionServiceServer(grpcServer, actions.NewService(auth, cfg.Verifier, cfg.Locale))
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(actions.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		httpListener:    httpListener,
		httpServer:      httpServer,
		grpcListener:    grpcListener,
		grpcServer:      grpcServer,
		health:          healthServer,
		authority:       auth,
		store:           store,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// HTTPAddr returns the websocket listener address.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the gRPC listener address.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Run creates a server and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init tabletop server: %w", err)
	}
	return server.Serve(ctx)
}

// Serve runs both endpoints until ctx ends or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("tabletop websocket listening at %v", s.httpListener.Addr())
	log.Printf("tabletop gRPC listening at %v", s.grpcListener.Addr())
	httpErr := make(chan error, 1)
	grpcErr := make(chan error, 1)
	go func() {
		httpErr <- s.httpServer.Serve(s.httpListener)
	}()
	go func() {
		grpcErr <- s.grpcServer.Serve(s.grpcListener)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-httpErr:
		_ = s.shutdown()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case err := <-grpcErr:
		_ = s.shutdown()
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

func (s *Server) shutdown() error {
	s.health.Shutdown()
	// Closing sessions first releases calls held by pending approvals.
	s.authority.Shutdown()
	s.grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Close stops serving, ends every session and closes storage.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.health != nil {
			s.health.Shutdown()
		}
		if s.grpcServer != nil {
			s.grpcServer.Stop()
		}
		if s.httpServer != nil {
			_ = s.httpServer.Close()
		}
		if s.httpListener != nil {
			_ = s.httpListener.Close()
		}
		if s.grpcListener != nil {
			_ = s.grpcListener.Close()
		}
		if s.authority != nil {
			s.authority.Shutdown()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				log.Printf("close tabletop store: %v", err)
			}
		}
	})
}

func openStore(path string) (*sqlite.Store, error) {
	if strings.TrimSpace(path) == "" {
		path = filepath.Join("data", "tabletop.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tabletop sqlite store: %w", err)
	}
	return store, nil
}
