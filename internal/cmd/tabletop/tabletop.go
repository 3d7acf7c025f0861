// Package tabletop parses tabletop service flags and launches the service.
package tabletop

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	entrypoint "github.com/louisbranch/tabletop/internal/platform/cmd"
	server "github.com/louisbranch/tabletop/internal/services/tabletop/app"
	"github.com/louisbranch/tabletop/internal/services/tabletop/identity"
)

// Config holds tabletop command configuration.
type Config struct {
	HTTPAddr        string        `env:"TABLETOP_HTTP_ADDR"         envDefault:":8090"`
	GRPCAddr        string        `env:"TABLETOP_GRPC_ADDR"         envDefault:":8091"`
	DBPath          string        `env:"TABLETOP_DB_PATH"           envDefault:"data/tabletop.db"`
	SeedPath        string        `env:"TABLETOP_SEED_FILE"`
	SystemsManifest string        `env:"TABLETOP_SYSTEMS_MANIFEST"`
	ApprovalTimeout time.Duration `env:"TABLETOP_APPROVAL_TIMEOUT"  envDefault:"5m"`
	FetchTimeout    time.Duration `env:"TABLETOP_FETCH_TIMEOUT"     envDefault:"5s"`
	SnapshotEvery   uint64        `env:"TABLETOP_SNAPSHOT_EVERY"    envDefault:"50"`
	// AllowDiagonalCorners lets moves squeeze diagonally between two
	// blocked orthogonal neighbours.
	AllowDiagonalCorners bool   `env:"TABLETOP_ALLOW_DIAGONAL_CORNERS" envDefault:"false"`
	Locale               string `env:"TABLETOP_DEFAULT_LOCALE"         envDefault:"en-US"`
	// GrantsDisabled trusts the join grant as the player id.
	GrantsDisabled bool `env:"TABLETOP_GRANT_DISABLED"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The websocket listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "The gRPC listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the tabletop SQLite database")
	fs.StringVar(&cfg.SeedPath, "seed", cfg.SeedPath, "Optional YAML seed applied at startup")
	fs.StringVar(&cfg.SystemsManifest, "systems", cfg.SystemsManifest, "Optional systems.yaml of scripted game systems")
	fs.DurationVar(&cfg.ApprovalTimeout, "approval-timeout", cfg.ApprovalTimeout, "How long a request waits for the GM")
	fs.BoolVar(&cfg.GrantsDisabled, "insecure-grants", cfg.GrantsDisabled, "Trust the join grant as the player id")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Verifier returns the grant verifier cfg selects.
func (cfg Config) Verifier() (identity.Verifier, error) {
	if cfg.GrantsDisabled {
		log.Printf("tabletop: grant verification disabled")
		return identity.Insecure{}, nil
	}
	verifierCfg, err := identity.LoadVerifierConfigFromEnv(nil)
	if err != nil {
		return nil, fmt.Errorf("load grant verifier: %w", err)
	}
	return identity.NewVerifier(verifierCfg)
}

// Run starts the tabletop websocket and gRPC service.
func Run(ctx context.Context, cfg Config) error {
	verifier, err := cfg.Verifier()
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceTabletop, func(ctx context.Context) error {
		return server.Run(ctx, server.Config{
			HTTPAddr:                    cfg.HTTPAddr,
			GRPCAddr:                    cfg.GRPCAddr,
			DBPath:                      cfg.DBPath,
			SeedPath:                    cfg.SeedPath,
			SystemsManifest:             cfg.SystemsManifest,
			ApprovalTimeout:             cfg.ApprovalTimeout,
			FetchTimeout:                cfg.FetchTimeout,
			SnapshotEvery:               cfg.SnapshotEvery,
			AllowDiagonalThroughCorners: cfg.AllowDiagonalCorners,
			Locale:                      cfg.Locale,
			Verifier:                    verifier,
		})
	})
}
