// Package replica parses replica flags and follows a tabletop session.
package replica

import (
	"context"
	"errors"
	"flag"
	"log"

	entrypoint "github.com/louisbranch/tabletop/internal/platform/cmd"
	"github.com/louisbranch/tabletop/internal/platform/discovery"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/replica"
)

// Config holds replica command configuration.
type Config struct {
	URL        string `env:"TABLETOP_REPLICA_URL"`
	SessionID  string `env:"TABLETOP_REPLICA_SESSION"`
	Grant      string `env:"TABLETOP_REPLICA_GRANT"`
	MaxPending int    `env:"TABLETOP_REPLICA_MAX_PENDING" envDefault:"64"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.URL, "url", cfg.URL, "The tabletop websocket endpoint (default ws://tabletop:8090/ws)")
	fs.StringVar(&cfg.SessionID, "session", cfg.SessionID, "The session to follow")
	fs.StringVar(&cfg.Grant, "grant", cfg.Grant, "The player grant used to join")
	fs.IntVar(&cfg.MaxPending, "max-pending", cfg.MaxPending, "Out-of-order patches buffered before a resync")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.URL = discovery.OrDefaultWebsocketURL(cfg.URL, discovery.ServiceTabletop)
	if cfg.SessionID == "" {
		return Config{}, errors.New("session is required")
	}
	return cfg, nil
}

// Run follows the configured session and logs every state change.
func Run(ctx context.Context, cfg Config) error {
	client, err := replica.NewClient(replica.Config{
		URL:        cfg.URL,
		SessionID:  cfg.SessionID,
		Grant:      cfg.Grant,
		MaxPending: cfg.MaxPending,
		OnUpdate:   logUpdate,
	})
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceReplica, client.Run)
}

func logUpdate(snap state.Snapshot) {
	log.Printf("replica: state version=%d hash=%s", snap.Version, snap.Hash)
}
