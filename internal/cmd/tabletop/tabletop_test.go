package tabletop

import (
	"flag"
	"testing"
	"time"

	"github.com/louisbranch/tabletop/internal/services/tabletop/identity"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("tabletop", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8090" || cfg.GRPCAddr != ":8091" {
		t.Fatalf("addrs = %q %q", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.ApprovalTimeout != 5*time.Minute {
		t.Fatalf("approval timeout = %v, want 5m", cfg.ApprovalTimeout)
	}
	if cfg.SnapshotEvery != 50 || cfg.Locale != "en-US" || cfg.AllowDiagonalCorners {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("TABLETOP_HTTP_ADDR", ":9000")
	t.Setenv("TABLETOP_SNAPSHOT_EVERY", "10")
	t.Setenv("TABLETOP_ALLOW_DIAGONAL_CORNERS", "true")

	fs := flag.NewFlagSet("tabletop", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-http-addr", ":9001", "-approval-timeout", "30s"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":9001" {
		t.Fatalf("http addr = %q, want flag override", cfg.HTTPAddr)
	}
	if cfg.ApprovalTimeout != 30*time.Second || cfg.SnapshotEvery != 10 || !cfg.AllowDiagonalCorners {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestVerifierSelection(t *testing.T) {
	t.Setenv("TABLETOP_GRANT_ISSUER", "")
	t.Setenv("TABLETOP_GRANT_AUDIENCE", "")
	t.Setenv("TABLETOP_GRANT_PUBLIC_KEY", "")

	if _, err := (Config{}).Verifier(); err == nil {
		t.Fatal("expected missing grant config error")
	}
	verifier, err := (Config{GrantsDisabled: true}).Verifier()
	if err != nil {
		t.Fatalf("Verifier: %v", err)
	}
	if _, ok := verifier.(identity.Insecure); !ok {
		t.Fatalf("verifier = %T, want identity.Insecure", verifier)
	}
}
