// Package grantkey generates player-grant key pairs and mints grants for
// local sessions.
package grantkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/louisbranch/tabletop/internal/services/tabletop/identity"
)

// Run generates a grant key pair and writes exports.
func Run(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate grant key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export TABLETOP_GRANT_PRIVATE_KEY=%s\n", base64.RawStdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export TABLETOP_GRANT_PUBLIC_KEY=%s\n", base64.RawStdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}
	return nil
}

// Mint writes a signed grant for playerID in sessionID.
func Mint(out io.Writer, cfg identity.SignerConfig, playerID, sessionID string) error {
	if out == nil {
		return errors.New("output is required")
	}
	grant, err := identity.Mint(cfg, strings.TrimSpace(playerID), strings.TrimSpace(sessionID))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, grant)
	return err
}
