// Package main generates player-grant key pairs, or mints a grant when a
// player and session are given.
package main

import (
	"flag"
	"os"

	"github.com/louisbranch/tabletop/internal/platform/config"
	"github.com/louisbranch/tabletop/internal/services/tabletop/identity"
	"github.com/louisbranch/tabletop/internal/tools/grantkey"
)

func main() {
	player := flag.String("player", "", "player id to mint a grant for")
	session := flag.String("session", "", "session id the grant is valid in")
	flag.Parse()

	if *player == "" && *session == "" {
		if err := grantkey.Run(os.Stdout, nil); err != nil {
			config.Exitf("generate grant key: %v", err)
		}
		return
	}

	cfg, err := identity.LoadSignerConfigFromEnv(nil)
	if err != nil {
		config.Exitf("load grant signer: %v", err)
	}
	if err := grantkey.Mint(os.Stdout, cfg, *player, *session); err != nil {
		config.Exitf("mint grant: %v", err)
	}
}
