// Package main follows a tabletop session and logs its state changes.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	replicacmd "github.com/louisbranch/tabletop/internal/cmd/replica"
)

func main() {
	cfg, err := replicacmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[REPLICA] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := replicacmd.Run(ctx, cfg); err != nil {
		log.Fatalf("replica stopped: %v", err)
	}
}
