// Package timeouts defines the timeout defaults shared across the tabletop
// binaries.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work on exit.
const Shutdown = 5 * time.Second

// Fetch bounds a single call into the document store or a game-system plugin
// during action execution.
const Fetch = 5 * time.Second

// Plugin bounds a single game-system script hook, including the initial
// run of the script.
const Plugin = 2 * time.Second

// Approval is how long a gated action waits for a GM decision before it is
// declined.
const Approval = 5 * time.Minute

// WSWrite bounds a single websocket frame write to a slow client.
const WSWrite = 10 * time.Second
