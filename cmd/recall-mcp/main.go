// cmd/recall-mcp serves the recall engine to MCP clients as line-delimited
// JSON-RPC 2.0 over stdin and stdout.
//
// ALL logging goes to stderr. Any byte written to stdout that is not a
// JSON-RPC response frame corrupts the protocol.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/scrypster/recall/internal/api/mcp"
	"github.com/scrypster/recall/internal/app"
	"github.com/scrypster/recall/internal/attribution"
	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/notify"
)

var version = "dev"

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("recall-mcp: ")
	log.SetFlags(log.LstdFlags)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		log.Fatalf("%v", err)
	}
}

// run opens the engine and serves requests from in until it closes. The
// engine's background jobs stay off: a recall-server sharing the data
// directory owns the schedule. Writes made here are forwarded to that
// server as invalidation requests, and engine events are mirrored to the
// notify outbox.
func run(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a, err := app.Open(ctx, cfg, engine.Publishers{
		notify.NewPublisher(cfg.Server.NotifyDir),
		notify.NewForwarder(cfg.Server.NotifyDir),
	})
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("WARNING: closing store: %v", err)
		}
	}()

	srv := mcp.NewServer(a.Engine,
		mcp.WithVersion(version),
		mcp.WithDefaultUser(attribution.DetectUser()),
	)
	log.Println("ready, serving JSON-RPC 2.0 on stdin/stdout")
	return mcp.NewStdioTransport(srv, in, out).Serve(ctx)
}
