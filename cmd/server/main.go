// Command server runs the agent wallet API: float holds, funding and the
// remittance callback endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/doseal/agentwallet/internal/config"
	"github.com/doseal/agentwallet/internal/logging"
	"github.com/doseal/agentwallet/internal/server"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("agentwallet %s (%s)\n", version, commit)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentwallet:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting", "version", version, "commit", commit, "env", cfg.Env, "port", cfg.Port)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return srv.Run(context.Background())
}
