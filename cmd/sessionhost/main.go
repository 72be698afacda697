// Command sessionhost runs the session-host process standalone, for
// integration testing and local development. A real embedding process
// (a desktop shell) links internal/hostapp directly instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/altairalabs/sessionhost/internal/config"
	"github.com/altairalabs/sessionhost/internal/hostapp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sessionhost:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("SESSIONHOST_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := hostapp.New(*cfg)
	if err != nil {
		return fmt.Errorf("wire host app: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}
