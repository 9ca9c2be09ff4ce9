package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/mermend/pkg/mcp"
)

func runMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	persist := fs.Bool("cache", false, "use the on-disk render cache")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, loadConfig(), *persist)
	if err != nil {
		return err
	}
	defer a.close()

	srv, err := mcp.NewServer(mcp.ServerDeps{Engine: a.engine, Version: version, Logger: a.logger})
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}
