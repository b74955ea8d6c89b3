package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantfold/reportd/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := cli.NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(cli.GetExitCode(err))
	}
}
