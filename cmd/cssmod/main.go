package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cssmod/internal/daemon"
)

func main() {
	if err := execute(newRootCommand()); err != nil {
		// The daemon already reported this on its error stream.
		if daemon.IsAlreadyRunning(err) {
			os.Exit(daemon.ExitAlreadyRunning)
		}
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// execute runs cmd under a context cancelled by SIGINT or SIGTERM, so deferred
// teardown (a spawned daemon, an open socket) runs before the process exits.
func execute(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cmd.ExecuteContext(ctx)
}
