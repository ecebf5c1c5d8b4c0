package main

import (
	"github.com/spf13/cobra"

	"cssmod/internal/daemonrun"
)

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:    "daemon <socket> [scratch]",
		Short:  "Run the token daemon in the foreground",
		Hidden: true,
		Args:   cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts := daemonrun.Options{
				SocketPath: args[0],
				Config:     cfg,
				Stderr:     cmd.ErrOrStderr(),
			}
			if len(args) > 1 {
				opts.ScratchDir = args[1]
			}
			return daemonrun.Run(cmd.Context(), opts)
		},
	}
}
