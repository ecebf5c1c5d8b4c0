package main

import (
	"github.com/spf13/cobra"

	"cssmod/internal/wire"
)

func newClientCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "client <socket> <message>",
		Short: "Send a raw JSON request to a daemon and print the response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := ctx.newClient(args[0])
			if err != nil {
				return err
			}
			// The message is JSON text, so only half-close framing applies.
			cl.Framing = wire.FramingHalfClose
			return cl.Do(cmd.Context(), []byte(args[1]), cmd.OutOrStdout())
		},
	}
}
