package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"cssmod/internal/launcher"
	"cssmod/internal/wire"
)

// daemonExecutable overrides the binary a spawned daemon runs; empty means
// the running binary.
var daemonExecutable string

func newTokensCommand(ctx *commandContext) *cobra.Command {
	var pipelineFlag string

	cmd := &cobra.Command{
		Use:   "tokens <file.css>",
		Short: "Print the class token map for a stylesheet",
		Long: "Print the class token map for a stylesheet.\n\n" +
			"A daemon already listening on the project socket is reused. Otherwise one\n" +
			"is spawned for the duration of the command and stopped on exit.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve source path: %w", err)
			}
			req := wire.Request{SourceFile: source}
			if override := strings.TrimSpace(pipelineFlag); override != "" {
				raw, err := pipelineOverride(override)
				if err != nil {
					return err
				}
				req.Config = raw
			}

			paths, err := ctx.paths()
			if err != nil {
				return err
			}
			if !launcher.Probe(paths.Socket) {
				guard, err := launcher.New(launcher.Options{
					Executable: daemonExecutable,
					Args:       ctx.daemonArgs(paths),
					SocketPath: paths.Socket,
					ScratchDir: paths.Scratch,
					Logger:     ctx.logger(),
					Stderr:     cmd.ErrOrStderr(),
				})
				if err != nil {
					return err
				}
				defer guard.Close()
				if err := guard.Ensure(cmd.Context()); err != nil {
					return err
				}
			}

			cl, err := ctx.newClient(paths.Socket)
			if err != nil {
				return err
			}
			tokens, err := cl.Tokens(cmd.Context(), req)
			if err != nil {
				return err
			}
			if tokens == nil {
				return nil
			}
			data, err := wire.EncodeTokens(tokens)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&pipelineFlag, "pipeline", "", "Pipeline config override: a file or directory path, or an inline JSON object")
	return cmd
}

// pipelineOverride encodes a --pipeline value as the request's config field.
func pipelineOverride(value string) (json.RawMessage, error) {
	if strings.HasPrefix(value, "{") {
		if !json.Valid([]byte(value)) {
			return nil, fmt.Errorf("inline pipeline config is not valid JSON")
		}
		return json.RawMessage(value), nil
	}
	path, err := filepath.Abs(value)
	if err != nil {
		return nil, fmt.Errorf("resolve pipeline config path: %w", err)
	}
	return json.Marshal(path)
}
