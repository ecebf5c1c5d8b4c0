package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"cssmod/internal/cachestore"
	"cssmod/internal/daemonrun"
	"cssmod/internal/journal"
	"cssmod/internal/launcher"
	"cssmod/internal/logging"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a detached daemon for the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			paths, err := ctx.paths()
			if err != nil {
				return err
			}
			if launcher.Probe(paths.Socket) {
				fmt.Fprintln(stdout, "Daemon already running")
				return nil
			}
			exe, err := resolveDaemonExecutable()
			if err != nil {
				return err
			}
			configPath := ctx.configPath()
			if configPath != "" {
				if abs, err := filepath.Abs(configPath); err == nil {
					configPath = abs
				}
			}
			fmt.Fprintln(stdout, "Daemon not running, launching...")
			pid, err := launcher.Launch(exe, launcher.LaunchOptions{
				SocketPath: paths.Socket,
				ScratchDir: paths.Scratch,
				ConfigPath: configPath,
			})
			if err != nil {
				return err
			}
			if err := launcher.WaitReady(cmd.Context(), paths.Socket, 10*time.Second); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Daemon started (pid %d, socket %s)\n", pid, paths.Socket)
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the current project's detached daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			paths, err := ctx.paths()
			if err != nil {
				return err
			}
			result, err := launcher.StopProcess(paths.Scratch, 5*time.Second)
			if errors.Is(err, launcher.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(stdout, "Daemon ignored SIGTERM, killed process (pid %d)\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, cache, and journal status for the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ctx.paths()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			for _, line := range renderSectionHeader("Daemon", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, line := range daemonStatusLines(paths.Socket, paths.Scratch, colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Cache", colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout, cacheStatusLine(paths.Scratch, colorize))
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Journal", colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout, journalStatusLine(cmd.Context(), paths.Scratch, colorize))
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, statusCmd}
}

func daemonStatusLines(socket, scratch string, colorize bool) []string {
	lines := []string{renderStatusLine("Socket", statusInfo, socket, colorize)}
	running := launcher.Probe(socket)
	switch {
	case running:
		lines = append(lines, renderStatusLine("Daemon", statusOK, "Running", colorize))
	case fileExists(socket):
		lines = append(lines, renderStatusLine("Daemon", statusWarn, "Socket file present but not accepting connections", colorize))
	default:
		lines = append(lines, renderStatusLine("Daemon", statusInfo, "Not running", colorize))
	}
	if pid, err := daemonrun.ReadPID(scratch); err == nil {
		lines = append(lines, renderStatusLine("PID", statusInfo, fmt.Sprintf("%d", pid), colorize))
	}
	return lines
}

func cacheStatusLine(scratch string, colorize bool) string {
	entries, err := cachestore.New(scratch, logging.NewNop()).List()
	if err != nil {
		return renderStatusLine("Entries", statusError, err.Error(), colorize)
	}
	corrupt := 0
	var size int64
	for _, entry := range entries {
		size += entry.Size
		if entry.Corrupt {
			corrupt++
		}
	}
	detail := fmt.Sprintf("%d (%s)", len(entries), humanBytes(size))
	if corrupt > 0 {
		return renderStatusLine("Entries", statusWarn, fmt.Sprintf("%s, %d corrupt", detail, corrupt), colorize)
	}
	return renderStatusLine("Entries", statusOK, detail, colorize)
}

func journalStatusLine(ctx context.Context, scratch string, colorize bool) string {
	path := journal.PathIn(scratch)
	if !fileExists(path) {
		return renderStatusLine("Requests", statusInfo, "No journal recorded", colorize)
	}
	j, err := journal.Open(ctx, path)
	if err != nil {
		return renderStatusLine("Requests", statusError, err.Error(), colorize)
	}
	defer j.Close()
	summary, err := j.Summary(ctx)
	if err != nil {
		return renderStatusLine("Requests", statusError, err.Error(), colorize)
	}
	kind := statusOK
	if summary.Errors > 0 {
		kind = statusWarn
	}
	return renderStatusLine("Requests", kind,
		fmt.Sprintf("%d total, %.0f%% hit rate, %d errors", summary.Total, summary.HitRate()*100, summary.Errors), colorize)
}

func resolveDaemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
