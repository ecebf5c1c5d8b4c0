package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cssmod/internal/journal"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the request journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			paths, err := ctx.paths()
			if err != nil {
				return err
			}
			path := journal.PathIn(paths.Scratch)
			if !fileExists(path) {
				fmt.Fprintf(out, "No journal at %s (is [journal] enabled?)\n", path)
				return nil
			}
			j, err := journal.Open(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer j.Close()

			summary, err := j.Summary(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Requests: %d\n", summary.Total)
			fmt.Fprintf(out, "Hits:     %d (%.1f%%)\n", summary.Hits, summary.HitRate()*100)
			fmt.Fprintf(out, "Misses:   %d\n", summary.Misses)
			fmt.Fprintf(out, "Errors:   %d\n", summary.Errors)
			if !summary.LastRequest.IsZero() {
				fmt.Fprintf(out, "Last:     %s\n", summary.LastRequest.Local().Format(time.DateTime))
			}
			if limit <= 0 {
				return nil
			}

			recent, err := j.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(recent) == 0 {
				return nil
			}
			rows := make([][]string, 0, len(recent))
			for _, rec := range recent {
				rows = append(rows, []string{
					rec.At.Local().Format(time.DateTime),
					string(rec.Outcome),
					rec.Duration.Round(time.Microsecond).String(),
					rec.SourcePath,
					rec.Error,
				})
			}
			fmt.Fprintln(out)
			fmt.Fprint(out, renderTable(tableSpec{
				Headers: []string{"Time", "Outcome", "Duration", "Source", "Error"},
				Rows:    rows,
				Aligns:  []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			}))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "recent", "n", 10, "Number of recent requests to list (0 hides the table)")
	return cmd
}
