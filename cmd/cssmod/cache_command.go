package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"cssmod/internal/cachestore"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the token cache",
	}

	cacheCmd.AddCommand(newCacheListCommand(ctx))
	cacheCmd.AddCommand(newCacheClearCommand(ctx))

	return cacheCmd
}

func cacheStore(ctx *commandContext) (*cachestore.Store, error) {
	paths, err := ctx.paths()
	if err != nil {
		return nil, err
	}
	return cachestore.New(paths.Scratch, ctx.logger()), nil
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List cached token maps",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cacheStore(ctx)
			if err != nil {
				return err
			}
			entries, err := store.List()
			if err != nil {
				return err
			}
			printCacheEntries(cmd.OutOrStdout(), store.Dir(), entries)
			return nil
		},
	}
}

func printCacheEntries(out io.Writer, dir string, entries []cachestore.Listing) {
	if len(entries) == 0 {
		fmt.Fprintf(out, "No cache entries in %s\n", dir)
		return
	}
	const stampLayout = "2006-01-02 15:04"
	rows := make([][]string, 0, len(entries))
	var total int64
	for _, entry := range entries {
		total += entry.Size
		state := "ok"
		tokens := strconv.Itoa(entry.Tokens)
		hash := shortHash(entry.Hash)
		if entry.Corrupt {
			state = "corrupt"
			tokens = "-"
			hash = "-"
		}
		rows = append(rows, []string{
			entry.Key,
			hash,
			tokens,
			humanBytes(entry.Size),
			entry.Modified.Local().Format(stampLayout),
			state,
		})
	}
	fmt.Fprintf(out, "Cache directory: %s\n", dir)
	fmt.Fprint(out, renderTable(tableSpec{
		Headers: []string{"Key", "Hash", "Tokens", "Size", "Modified", "State"},
		Rows:    rows,
		Aligns:  []columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
		Footer:  []string{fmt.Sprintf("%d %s", len(entries), plural(len(entries), "entry", "entries")), "", "", humanBytes(total)},
	}))
}

func newCacheClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached token map",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cacheStore(ctx)
			if err != nil {
				return err
			}
			removed, err := store.Clear()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cache %s\n", removed, plural(removed, "entry", "entries"))
			return nil
		},
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func humanBytes(v int64) string {
	if v < 0 {
		v = 0
	}
	return humanize.IBytes(uint64(v))
}
