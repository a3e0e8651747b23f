package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/HendryAvila/iterate/internal/history"
)

func newHistoryCmd(c *cli) *cobra.Command {
	var (
		limit int
		sites bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded chat completions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !c.settings.HistoryEnabled() {
				return fmt.Errorf("completion history is disabled (history.enabled = false)")
			}
			cfg := history.DefaultConfig()
			cfg.DataDir = c.settings.DataDir()
			store, err := history.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			if sites {
				counts, err := store.CountBySite()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(w, "SITE\tCOMPLETIONS")
				for _, sc := range counts {
					_, _ = fmt.Fprintf(w, "%s\t%s\n", sc.Site, humanize.Comma(int64(sc.Count)))
				}
				return w.Flush()
			}

			entries, err := store.Recent(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no completions recorded yet")
				return nil
			}
			now := time.Now()
			_, _ = fmt.Fprintln(w, "WHEN\tSITE\tRAN\tTITLE")
			for _, e := range entries {
				ran := "-"
				if e.Completion.RunTime != nil {
					ran = fmt.Sprintf("%ds", *e.Completion.RunTime)
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					humanize.RelTime(e.RecordedAt, now, "ago", "from now"),
					e.Completion.SiteName, ran, e.Completion.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of completions to show")
	cmd.Flags().BoolVar(&sites, "sites", false, "show per-site totals instead")
	return cmd
}
