package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gattflow/internal/history"
)

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	var (
		limit int
		stats bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent engine events from the history store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(flags)
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.History.Path); errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no history at %s", cfg.History.Path)
			}

			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			if stats {
				rows, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "NODE\tTASKS\tFAILED\tAVG")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%d\t%d\t%.0fms\n", r.Node, r.Tasks, r.Failures, r.AvgMillis)
				}
				return nil
			}

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "TIME\tTYPE\tNODE\tEVENT\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.At.Format("2006-01-02 15:04:05.000"), e.Type, e.Node, e.Summary, describe(e.Detail))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of events to show")
	cmd.Flags().BoolVar(&stats, "stats", false, "show per-node task totals instead of events")
	return cmd
}

func describe(d history.Detail) string {
	var parts []string
	if len(d.Entered) > 0 {
		parts = append(parts, "+"+strings.Join(d.Entered, ",+"))
	}
	if len(d.Exited) > 0 {
		parts = append(parts, "-"+strings.Join(d.Exited, ",-"))
	}
	if d.Retries > 0 {
		parts = append(parts, fmt.Sprintf("retries=%d", d.Retries))
	}
	if d.Implicit {
		parts = append(parts, "implicit")
	}
	if d.Redundant {
		parts = append(parts, "redundant")
	}
	if d.Error != "" {
		parts = append(parts, fmt.Sprintf("err=%q", d.Error))
	}
	return strings.Join(parts, " ")
}
