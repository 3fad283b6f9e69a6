package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/sneakersync/sneakersync/internal/sync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newHistoryCmd())
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List changes recorded on the removable replica, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			engine, err := sync.New(cfg)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			history, err := engine.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no history")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "APPLIED\tOP\tPATH\tMACHINE\tSIZE")
			for _, m := range history {
				path := m.RelPath
				if m.NewRelPath != "" {
					path += " -> " + m.NewRelPath
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(m.AppliedTime), m.OpType, path, m.MachineName, humanize.Bytes(uint64(m.SizeBytes)))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "entries to show, 0 for all")
	return cmd
}
