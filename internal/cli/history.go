package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"ctdrr/internal/ledger"
	"ctdrr/pkg/config"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent case outcomes from the run ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Output.LedgerPath == "" {
				return fmt.Errorf("no ledger configured (set output.ledger_path or --ledger)")
			}
			if !fileExists(cfg.Output.LedgerPath) {
				return fmt.Errorf("ledger %s does not exist", cfg.Output.LedgerPath)
			}

			store, err := ledger.Open(cfg.Output.LedgerPath)
			if err != nil {
				return fmt.Errorf("failed to open ledger: %w", err)
			}
			defer store.Close()

			recs, err := store.RecentCases(limit)
			if err != nil {
				return err
			}
			renderHistory(cmd.OutOrStdout(), recs)
			return nil
		},
	}

	cmd.Flags().String("ledger", "", "SQLite run ledger path")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of cases to show")

	return cmd
}

func renderHistory(w io.Writer, recs []ledger.CaseRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "(no cases recorded)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Recorded", "Run", "Case", "State", "Views", "Duration", "Error"})
	for _, rec := range recs {
		run := rec.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		t.AppendRow(table.Row{
			rec.RecordedAt.Local().Format(time.DateTime),
			run,
			rec.CaseID,
			rec.State,
			rec.Views,
			rec.Duration,
			rec.Error,
		})
	}
	t.Render()
	fmt.Fprintf(w, "(%d cases)\n", len(recs))
}
