package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var bidID, tradeFlag, sourceDir, user, runIDFlag string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the takeoff cascade for a bid in the foreground",
		Long: "Creates a run for --bid and processes it, or re-runs an existing run with --run-id.\n" +
			"Re-running never duplicates line items, instances or evidence.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			proc, err := ctx.processor(svc)
			if err != nil {
				return err
			}

			var run *entity.Run
			if strings.TrimSpace(runIDFlag) != "" {
				id, err := uuid.Parse(strings.TrimSpace(runIDFlag))
				if err != nil {
					return fmt.Errorf("invalid --run-id: %w", err)
				}
				if err := svc.runs.Requeue(cmd.Context(), id); err != nil {
					return err
				}
				if run, err = svc.runs.Get(cmd.Context(), id); err != nil {
					return err
				}
			} else {
				if strings.TrimSpace(bidID) == "" {
					return fmt.Errorf("--bid or --run-id is required")
				}
				trade, err := parseTrade(tradeFlag)
				if err != nil {
					return err
				}
				run, err = svc.runs.Create(cmd.Context(), entity.Run{
					BidID:     strings.TrimSpace(bidID),
					UserID:    user,
					Trade:     trade,
					SourceDir: strings.TrimSpace(sourceDir),
				})
				if err != nil {
					return err
				}
			}

			start := time.Now()
			perr := proc.Process(cmd.Context(), run.ID)
			final, err := svc.runs.Get(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			printRunSummary(cmd.OutOrStdout(), final, time.Since(start))
			return perr
		},
	}

	cmd.Flags().StringVar(&bidID, "bid", "", "Bid identifier (directory name under corpus.base_dir)")
	cmd.Flags().StringVarP(&tradeFlag, "trade", "t", "signage", "Trade section code or name")
	cmd.Flags().StringVar(&sourceDir, "source-dir", "", "Explicit corpus directory instead of <base_dir>/<bid>")
	cmd.Flags().StringVar(&user, "user", defaultUser(), "User recorded on the run")
	cmd.Flags().StringVar(&runIDFlag, "run-id", "", "Re-run an existing run")
	return cmd
}

func printRunSummary(w io.Writer, run *entity.Run, elapsed time.Duration) {
	s := run.Stats
	fmt.Fprintf(w, "run %s  bid %s  trade %s\n", run.ID, run.BidID, run.Trade)
	fmt.Fprintf(w, "status: %s  strategy: %s  elapsed: %s\n", run.Status, orDash(string(run.Strategy)), elapsed.Round(time.Millisecond))
	if run.ErrorMessage != nil {
		fmt.Fprintf(w, "error: %s\n", *run.ErrorMessage)
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Documents", "Top score", "Line items", "Catalog codes", "Pages scanned", "Candidates", "Instances", "Tokens", "Cost"},
		[][]string{{
			humanize.Comma(int64(s.Documents)),
			fmt.Sprintf("%d", s.TopScore),
			humanize.Comma(int64(s.LineItems)),
			humanize.Comma(int64(s.CatalogCodes)),
			humanize.Comma(int64(s.ScannedPages)),
			humanize.Comma(int64(s.Candidates)),
			humanize.Comma(int64(s.InstancesInserted)),
			humanize.Comma(int64(s.PromptTokens + s.CompletionTokens)),
			fmt.Sprintf("$%.4f", s.CostUSD),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
