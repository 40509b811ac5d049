package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/scoring"
)

func newScoreCommand(ctx *commandContext) *cobra.Command {
	var tradeFlag string
	var boost bool
	var asJSON bool
	var limit int

	cmd := &cobra.Command{
		Use:   "score <dir>",
		Short: "Rank the PDFs under a directory by relevance to a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trade, err := parseTrade(tradeFlag)
			if err != nil {
				return err
			}
			logger := ctx.log()
			scores, err := scoring.NewScorer(logger).Score(cmd.Context(), args[0], trade)
			if err != nil {
				return err
			}
			if boost && scoring.ShouldBoost(scores) {
				model, err := ctx.completer()
				if err != nil {
					return err
				}
				res := scoring.NewBooster(model, logger, scoring.WithBatchCap(ctx.config.Cascade.BoostBatchCap)).
					Boost(cmd.Context(), trade, scores)
				scores = res.Scores
				fmt.Fprintf(cmd.ErrOrStderr(), "booster: classified %d, boosted %d, %d tokens\n",
					res.Classified, res.Boosted, res.Usage.PromptTokens+res.Usage.CompletionTokens)
			}
			if limit > 0 && len(scores) > limit {
				scores = scores[:limit]
			}
			if asJSON {
				return writeJSON(cmd, scores)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderScores(scores))
			return nil
		},
	}

	cmd.Flags().StringVarP(&tradeFlag, "trade", "t", string(constants.TradeSignage), "Trade section code or name")
	cmd.Flags().BoolVar(&boost, "boost", false, "Ask the model to re-rank when no document scores high")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	cmd.Flags().IntVarP(&limit, "limit", "n", 25, "Maximum documents to show (0 for all)")
	return cmd
}

func renderScores(scores []entity.DocumentScore) string {
	rows := make([][]string, 0, len(scores))
	for _, s := range scores {
		reasons := make([]string, 0, len(s.Signals))
		for _, sig := range s.Signals {
			reasons = append(reasons, fmt.Sprintf("%s:%s", sig.Type, sig.Pattern))
		}
		rows = append(rows, []string{
			strconv.Itoa(s.Score),
			string(s.Priority),
			s.Document.RelPath,
			humanize.Bytes(uint64(max(s.Document.SizeBytes, 0))),
			strings.Join(reasons, ", "),
		})
	}
	return renderTable(
		[]string{"Score", "Priority", "Document", "Size", "Signals"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func parseTrade(raw string) (constants.Trade, error) {
	trade, ok := constants.CanonicalizeTrade(raw)
	if !ok {
		return "", fmt.Errorf("unknown trade %q (supported: %s)", raw, strings.Join(constants.Trades(), ", "))
	}
	return trade, nil
}
