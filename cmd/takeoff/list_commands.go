package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/repository"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var bidID string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List takeoff runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := svc.runs.List(cmd.Context(), bidID, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, runs)
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				errMsg := ""
				if r.ErrorMessage != nil {
					errMsg = truncate(*r.ErrorMessage, 60)
				}
				rows = append(rows, []string{
					r.ID.String(), r.BidID, string(r.Trade), string(r.Status), orDash(string(r.Strategy)),
					strconv.Itoa(r.Stats.LineItems), strconv.Itoa(r.Stats.InstancesInserted),
					humanize.Time(r.CreatedAt), errMsg,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Bid", "Trade", "Status", "Strategy", "Items", "Instances", "Created", "Error"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&bidID, "bid", "", "Only runs for this bid")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newLineItemsCommand(ctx *commandContext) *cobra.Command {
	var bidID, runIDFlag, status string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "line-items",
		Short: "List extracted line items",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repository.LineItemFilter{BidID: bidID}
			var err error
			if f.RunID, err = optionalUUID(runIDFlag); err != nil {
				return err
			}
			if status != "" {
				st, ok := constants.ParseReviewStatus(status)
				if !ok {
					return fmt.Errorf("unknown review status %q", status)
				}
				f.Status = st
			}
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			items, err := svc.items.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, items)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderLineItems(items))
			return nil
		},
	}
	cmd.Flags().StringVar(&bidID, "bid", "", "Filter by bid")
	cmd.Flags().StringVar(&runIDFlag, "run-id", "", "Filter by run")
	cmd.Flags().StringVar(&status, "status", "", "Filter by review status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func renderLineItems(items []entity.LineItem) string {
	rows := make([][]string, 0, len(items))
	for _, li := range items {
		conf := "-"
		if li.Confidence != nil {
			conf = fmt.Sprintf("%.2f", *li.Confidence)
		}
		rows = append(rows, []string{
			li.ID.String(), orDash(li.Code), truncate(li.Description, 48),
			strconv.FormatFloat(li.Quantity, 'f', -1, 64), li.Unit, string(li.ReviewStatus), conf,
		})
	}
	return renderTable(
		[]string{"ID", "Code", "Description", "Qty", "Unit", "Status", "Conf"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignRight},
	)
}

func newInstancesCommand(ctx *commandContext) *cobra.Command {
	var bidID, runIDFlag, status, code string
	var asJSON, summary bool

	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List mined instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repository.InstanceFilter{BidID: bidID, Code: code}
			var err error
			if f.RunID, err = optionalUUID(runIDFlag); err != nil {
				return err
			}
			if status != "" {
				st, ok := constants.ParseInstanceStatus(status)
				if !ok {
					return fmt.Errorf("unknown instance status %q", status)
				}
				f.Status = st
			}
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			instances, err := svc.instances.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, instances)
			}
			if summary {
				fmt.Fprintln(cmd.OutOrStdout(), renderInstanceSummary(instances))
				return nil
			}
			rows := make([][]string, 0, len(instances))
			for _, in := range instances {
				conf := "-"
				if in.Confidence != nil {
					conf = fmt.Sprintf("%.2f", *in.Confidence)
				}
				rows = append(rows, []string{
					in.ID.String(), in.Meta.NormalizedCode, string(in.Status), conf,
					truncate(in.Meta.Filename, 32), strconv.Itoa(in.Meta.PageNumber), truncate(in.Meta.MatchedText, 24),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Code", "Status", "Conf", "Document", "Page", "Matched"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&bidID, "bid", "", "Filter by bid")
	cmd.Flags().StringVar(&runIDFlag, "run-id", "", "Filter by run")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (needs_review, counted, excluded)")
	cmd.Flags().StringVar(&code, "code", "", "Filter by type code")
	cmd.Flags().BoolVar(&summary, "summary", false, "Show per-code counts instead of rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func renderInstanceSummary(instances []entity.Instance) string {
	type tally struct{ counted, review, excluded int }
	byCode := map[string]*tally{}
	var codes []string
	for _, in := range instances {
		c := in.Meta.NormalizedCode
		t, ok := byCode[c]
		if !ok {
			t = &tally{}
			byCode[c] = t
			codes = append(codes, c)
		}
		switch in.Status {
		case constants.InstanceCounted:
			t.counted++
		case constants.InstanceExcluded:
			t.excluded++
		default:
			t.review++
		}
	}
	rows := make([][]string, 0, len(codes))
	for _, c := range codes {
		t := byCode[c]
		rows = append(rows, []string{c, strconv.Itoa(t.counted), strconv.Itoa(t.review), strconv.Itoa(t.excluded)})
	}
	return renderTable(
		[]string{"Code", "Counted", "Needs review", "Excluded"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
	)
}

func optionalUUID(raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", raw, err)
	}
	return id, nil
}
