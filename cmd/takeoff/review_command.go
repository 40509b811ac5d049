package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
)

func newReviewCommand(ctx *commandContext) *cobra.Command {
	var actor string

	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Review line items and instances",
	}
	reviewCmd.PersistentFlags().StringVar(&actor, "actor", defaultUser(), "Reviewer recorded in the edit history")

	reviewCmd.AddCommand(newReviewLineItemCommand(ctx, &actor))
	reviewCmd.AddCommand(newReviewInstanceCommand(ctx, &actor))
	reviewCmd.AddCommand(newReviewHistoryCommand(ctx))
	return reviewCmd
}

func newReviewLineItemCommand(ctx *commandContext, actor *string) *cobra.Command {
	var status, description, unit, notes string
	var quantity float64

	cmd := &cobra.Command{
		Use:   "line-item <id>",
		Short: "Change a line item's status or edit its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid line item id: %w", err)
			}
			var patch entity.LineItemPatch
			flags := cmd.Flags()
			if flags.Changed("description") {
				patch.Description = &description
			}
			if flags.Changed("quantity") {
				patch.Quantity = &quantity
			}
			if flags.Changed("unit") {
				patch.Unit = &unit
			}
			if flags.Changed("notes") {
				patch.Notes = &notes
			}
			if patch.Empty() && status == "" {
				return errors.New("nothing to do: pass --status or a field flag")
			}

			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			var li *entity.LineItem
			if !patch.Empty() {
				if li, err = svc.review.EditLineItem(cmd.Context(), id, patch, *actor); err != nil {
					return err
				}
			}
			if status != "" {
				to, ok := constants.ParseReviewStatus(status)
				if !ok {
					return fmt.Errorf("unknown review status %q", status)
				}
				if li, err = svc.review.TransitionLineItem(cmd.Context(), id, to, *actor); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderLineItems([]entity.LineItem{*li}))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "New review status (pending, approved, rejected, needs_review, modified)")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().Float64Var(&quantity, "quantity", 0, "New quantity")
	cmd.Flags().StringVar(&unit, "unit", "", "New unit")
	cmd.Flags().StringVar(&notes, "notes", "", "New notes")
	return cmd
}

func newReviewInstanceCommand(ctx *commandContext, actor *string) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "instance <id> [id...]",
		Short: "Count, exclude or reopen instances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, ok := constants.ParseInstanceStatus(status)
			if !ok {
				return fmt.Errorf("unknown instance status %q", status)
			}
			ids := make([]uuid.UUID, 0, len(args))
			for _, a := range args {
				id, err := uuid.Parse(a)
				if err != nil {
					return fmt.Errorf("invalid instance id %q: %w", a, err)
				}
				ids = append(ids, id)
			}
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.review.BulkTransitionInstances(cmd.Context(), ids, to, *actor)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "updated %d of %d instance(s) to %s\n", len(res.Updated), len(ids), to)
			for id, msg := range res.Failed {
				fmt.Fprintf(out, "  %s: %s\n", id, msg)
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d instance(s) not updated", len(res.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "New status (needs_review, counted, excluded)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newReviewHistoryCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history <line-item|instance> <id>",
		Short: "Show the edit history of an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind constants.ItemKind
			switch strings.ToLower(args[0]) {
			case "line-item", "line_item":
				kind = constants.ItemLineItem
			case "instance":
				kind = constants.ItemInstance
			default:
				return fmt.Errorf("unknown item kind %q", args[0])
			}
			id, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid id: %w", err)
			}
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			records, err := svc.review.History(cmd.Context(), kind, id)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, records)
			}
			rows := make([][]string, 0, len(records))
			for _, r := range records {
				rows = append(rows, []string{
					r.CreatedAt.Format("2006-01-02 15:04:05"), string(r.EditType), r.Field,
					string(r.Before), string(r.After), r.EditedBy,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"When", "Type", "Field", "Before", "After", "By"}, rows, nil,
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}
